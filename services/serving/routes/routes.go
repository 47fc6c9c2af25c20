// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes maps the serving API surface onto gin.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/handlers"
	"github.com/kodiaksec/KodiakServe/services/serving/prediction"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
	"github.com/kodiaksec/KodiakServe/services/serving/scan"
	"github.com/kodiaksec/KodiakServe/services/serving/training"
)

// Deps are the long-lived singletons the handlers close over. All are
// owned by the application context, never constructed here.
type Deps struct {
	Predictor    *prediction.Predictor
	ScanEngine   *scan.Engine
	Registry     registry.Store
	Rollback     *registry.RollbackController
	Experiments  *experiment.Manager
	Feedback     feedback.Store
	Orchestrator *training.Orchestrator
	PromRegistry *prometheus.Registry
	Logger       *logging.Logger
}

// SetupRoutes wires the serving API onto the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Predictor, deps.ScanEngine, deps.Registry))
	if deps.PromRegistry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.PromRegistry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/predictions", handlers.HandlePredict(deps.Predictor, deps.Experiments))
		v1.POST("/predictions/batch", handlers.HandleBatchPredict(deps.Predictor))
		v1.GET("/predictions/stats", handlers.HandlePredictionStats(deps.Predictor))
		v1.POST("/feedback", handlers.HandleFeedback(deps.Feedback, deps.Experiments))

		scans := v1.Group("/scans")
		{
			scans.POST("", handlers.HandleCreateScan(deps.ScanEngine))
			scans.GET("/:scanId", handlers.HandleGetScan(deps.ScanEngine))
			scans.DELETE("/:scanId", handlers.HandleCancelScan(deps.ScanEngine))
			scans.GET("/:scanId/stream", handlers.HandleScanStream(deps.ScanEngine))
			scans.GET("/:scanId/ws", handlers.HandleScanWebSocket(deps.ScanEngine, deps.Logger))
		}

		models := v1.Group("/models")
		{
			models.GET("", handlers.HandleListModels(deps.Registry))
			models.GET("/production", handlers.HandleProductionModels(deps.Registry))
			models.GET("/versions/:versionId", handlers.HandleGetModel(deps.Registry))
			models.POST("/rollback", handlers.HandleRollback(deps.Rollback))
			models.GET("/rollbacks", handlers.HandleRollbackHistory(deps.Registry))
		}

		experiments := v1.Group("/experiments")
		{
			experiments.POST("", handlers.HandleCreateExperiment(deps.Experiments))
			experiments.GET("", handlers.HandleListExperiments(deps.Experiments))
			experiments.GET("/:testId", handlers.HandleGetExperiment(deps.Experiments))
			experiments.GET("/:testId/report", handlers.HandleExperimentReport(deps.Experiments))
			experiments.POST("/:testId/start", handlers.HandleStartExperiment(deps.Experiments))
			experiments.POST("/:testId/complete", handlers.HandleCompleteExperiment(deps.Experiments))
		}

		trainingGroup := v1.Group("/training")
		{
			trainingGroup.POST("", handlers.HandleStartTraining(deps.Orchestrator, deps.Logger))
			trainingGroup.GET("", handlers.HandleListTrainingJobs(deps.Orchestrator))
			trainingGroup.GET("/:jobId", handlers.HandleGetTrainingJob(deps.Orchestrator))
		}
	}
}
