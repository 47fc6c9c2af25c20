// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/training"
)

// HandleStartTraining serves POST /v1/training: creates a job and runs
// the pipeline in the background. Returns 202 with the pending job;
// progress is polled via GET.
func HandleStartTraining(orchestrator *training.Orchestrator, logger *logging.Logger) gin.HandlerFunc {
	type trainingRequest struct {
		ModelType datatypes.ModelType `json:"model_type" binding:"required"`
		Trigger   string              `json:"trigger"`
	}
	if logger == nil {
		logger = logging.Default()
	}
	return func(c *gin.Context) {
		var req trainingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if req.Trigger == "" {
			req.Trigger = "manual"
		}

		job, err := orchestrator.CreateJob(req.ModelType, req.Trigger)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}

		// The pipeline outlives the request; run it detached.
		go func() {
			if _, err := orchestrator.Run(context.Background(), job.ID); err != nil {
				logger.Error("training run failed to start",
					slog.String("job_id", job.ID), slog.Any("error", err))
			}
		}()
		c.JSON(http.StatusAccepted, job)
	}
}

// HandleGetTrainingJob serves GET /v1/training/:jobId.
func HandleGetTrainingJob(orchestrator *training.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orchestrator.GetJob(c.Param("jobId"))
		if errors.Is(err, training.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleListTrainingJobs serves GET /v1/training.
func HandleListTrainingJobs(orchestrator *training.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jobs": orchestrator.ListJobs()})
	}
}
