// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
)

// HandleCreateExperiment serves POST /v1/experiments.
func HandleCreateExperiment(manager *experiment.Manager) gin.HandlerFunc {
	type createRequest struct {
		ModelAID     string  `json:"model_a_id" binding:"required"`
		ModelBID     string  `json:"model_b_id" binding:"required"`
		TrafficSplit float64 `json:"traffic_split"`
		DurationDays int     `json:"duration_days"`
	}
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if req.TrafficSplit == 0 {
			req.TrafficSplit = 10
		}
		if req.DurationDays == 0 {
			req.DurationDays = 7
		}

		test, err := manager.CreateTest(c.Request.Context(), req.ModelAID, req.ModelBID,
			req.TrafficSplit, time.Duration(req.DurationDays)*24*time.Hour)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, experiment.ErrVersionBusy) {
				status = http.StatusConflict
			}
			c.JSON(status, errorBody(err))
			return
		}
		c.JSON(http.StatusCreated, test)
	}
}

// HandleStartExperiment serves POST /v1/experiments/:testId/start.
func HandleStartExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		test, err := manager.StartTest(c.Request.Context(), c.Param("testId"))
		switch {
		case errors.Is(err, experiment.ErrTestNotFound):
			c.JSON(http.StatusNotFound, errorBody(err))
		case errors.Is(err, experiment.ErrInvalidTransition):
			c.JSON(http.StatusConflict, errorBody(err))
		case err != nil:
			c.JSON(http.StatusInternalServerError, errorBody(err))
		default:
			c.JSON(http.StatusOK, test)
		}
	}
}

// HandleListExperiments serves GET /v1/experiments.
func HandleListExperiments(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tests": manager.ListTests(c.Request.Context())})
	}
}

// HandleGetExperiment serves GET /v1/experiments/:testId with fresh
// per-arm metrics.
func HandleGetExperiment(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		test, err := manager.UpdateMetrics(c.Request.Context(), c.Param("testId"))
		if errors.Is(err, experiment.ErrTestNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, test)
	}
}

// HandleExperimentReport serves GET /v1/experiments/:testId/report:
// refreshed metrics plus the current winner determination.
func HandleExperimentReport(manager *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		testID := c.Param("testId")
		winnerID, err := manager.DetermineWinner(c.Request.Context(), testID, experiment.DefaultMinSignificance)
		if errors.Is(err, experiment.ErrTestNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		test, err := manager.GetTest(c.Request.Context(), testID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"test":       test,
			"winner_id":  winnerID,
			"conclusive": winnerID != "",
		})
	}
}

// HandleCompleteExperiment serves POST /v1/experiments/:testId/complete.
func HandleCompleteExperiment(manager *experiment.Manager) gin.HandlerFunc {
	type completeRequest struct {
		PromoteWinner bool `json:"promote_winner"`
	}
	return func(c *gin.Context) {
		var req completeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, errorBody(err))
				return
			}
		}

		test, err := manager.CompleteTest(c.Request.Context(), c.Param("testId"), req.PromoteWinner)
		switch {
		case errors.Is(err, experiment.ErrTestNotFound):
			c.JSON(http.StatusNotFound, errorBody(err))
		case errors.Is(err, experiment.ErrInvalidTransition):
			c.JSON(http.StatusConflict, errorBody(err))
		case err != nil:
			c.JSON(http.StatusInternalServerError, errorBody(err))
		default:
			c.JSON(http.StatusOK, test)
		}
	}
}
