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

	"github.com/gin-gonic/gin"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/prediction"
)

// HandlePredict serves POST /v1/predictions.
//
// When a running A/B test covers the request's model type, the arm is
// drawn before inference and the outcome recorded against it, so the
// experiment sees exactly the traffic the splitter routed.
func HandlePredict(predictor *prediction.Predictor, experiments *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.PredictionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}

		var testID string
		var arm datatypes.Arm
		if experiments != nil {
			if test, err := experiments.RunningTestFor(c.Request.Context(), req.Type.ModelType()); err == nil {
				if a, _, err := experiments.SelectArm(c.Request.Context(), test.ID); err == nil {
					testID, arm = test.ID, a
				}
			}
		}

		result, err := predictor.Predict(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, prediction.ErrCircuitOpen) {
				status = http.StatusServiceUnavailable
			} else if errors.Is(err, prediction.ErrUnknownPredictionType) {
				status = http.StatusBadRequest
			}
			c.JSON(status, errorBody(err))
			return
		}

		if testID != "" {
			_, _ = experiments.RecordPrediction(c.Request.Context(), testID, arm, result.RequestID, result.Timing.TotalMs)
		}
		c.JSON(http.StatusOK, result)
	}
}

// HandleBatchPredict serves POST /v1/predictions/batch. All requests in
// a batch must share one prediction type.
func HandleBatchPredict(predictor *prediction.Predictor) gin.HandlerFunc {
	type batchRequest struct {
		Requests []*datatypes.PredictionRequest `json:"requests" binding:"required,min=1"`
	}
	return func(c *gin.Context) {
		var body batchRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}

		results, err := predictor.BatchPredict(c.Request.Context(), body.Requests)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, prediction.ErrCircuitOpen) {
				status = http.StatusServiceUnavailable
			} else if errors.Is(err, prediction.ErrUnknownPredictionType) {
				status = http.StatusBadRequest
			}
			c.JSON(status, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}

// HandleFeedback serves POST /v1/feedback: one labeled outcome, stored
// for training/monitoring and attached to any experiment sample with
// the same prediction id.
func HandleFeedback(store feedback.Store, experiments *experiment.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var record datatypes.FeedbackRecord
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if !record.ModelType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model type"})
			return
		}

		if err := store.Append(c.Request.Context(), &record); err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		if experiments != nil && record.PredictionID != "" {
			experiments.AttachFeedback(c.Request.Context(), record.PredictionID, record.Correct)
		}
		c.JSON(http.StatusCreated, gin.H{"id": record.ID})
	}
}

// HandlePredictionStats serves GET /v1/predictions/stats: cache,
// breaker, and latency window state for dashboards.
func HandlePredictionStats(predictor *prediction.Predictor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"cache":   predictor.Cache().Stats(),
			"breaker": predictor.Breaker().Stats(),
			"latency": predictor.Latency(),
		})
	}
}
