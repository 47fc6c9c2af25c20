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
	"github.com/kodiaksec/KodiakServe/services/serving/scan"
)

// HandleCreateScan serves POST /v1/scans: builds the job and starts it
// immediately. Returns 202 with the job snapshot; progress is polled or
// streamed separately.
func HandleCreateScan(engine *scan.Engine) gin.HandlerFunc {
	type scanRequest struct {
		Targets  []datatypes.ScanTarget `json:"targets" binding:"required,min=1"`
		ScanType datatypes.ScanType     `json:"scan_type"`
	}
	return func(c *gin.Context) {
		var req scanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if req.ScanType == "" {
			req.ScanType = datatypes.ScanTypeStandard
		}

		job, err := engine.CreateScan(req.Targets, req.ScanType)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if err := engine.StartScan(c.Request.Context(), job.ID); err != nil {
			c.JSON(http.StatusServiceUnavailable, errorBody(err))
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// HandleGetScan serves GET /v1/scans/:scanId.
func HandleGetScan(engine *scan.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := engine.GetScan(c.Param("scanId"))
		if errors.Is(err, scan.ErrScanNotFound) {
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

// HandleCancelScan serves DELETE /v1/scans/:scanId.
func HandleCancelScan(engine *scan.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := engine.CancelScan(c.Param("scanId"))
		switch {
		case errors.Is(err, scan.ErrScanNotFound):
			c.JSON(http.StatusNotFound, errorBody(err))
		case errors.Is(err, scan.ErrNotCancellable):
			c.JSON(http.StatusConflict, errorBody(err))
		case err != nil:
			c.JSON(http.StatusInternalServerError, errorBody(err))
		default:
			c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		}
	}
}

// HandleScanStream serves GET /v1/scans/:scanId/stream as SSE: result
// events in target order, progress updates, and a final completed
// event. The stream restarts from the first result on every call.
func HandleScanStream(engine *scan.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := engine.StreamResults(c.Request.Context(), c.Param("scanId"), scan.DefaultPollInterval)
		if errors.Is(err, scan.ErrScanNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}

		for event := range events {
			if err := writer.WriteEvent(event); err != nil {
				// Client went away; the engine keeps scanning.
				return
			}
		}
	}
}
