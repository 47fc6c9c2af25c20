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
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

// HandleListModels serves GET /v1/models?type=vulnerability: all
// versions of a model type, newest first.
func HandleListModels(store registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelType := datatypes.ModelType(c.Query("type"))
		if !modelType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model type"})
			return
		}
		versions, err := store.ListVersions(c.Request.Context(), modelType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"versions": versions})
	}
}

// HandleGetModel serves GET /v1/models/versions/:versionId.
func HandleGetModel(store registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		version, err := store.GetVersion(c.Request.Context(), c.Param("versionId"))
		if errors.Is(err, registry.ErrVersionNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err))
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, version)
	}
}

// HandleProductionModels serves GET /v1/models/production: the active
// version per model type. Types without one are omitted.
func HandleProductionModels(store registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make(map[string]*datatypes.ModelVersion)
		for _, mt := range datatypes.AllModelTypes() {
			version, err := store.ProductionVersion(c.Request.Context(), mt)
			if errors.Is(err, registry.ErrVersionNotFound) {
				continue
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, errorBody(err))
				return
			}
			out[string(mt)] = version
		}
		c.JSON(http.StatusOK, gin.H{"production": out})
	}
}

// HandleRollback serves POST /v1/models/rollback: an operator-initiated
// production swap. With target_id empty the controller picks the
// fallback candidate itself.
func HandleRollback(controller *registry.RollbackController) gin.HandlerFunc {
	type rollbackRequest struct {
		ModelType datatypes.ModelType `json:"model_type" binding:"required"`
		TargetID  string              `json:"target_id"`
		Reason    string              `json:"reason" binding:"required"`
	}
	return func(c *gin.Context) {
		var req rollbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(err))
			return
		}
		if !req.ModelType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model type"})
			return
		}

		version, err := controller.PerformRollback(c.Request.Context(), req.ModelType, req.TargetID, req.Reason, datatypes.RollbackTriggerManual, nil)
		switch {
		case errors.Is(err, registry.ErrNoFallback):
			c.JSON(http.StatusConflict, errorBody(err))
		case errors.Is(err, registry.ErrVersionNotFound):
			c.JSON(http.StatusNotFound, errorBody(err))
		case err != nil:
			c.JSON(http.StatusBadRequest, errorBody(err))
		default:
			c.JSON(http.StatusOK, version)
		}
	}
}

// HandleRollbackHistory serves GET /v1/models/rollbacks?type=...: the
// audit log for a model type, newest first.
func HandleRollbackHistory(store registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelType := datatypes.ModelType(c.Query("type"))
		if !modelType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model type"})
			return
		}
		records, err := store.ListRollbacks(c.Request.Context(), modelType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"rollbacks": records})
	}
}
