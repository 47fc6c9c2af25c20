// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/prediction"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
	"github.com/kodiaksec/KodiakServe/services/serving/scan"
)

var startedAt = time.Now()

// HealthCheck serves GET /health. Degraded means the serving path is
// failing fast (breaker open); the process itself is still healthy.
func HealthCheck(predictor *prediction.Predictor, engine *scan.Engine, store registry.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		if predictor.Breaker().State() == prediction.CircuitOpen {
			status = "degraded"
		}

		production := make(map[string]string)
		for _, mt := range datatypes.AllModelTypes() {
			version, err := store.ProductionVersion(c.Request.Context(), mt)
			if err != nil {
				continue
			}
			production[string(mt)] = version.ID
		}

		c.JSON(http.StatusOK, gin.H{
			"status":            status,
			"uptime_seconds":    int(time.Since(startedAt).Seconds()),
			"breaker":           predictor.Breaker().State().String(),
			"cache":             predictor.Cache().Stats(),
			"latency":           predictor.Latency(),
			"active_scans":      engine.ActiveCount(),
			"production_models": production,
		})
	}
}
