// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the serving
// control plane.
//
// # Description
//
// Metrics cover the serving path (prediction counters, inference
// latency), the scan engine (active scans, scan outcomes), and the
// lifecycle surface (rollbacks, experiments, training jobs). Exposed
// via the /metrics endpoint; use with Prometheus + Grafana for
// dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "kodiak"

// Subsystem for serving metrics.
const servingSubsystem = "serving"

// Metrics holds all Prometheus metrics for the control plane.
// Initialize once at startup via NewMetrics().
type Metrics struct {
	// PredictionsTotal counts predictions by type and outcome.
	// Labels: type (vulnerability, exploit, ...), outcome
	// (success, cache_hit, circuit_open, error)
	PredictionsTotal *prometheus.CounterVec

	// InferenceSeconds measures end-to-end prediction latency.
	// Labels: type
	InferenceSeconds *prometheus.HistogramVec

	// BreakerState exposes the circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState prometheus.Gauge

	// ActiveScans tracks currently running scan jobs.
	ActiveScans prometheus.Gauge

	// ScansTotal counts finished scans by terminal status.
	// Labels: status (completed, failed, cancelled)
	ScansTotal *prometheus.CounterVec

	// RollbacksTotal counts production swaps by trigger.
	// Labels: trigger (automatic, manual), model_type
	RollbacksTotal *prometheus.CounterVec

	// ExperimentsTotal counts A/B test transitions.
	// Labels: event (created, started, completed, promoted)
	ExperimentsTotal *prometheus.CounterVec

	// TrainingJobsTotal counts training pipeline runs by outcome.
	// Labels: status (completed, failed)
	TrainingJobsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all control-plane metrics against
// the given registerer. Pass prometheus.DefaultRegisterer in main; tests
// use a fresh registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PredictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "predictions_total",
			Help:      "Total predictions by type and outcome.",
		}, []string{"type", "outcome"}),

		InferenceSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "inference_seconds",
			Help:      "End-to-end prediction latency in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 90},
		}, []string{"type"}),

		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "breaker_state",
			Help:      "Detector circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),

		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "active_scans",
			Help:      "Currently running scan jobs.",
		}),

		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "scans_total",
			Help:      "Finished scan jobs by terminal status.",
		}, []string{"status"}),

		RollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "rollbacks_total",
			Help:      "Production model swaps by trigger.",
		}, []string{"trigger", "model_type"}),

		ExperimentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "experiments_total",
			Help:      "A/B test lifecycle events.",
		}, []string{"event"}),

		TrainingJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: servingSubsystem,
			Name:      "training_jobs_total",
			Help:      "Training pipeline runs by outcome.",
		}, []string{"status"}),
	}
}
