// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package monitor watches production model versions for drift and
// decides when to hand control to the rollback controller.
package monitor

// # Description
//
// ModelMonitor aggregates recent feedback into MonitoringWindows per
// production model version and evaluates two rule tiers against them.
// Alert rules fire early warnings: accuracy below 90% of the version's
// own training baseline, p95 latency above 500ms, or error rate above
// 5%. Rollback rules are stricter (85% of baseline, 1000ms, 10%) and
// require the breach to persist across a minimum number of consecutive
// windows before a rollback is triggered, so one bad window never
// demotes a model.
//
// # Inputs
//
// The registry (production versions and baselines), the feedback store
// (labeled samples with latencies), and the rollback controller.
//
// # Outputs
//
// MonitoringWindows (kept in a bounded per-version history), alert
// logs, and automatic PerformRollback invocations.
//
// # Limitations
//
// Window history is in-memory; a restart clears the consecutive-breach
// count and the rollback clock starts over. This errs on the side of
// not rolling back.
//
// # Assumptions
//
// Feedback records carry latency and error flags. Versions without any
// feedback in the window are skipped, not alerted.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

// Config carries the monitoring thresholds. Zero values fall back to
// the defaults.
type Config struct {
	// WindowSize is the lookback for one monitoring window.
	// Default: 30 minutes.
	WindowSize time.Duration

	// AlertAccuracyRatio flags accuracy below this fraction of the
	// training baseline. Default: 0.90.
	AlertAccuracyRatio float64

	// AlertP95LatencyMs flags p95 latency above this. Default: 500.
	AlertP95LatencyMs float64

	// AlertErrorRate flags error rate above this. Default: 0.05.
	AlertErrorRate float64

	// RollbackAccuracyRatio triggers rollback below this fraction of
	// baseline. Default: 0.85.
	RollbackAccuracyRatio float64

	// RollbackP95LatencyMs triggers rollback above this. Default: 1000.
	RollbackP95LatencyMs float64

	// RollbackErrorRate triggers rollback above this. Default: 0.10.
	RollbackErrorRate float64

	// MinConsecutiveWindows is how many consecutive breaching windows a
	// version must accumulate before rollback fires. Default: 3.
	MinConsecutiveWindows int

	// HistoryLimit bounds the per-version window history. Default: 48.
	HistoryLimit int
}

func (c *Config) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 30 * time.Minute
	}
	if c.AlertAccuracyRatio == 0 {
		c.AlertAccuracyRatio = 0.90
	}
	if c.AlertP95LatencyMs == 0 {
		c.AlertP95LatencyMs = 500
	}
	if c.AlertErrorRate == 0 {
		c.AlertErrorRate = 0.05
	}
	if c.RollbackAccuracyRatio == 0 {
		c.RollbackAccuracyRatio = 0.85
	}
	if c.RollbackP95LatencyMs == 0 {
		c.RollbackP95LatencyMs = 1000
	}
	if c.RollbackErrorRate == 0 {
		c.RollbackErrorRate = 0.10
	}
	if c.MinConsecutiveWindows == 0 {
		c.MinConsecutiveWindows = 3
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 48
	}
}

// ModelMonitor evaluates production versions against drift thresholds.
//
// Thread Safety: Safe for concurrent use; RunAlertPass and
// RunRollbackPass may be called from separate tickers.
type ModelMonitor struct {
	config     Config
	store      registry.Store
	feedback   feedback.Store
	controller *registry.RollbackController
	logger     *logging.Logger

	mu      sync.Mutex
	history map[string][]datatypes.MonitoringWindow // by version id

	now func() time.Time
}

// NewModelMonitor wires a monitor. controller may be nil, which turns
// rollback passes into log-only evaluations.
func NewModelMonitor(config Config, store registry.Store, fb feedback.Store, controller *registry.RollbackController, logger *logging.Logger) *ModelMonitor {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &ModelMonitor{
		config:     config,
		store:      store,
		feedback:   fb,
		controller: controller,
		logger:     logger,
		history:    make(map[string][]datatypes.MonitoringWindow),
		now:        time.Now,
	}
}

// BuildWindow aggregates one monitoring window for a version from
// feedback received since windowStart. Returns nil when the version
// received no feedback in the window.
func (m *ModelMonitor) BuildWindow(ctx context.Context, versionID string, windowStart, windowEnd time.Time) (*datatypes.MonitoringWindow, error) {
	records, err := m.feedback.SinceForVersion(ctx, versionID, windowStart)
	if err != nil {
		return nil, fmt.Errorf("load feedback for %s: %w", versionID, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	w := &datatypes.MonitoringWindow{
		ModelVersionID: versionID,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Predictions:    len(records),
	}

	var correct, errors int
	latencies := make([]float64, 0, len(records))
	for _, r := range records {
		if r.Correct {
			correct++
		}
		if r.IsError {
			errors++
		}
		latencies = append(latencies, r.LatencyMs)
	}
	w.Accuracy = float64(correct) / float64(len(records))
	w.ErrorRate = float64(errors) / float64(len(records))
	sort.Float64s(latencies)
	w.P50LatencyMs = percentile(latencies, 0.50)
	w.P95LatencyMs = percentile(latencies, 0.95)
	w.P99LatencyMs = percentile(latencies, 0.99)
	return w, nil
}

// RunAlertPass builds a window per production version and applies the
// alert rules. Versions with no recent feedback are skipped. Returns
// the windows that were evaluated.
func (m *ModelMonitor) RunAlertPass(ctx context.Context) ([]datatypes.MonitoringWindow, error) {
	windowEnd := m.now()
	windowStart := windowEnd.Add(-m.config.WindowSize)

	var out []datatypes.MonitoringWindow
	for _, mt := range datatypes.AllModelTypes() {
		version, err := m.store.ProductionVersion(ctx, mt)
		if err == registry.ErrVersionNotFound {
			continue
		}
		if err != nil {
			return out, err
		}

		w, err := m.BuildWindow(ctx, version.ID, windowStart, windowEnd)
		if err != nil {
			return out, err
		}
		if w == nil {
			continue
		}

		m.applyAlertRules(w, version)
		m.appendHistory(w)
		out = append(out, *w)
	}
	return out, nil
}

func (m *ModelMonitor) applyAlertRules(w *datatypes.MonitoringWindow, version *datatypes.ModelVersion) {
	baseline := version.Accuracy()
	switch {
	case baseline > 0 && w.Accuracy < baseline*m.config.AlertAccuracyRatio:
		w.AlertTriggered = true
		w.AlertType = datatypes.AlertAccuracyDrop
		w.AlertMessage = fmt.Sprintf("accuracy %.3f below %.0f%% of baseline %.3f",
			w.Accuracy, m.config.AlertAccuracyRatio*100, baseline)
	case w.P95LatencyMs > m.config.AlertP95LatencyMs:
		w.AlertTriggered = true
		w.AlertType = datatypes.AlertHighLatency
		w.AlertMessage = fmt.Sprintf("p95 latency %.0fms above %.0fms",
			w.P95LatencyMs, m.config.AlertP95LatencyMs)
	case w.ErrorRate > m.config.AlertErrorRate:
		w.AlertTriggered = true
		w.AlertType = datatypes.AlertErrorRate
		w.AlertMessage = fmt.Sprintf("error rate %.1f%% above %.1f%%",
			w.ErrorRate*100, m.config.AlertErrorRate*100)
	}
	if w.AlertTriggered {
		m.logger.Warn("model drift alert",
			slog.String("version", w.ModelVersionID),
			slog.String("alert_type", string(w.AlertType)),
			slog.String("message", w.AlertMessage))
	}
}

// RunRollbackPass evaluates the stricter rollback rules against the
// window history. A version is rolled back only when its most recent
// MinConsecutiveWindows windows all breach a rollback rule. Returns
// the version ids that were rolled back.
func (m *ModelMonitor) RunRollbackPass(ctx context.Context) ([]string, error) {
	var rolledBack []string
	for _, mt := range datatypes.AllModelTypes() {
		version, err := m.store.ProductionVersion(ctx, mt)
		if err == registry.ErrVersionNotFound {
			continue
		}
		if err != nil {
			return rolledBack, err
		}

		reason, snapshot, breaching := m.consecutiveBreach(version)
		if !breaching {
			continue
		}

		if m.controller == nil {
			m.logger.Warn("rollback condition met but no controller wired",
				slog.String("version", version.ID),
				slog.String("reason", reason))
			continue
		}
		if _, err := m.controller.PerformRollback(ctx, mt, "", reason, datatypes.RollbackTriggerAutomatic, snapshot); err != nil {
			// ErrNoFallback and races are logged by the controller;
			// monitoring continues with the other types.
			m.logger.Error("automatic rollback failed",
				slog.String("model_type", string(mt)),
				slog.Any("error", err))
			continue
		}
		m.clearHistory(version.ID)
		rolledBack = append(rolledBack, version.ID)
	}
	return rolledBack, nil
}

// consecutiveBreach reports whether the latest MinConsecutiveWindows
// windows for the version all violate a rollback rule, why, and the
// metrics of the newest breaching window for the audit record.
func (m *ModelMonitor) consecutiveBreach(version *datatypes.ModelVersion) (string, map[string]float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.history[version.ID]
	need := m.config.MinConsecutiveWindows
	if len(history) < need {
		return "", nil, false
	}

	baseline := version.Accuracy()
	var reason string
	recent := history[len(history)-need:]
	for _, w := range recent {
		r := m.rollbackRuleBreached(&w, baseline)
		if r == "" {
			return "", nil, false
		}
		reason = r
	}

	latest := recent[len(recent)-1]
	snapshot := map[string]float64{
		"accuracy":          latest.Accuracy,
		"baseline_accuracy": baseline,
		"p95_latency_ms":    latest.P95LatencyMs,
		"error_rate":        latest.ErrorRate,
		"predictions":       float64(latest.Predictions),
	}
	return reason, snapshot, true
}

func (m *ModelMonitor) rollbackRuleBreached(w *datatypes.MonitoringWindow, baseline float64) string {
	switch {
	case baseline > 0 && w.Accuracy < baseline*m.config.RollbackAccuracyRatio:
		return fmt.Sprintf("accuracy %.3f below %.0f%% of baseline %.3f",
			w.Accuracy, m.config.RollbackAccuracyRatio*100, baseline)
	case w.P95LatencyMs > m.config.RollbackP95LatencyMs:
		return fmt.Sprintf("p95 latency %.0fms above %.0fms",
			w.P95LatencyMs, m.config.RollbackP95LatencyMs)
	case w.ErrorRate > m.config.RollbackErrorRate:
		return fmt.Sprintf("error rate %.1f%% above %.1f%%",
			w.ErrorRate*100, m.config.RollbackErrorRate*100)
	}
	return ""
}

func (m *ModelMonitor) appendHistory(w *datatypes.MonitoringWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[w.ModelVersionID], *w)
	if len(h) > m.config.HistoryLimit {
		h = h[len(h)-m.config.HistoryLimit:]
	}
	m.history[w.ModelVersionID] = h
}

func (m *ModelMonitor) clearHistory(versionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, versionID)
}

// History returns a copy of the recorded windows for a version, oldest
// first.
func (m *ModelMonitor) History(versionID string) []datatypes.MonitoringWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]datatypes.MonitoringWindow, len(m.history[versionID]))
	copy(out, m.history[versionID])
	return out
}

// percentile is nearest-rank over an ascending-sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*q+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
