// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

type fixture struct {
	monitor  *ModelMonitor
	registry *registry.MemoryStore
	feedback *feedback.MemoryStore
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := registry.NewMemoryStore()
	fb := feedback.NewMemoryStore()
	controller := registry.NewRollbackController(reg, nil, nil, nil)
	m := NewModelMonitor(cfg, reg, fb, controller, nil)
	return &fixture{monitor: m, registry: reg, feedback: fb}
}

// installProduction seeds a production version with the given baseline
// accuracy plus an archived fallback.
func (f *fixture) installProduction(t *testing.T, mt datatypes.ModelType, baseline float64) (prodID, fallbackID string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Add(-24 * time.Hour)
	deployed := base.Add(time.Hour)

	fallback := &datatypes.ModelVersion{
		ID: string(mt) + "-old", ModelType: mt, Version: 1,
		Status: datatypes.ModelStatusArchived, DeployedAt: &deployed,
		Metrics:   map[string]float64{"accuracy": baseline},
		CreatedAt: base,
	}
	prod := &datatypes.ModelVersion{
		ID: string(mt) + "-prod", ModelType: mt, Version: 2,
		Status: datatypes.ModelStatusProduction, IsProduction: true,
		Metrics:   map[string]float64{"accuracy": baseline},
		CreatedAt: base.Add(2 * time.Hour),
	}
	require.NoError(t, f.registry.PutVersion(ctx, fallback))
	require.NoError(t, f.registry.PutVersion(ctx, prod))
	return prod.ID, fallback.ID
}

// addFeedback writes n samples with the given accuracy, latency, and
// error rate against one version.
func (f *fixture) addFeedback(t *testing.T, mt datatypes.ModelType, versionID string, n int, accuracy, latencyMs, errorRate float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, f.feedback.Append(ctx, &datatypes.FeedbackRecord{
			ID:             fmt.Sprintf("%s-%d", versionID, i),
			ModelType:      mt,
			ModelVersionID: versionID,
			Correct:        float64(i) < accuracy*float64(n),
			IsError:        float64(i) < errorRate*float64(n),
			LatencyMs:      latencyMs,
			CreatedAt:      time.Now(),
		}))
	}
}

func TestAlertPass_HealthyModelNoAlert(t *testing.T) {
	f := newFixture(t, Config{})
	prodID, _ := f.installProduction(t, datatypes.ModelTypeVulnerability, 0.90)
	f.addFeedback(t, datatypes.ModelTypeVulnerability, prodID, 50, 0.88, 100, 0.01)

	windows, err := f.monitor.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.False(t, windows[0].AlertTriggered)
	assert.InDelta(t, 0.88, windows[0].Accuracy, 0.02)
}

func TestAlertPass_AccuracyDropAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	prodID, _ := f.installProduction(t, datatypes.ModelTypeVulnerability, 0.90)
	// 0.75 < 0.90 * 0.90 = 0.81: alert threshold breached.
	f.addFeedback(t, datatypes.ModelTypeVulnerability, prodID, 100, 0.75, 100, 0.01)

	windows, err := f.monitor.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].AlertTriggered)
	assert.Equal(t, datatypes.AlertAccuracyDrop, windows[0].AlertType)
}

func TestAlertPass_LatencyAndErrorRateAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	prodID, _ := f.installProduction(t, datatypes.ModelTypeExploit, 0.90)
	f.addFeedback(t, datatypes.ModelTypeExploit, prodID, 40, 0.89, 800, 0.01)

	windows, err := f.monitor.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, datatypes.AlertHighLatency, windows[0].AlertType)

	f2 := newFixture(t, Config{})
	prodID2, _ := f2.installProduction(t, datatypes.ModelTypePatch, 0.90)
	f2.addFeedback(t, datatypes.ModelTypePatch, prodID2, 40, 0.89, 100, 0.08)

	windows, err = f2.monitor.RunAlertPass(context.Background())
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, datatypes.AlertErrorRate, windows[0].AlertType)
}

func TestAlertPass_SkipsVersionsWithoutFeedback(t *testing.T) {
	f := newFixture(t, Config{})
	f.installProduction(t, datatypes.ModelTypeRisk, 0.90)

	windows, err := f.monitor.RunAlertPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, windows)
}

// TestRollbackPass_RequiresConsecutiveWindows tests that a single bad
// window never demotes a model, but three in a row do.
func TestRollbackPass_RequiresConsecutiveWindows(t *testing.T) {
	f := newFixture(t, Config{MinConsecutiveWindows: 3})
	prodID, fallbackID := f.installProduction(t, datatypes.ModelTypeVulnerability, 0.90)
	ctx := context.Background()

	// 0.60 < 0.90 * 0.85 = 0.765: rollback-grade accuracy collapse.
	f.addFeedback(t, datatypes.ModelTypeVulnerability, prodID, 100, 0.60, 100, 0.01)

	for i := 0; i < 2; i++ {
		_, err := f.monitor.RunAlertPass(ctx)
		require.NoError(t, err)
		rolled, err := f.monitor.RunRollbackPass(ctx)
		require.NoError(t, err)
		assert.Empty(t, rolled, "window %d: need 3 consecutive breaches", i+1)
	}

	_, err := f.monitor.RunAlertPass(ctx)
	require.NoError(t, err)
	rolled, err := f.monitor.RunRollbackPass(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{prodID}, rolled)

	prod, err := f.registry.ProductionVersion(ctx, datatypes.ModelTypeVulnerability)
	require.NoError(t, err)
	assert.Equal(t, fallbackID, prod.ID)

	records, err := f.registry.ListRollbacks(ctx, datatypes.ModelTypeVulnerability)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, datatypes.RollbackTriggerAutomatic, records[0].Trigger)

	// The audit record snapshots the window that fired the rollback.
	assert.NotEmpty(t, records[0].ID)
	require.NotNil(t, records[0].Metrics)
	assert.InDelta(t, 0.60, records[0].Metrics["accuracy"], 0.01)
	assert.InDelta(t, 0.90, records[0].Metrics["baseline_accuracy"], 0.001)
	assert.InDelta(t, 0.01, records[0].Metrics["error_rate"], 0.005)
}

// TestRollbackPass_AlertGradeBreachDoesNotRollBack tests that a breach
// of the alert tier alone never triggers the rollback tier.
func TestRollbackPass_AlertGradeBreachDoesNotRollBack(t *testing.T) {
	f := newFixture(t, Config{MinConsecutiveWindows: 3})
	prodID, _ := f.installProduction(t, datatypes.ModelTypeVulnerability, 0.90)
	ctx := context.Background()

	// 0.78 breaches the 0.81 alert line but not the 0.765 rollback line.
	f.addFeedback(t, datatypes.ModelTypeVulnerability, prodID, 100, 0.78, 100, 0.01)

	for i := 0; i < 4; i++ {
		_, err := f.monitor.RunAlertPass(ctx)
		require.NoError(t, err)
		rolled, err := f.monitor.RunRollbackPass(ctx)
		require.NoError(t, err)
		assert.Empty(t, rolled)
	}

	prod, err := f.registry.ProductionVersion(ctx, datatypes.ModelTypeVulnerability)
	require.NoError(t, err)
	assert.Equal(t, prodID, prod.ID)
}

// TestRollbackPass_RecoveryResetsStreak tests that one healthy window
// in the middle breaks the consecutive-breach requirement.
func TestRollbackPass_RecoveryResetsStreak(t *testing.T) {
	f := newFixture(t, Config{MinConsecutiveWindows: 3})
	prodID, _ := f.installProduction(t, datatypes.ModelTypeVulnerability, 0.90)

	bad := datatypes.MonitoringWindow{ModelVersionID: prodID, Accuracy: 0.50, Predictions: 100}
	good := datatypes.MonitoringWindow{ModelVersionID: prodID, Accuracy: 0.89, Predictions: 100}
	for _, w := range []datatypes.MonitoringWindow{bad, bad, good, bad} {
		f.monitor.appendHistory(&w)
	}

	rolled, err := f.monitor.RunRollbackPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rolled)
}

func TestBuildWindow_Percentiles(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		require.NoError(t, f.feedback.Append(ctx, &datatypes.FeedbackRecord{
			ModelType:      datatypes.ModelTypeRisk,
			ModelVersionID: "v",
			Correct:        true,
			LatencyMs:      float64(i),
			CreatedAt:      time.Now(),
		}))
	}

	w, err := f.monitor.BuildWindow(ctx, "v", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 100, w.Predictions)
	assert.InDelta(t, 50, w.P50LatencyMs, 1)
	assert.InDelta(t, 95, w.P95LatencyMs, 1)
	assert.InDelta(t, 99, w.P99LatencyMs, 1)
}
