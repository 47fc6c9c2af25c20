// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/monitor"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

func newScheduler(t *testing.T) (*Scheduler, *registry.MemoryStore, *experiment.Manager) {
	t.Helper()
	reg := registry.NewMemoryStore()
	fb := feedback.NewMemoryStore()
	controller := registry.NewRollbackController(reg, nil, nil, nil)
	mon := monitor.NewModelMonitor(monitor.Config{}, reg, fb, controller, nil)
	experiments := experiment.NewManager(reg, controller, nil, nil)
	s := New(Config{}, mon, experiments, nil, nil)
	return s, reg, experiments
}

// TestTicks_SafeOnEmptyState tests that every tick is a no-op when
// there is nothing to do.
func TestTicks_SafeOnEmptyState(t *testing.T) {
	s, _, _ := newScheduler(t)
	ctx := context.Background()

	s.MonitorTick(ctx)
	s.RollbackTick(ctx)
	s.ExperimentTick(ctx)
}

func TestExperimentTick_CompletesExpiredTests(t *testing.T) {
	s, reg, experiments := newScheduler(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	a := &datatypes.ModelVersion{
		ID: "a", ModelType: datatypes.ModelTypeVulnerability, Version: 1,
		Status: datatypes.ModelStatusProduction, IsProduction: true, CreatedAt: base,
	}
	b := &datatypes.ModelVersion{
		ID: "b", ModelType: datatypes.ModelTypeVulnerability, Version: 2,
		Status: datatypes.ModelStatusTrained, CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, reg.PutVersion(ctx, a))
	require.NoError(t, reg.PutVersion(ctx, b))

	test, err := experiments.CreateTest(ctx, "a", "b", 10, time.Nanosecond)
	require.NoError(t, err)
	_, err = experiments.StartTest(ctx, test.ID)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	s.ExperimentTick(ctx)

	got, err := experiments.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ABTestStatusCompleted, got.Status)
	// No feedback was collected, so nobody was promoted.
	prod, err := reg.ProductionVersion(ctx, datatypes.ModelTypeVulnerability)
	require.NoError(t, err)
	assert.Equal(t, "a", prod.ID)
}

func TestStartStop(t *testing.T) {
	s, _, _ := newScheduler(t)
	s.Start()
	s.Stop()
	// Stop is idempotent.
	s.Stop()
}
