// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package experiment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

// seqRand replays a fixed sequence of draws.
type seqRand struct {
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

func seedVersions(t *testing.T, accA, accB float64) (*registry.MemoryStore, string, string) {
	t.Helper()
	store := registry.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	a := &datatypes.ModelVersion{
		ID:           "model-a",
		ModelType:    datatypes.ModelTypeVulnerability,
		Version:      1,
		Metrics:      map[string]float64{"accuracy": accA},
		Status:       datatypes.ModelStatusProduction,
		IsProduction: true,
		CreatedAt:    base,
	}
	b := &datatypes.ModelVersion{
		ID:        "model-b",
		ModelType: datatypes.ModelTypeVulnerability,
		Version:   2,
		Metrics:   map[string]float64{"accuracy": accB},
		Status:    datatypes.ModelStatusTrained,
		CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, store.PutVersion(ctx, a))
	require.NoError(t, store.PutVersion(ctx, b))
	return store, a.ID, b.ID
}

func TestCreateTest_Validation(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	other := &datatypes.ModelVersion{
		ID: "patch-1", ModelType: datatypes.ModelTypePatch, Version: 1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutVersion(ctx, other))

	m := NewManager(store, nil, nil, nil)

	_, err := m.CreateTest(ctx, aID, aID, 10, time.Hour)
	assert.Error(t, err, "same version on both arms")

	_, err = m.CreateTest(ctx, aID, "patch-1", 10, time.Hour)
	assert.Error(t, err, "mismatched model types")

	_, err = m.CreateTest(ctx, aID, bID, 100, time.Hour)
	assert.Error(t, err, "split must stay below 100")

	_, err = m.CreateTest(ctx, aID, "missing", 10, time.Hour)
	assert.Error(t, err, "unknown version")

	test, err := m.CreateTest(ctx, aID, bID, 10, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ABTestStatusDraft, test.Status)
	assert.Equal(t, datatypes.ModelTypeVulnerability, test.ModelType)
}

func TestCreateTest_RejectsVersionInRunningTest(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	c := &datatypes.ModelVersion{
		ID: "model-c", ModelType: datatypes.ModelTypeVulnerability, Version: 3,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.PutVersion(ctx, c))

	m := NewManager(store, nil, nil, nil)
	first, err := m.CreateTest(ctx, aID, bID, 10, time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, first.ID)
	require.NoError(t, err)

	_, err = m.CreateTest(ctx, bID, "model-c", 10, time.Hour)
	assert.ErrorIs(t, err, ErrVersionBusy)

	// A draft test does not lock its versions; completing frees them.
	_, err = m.CompleteTest(ctx, first.ID, false)
	require.NoError(t, err)
	_, err = m.CreateTest(ctx, bID, "model-c", 10, time.Hour)
	assert.NoError(t, err)
}

func TestSelectArm_DeterministicSplit(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	// Draws of 0.05 and 0.50 against a 10% split: 5 < 10 routes to B,
	// 50 >= 10 routes to A.
	m := NewManager(store, nil, nil, nil, WithRand(&seqRand{vals: []float64{0.05, 0.50}}))
	test, err := m.CreateTest(ctx, aID, bID, 10, time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, test.ID)
	require.NoError(t, err)

	arm, versionID, err := m.SelectArm(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ArmB, arm)
	assert.Equal(t, bID, versionID)

	arm, versionID, err = m.SelectArm(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ArmA, arm)
	assert.Equal(t, aID, versionID)
}

func TestDetermineWinner_NeedsMinimumFeedback(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	m := NewManager(store, nil, nil, nil)
	test, err := m.CreateTest(ctx, aID, bID, 50, time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, test.ID)
	require.NoError(t, err)

	// 99 labeled samples per arm: one short of the floor.
	for i := 0; i < 99; i++ {
		for _, arm := range []datatypes.Arm{datatypes.ArmA, datatypes.ArmB} {
			reqID := fmt.Sprintf("%s-%d", arm, i)
			_, err := m.RecordPrediction(ctx, test.ID, arm, reqID, 10)
			require.NoError(t, err)
			m.AttachFeedback(ctx, reqID, true)
		}
	}

	winner, err := m.DetermineWinner(ctx, test.ID, 0.05)
	require.NoError(t, err)
	assert.Empty(t, winner, "no winner below the per-arm feedback floor")
}

// TestEndToEnd_ChallengerWinsAndIsPromoted runs the full experiment
// flow: 150 labeled samples per arm at 70% vs 90% accuracy, winner
// determination, and completion with promotion.
func TestEndToEnd_ChallengerWinsAndIsPromoted(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	controller := registry.NewRollbackController(store, nil, nil, nil)
	m := NewManager(store, controller, nil, nil)

	test, err := m.CreateTest(ctx, aID, bID, 50, 7*24*time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, test.ID)
	require.NoError(t, err)

	record := func(arm datatypes.Arm, n, correct int, latency float64) {
		for i := 0; i < n; i++ {
			reqID := fmt.Sprintf("%s-%d", arm, i)
			_, err := m.RecordPrediction(ctx, test.ID, arm, reqID, latency)
			require.NoError(t, err)
			m.AttachFeedback(ctx, reqID, i < correct)
		}
	}
	record(datatypes.ArmA, 150, 105, 20) // 70% accurate
	record(datatypes.ArmB, 150, 135, 25) // 90% accurate

	winner, err := m.DetermineWinner(ctx, test.ID, 0.05)
	require.NoError(t, err)
	assert.Equal(t, bID, winner)

	got, err := m.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Less(t, got.Significance, 0.05)
	assert.InDelta(t, 0.70, got.MetricsA.Accuracy, 1e-9)
	assert.InDelta(t, 0.90, got.MetricsB.Accuracy, 1e-9)

	completed, err := m.CompleteTest(ctx, test.ID, true)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ABTestStatusCompleted, completed.Status)

	// The challenger is now the sole production version; the old
	// champion is archived.
	prod, err := store.ProductionVersion(ctx, datatypes.ModelTypeVulnerability)
	require.NoError(t, err)
	assert.Equal(t, bID, prod.ID)
	assert.True(t, prod.IsChampion)
	old, err := store.GetVersion(ctx, aID)
	require.NoError(t, err)
	assert.False(t, old.IsProduction)
	assert.False(t, old.IsChampion)
	assert.Equal(t, datatypes.ModelStatusArchived, old.Status)
}

func TestDetermineWinner_EqualAccuracyNoWinner(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.8, 0.8)
	ctx := context.Background()

	m := NewManager(store, nil, nil, nil)
	test, err := m.CreateTest(ctx, aID, bID, 50, time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, test.ID)
	require.NoError(t, err)

	// Identical accuracies produce p=1, so no winner is declared even
	// though B is faster: ties only matter once significance is met.
	for i := 0; i < 120; i++ {
		for _, tc := range []struct {
			arm     datatypes.Arm
			latency float64
		}{{datatypes.ArmA, 40}, {datatypes.ArmB, 15}} {
			reqID := fmt.Sprintf("%s-%d", tc.arm, i)
			_, err := m.RecordPrediction(ctx, test.ID, tc.arm, reqID, tc.latency)
			require.NoError(t, err)
			m.AttachFeedback(ctx, reqID, i%10 < 8)
		}
	}

	winner, err := m.DetermineWinner(ctx, test.ID, 0.05)
	require.NoError(t, err)
	assert.Empty(t, winner)
}

func TestExpiredRunningTests(t *testing.T) {
	store, aID, bID := seedVersions(t, 0.7, 0.9)
	ctx := context.Background()

	m := NewManager(store, nil, nil, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	test, err := m.CreateTest(ctx, aID, bID, 10, time.Hour)
	require.NoError(t, err)
	_, err = m.StartTest(ctx, test.ID)
	require.NoError(t, err)

	assert.Empty(t, m.ExpiredRunningTests(ctx))
	now = now.Add(61 * time.Minute)
	assert.Equal(t, []string{test.ID}, m.ExpiredRunningTests(ctx))
}
