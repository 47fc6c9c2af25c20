// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package experiment runs controlled A/B tests between two versions of
// the same model type.
package experiment

// # Description
//
// The Manager owns the A/B test lifecycle: creation with version
// validation, traffic splitting on the serving path, per-arm outcome
// recording, metric aggregation, and a Welch's t-test over the binary
// correctness series to pick a winner. Completing a test with
// promoteWinner delegates the production swap to the registry's
// promotion logic so the single-production invariant is enforced in
// exactly one place.
//
// # Inputs
//
// A version reader for validation, a Promoter for winner deployment,
// and a pluggable Rand so arm selection is deterministic in tests.
//
// # Outputs
//
// ABTest state transitions, ABTestPrediction samples, and
// experiments_total metric events.
//
// # Limitations
//
// Tests and predictions live in process memory. A restart loses
// running experiments; they must be recreated.
//
// # Assumptions
//
// Feedback volume is modest (hundreds to low thousands of samples per
// arm), so per-test linear scans during aggregation are acceptable.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
)

const (
	// DefaultMinSignificance is the p-value ceiling for declaring a
	// winner.
	DefaultMinSignificance = 0.05

	// MinFeedbackPerArm is the sample floor below which determineWinner
	// refuses to judge.
	MinFeedbackPerArm = 100
)

var (
	// ErrTestNotFound is returned for unknown test ids.
	ErrTestNotFound = errors.New("ab test not found")

	// ErrVersionBusy rejects a test referencing a version that is
	// already in a running test.
	ErrVersionBusy = errors.New("model version already referenced by a running test")

	// ErrInvalidTransition rejects lifecycle calls against the wrong
	// status.
	ErrInvalidTransition = errors.New("invalid ab test state transition")

	// ErrNoRunningTest is returned when no running test covers a model
	// type.
	ErrNoRunningTest = errors.New("no running ab test for model type")
)

// VersionReader is the slice of the registry the manager needs for
// validation.
type VersionReader interface {
	GetVersion(ctx context.Context, id string) (*datatypes.ModelVersion, error)
}

// Promoter performs the atomic production swap for a winning version.
type Promoter interface {
	Promote(ctx context.Context, versionID string) (*datatypes.ModelVersion, error)
}

// Manager coordinates A/B tests.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	versions VersionReader
	promoter Promoter
	metrics  *observability.Metrics
	logger   *logging.Logger

	mu          sync.RWMutex
	tests       map[string]*datatypes.ABTest
	predictions map[string][]*datatypes.ABTestPrediction // by test id
	byRequest   map[string]*datatypes.ABTestPrediction   // by request id

	rng Rand
	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRand injects a deterministic randomness source.
func WithRand(r Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// NewManager wires an experiment manager. promoter may be nil when
// winner promotion is not needed (dry-run setups).
func NewManager(versions VersionReader, promoter Promoter, metrics *observability.Metrics, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{
		versions:    versions,
		promoter:    promoter,
		metrics:     metrics,
		logger:      logger,
		tests:       make(map[string]*datatypes.ABTest),
		predictions: make(map[string][]*datatypes.ABTestPrediction),
		byRequest:   make(map[string]*datatypes.ABTestPrediction),
		rng:         defaultRand{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTest builds a draft test between two versions of the same model
// type. Rejects mismatched types and versions already in a running
// test.
func (m *Manager) CreateTest(ctx context.Context, modelAID, modelBID string, trafficSplit float64, duration time.Duration) (*datatypes.ABTest, error) {
	if modelAID == modelBID {
		return nil, fmt.Errorf("a test needs two distinct versions, got %q twice", modelAID)
	}
	if trafficSplit < 0 || trafficSplit >= 100 {
		return nil, fmt.Errorf("traffic split %.1f out of range [0,100)", trafficSplit)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("test duration must be positive")
	}

	a, err := m.versions.GetVersion(ctx, modelAID)
	if err != nil {
		return nil, fmt.Errorf("model a: %w", err)
	}
	b, err := m.versions.GetVersion(ctx, modelBID)
	if err != nil {
		return nil, fmt.Errorf("model b: %w", err)
	}
	if a.ModelType != b.ModelType {
		return nil, fmt.Errorf("cannot test %s against %s: model types differ", a.ModelType, b.ModelType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tests {
		if t.Status != datatypes.ABTestStatusRunning {
			continue
		}
		for _, id := range []string{modelAID, modelBID} {
			if t.ModelAID == id || t.ModelBID == id {
				return nil, fmt.Errorf("%w: %s in test %s", ErrVersionBusy, id, t.ID)
			}
		}
	}

	test := &datatypes.ABTest{
		ID:           uuid.NewString(),
		ModelType:    a.ModelType,
		ModelAID:     modelAID,
		ModelBID:     modelBID,
		TrafficSplit: trafficSplit,
		Duration:     duration,
		Status:       datatypes.ABTestStatusDraft,
		CreatedAt:    m.now(),
	}
	m.tests[test.ID] = test
	m.countEvent("created")
	return cloneTest(test), nil
}

// StartTest moves a draft test to running.
func (m *Manager) StartTest(ctx context.Context, testID string) (*datatypes.ABTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}
	if test.Status != datatypes.ABTestStatusDraft {
		return nil, fmt.Errorf("%w: start requires draft, test is %s", ErrInvalidTransition, test.Status)
	}
	started := m.now()
	test.Status = datatypes.ABTestStatusRunning
	test.StartedAt = &started
	m.countEvent("started")
	m.logger.Info("ab test started",
		slog.String("test_id", test.ID),
		slog.String("model_type", string(test.ModelType)),
		slog.Float64("traffic_split", test.TrafficSplit))
	return cloneTest(test), nil
}

// SelectArm draws the routing decision for one request: a uniform
// number in [0,100); below the traffic split routes to arm B (the
// challenger), otherwise arm A.
func (m *Manager) SelectArm(ctx context.Context, testID string) (datatypes.Arm, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	test, ok := m.tests[testID]
	if !ok {
		return "", "", ErrTestNotFound
	}
	if test.Status != datatypes.ABTestStatusRunning {
		return "", "", fmt.Errorf("%w: selectArm requires running, test is %s", ErrInvalidTransition, test.Status)
	}
	arm := datatypes.ArmA
	if m.rng.Float64()*100 < test.TrafficSplit {
		arm = datatypes.ArmB
	}
	return arm, test.VersionID(arm), nil
}

// RunningTestFor returns the running test covering a model type, or
// ErrNoRunningTest.
func (m *Manager) RunningTestFor(ctx context.Context, modelType datatypes.ModelType) (*datatypes.ABTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tests {
		if t.Status == datatypes.ABTestStatusRunning && t.ModelType == modelType {
			return cloneTest(t), nil
		}
	}
	return nil, ErrNoRunningTest
}

// RecordPrediction appends one outcome sample and bumps the arm's
// prediction counter.
func (m *Manager) RecordPrediction(ctx context.Context, testID string, arm datatypes.Arm, requestID string, latencyMs float64) (*datatypes.ABTestPrediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}
	if test.Status != datatypes.ABTestStatusRunning {
		return nil, fmt.Errorf("%w: recordPrediction requires running, test is %s", ErrInvalidTransition, test.Status)
	}

	p := &datatypes.ABTestPrediction{
		ID:        uuid.NewString(),
		TestID:    testID,
		Arm:       arm,
		RequestID: requestID,
		LatencyMs: latencyMs,
		CreatedAt: m.now(),
	}
	m.predictions[testID] = append(m.predictions[testID], p)
	if requestID != "" {
		m.byRequest[requestID] = p
	}
	if arm == datatypes.ArmB {
		test.MetricsB.Predictions++
	} else {
		test.MetricsA.Predictions++
	}
	cp := *p
	return &cp, nil
}

// AttachFeedback labels a recorded prediction as correct or incorrect.
// Unknown request ids are ignored: feedback can arrive for predictions
// served outside any experiment.
func (m *Manager) AttachFeedback(ctx context.Context, requestID string, correct bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byRequest[requestID]
	if !ok {
		return
	}
	p.HasFeedback = true
	p.Correct = correct
}

// UpdateMetrics recomputes both arms' aggregates from the recorded
// samples: accuracy over feedback-labeled samples, latency average and
// p95 over all samples.
func (m *Manager) UpdateMetrics(ctx context.Context, testID string) (*datatypes.ABTest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}
	test.MetricsA = m.armMetricsLocked(testID, datatypes.ArmA)
	test.MetricsB = m.armMetricsLocked(testID, datatypes.ArmB)
	return cloneTest(test), nil
}

func (m *Manager) armMetricsLocked(testID string, arm datatypes.Arm) datatypes.ArmMetrics {
	var out datatypes.ArmMetrics
	var latencies []float64
	for _, p := range m.predictions[testID] {
		if p.Arm != arm {
			continue
		}
		out.Predictions++
		latencies = append(latencies, p.LatencyMs)
		if !p.HasFeedback {
			continue
		}
		out.Feedback++
		if p.Correct {
			out.Correct++
		}
	}
	if out.Feedback > 0 {
		out.Accuracy = float64(out.Correct) / float64(out.Feedback)
	}
	if len(latencies) > 0 {
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		out.AvgLatencyMs = sum / float64(len(latencies))
		sort.Float64s(latencies)
		idx := int(float64(len(latencies))*0.95+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		out.P95LatencyMs = latencies[idx]
	}
	return out
}

// DetermineWinner runs the significance test. It returns the winning
// version id, or "" when either arm lacks MinFeedbackPerArm labeled
// samples or the difference is not significant at minSignificance.
// Ties on accuracy are broken by lower average latency.
func (m *Manager) DetermineWinner(ctx context.Context, testID string, minSignificance float64) (string, error) {
	if minSignificance <= 0 {
		minSignificance = DefaultMinSignificance
	}
	if _, err := m.UpdateMetrics(ctx, testID); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	test := m.tests[testID]

	seriesA := m.correctnessSeriesLocked(testID, datatypes.ArmA)
	seriesB := m.correctnessSeriesLocked(testID, datatypes.ArmB)
	if len(seriesA) < MinFeedbackPerArm || len(seriesB) < MinFeedbackPerArm {
		return "", nil
	}

	result := welchTTest(seriesA, seriesB)
	test.Significance = result.P
	if result.P >= minSignificance {
		test.WinnerID = ""
		return "", nil
	}

	winner := datatypes.ArmA
	switch {
	case test.MetricsB.Accuracy > test.MetricsA.Accuracy:
		winner = datatypes.ArmB
	case test.MetricsB.Accuracy == test.MetricsA.Accuracy &&
		test.MetricsB.AvgLatencyMs < test.MetricsA.AvgLatencyMs:
		winner = datatypes.ArmB
	}
	test.WinnerID = test.VersionID(winner)
	m.logger.Info("ab test winner determined",
		slog.String("test_id", testID),
		slog.String("winner", test.WinnerID),
		slog.Float64("p_value", result.P))
	return test.WinnerID, nil
}

func (m *Manager) correctnessSeriesLocked(testID string, arm datatypes.Arm) []float64 {
	var out []float64
	for _, p := range m.predictions[testID] {
		if p.Arm != arm || !p.HasFeedback {
			continue
		}
		if p.Correct {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

// CompleteTest moves a running test to completed. With promoteWinner
// set, a winner is determined (if not already) and promoted to
// production; completing without a clear winner is not an error.
func (m *Manager) CompleteTest(ctx context.Context, testID string, promoteWinner bool) (*datatypes.ABTest, error) {
	m.mu.RLock()
	test, ok := m.tests[testID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrTestNotFound
	}
	status := test.Status
	winnerID := test.WinnerID
	m.mu.RUnlock()

	if status != datatypes.ABTestStatusRunning {
		return nil, fmt.Errorf("%w: complete requires running, test is %s", ErrInvalidTransition, status)
	}

	if promoteWinner && winnerID == "" {
		var err error
		winnerID, err = m.DetermineWinner(ctx, testID, DefaultMinSignificance)
		if err != nil {
			return nil, err
		}
	}

	if promoteWinner && winnerID != "" && m.promoter != nil {
		if _, err := m.promoter.Promote(ctx, winnerID); err != nil {
			return nil, fmt.Errorf("promote winner %s: %w", winnerID, err)
		}
		m.countEvent("promoted")
	}

	m.mu.Lock()
	completed := m.now()
	test.Status = datatypes.ABTestStatusCompleted
	test.CompletedAt = &completed
	out := cloneTest(test)
	m.mu.Unlock()

	m.countEvent("completed")
	m.logger.Info("ab test completed",
		slog.String("test_id", testID),
		slog.String("winner", out.WinnerID),
		slog.Bool("promoted", promoteWinner && out.WinnerID != ""))
	return out, nil
}

// GetTest returns a snapshot of one test.
func (m *Manager) GetTest(ctx context.Context, testID string) (*datatypes.ABTest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	test, ok := m.tests[testID]
	if !ok {
		return nil, ErrTestNotFound
	}
	return cloneTest(test), nil
}

// ListTests returns snapshots of all tests, newest first.
func (m *Manager) ListTests(ctx context.Context) []datatypes.ABTest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]datatypes.ABTest, 0, len(m.tests))
	for _, t := range m.tests {
		out = append(out, *cloneTest(t))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ExpiredRunningTests returns ids of running tests whose window has
// elapsed. The scheduler completes them with winner promotion.
func (m *Manager) ExpiredRunningTests(ctx context.Context) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []string
	for _, t := range m.tests {
		if t.Status != datatypes.ABTestStatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) >= t.Duration {
			out = append(out, t.ID)
		}
	}
	return out
}

func (m *Manager) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.ExperimentsTotal.WithLabelValues(event).Inc()
	}
}

func cloneTest(t *datatypes.ABTest) *datatypes.ABTest {
	cp := *t
	return &cp
}
