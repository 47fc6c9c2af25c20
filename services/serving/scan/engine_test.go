// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// stubDetector serves canned findings with an optional per-call delay.
type stubDetector struct {
	detector.Client

	mu          sync.Mutex
	findings    map[string][]datatypes.Finding
	detectErr   map[string]error
	delay       time.Duration
	exploitErr  error
	patchErr    error
	detectCalls int
}

func (s *stubDetector) Detect(ctx context.Context, code, filePath, language string) ([]datatypes.Finding, error) {
	s.mu.Lock()
	s.detectCalls++
	delay := s.delay
	findings := s.findings[filePath]
	err := s.detectErr[filePath]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func (s *stubDetector) GenerateExploit(ctx context.Context, req detector.ExploitRequest) (*datatypes.ExploitInfo, error) {
	if s.exploitErr != nil {
		return nil, s.exploitErr
	}
	return &datatypes.ExploitInfo{FindingType: req.FindingType, Code: "poc", Language: req.Language}, nil
}

func (s *stubDetector) GeneratePatch(ctx context.Context, req detector.PatchRequest) (*datatypes.PatchInfo, error) {
	if s.patchErr != nil {
		return nil, s.patchErr
	}
	return &datatypes.PatchInfo{FindingType: req.FindingType, Diff: "--- fix"}, nil
}

func (s *stubDetector) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectCalls
}

func targets(paths ...string) []datatypes.ScanTarget {
	out := make([]datatypes.ScanTarget, len(paths))
	for i, p := range paths {
		out[i] = datatypes.ScanTarget{Path: p, Code: "code", Language: "go"}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, client detector.Client) *Engine {
	t.Helper()
	e := NewEngine(cfg, client, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

// waitTerminal polls until the job reaches a terminal state.
func waitTerminal(t *testing.T, e *Engine, scanID string) *datatypes.ScanJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetScan(scanID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scan never reached a terminal state")
	return nil
}

func TestScan_CompletesInTargetOrder(t *testing.T) {
	stub := &stubDetector{findings: map[string][]datatypes.Finding{
		"a.go": {{Type: "sqli", FilePath: "a.go", Severity: "high", Confidence: 0.9}},
		"c.go": {{Type: "xss", FilePath: "c.go", Severity: "medium", Confidence: 0.7}},
	}}
	e := newTestEngine(t, Config{}, stub)

	job, err := e.CreateScan(targets("a.go", "b.go", "c.go"), datatypes.ScanTypeStandard)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ScanStatusPending, job.Status)
	assert.Equal(t, 3, job.TotalFiles)

	require.NoError(t, e.StartScan(context.Background(), job.ID))
	done := waitTerminal(t, e, job.ID)

	assert.Equal(t, datatypes.ScanStatusCompleted, done.Status)
	assert.Equal(t, 3, done.FilesScanned)
	assert.Equal(t, 2, done.Vulnerabilities)
	assert.InDelta(t, 1.0, done.Progress, 1e-9)
	require.Len(t, done.Results, 3)
	assert.Equal(t, "a.go", done.Results[0].Target)
	assert.Equal(t, "b.go", done.Results[1].Target)
	assert.Equal(t, "c.go", done.Results[2].Target)
	assert.Empty(t, done.Results[1].Findings)
}

func TestScan_TargetFailureDoesNotFailJob(t *testing.T) {
	stub := &stubDetector{
		findings:  map[string][]datatypes.Finding{"b.go": {{Type: "rce", Severity: "critical"}}},
		detectErr: map[string]error{"a.go": errors.New("parse error")},
	}
	e := newTestEngine(t, Config{}, stub)

	job, err := e.CreateScan(targets("a.go", "b.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	done := waitTerminal(t, e, job.ID)

	assert.Equal(t, datatypes.ScanStatusCompleted, done.Status)
	require.Len(t, done.Results, 2)
	assert.Contains(t, done.Results[0].Error, "parse error")
	assert.Len(t, done.Results[1].Findings, 1)
}

func TestScan_DeadlineStopsEarlyWithPartialResults(t *testing.T) {
	stub := &stubDetector{delay: 30 * time.Millisecond}
	e := newTestEngine(t, Config{QuickTimeout: 50 * time.Millisecond}, stub)

	job, err := e.CreateScan(targets("a.go", "b.go", "c.go", "d.go", "e.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	done := waitTerminal(t, e, job.ID)

	// Early stop is a completion with partial results, never a failure.
	assert.Equal(t, datatypes.ScanStatusCompleted, done.Status)
	assert.Less(t, done.FilesScanned, 5)
	assert.Greater(t, done.FilesScanned, 0)
	assert.Len(t, done.Results, done.FilesScanned)
}

func TestScan_CancelStopsBetweenTargets(t *testing.T) {
	stub := &stubDetector{delay: 20 * time.Millisecond}
	e := newTestEngine(t, Config{}, stub)

	job, err := e.CreateScan(targets("a.go", "b.go", "c.go", "d.go", "e.go", "f.go"), datatypes.ScanTypeDeep)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.CancelScan(job.ID))
	done := waitTerminal(t, e, job.ID)

	assert.Equal(t, datatypes.ScanStatusCancelled, done.Status)
	assert.Less(t, done.FilesScanned, 6)

	// Terminal jobs reject further cancellation.
	assert.ErrorIs(t, e.CancelScan(job.ID), ErrNotCancellable)
}

func TestScan_CancelPendingJob(t *testing.T) {
	e := newTestEngine(t, Config{}, &stubDetector{})

	job, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.CancelScan(job.ID))

	got, err := e.GetScan(job.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.ScanStatusCancelled, got.Status)
	assert.Equal(t, 0, got.FilesScanned)
}

func TestScan_ExploitAndPatchChaining(t *testing.T) {
	stub := &stubDetector{findings: map[string][]datatypes.Finding{
		"a.go": {{Type: "sqli", Severity: "high"}, {Type: "xss", Severity: "medium"}},
	}}
	e := newTestEngine(t, Config{ChainExploits: true, ChainPatches: true}, stub)

	job, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeStandard)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	done := waitTerminal(t, e, job.ID)

	require.Len(t, done.Results, 1)
	assert.Len(t, done.Results[0].Exploits, 2)
	assert.Len(t, done.Results[0].Patches, 2)
}

// TestScan_ChainingFailuresAreSwallowed tests the best-effort contract:
// exploit/patch errors never fail the target.
func TestScan_ChainingFailuresAreSwallowed(t *testing.T) {
	stub := &stubDetector{
		findings:   map[string][]datatypes.Finding{"a.go": {{Type: "sqli", Severity: "high"}}},
		exploitErr: errors.New("model unavailable"),
		patchErr:   errors.New("model unavailable"),
	}
	e := newTestEngine(t, Config{ChainExploits: true, ChainPatches: true}, stub)

	job, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeStandard)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	done := waitTerminal(t, e, job.ID)

	assert.Equal(t, datatypes.ScanStatusCompleted, done.Status)
	require.Len(t, done.Results, 1)
	assert.Empty(t, done.Results[0].Error)
	assert.Len(t, done.Results[0].Findings, 1)
	assert.Empty(t, done.Results[0].Exploits)
	assert.Empty(t, done.Results[0].Patches)
}

func TestScan_ValidationErrors(t *testing.T) {
	e := newTestEngine(t, Config{}, &stubDetector{})

	_, err := e.CreateScan(nil, datatypes.ScanTypeQuick)
	assert.Error(t, err)
	_, err = e.CreateScan(targets("a.go"), "bogus")
	assert.Error(t, err)
	_, err = e.CreateScan(targets("../outside/secrets.go"), datatypes.ScanTypeQuick)
	assert.Error(t, err)
	assert.ErrorIs(t, e.StartScan(context.Background(), "missing"), ErrScanNotFound)

	job, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	assert.ErrorIs(t, e.StartScan(context.Background(), job.ID), ErrAlreadyStarted)
	waitTerminal(t, e, job.ID)
}

func TestScan_JanitorEvictsOldTerminalJobs(t *testing.T) {
	e := newTestEngine(t, Config{RetainTerminal: time.Minute}, &stubDetector{})

	job, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	waitTerminal(t, e, job.ID)

	// Fresh terminal job survives a sweep.
	e.evictExpired()
	_, err = e.GetScan(job.ID)
	require.NoError(t, err)

	// Age it past retention and sweep again.
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	e.evictExpired()
	_, err = e.GetScan(job.ID)
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestStream_DeliversResultsAndCompletion(t *testing.T) {
	stub := &stubDetector{
		findings: map[string][]datatypes.Finding{"a.go": {{Type: "sqli", Severity: "high"}}},
		delay:    10 * time.Millisecond,
	}
	e := newTestEngine(t, Config{}, stub)

	job, err := e.CreateScan(targets("a.go", "b.go", "c.go"), datatypes.ScanTypeStandard)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, err := e.StreamResults(ctx, job.ID, 5*time.Millisecond)
	require.NoError(t, err)

	var results []string
	var completed *datatypes.ScanEvent
	for ev := range events {
		switch ev.Type {
		case datatypes.ScanEventResult:
			results = append(results, ev.Result.Target)
		case datatypes.ScanEventCompleted:
			cp := ev
			completed = &cp
		}
	}

	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, results, "results stream in target order")
	require.NotNil(t, completed)
	assert.Equal(t, datatypes.ScanStatusCompleted, completed.Status)
}

// TestStream_RestartsFromFirstResult tests that a second stream over a
// finished job replays everything.
func TestStream_RestartsFromFirstResult(t *testing.T) {
	e := newTestEngine(t, Config{}, &stubDetector{})

	job, err := e.CreateScan(targets("a.go", "b.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	require.NoError(t, e.StartScan(context.Background(), job.ID))
	waitTerminal(t, e, job.ID)

	for round := 0; round < 2; round++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		events, err := e.StreamResults(ctx, job.ID, time.Millisecond)
		require.NoError(t, err)
		var n int
		for ev := range events {
			if ev.Type == datatypes.ScanEventResult {
				n++
			}
		}
		cancel()
		assert.Equal(t, 2, n, "round %d replays all results", round)
	}
	_, err = e.StreamResults(context.Background(), "missing", time.Millisecond)
	assert.ErrorIs(t, err, ErrScanNotFound)
}

func TestScan_SemaphoreBoundsConcurrency(t *testing.T) {
	stub := &stubDetector{delay: 30 * time.Millisecond}
	e := newTestEngine(t, Config{MaxConcurrent: 1}, stub)
	ctx := context.Background()

	first, err := e.CreateScan(targets("a.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)
	second, err := e.CreateScan(targets("b.go"), datatypes.ScanTypeQuick)
	require.NoError(t, err)

	require.NoError(t, e.StartScan(ctx, first.ID))
	// The second start blocks on the semaphore until the first scan
	// releases its slot, then runs to completion.
	require.NoError(t, e.StartScan(ctx, second.ID))
	waitTerminal(t, e, first.ID)
	waitTerminal(t, e, second.ID)
	assert.Equal(t, 2, stub.calls())
}
