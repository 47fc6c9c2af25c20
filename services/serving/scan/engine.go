// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scan executes multi-target vulnerability scans as background
// jobs with progress tracking, cooperative cancellation, and streaming
// results.
package scan

// # Description
//
// The Engine owns ScanJob lifecycles. createScan builds a pending job;
// startScan launches a background worker that walks targets in order,
// invoking the detector per target and optionally chaining exploit and
// patch generation per finding (best-effort: chained failures are
// logged, never fail the target). Between targets the worker checks
// the cancellation flag and the scan type's wall-clock deadline; a
// deadline hit stops early with partial results and still completes
// the job. A counting semaphore caps concurrent scans; a janitor
// evicts terminal jobs after a retention period.
//
// # Inputs
//
// Scan requests (targets plus scan type) and the detector client.
//
// # Outputs
//
// ScanJob state transitions, ordered ScanResults, and scan metrics.
//
// # Limitations
//
// Deadlines are checked between targets only. A single slow target can
// overrun the job's nominal budget; that overrun is logged, not
// interrupted.
//
// # Assumptions
//
// Target content arrives inline with the request; the engine never
// touches the filesystem.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/pkg/validation"
	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
)

var (
	// ErrScanNotFound is returned for unknown scan ids.
	ErrScanNotFound = errors.New("scan job not found")

	// ErrNotCancellable rejects cancellation of a terminal job.
	ErrNotCancellable = errors.New("scan job is not pending or running")

	// ErrAlreadyStarted rejects a second start of the same job.
	ErrAlreadyStarted = errors.New("scan job already started")
)

// Config carries the engine tunables. Zero values fall back to the
// defaults.
type Config struct {
	// MaxConcurrent caps simultaneously running scans. Default: 10.
	MaxConcurrent int64

	// QuickTimeout, StandardTimeout, and DeepTimeout are the per-type
	// wall-clock budgets. Defaults: 90s, 5m, 30m.
	QuickTimeout    time.Duration
	StandardTimeout time.Duration
	DeepTimeout     time.Duration

	// ChainExploits and ChainPatches enable best-effort exploit/patch
	// generation per finding.
	ChainExploits bool
	ChainPatches  bool

	// RetainTerminal is how long finished jobs stay queryable before
	// the janitor evicts them. Default: 1 hour.
	RetainTerminal time.Duration

	// JanitorInterval is the eviction sweep period. Default: 10
	// minutes.
	JanitorInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.QuickTimeout == 0 {
		c.QuickTimeout = 90 * time.Second
	}
	if c.StandardTimeout == 0 {
		c.StandardTimeout = 5 * time.Minute
	}
	if c.DeepTimeout == 0 {
		c.DeepTimeout = 30 * time.Minute
	}
	if c.RetainTerminal == 0 {
		c.RetainTerminal = time.Hour
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = 10 * time.Minute
	}
}

// Timeout returns the wall-clock budget for a scan type.
func (c *Config) Timeout(st datatypes.ScanType) time.Duration {
	switch st {
	case datatypes.ScanTypeQuick:
		return c.QuickTimeout
	case datatypes.ScanTypeDeep:
		return c.DeepTimeout
	default:
		return c.StandardTimeout
	}
}

// jobState pairs the visible job with its control flags.
type jobState struct {
	mu        sync.RWMutex
	job       *datatypes.ScanJob
	cancelled bool
	started   bool
}

// Engine runs scan jobs.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	config  Config
	client  detector.Client
	metrics *observability.Metrics
	logger  *logging.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState

	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	done chan struct{}

	now func() time.Time
}

// NewEngine wires a scan engine and starts its janitor.
func NewEngine(config Config, client detector.Client, metrics *observability.Metrics, logger *logging.Logger) *Engine {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		config:  config,
		client:  client,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[string]*jobState),
		sem:     semaphore.NewWeighted(config.MaxConcurrent),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go e.janitor()
	return e
}

// CreateScan builds a pending job from the given targets.
func (e *Engine) CreateScan(targets []datatypes.ScanTarget, scanType datatypes.ScanType) (*datatypes.ScanJob, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("scan needs at least one target")
	}
	if !scanType.Valid() {
		return nil, fmt.Errorf("unknown scan type %q", scanType)
	}
	for i := range targets {
		path, err := validation.NormalizeTargetPath(targets[i].Path)
		if err != nil {
			return nil, err
		}
		targets[i].Path = path
	}

	job := &datatypes.ScanJob{
		ID:         uuid.NewString(),
		ScanType:   scanType,
		Targets:    targets,
		Status:     datatypes.ScanStatusPending,
		TotalFiles: len(targets),
		CreatedAt:  e.now(),
	}
	e.mu.Lock()
	e.jobs[job.ID] = &jobState{job: job}
	e.mu.Unlock()
	return cloneJob(job), nil
}

// StartScan launches the background worker for a pending job. It
// blocks only for semaphore admission, not for the scan itself.
func (e *Engine) StartScan(ctx context.Context, scanID string) error {
	state, err := e.state(scanID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.started {
		state.mu.Unlock()
		return ErrAlreadyStarted
	}
	if state.cancelled {
		state.mu.Unlock()
		return ErrNotCancellable
	}
	state.started = true
	state.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		state.mu.Lock()
		state.started = false
		state.mu.Unlock()
		return fmt.Errorf("acquire scan slot: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		e.run(state)
	}()
	return nil
}

// GetScan returns a snapshot of one job.
func (e *Engine) GetScan(scanID string) (*datatypes.ScanJob, error) {
	state, err := e.state(scanID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return cloneJob(state.job), nil
}

// ActiveCount returns the number of jobs currently running.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	active := 0
	for _, state := range e.jobs {
		state.mu.RLock()
		if state.job.Status == datatypes.ScanStatusRunning {
			active++
		}
		state.mu.RUnlock()
	}
	return active
}

// CancelScan flags a pending or running job for cooperative
// cancellation. The worker honors the flag between targets.
func (e *Engine) CancelScan(scanID string) error {
	state, err := e.state(scanID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.job.Status.Terminal() {
		return ErrNotCancellable
	}
	state.cancelled = true
	if state.job.Status == datatypes.ScanStatusPending {
		// Never started: finalize immediately.
		e.finishLocked(state, datatypes.ScanStatusCancelled, "")
	}
	return nil
}

// Shutdown waits for running scans to finish and stops the janitor.
func (e *Engine) Shutdown(ctx context.Context) error {
	close(e.done)
	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) state(scanID string) (*jobState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.jobs[scanID]
	if !ok {
		return nil, ErrScanNotFound
	}
	return state, nil
}

// run is the worker body: target loop with deadline and cancellation
// checks between targets.
func (e *Engine) run(state *jobState) {
	defer func() {
		if r := recover(); r != nil {
			state.mu.Lock()
			e.finishLocked(state, datatypes.ScanStatusFailed, fmt.Sprintf("scan panicked: %v", r))
			state.mu.Unlock()
			e.logger.Error("scan worker panic", slog.Any("panic", r))
		}
	}()

	state.mu.Lock()
	if state.cancelled {
		e.finishLocked(state, datatypes.ScanStatusCancelled, "")
		state.mu.Unlock()
		return
	}
	started := e.now()
	state.job.Status = datatypes.ScanStatusRunning
	state.job.StartedAt = &started
	job := state.job
	targets := job.Targets
	scanID := job.ID
	deadline := e.config.Timeout(job.ScanType)
	state.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveScans.Inc()
		defer e.metrics.ActiveScans.Dec()
	}
	ctx := context.Background()

	for i, target := range targets {
		state.mu.RLock()
		cancelled := state.cancelled
		state.mu.RUnlock()
		if cancelled {
			state.mu.Lock()
			e.finishLocked(state, datatypes.ScanStatusCancelled, "")
			state.mu.Unlock()
			return
		}
		if elapsed := e.now().Sub(started); elapsed >= deadline {
			// Early stop with partial results is a completion, not a
			// failure.
			e.logger.Warn("scan deadline reached, stopping with partial results",
				slog.String("scan_id", scanID),
				slog.Int("scanned", i),
				slog.Int("total", len(targets)),
				slog.Duration("elapsed", elapsed))
			state.mu.Lock()
			e.finishLocked(state, datatypes.ScanStatusCompleted, "")
			state.mu.Unlock()
			return
		}

		result := e.scanTarget(ctx, target)

		state.mu.Lock()
		job.Results = append(job.Results, *result)
		job.FilesScanned = i + 1
		job.Vulnerabilities += len(result.Findings)
		job.Progress = float64(i+1) / float64(len(targets))
		state.mu.Unlock()
	}

	state.mu.Lock()
	e.finishLocked(state, datatypes.ScanStatusCompleted, "")
	state.mu.Unlock()
}

// scanTarget runs detection for one target and, when enabled, chains
// exploit and patch generation per finding. Chained failures degrade
// to log lines; a detection failure marks the result but not the job.
func (e *Engine) scanTarget(ctx context.Context, target datatypes.ScanTarget) *datatypes.ScanResult {
	start := e.now()
	result := &datatypes.ScanResult{Target: target.Path}

	findings, err := e.client.Detect(ctx, target.Code, target.Path, target.Language)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = float64(e.now().Sub(start)) / float64(time.Millisecond)
		e.logger.Warn("target scan failed",
			slog.String("path", target.Path),
			slog.Any("error", err))
		return result
	}
	result.Findings = findings

	for _, finding := range findings {
		if e.config.ChainExploits {
			exploit, err := e.client.GenerateExploit(ctx, detector.ExploitRequest{
				FindingType: finding.Type,
				Target:      target.Path,
				Language:    target.Language,
			})
			if err != nil {
				e.logger.Debug("exploit generation failed",
					slog.String("path", target.Path),
					slog.String("finding", finding.Type),
					slog.Any("error", err))
			} else if exploit != nil {
				result.Exploits = append(result.Exploits, *exploit)
			}
		}
		if e.config.ChainPatches {
			patch, err := e.client.GeneratePatch(ctx, detector.PatchRequest{
				FindingType: finding.Type,
				Code:        target.Code,
				FilePath:    target.Path,
				Language:    target.Language,
			})
			if err != nil {
				e.logger.Debug("patch generation failed",
					slog.String("path", target.Path),
					slog.String("finding", finding.Type),
					slog.Any("error", err))
			} else if patch != nil {
				result.Patches = append(result.Patches, *patch)
			}
		}
	}

	result.DurationMs = float64(e.now().Sub(start)) / float64(time.Millisecond)
	return result
}

// finishLocked finalizes a job. Caller holds state.mu.
func (e *Engine) finishLocked(state *jobState, status datatypes.ScanStatus, errMsg string) {
	if state.job.Status.Terminal() {
		return
	}
	state.job.Status = status
	state.job.ErrorMessage = errMsg
	finished := e.now()
	state.job.FinishedAt = &finished
	if e.metrics != nil {
		e.metrics.ScansTotal.WithLabelValues(string(status)).Inc()
	}
}

// janitor evicts terminal jobs past the retention period.
func (e *Engine) janitor() {
	ticker := time.NewTicker(e.config.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.evictExpired()
		}
	}
}

func (e *Engine) evictExpired() {
	cutoff := e.now().Add(-e.config.RetainTerminal)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, state := range e.jobs {
		state.mu.RLock()
		expired := state.job.Status.Terminal() &&
			state.job.FinishedAt != nil &&
			state.job.FinishedAt.Before(cutoff)
		state.mu.RUnlock()
		if expired {
			delete(e.jobs, id)
		}
	}
}

func cloneJob(j *datatypes.ScanJob) *datatypes.ScanJob {
	cp := *j
	cp.Targets = append([]datatypes.ScanTarget(nil), j.Targets...)
	cp.Results = append([]datatypes.ScanResult(nil), j.Results...)
	return &cp
}
