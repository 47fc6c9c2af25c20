// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scheduler drives the periodic background work: monitoring
// passes, rollback checks, experiment upkeep, and scheduled
// retraining. Every tick is idempotent and skips cleanly when no
// qualifying data exists.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/monitor"
	"github.com/kodiaksec/KodiakServe/services/serving/training"
)

// Config carries the tick intervals. Zero values fall back to the
// defaults.
type Config struct {
	// MonitorInterval drives the alert-tier monitoring pass.
	// Default: 30 minutes.
	MonitorInterval time.Duration

	// RollbackInterval drives the stricter rollback-tier pass.
	// Default: 10 minutes.
	RollbackInterval time.Duration

	// ExperimentInterval drives A/B stat refresh and expiry of tests
	// whose window has elapsed. Default: 10 minutes.
	ExperimentInterval time.Duration

	// RetrainInterval drives scheduled retraining across all model
	// types. Zero disables scheduled retraining.
	RetrainInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MonitorInterval == 0 {
		c.MonitorInterval = 30 * time.Minute
	}
	if c.RollbackInterval == 0 {
		c.RollbackInterval = 10 * time.Minute
	}
	if c.ExperimentInterval == 0 {
		c.ExperimentInterval = 10 * time.Minute
	}
}

// Scheduler owns the background tickers.
//
// Thread Safety: Start and Stop are not reentrant; the tick bodies are
// safe to run concurrently with the serving path.
type Scheduler struct {
	config       Config
	monitor      *monitor.ModelMonitor
	experiments  *experiment.Manager
	orchestrator *training.Orchestrator
	logger       *logging.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New wires a scheduler. Any nil dependency disables its ticks.
func New(config Config, mon *monitor.ModelMonitor, experiments *experiment.Manager, orchestrator *training.Orchestrator, logger *logging.Logger) *Scheduler {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		config:       config,
		monitor:      mon,
		experiments:  experiments,
		orchestrator: orchestrator,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start launches the tickers.
func (s *Scheduler) Start() {
	if s.monitor != nil {
		s.loop(s.config.MonitorInterval, s.MonitorTick)
		s.loop(s.config.RollbackInterval, s.RollbackTick)
	}
	if s.experiments != nil {
		s.loop(s.config.ExperimentInterval, s.ExperimentTick)
	}
	if s.orchestrator != nil && s.config.RetrainInterval > 0 {
		s.loop(s.config.RetrainInterval, s.RetrainTick)
	}
	s.logger.Info("scheduler started",
		slog.Duration("monitor_interval", s.config.MonitorInterval),
		slog.Duration("rollback_interval", s.config.RollbackInterval),
		slog.Duration("experiment_interval", s.config.ExperimentInterval))
}

// Stop halts the tickers and waits for in-flight ticks.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(interval time.Duration, tick func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				tick(context.Background())
			}
		}
	}()
}

// MonitorTick runs one alert-tier monitoring pass.
func (s *Scheduler) MonitorTick(ctx context.Context) {
	windows, err := s.monitor.RunAlertPass(ctx)
	if err != nil {
		s.logger.Error("monitoring pass failed", slog.Any("error", err))
		return
	}
	if len(windows) > 0 {
		s.logger.Debug("monitoring pass done", slog.Int("windows", len(windows)))
	}
}

// RollbackTick runs one rollback-tier pass.
func (s *Scheduler) RollbackTick(ctx context.Context) {
	rolled, err := s.monitor.RunRollbackPass(ctx)
	if err != nil {
		s.logger.Error("rollback pass failed", slog.Any("error", err))
		return
	}
	for _, id := range rolled {
		s.logger.Warn("scheduled pass rolled back version", slog.String("version", id))
	}
}

// ExperimentTick refreshes running test metrics and completes tests
// whose window has elapsed, promoting their winners.
func (s *Scheduler) ExperimentTick(ctx context.Context) {
	for _, test := range s.experiments.ListTests(ctx) {
		if test.Status != datatypes.ABTestStatusRunning {
			continue
		}
		if _, err := s.experiments.UpdateMetrics(ctx, test.ID); err != nil {
			s.logger.Error("experiment metric refresh failed",
				slog.String("test_id", test.ID), slog.Any("error", err))
		}
	}

	for _, id := range s.experiments.ExpiredRunningTests(ctx) {
		if _, err := s.experiments.CompleteTest(ctx, id, true); err != nil {
			s.logger.Error("experiment completion failed",
				slog.String("test_id", id), slog.Any("error", err))
		}
	}
}

// RetrainTick opens one scheduled training job per model type and runs
// it. Types without enough fresh feedback fail validation cheaply and
// are skipped until the next cycle.
func (s *Scheduler) RetrainTick(ctx context.Context) {
	for _, mt := range datatypes.AllModelTypes() {
		job, err := s.orchestrator.CreateJob(mt, "scheduled")
		if err != nil {
			s.logger.Error("scheduled retraining setup failed",
				slog.String("model_type", string(mt)), slog.Any("error", err))
			continue
		}
		got, err := s.orchestrator.Run(ctx, job.ID)
		if err != nil {
			s.logger.Error("scheduled retraining failed",
				slog.String("model_type", string(mt)), slog.Any("error", err))
			continue
		}
		if got.Status == datatypes.TrainingStatusFailed && got.FailedStage != datatypes.StageValidate {
			s.logger.Warn("scheduled retraining job failed",
				slog.String("job_id", got.ID),
				slog.String("stage", string(got.FailedStage)),
				slog.String("error", got.ErrorMessage))
		}
	}
}
