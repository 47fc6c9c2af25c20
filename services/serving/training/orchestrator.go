// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package training runs the staged model training pipeline.
package training

// # Description
//
// The Orchestrator executes a gated pipeline per training job:
// collect -> validate -> feature engineering -> train -> evaluate ->
// experiment setup -> deploy decision. Each stage runs only if the
// previous one succeeded; a failure records the failing stage and
// marks the job failed without touching later stages or crashing the
// process. Successful runs produce a ModelVersion in the registry and
// either an A/B test against the incumbent or a direct promotion.
//
// # Inputs
//
// The feedback store (training samples), the detector client (train
// and evaluate entry points), the registry (version persistence and
// promotion), and the experiment manager (champion/challenger setup).
//
// # Outputs
//
// TrainingJob records with per-stage results, new ModelVersions, A/B
// tests, and training_jobs_total metric increments.
//
// # Limitations
//
// Jobs run synchronously inside Run; callers wanting background
// execution wrap it in a goroutine. Job state lives in memory.
//
// # Assumptions
//
// The backend's Train call is the long pole (minutes); its timeout is
// owned by the detector client configuration.

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
	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
)

// ErrJobNotFound is returned for unknown training job ids.
var ErrJobNotFound = errors.New("training job not found")

// Config carries the pipeline tunables. Zero values fall back to the
// defaults.
type Config struct {
	// MinSamples is the validation floor. Default: 100.
	MinSamples int

	// MinBalanceRatio is the positive/negative ratio below which
	// validation warns (never fails). Default: 0.3.
	MinBalanceRatio float64

	// Lookback bounds the collect stage when no prior run exists.
	// Default: 30 days.
	Lookback time.Duration

	// AutoDeploy enables the deploy-decision stage to promote without
	// an operator. Default: false.
	AutoDeploy bool

	// MinImprovement is the accuracy margin a challenger must beat the
	// incumbent by for auto-deployment. Default: 0.02.
	MinImprovement float64

	// ExperimentSplit is the challenger traffic percentage for the
	// experiment stage. Default: 10.
	ExperimentSplit float64

	// ExperimentDuration bounds the experiment stage's test window.
	// Default: 7 days.
	ExperimentDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinSamples == 0 {
		c.MinSamples = 100
	}
	if c.MinBalanceRatio == 0 {
		c.MinBalanceRatio = 0.3
	}
	if c.Lookback == 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.MinImprovement == 0 {
		c.MinImprovement = 0.02
	}
	if c.ExperimentSplit == 0 {
		c.ExperimentSplit = 10
	}
	if c.ExperimentDuration == 0 {
		c.ExperimentDuration = 7 * 24 * time.Hour
	}
}

// Orchestrator runs training jobs through the staged pipeline.
//
// Thread Safety: Safe for concurrent use; jobs for the same model type
// are serialized so two runs never race on version numbering.
type Orchestrator struct {
	config      Config
	feedback    feedback.Store
	client      detector.Client
	store       registry.Store
	controller  *registry.RollbackController
	experiments *experiment.Manager
	metrics     *observability.Metrics
	logger      *logging.Logger

	mu       sync.RWMutex
	jobs     map[string]*datatypes.TrainingJob
	lastRun  map[datatypes.ModelType]time.Time
	typeLock map[datatypes.ModelType]*sync.Mutex

	now func() time.Time
}

// NewOrchestrator wires the pipeline. experiments may be nil, which
// skips the experiment stage and goes straight to the deploy decision.
func NewOrchestrator(config Config, fb feedback.Store, client detector.Client, store registry.Store, controller *registry.RollbackController, experiments *experiment.Manager, metrics *observability.Metrics, logger *logging.Logger) *Orchestrator {
	config.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		config:      config,
		feedback:    fb,
		client:      client,
		store:       store,
		controller:  controller,
		experiments: experiments,
		metrics:     metrics,
		logger:      logger,
		jobs:        make(map[string]*datatypes.TrainingJob),
		lastRun:     make(map[datatypes.ModelType]time.Time),
		typeLock:    make(map[datatypes.ModelType]*sync.Mutex),
		now:         time.Now,
	}
}

// CreateJob registers a pending job.
func (o *Orchestrator) CreateJob(modelType datatypes.ModelType, trigger string) (*datatypes.TrainingJob, error) {
	if !modelType.Valid() {
		return nil, fmt.Errorf("unknown model type %q", modelType)
	}
	job := &datatypes.TrainingJob{
		ID:        uuid.NewString(),
		ModelType: modelType,
		Trigger:   trigger,
		Status:    datatypes.TrainingStatusPending,
		CreatedAt: o.now(),
	}
	o.mu.Lock()
	o.jobs[job.ID] = job
	o.mu.Unlock()
	return cloneJob(job), nil
}

// GetJob returns a snapshot of one job.
func (o *Orchestrator) GetJob(jobID string) (*datatypes.TrainingJob, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns snapshots of all jobs, newest first.
func (o *Orchestrator) ListJobs() []datatypes.TrainingJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]datatypes.TrainingJob, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, *cloneJob(j))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Run executes the pipeline for a pending job. It returns the final
// job state; pipeline failures are reported in the job, not as an
// error (the error return covers unknown ids and invalid states).
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*datatypes.TrainingJob, error) {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return nil, ErrJobNotFound
	}
	if job.Status != datatypes.TrainingStatusPending {
		o.mu.Unlock()
		return nil, fmt.Errorf("job %s is %s, want pending", jobID, job.Status)
	}
	job.Status = datatypes.TrainingStatusRunning
	lock := o.typeLockFor(job.ModelType)
	o.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	o.execute(ctx, job)
	return o.GetJob(jobID)
}

func (o *Orchestrator) typeLockFor(mt datatypes.ModelType) *sync.Mutex {
	l, ok := o.typeLock[mt]
	if !ok {
		l = &sync.Mutex{}
		o.typeLock[mt] = l
	}
	return l
}

// pipelineState carries data between stages of one run.
type pipelineState struct {
	samples    []datatypes.FeedbackRecord
	version    *datatypes.ModelVersion
	production *datatypes.ModelVersion
}

func (o *Orchestrator) execute(ctx context.Context, job *datatypes.TrainingJob) {
	state := &pipelineState{}
	stages := []struct {
		name datatypes.TrainingStage
		run  func(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error)
	}{
		{datatypes.StageCollect, o.stageCollect},
		{datatypes.StageValidate, o.stageValidate},
		{datatypes.StageFeatures, o.stageFeatures},
		{datatypes.StageTrain, o.stageTrain},
		{datatypes.StageEvaluate, o.stageEvaluate},
		{datatypes.StageExperiment, o.stageExperiment},
		{datatypes.StageDeploy, o.stageDeploy},
	}

	for _, stage := range stages {
		start := o.now()
		detail, err := stage.run(ctx, job, state)
		result := datatypes.StageResult{
			Stage:      stage.name,
			Succeeded:  err == nil,
			Detail:     detail,
			DurationMs: float64(o.now().Sub(start)) / float64(time.Millisecond),
		}
		if err != nil {
			result.Error = err.Error()
		}

		o.mu.Lock()
		job.Stages = append(job.Stages, result)
		if err != nil {
			job.Status = datatypes.TrainingStatusFailed
			job.FailedStage = stage.name
			job.ErrorMessage = err.Error()
			finished := o.now()
			job.FinishedAt = &finished
		}
		o.mu.Unlock()

		if err != nil {
			o.countJob("failed")
			o.logger.Error("training pipeline stage failed",
				slog.String("job_id", job.ID),
				slog.String("stage", string(stage.name)),
				slog.Any("error", err))
			return
		}
	}

	o.mu.Lock()
	job.Status = datatypes.TrainingStatusCompleted
	finished := o.now()
	job.FinishedAt = &finished
	o.lastRun[job.ModelType] = finished
	o.mu.Unlock()

	o.countJob("completed")
	o.logger.Info("training pipeline completed",
		slog.String("job_id", job.ID),
		slog.String("model_type", string(job.ModelType)),
		slog.String("version", job.ModelVersionID),
		slog.Bool("deployed", job.Deployed))
}

func (o *Orchestrator) stageCollect(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	o.mu.RLock()
	since, ok := o.lastRun[job.ModelType]
	o.mu.RUnlock()
	if !ok {
		since = o.now().Add(-o.config.Lookback)
	}

	samples, err := o.feedback.Since(ctx, job.ModelType, since)
	if err != nil {
		return nil, fmt.Errorf("collect feedback: %w", err)
	}
	state.samples = samples
	return map[string]any{"samples": len(samples), "since": since}, nil
}

func (o *Orchestrator) stageValidate(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	n := len(state.samples)
	if n < o.config.MinSamples {
		return nil, fmt.Errorf("insufficient training data: %d samples, need %d", n, o.config.MinSamples)
	}

	var positive int
	for _, s := range state.samples {
		if s.Positive {
			positive++
		}
	}
	negative := n - positive
	// Balance is minority/majority so the ratio is symmetric.
	minority, majority := positive, negative
	if minority > majority {
		minority, majority = majority, minority
	}
	ratio := 1.0
	if majority > 0 {
		ratio = float64(minority) / float64(majority)
	}
	if ratio < o.config.MinBalanceRatio {
		o.logger.Warn("training data imbalanced",
			slog.String("job_id", job.ID),
			slog.Float64("balance_ratio", ratio),
			slog.Int("positive", positive),
			slog.Int("negative", negative))
	}
	return map[string]any{"samples": n, "balance_ratio": ratio}, nil
}

// stageFeatures is pass-through: the backend consumes the canonical
// feature maps directly. Kept as a stage so a real transform can slot
// in without reshaping the pipeline.
func (o *Orchestrator) stageFeatures(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	return map[string]any{"features": "passthrough"}, nil
}

func (o *Orchestrator) stageTrain(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	result, err := o.client.Train(ctx, job.ModelType, state.samples, detector.TrainConfig{
		Incremental: job.Trigger == "incremental",
	})
	if err != nil {
		return nil, fmt.Errorf("backend training: %w", err)
	}

	versions, err := o.store.ListVersions(ctx, job.ModelType)
	if err != nil {
		return nil, err
	}
	nextVersion := 1
	if len(versions) > 0 {
		nextVersion = versions[0].Version + 1
	}

	version := &datatypes.ModelVersion{
		ID:            uuid.NewString(),
		ModelType:     job.ModelType,
		Version:       nextVersion,
		TrainingJobID: job.ID,
		SampleCount:   len(state.samples),
		Metrics:       result.Metrics,
		Status:        datatypes.ModelStatusTrained,
		CreatedAt:     o.now(),
	}
	if err := o.store.PutVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("persist version: %w", err)
	}

	state.version = version
	o.mu.Lock()
	job.ModelVersionID = version.ID
	o.mu.Unlock()
	return map[string]any{
		"version_id":    version.ID,
		"version":       nextVersion,
		"artifact_path": result.ArtifactPath,
	}, nil
}

func (o *Orchestrator) stageEvaluate(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	metrics, err := o.client.Evaluate(ctx, job.ModelType, state.version.ID)
	if err != nil {
		return nil, fmt.Errorf("backend evaluation: %w", err)
	}

	// Held-out metrics supersede training-time metrics.
	for k, v := range metrics {
		if state.version.Metrics == nil {
			state.version.Metrics = make(map[string]float64)
		}
		state.version.Metrics[k] = v
	}
	if err := o.store.PutVersion(ctx, state.version); err != nil {
		return nil, err
	}
	return map[string]any{"accuracy": state.version.Accuracy()}, nil
}

func (o *Orchestrator) stageExperiment(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	production, err := o.store.ProductionVersion(ctx, job.ModelType)
	if err == registry.ErrVersionNotFound {
		// No incumbent to test against; the deploy stage promotes.
		return map[string]any{"skipped": "no production model"}, nil
	}
	if err != nil {
		return nil, err
	}
	state.production = production

	if o.experiments == nil {
		return map[string]any{"skipped": "no experiment manager"}, nil
	}

	test, err := o.experiments.CreateTest(ctx, production.ID, state.version.ID, o.config.ExperimentSplit, o.config.ExperimentDuration)
	if err != nil {
		// A version already under test is not a pipeline defect; the
		// new version stays trained and awaits the next cycle.
		if errors.Is(err, experiment.ErrVersionBusy) {
			return map[string]any{"skipped": err.Error()}, nil
		}
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	if _, err := o.experiments.StartTest(ctx, test.ID); err != nil {
		return nil, fmt.Errorf("start experiment: %w", err)
	}

	o.mu.Lock()
	job.ExperimentID = test.ID
	o.mu.Unlock()
	return map[string]any{"experiment_id": test.ID, "traffic_split": o.config.ExperimentSplit}, nil
}

func (o *Orchestrator) stageDeploy(ctx context.Context, job *datatypes.TrainingJob, state *pipelineState) (map[string]any, error) {
	if state.production == nil {
		// First model of its type: promote immediately so the type has
		// a serving version at all.
		if o.controller == nil {
			return map[string]any{"decision": "no promotion path wired"}, nil
		}
		if _, err := o.controller.Promote(ctx, state.version.ID); err != nil {
			return nil, fmt.Errorf("initial promotion: %w", err)
		}
		o.mu.Lock()
		job.Deployed = true
		o.mu.Unlock()
		return map[string]any{"decision": "initial deployment"}, nil
	}

	if !o.config.AutoDeploy {
		return map[string]any{"decision": "manual promotion required"}, nil
	}

	newAcc := state.version.Accuracy()
	curAcc := state.production.Accuracy()
	if newAcc <= curAcc+o.config.MinImprovement {
		return map[string]any{
			"decision":     "kept incumbent",
			"new_accuracy": newAcc,
			"cur_accuracy": curAcc,
		}, nil
	}

	if o.controller == nil {
		return map[string]any{"decision": "no promotion path wired"}, nil
	}
	if _, err := o.controller.Promote(ctx, state.version.ID); err != nil {
		return nil, fmt.Errorf("promote challenger: %w", err)
	}
	o.mu.Lock()
	job.Deployed = true
	o.mu.Unlock()
	return map[string]any{
		"decision":     "auto-deployed",
		"new_accuracy": newAcc,
		"cur_accuracy": curAcc,
	}, nil
}

func (o *Orchestrator) countJob(status string) {
	if o.metrics != nil {
		o.metrics.TrainingJobsTotal.WithLabelValues(status).Inc()
	}
}

func cloneJob(j *datatypes.TrainingJob) *datatypes.TrainingJob {
	cp := *j
	cp.Stages = append([]datatypes.StageResult(nil), j.Stages...)
	return &cp
}
