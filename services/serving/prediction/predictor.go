// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prediction is the serving path: a single/batch prediction
// facade composing the content-addressed cache, the detector circuit
// breaker, capability dispatch, and rolling latency statistics.
package prediction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
)

// Capability is one detector capability (vulnerability detection,
// exploit generation, ...) behind a common invoke contract. The
// predictor selects a capability by the request's prediction type
// instead of branching on strings per call.
type Capability interface {
	// Kind returns the prediction type this capability serves.
	Kind() datatypes.PredictionType

	// Invoke runs inference for a single feature map.
	Invoke(ctx context.Context, features map[string]any) ([]datatypes.Finding, error)

	// InvokeBatch runs inference for several feature maps in one
	// backend round trip, returning results in input order.
	InvokeBatch(ctx context.Context, features []map[string]any) ([][]datatypes.Finding, error)
}

// VersionResolver resolves the production model version serving a
// prediction type. Implemented by the model registry; nil resolvers are
// tolerated (results then carry no version id).
type VersionResolver interface {
	ProductionVersionID(predType datatypes.PredictionType) string
}

// Config tunes the predictor.
type Config struct {
	// CacheCapacity bounds the prediction cache. Default: 1000.
	CacheCapacity int

	// CacheTTL is how long results stay valid. Default: 1h.
	CacheTTL time.Duration

	// WindowSize is the rolling latency window length. Default: 1000.
	WindowSize int

	// SLAMs is the latency promise in milliseconds. Exceeding it logs
	// a warning but never aborts the request; the SLA is a monitoring
	// signal. Default: 90000 (the quick-scan budget).
	SLAMs float64
}

// DefaultConfig returns the serving defaults.
func DefaultConfig() Config {
	return Config{
		CacheCapacity: 1000,
		CacheTTL:      time.Hour,
		WindowSize:    1000,
		SLAMs:         90_000,
	}
}

// Predictor serves single and batch predictions.
//
// # Description
//
// Predict consults the cache, then the circuit breaker, then invokes
// the capability for the request's type. Every outcome updates the
// rolling latency window that the model monitor consumes. The predictor
// is a process-wide singleton owned by the application context and
// handed to the HTTP handlers explicitly.
//
// # Thread Safety
//
// Safe for concurrent use.
type Predictor struct {
	cache        *Cache
	breaker      *CircuitBreaker
	capabilities map[datatypes.PredictionType]Capability
	resolver     VersionResolver
	window       *LatencyWindow
	metrics      *observability.Metrics
	config       Config
	logger       *slog.Logger
}

// NewPredictor wires the serving path. Capabilities are registered by
// kind; metrics and resolver may be nil.
func NewPredictor(config Config, capabilities []Capability, breaker *CircuitBreaker,
	resolver VersionResolver, metrics *observability.Metrics, logger *slog.Logger) *Predictor {

	defaults := DefaultConfig()
	if config.CacheCapacity <= 0 {
		config.CacheCapacity = defaults.CacheCapacity
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.SLAMs <= 0 {
		config.SLAMs = defaults.SLAMs
	}
	if logger == nil {
		logger = slog.Default()
	}

	byKind := make(map[datatypes.PredictionType]Capability, len(capabilities))
	for _, c := range capabilities {
		byKind[c.Kind()] = c
	}

	return &Predictor{
		cache:        NewCache(config.CacheCapacity),
		breaker:      breaker,
		capabilities: byKind,
		resolver:     resolver,
		window:       NewLatencyWindow(config.WindowSize),
		metrics:      metrics,
		config:       config,
		logger:       logger,
	}
}

// Cache exposes the prediction cache for health reporting.
func (p *Predictor) Cache() *Cache { return p.cache }

// Breaker exposes the circuit breaker for health reporting.
func (p *Predictor) Breaker() *CircuitBreaker { return p.breaker }

// Latency returns the rolling window snapshot.
func (p *Predictor) Latency() LatencySnapshot { return p.window.Snapshot() }

// Predict serves a single prediction request.
//
// Order of checks: cache, breaker, detector. A cache hit returns
// immediately with Cached=true and near-zero latency. An open breaker
// fails fast with ErrCircuitOpen before any detector call.
func (p *Predictor) Predict(ctx context.Context, req *datatypes.PredictionRequest) (*datatypes.PredictionResult, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, req.Type)
	}

	key := Key(req.Type, req.Features)
	if cached, ok := p.cache.Get(key); ok {
		result := cached.Clone()
		result.RequestID = req.ID
		result.Cached = true
		result.Timing = datatypes.Timing{}
		p.countPrediction(req.Type, "cache_hit")
		return result, nil
	}

	capability, ok := p.capabilities[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, req.Type)
	}

	if !p.breaker.Allow() {
		p.countPrediction(req.Type, "circuit_open")
		return nil, ErrCircuitOpen
	}

	start := time.Now()

	preStart := time.Now()
	features := req.Features
	preMs := msSince(preStart)

	infStart := time.Now()
	findings, err := capability.Invoke(ctx, features)
	infMs := msSince(infStart)
	if err != nil {
		p.breaker.RecordFailure()
		p.countPrediction(req.Type, "error")
		return nil, fmt.Errorf("detector invoke (%s): %w", req.Type, err)
	}
	p.breaker.RecordSuccess()

	postStart := time.Now()
	sortFindings(findings)
	confidence := meanConfidence(findings)
	postMs := msSince(postStart)

	result := &datatypes.PredictionResult{
		RequestID:  req.ID,
		Type:       req.Type,
		Findings:   findings,
		Confidence: confidence,
		Timing: datatypes.Timing{
			PreprocessMs:  preMs,
			InferenceMs:   infMs,
			PostprocessMs: postMs,
			TotalMs:       msSince(start),
		},
	}
	if p.resolver != nil {
		result.ModelVersionID = p.resolver.ProductionVersionID(req.Type)
	}

	p.cache.Set(key, result.Clone(), p.config.CacheTTL)
	p.observe(req.Type, result.Timing.TotalMs)
	p.countPrediction(req.Type, "success")

	if result.Timing.TotalMs > p.config.SLAMs {
		p.logger.Warn("prediction exceeded latency promise",
			"request_id", req.ID,
			"type", req.Type,
			"total_ms", result.Timing.TotalMs,
			"sla_ms", p.config.SLAMs,
		)
	}
	return result, nil
}

// BatchPredict serves N requests and always returns exactly N results
// in input order.
//
// Cache hits are split out first; only the misses go to the detector as
// one batch call. The batch's wall-clock time is divided evenly across
// the miss set for reporting.
func (p *Predictor) BatchPredict(ctx context.Context, reqs []*datatypes.PredictionRequest) ([]*datatypes.PredictionResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	predType := reqs[0].Type
	if !predType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, predType)
	}
	for _, r := range reqs {
		if r.Type != predType {
			return nil, fmt.Errorf("batch mixes prediction types %q and %q", predType, r.Type)
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
	}

	results := make([]*datatypes.PredictionResult, len(reqs))
	keys := make([]string, len(reqs))
	var missIdx []int

	for i, r := range reqs {
		keys[i] = Key(r.Type, r.Features)
		if cached, ok := p.cache.Get(keys[i]); ok {
			res := cached.Clone()
			res.RequestID = r.ID
			res.Cached = true
			res.Timing = datatypes.Timing{}
			results[i] = res
			p.countPrediction(predType, "cache_hit")
		} else {
			missIdx = append(missIdx, i)
		}
	}

	if len(missIdx) == 0 {
		return results, nil
	}

	capability, ok := p.capabilities[predType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPredictionType, predType)
	}
	if !p.breaker.Allow() {
		p.countPrediction(predType, "circuit_open")
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	features := make([]map[string]any, len(missIdx))
	for j, i := range missIdx {
		features[j] = reqs[i].Features
	}

	batches, err := capability.InvokeBatch(ctx, features)
	if err != nil {
		p.breaker.RecordFailure()
		p.countPrediction(predType, "error")
		return nil, fmt.Errorf("detector batch invoke (%s): %w", predType, err)
	}
	if len(batches) != len(missIdx) {
		p.breaker.RecordFailure()
		return nil, fmt.Errorf("detector returned %d results for %d misses", len(batches), len(missIdx))
	}
	p.breaker.RecordSuccess()

	// The batch shares one wall clock; each miss reports an even share.
	perMissMs := msSince(start) / float64(len(missIdx))
	versionID := ""
	if p.resolver != nil {
		versionID = p.resolver.ProductionVersionID(predType)
	}

	for j, i := range missIdx {
		findings := batches[j]
		sortFindings(findings)
		result := &datatypes.PredictionResult{
			RequestID:      reqs[i].ID,
			Type:           predType,
			ModelVersionID: versionID,
			Findings:       findings,
			Confidence:     meanConfidence(findings),
			Timing: datatypes.Timing{
				InferenceMs: perMissMs,
				TotalMs:     perMissMs,
			},
		}
		results[i] = result
		p.cache.Set(keys[i], result.Clone(), p.config.CacheTTL)
		p.observe(predType, perMissMs)
		p.countPrediction(predType, "success")
	}

	return results, nil
}

func (p *Predictor) observe(predType datatypes.PredictionType, totalMs float64) {
	p.window.Observe(totalMs)
	if p.metrics != nil {
		p.metrics.InferenceSeconds.WithLabelValues(string(predType)).Observe(totalMs / 1000)
	}
}

func (p *Predictor) countPrediction(predType datatypes.PredictionType, outcome string) {
	if p.metrics != nil {
		p.metrics.PredictionsTotal.WithLabelValues(string(predType), outcome).Inc()
	}
}

// sortFindings orders findings by descending confidence when any
// confidence is present, otherwise by severity rank (critical first).
func sortFindings(findings []datatypes.Finding) {
	hasConfidence := false
	for _, f := range findings {
		if f.Confidence > 0 {
			hasConfidence = true
			break
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if hasConfidence {
			return findings[i].Confidence > findings[j].Confidence
		}
		return datatypes.SeverityRank(findings[i].Severity) > datatypes.SeverityRank(findings[j].Severity)
	})
}

// meanConfidence is the aggregate confidence: the mean of per-item
// confidences, 0 for an empty result.
func meanConfidence(findings []datatypes.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	return sum / float64(len(findings))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
