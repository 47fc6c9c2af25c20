// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package detector defines the contract with the external
// vulnerability/exploit/patch model backend and provides an HTTP client
// for it.
//
// All calls are network I/O with no implicit retry; retry and backoff
// policy belongs to the caller (the predictor's circuit breaker).
package detector

import (
	"context"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// ExploitRequest asks the backend to generate a proof-of-concept
// exploit for a finding.
type ExploitRequest struct {
	FindingType    string `json:"finding_type"`
	Target         string `json:"target"`
	Parameter      string `json:"parameter,omitempty"`
	Language       string `json:"language"`
	Sophistication string `json:"sophistication,omitempty"`
}

// PatchRequest asks the backend to generate a fix for a finding.
type PatchRequest struct {
	VulnerabilityID string `json:"vulnerability_id"`
	FindingType     string `json:"finding_type"`
	Code            string `json:"code"`
	FilePath        string `json:"file_path"`
	Language        string `json:"language"`
	Framework       string `json:"framework,omitempty"`
}

// TrainConfig carries tunables for a training run. The backend owns the
// actual algorithm; the control plane only passes these through.
type TrainConfig struct {
	Epochs       int     `json:"epochs,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	Incremental  bool    `json:"incremental,omitempty"`
}

// TrainResult is the backend's answer to a training request.
type TrainResult struct {
	Version      string             `json:"version"`
	Metrics      map[string]float64 `json:"metrics"`
	ArtifactPath string             `json:"artifact_path"`
}

// Client is the narrow contract with the detector backend.
//
// Implementations must be safe for concurrent use; the predictor, scan
// engine, and training pipeline all share one client.
type Client interface {
	// Detect runs vulnerability detection over a single file.
	Detect(ctx context.Context, code, filePath, language string) ([]datatypes.Finding, error)

	// Predict runs inference for an arbitrary prediction type over
	// canonical feature maps. Batch-capable: one network round trip
	// serves all requests.
	Predict(ctx context.Context, predType datatypes.PredictionType, features []map[string]any) ([][]datatypes.Finding, error)

	// GenerateExploit produces a proof-of-concept exploit. Best-effort
	// from the scan engine's perspective.
	GenerateExploit(ctx context.Context, req ExploitRequest) (*datatypes.ExploitInfo, error)

	// GeneratePatch produces a candidate fix. Best-effort from the scan
	// engine's perspective.
	GeneratePatch(ctx context.Context, req PatchRequest) (*datatypes.PatchInfo, error)

	// Train delegates a training run to the backend.
	Train(ctx context.Context, modelType datatypes.ModelType, samples []datatypes.FeedbackRecord, cfg TrainConfig) (*TrainResult, error)

	// Evaluate returns held-out metrics for a trained version.
	Evaluate(ctx context.Context, modelType datatypes.ModelType, versionID string) (map[string]float64, error)

	// NotifyActiveModel tells the backend which version is now
	// authoritative for a model type. Called after every promotion or
	// rollback.
	NotifyActiveModel(ctx context.Context, modelType datatypes.ModelType, versionID string) error
}
