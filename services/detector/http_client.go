// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// HTTPConfig configures the HTTP detector client.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. "http://detector:8500".
	BaseURL string

	// Timeout bounds a single request. Training calls use TrainTimeout.
	// Default: 30s.
	Timeout time.Duration

	// TrainTimeout bounds training requests, which can run long.
	// Default: 30m.
	TrainTimeout time.Duration

	// RequestsPerSecond rate-limits inference calls client-side so a
	// burst of scans cannot starve the backend. 0 disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default: 10.
	Burst int
}

// HTTPClient talks JSON over HTTP to the detector backend.
//
// Thread Safety: Safe for concurrent use.
type HTTPClient struct {
	httpClient  *http.Client
	trainClient *http.Client
	baseURL     string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewHTTPClient creates a detector client for the given backend.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("detector base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = 30 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	return &HTTPClient{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		trainClient: &http.Client{Timeout: cfg.TrainTimeout},
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter:     limiter,
		logger:      logger,
	}, nil
}

type detectPayload struct {
	Code     string `json:"code"`
	FilePath string `json:"file_path"`
	Language string `json:"language"`
}

type detectResponse struct {
	Findings []datatypes.Finding `json:"findings"`
}

// Detect implements Client.
func (c *HTTPClient) Detect(ctx context.Context, code, filePath, language string) ([]datatypes.Finding, error) {
	var resp detectResponse
	err := c.post(ctx, c.httpClient, "/v1/detect", detectPayload{
		Code:     code,
		FilePath: filePath,
		Language: language,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Findings, nil
}

type predictPayload struct {
	Type     datatypes.PredictionType `json:"type"`
	Features []map[string]any         `json:"features"`
}

type predictResponse struct {
	Results [][]datatypes.Finding `json:"results"`
}

// Predict implements Client. The backend evaluates all feature maps in
// one batch and returns results in input order.
func (c *HTTPClient) Predict(ctx context.Context, predType datatypes.PredictionType, features []map[string]any) ([][]datatypes.Finding, error) {
	var resp predictResponse
	err := c.post(ctx, c.httpClient, "/v1/predict", predictPayload{
		Type:     predType,
		Features: features,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(features) {
		return nil, fmt.Errorf("detector returned %d results for %d inputs", len(resp.Results), len(features))
	}
	return resp.Results, nil
}

// GenerateExploit implements Client.
func (c *HTTPClient) GenerateExploit(ctx context.Context, req ExploitRequest) (*datatypes.ExploitInfo, error) {
	var resp datatypes.ExploitInfo
	if err := c.post(ctx, c.httpClient, "/v1/exploit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GeneratePatch implements Client.
func (c *HTTPClient) GeneratePatch(ctx context.Context, req PatchRequest) (*datatypes.PatchInfo, error) {
	var resp datatypes.PatchInfo
	if err := c.post(ctx, c.httpClient, "/v1/patch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type trainPayload struct {
	ModelType datatypes.ModelType        `json:"model_type"`
	Samples   []datatypes.FeedbackRecord `json:"samples"`
	Config    TrainConfig                `json:"config"`
}

// Train implements Client. Uses the long-timeout client.
func (c *HTTPClient) Train(ctx context.Context, modelType datatypes.ModelType, samples []datatypes.FeedbackRecord, cfg TrainConfig) (*TrainResult, error) {
	c.logger.Info("delegating training run to detector backend",
		"model_type", modelType,
		"samples", len(samples),
	)
	var resp TrainResult
	err := c.post(ctx, c.trainClient, "/v1/train", trainPayload{
		ModelType: modelType,
		Samples:   samples,
		Config:    cfg,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

type evaluateResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Evaluate implements Client.
func (c *HTTPClient) Evaluate(ctx context.Context, modelType datatypes.ModelType, versionID string) (map[string]float64, error) {
	var resp evaluateResponse
	err := c.post(ctx, c.httpClient, "/v1/evaluate", map[string]string{
		"model_type": string(modelType),
		"version_id": versionID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

// NotifyActiveModel implements Client.
func (c *HTTPClient) NotifyActiveModel(ctx context.Context, modelType datatypes.ModelType, versionID string) error {
	return c.post(ctx, c.httpClient, "/v1/models/active", map[string]string{
		"model_type": string(modelType),
		"version_id": versionID,
	}, nil)
}

// post marshals payload, applies the rate limiter, and decodes the JSON
// response into out (out may be nil for fire-and-forget endpoints).
func (c *HTTPClient) post(ctx context.Context, client *http.Client, path string, payload any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("detector %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("detector %s returned %d: %s", path, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode detector response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
