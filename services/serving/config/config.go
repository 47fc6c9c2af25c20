// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the serving service configuration from YAML
// with environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full serving service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Detector   DetectorConfig   `yaml:"detector"`
	Registry   RegistryConfig   `yaml:"registry"`
	Prediction PredictionConfig `yaml:"prediction"`
	Scan       ScanConfig       `yaml:"scan"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Training   TrainingConfig   `yaml:"training"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DetectorConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	TrainTimeout      time.Duration `yaml:"train_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

type RegistryConfig struct {
	// Path is the BadgerDB directory. Empty selects the in-memory
	// store.
	Path       string `yaml:"path"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type PredictionConfig struct {
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	WindowSize    int           `yaml:"window_size"`
	SLAMs         float64       `yaml:"sla_ms"`
	MaxFailures   int           `yaml:"breaker_max_failures"`
	Cooldown      time.Duration `yaml:"breaker_cooldown"`
}

type ScanConfig struct {
	MaxConcurrent   int64         `yaml:"max_concurrent"`
	QuickTimeout    time.Duration `yaml:"quick_timeout"`
	StandardTimeout time.Duration `yaml:"standard_timeout"`
	DeepTimeout     time.Duration `yaml:"deep_timeout"`
	ChainExploits   bool          `yaml:"chain_exploits"`
	ChainPatches    bool          `yaml:"chain_patches"`
	RetainTerminal  time.Duration `yaml:"retain_terminal"`
}

type MonitorConfig struct {
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	RollbackInterval time.Duration `yaml:"rollback_interval"`
	WindowSize       time.Duration `yaml:"window_size"`
}

type TrainingConfig struct {
	AutoDeploy         bool          `yaml:"auto_deploy"`
	MinSamples         int           `yaml:"min_samples"`
	MinImprovement     float64       `yaml:"min_improvement"`
	ExperimentSplit    float64       `yaml:"experiment_split"`
	ExperimentDuration time.Duration `yaml:"experiment_duration"`
	RetrainInterval    time.Duration `yaml:"retrain_interval"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address. Empty disables
	// tracing export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8089,
			ShutdownTimeout: 30 * time.Second,
		},
		Detector: DetectorConfig{
			BaseURL:           "http://localhost:8090",
			Timeout:           30 * time.Second,
			TrainTimeout:      30 * time.Minute,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Prediction: PredictionConfig{
			CacheCapacity: 1000,
			CacheTTL:      time.Hour,
			WindowSize:    1000,
			SLAMs:         90_000,
			MaxFailures:   5,
			Cooldown:      5 * time.Minute,
		},
		Scan: ScanConfig{
			MaxConcurrent:   10,
			QuickTimeout:    90 * time.Second,
			StandardTimeout: 5 * time.Minute,
			DeepTimeout:     30 * time.Minute,
			ChainExploits:   true,
			ChainPatches:    true,
			RetainTerminal:  time.Hour,
		},
		Monitor: MonitorConfig{
			MonitorInterval:  30 * time.Minute,
			RollbackInterval: 10 * time.Minute,
			WindowSize:       30 * time.Minute,
		},
		Training: TrainingConfig{
			MinSamples:         100,
			MinImprovement:     0.02,
			ExperimentSplit:    10,
			ExperimentDuration: 7 * 24 * time.Hour,
			RetrainInterval:    24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kodiak-serving",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist. Environment variables override the file for the
// values that differ per deployment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("KODIAK_DETECTOR_URL"); v != "" {
		cfg.Detector.BaseURL = v
	}
	if v := os.Getenv("KODIAK_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	if v := os.Getenv("KODIAK_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg, nil
}
