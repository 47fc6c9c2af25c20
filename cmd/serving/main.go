// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command serving starts the KodiakServe model serving HTTP server.
//
// It loads configuration from an optional YAML file plus environment
// overrides and serves until SIGINT or SIGTERM.
//
// # Environment Variables
//
//   - KODIAK_CONFIG: path to the YAML config file (default: serving.yaml)
//   - KODIAK_DETECTOR_URL: detector backend base URL (default: http://localhost:8090)
//   - KODIAK_REGISTRY_PATH: BadgerDB directory for the model registry
//     (default: in-memory, versions lost on restart)
//   - KODIAK_OTLP_ENDPOINT: OpenTelemetry collector gRPC address
//     (default: tracing disabled)
//
// # Usage
//
//	# Build
//	go build -o serving ./cmd/serving
//
//	# Run
//	./serving
//
//	# Or with an explicit config file
//	KODIAK_CONFIG=/etc/kodiak/serving.yaml ./serving
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/kodiaksec/KodiakServe/services/serving/app"
	"github.com/kodiaksec/KodiakServe/services/serving/config"
)

func main() {
	configPath := os.Getenv("KODIAK_CONFIG")
	if configPath == "" {
		configPath = "serving.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	slog.Info("Starting serving service",
		"port", cfg.Server.Port,
		"detector_url", cfg.Detector.BaseURL,
		"registry_path", cfg.Registry.Path,
	)

	svc, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create serving service: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Serving service error: %v", err)
	}
}
