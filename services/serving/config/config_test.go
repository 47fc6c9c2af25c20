// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8089, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8090", cfg.Detector.BaseURL)
	assert.Equal(t, time.Hour, cfg.Prediction.CacheTTL)
	assert.Equal(t, 5, cfg.Prediction.MaxFailures)
	assert.Equal(t, 90*time.Second, cfg.Scan.QuickTimeout)
	assert.False(t, cfg.Training.AutoDeploy)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serving.yaml")
	data := `
server:
  port: 9999
scan:
  quick_timeout: 45s
training:
  auto_deploy: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Scan.QuickTimeout)
	assert.True(t, cfg.Training.AutoDeploy)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Scan.StandardTimeout)
	assert.Equal(t, "http://localhost:8090", cfg.Detector.BaseURL)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serving.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector:\n  base_url: http://file:1\n"), 0600))

	t.Setenv("KODIAK_DETECTOR_URL", "http://env:2")
	t.Setenv("KODIAK_REGISTRY_PATH", "/var/lib/kodiak/registry")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://env:2", cfg.Detector.BaseURL)
	assert.Equal(t, "/var/lib/kodiak/registry", cfg.Registry.Path)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serving.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}
