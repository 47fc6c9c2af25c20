// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLevel_String tests the human-readable level names.
func TestLevel_String(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

// TestNew_FileLogging tests that file logging creates a JSON log file
// containing the message and service attribute.
func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "serving",
		Quiet:   true,
	})
	logger.Info("rollback performed", "model_type", "vulnerability")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file in %s, got %v (err=%v)", dir, entries, err)
	}
	if !strings.HasPrefix(entries[0].Name(), "serving_") {
		t.Errorf("log file name %q should start with service name", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("log file is not JSON: %v", err)
	}
	if record["msg"] != "rollback performed" {
		t.Errorf("msg = %v, want %q", record["msg"], "rollback performed")
	}
	if record["service"] != "serving" {
		t.Errorf("service = %v, want serving", record["service"])
	}
	if record["model_type"] != "vulnerability" {
		t.Errorf("model_type = %v, want vulnerability", record["model_type"])
	}
}

// TestNew_LevelFilter tests that messages below the configured level
// are not written.
func TestNew_LevelFilter(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "serving",
		Quiet:   true,
	})
	logger.Info("should be filtered")
	logger.Warn("should appear")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one log file, got %d", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if strings.Contains(string(data), "should be filtered") {
		t.Error("Info message leaked through Warn level filter")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Error("Warn message missing from log file")
	}
}

// TestWith_AddsAttributes tests that With produces a child logger that
// carries the extra attributes without mutating the parent.
func TestWith_AddsAttributes(t *testing.T) {
	dir := t.TempDir()

	parent := New(Config{Level: LevelInfo, LogDir: dir, Service: "serving", Quiet: true})
	child := parent.With("scan_id", "scan-123")
	child.Info("target processed")
	if err := parent.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if !strings.Contains(string(data), "scan-123") {
		t.Error("child logger attribute missing from output")
	}
}

// TestClose_NoFile tests that Close is a no-op when file logging is
// disabled.
func TestClose_NoFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() without file should be nil, got %v", err)
	}
}
