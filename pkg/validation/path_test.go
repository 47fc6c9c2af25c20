// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTargetPath(t *testing.T) {
	valid := []string{
		"main.go",
		"src/server/handler.go",
		"a/b/c/d/e.py",
		"dir with spaces/file.js",
		"weird-but-fine/..hidden/.env.example",
	}
	for _, p := range valid {
		assert.NoError(t, ValidateTargetPath(p), p)
	}

	invalid := []string{
		"",
		"../etc/passwd",
		"src/../../secrets",
		"ok/then/..",
		"..\\windows\\style",
		"has\x00nul.go",
		"has\ttab.go",
		strings.Repeat("a", 5000),
	}
	for _, p := range invalid {
		assert.Error(t, ValidateTargetPath(p), p)
	}
}

func TestValidateTargetPaths_ReportsAllInvalid(t *testing.T) {
	err := ValidateTargetPaths([]string{"fine.go", "../bad", "also\x00bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "../bad")
}

func TestNormalizeTargetPath(t *testing.T) {
	got, err := NormalizeTargetPath("  src\\app\\main.go ")
	require.NoError(t, err)
	assert.Equal(t, "src/app/main.go", got)

	_, err = NormalizeTargetPath(" ..\\..\\boot.ini ")
	assert.Error(t, err)
}
