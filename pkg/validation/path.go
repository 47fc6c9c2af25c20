// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in scan reports, storage keys, or downstream tooling. Using these
// validators prevents injection through target metadata (path traversal,
// control characters, oversized keys).
package validation

import (
	"fmt"
	"strings"
)

// maxPathLength bounds a target path. Longer paths are almost always
// generated garbage and break downstream storage keys.
const maxPathLength = 4096

// ValidateTargetPath validates a scan target path.
//
// Valid paths:
//   - 1-4096 characters
//   - No NUL bytes or other control characters
//   - No ".." segments (the path names content in the request, it must
//     never be usable to address anything outside it)
//
// Returns an error if the path is invalid.
//
// Example:
//
//	if err := validation.ValidateTargetPath(target.Path); err != nil {
//	    return nil, fmt.Errorf("invalid target: %w", err)
//	}
func ValidateTargetPath(path string) error {
	if path == "" {
		return fmt.Errorf("target path cannot be empty")
	}
	if len(path) > maxPathLength {
		return fmt.Errorf("target path exceeds %d characters", maxPathLength)
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("target path %q contains control characters", path)
		}
	}
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return fmt.Errorf("target path %q contains a parent-directory segment", path)
		}
	}
	return nil
}

// ValidateTargetPaths validates multiple target paths.
// Returns an error listing all invalid paths if any fail validation.
func ValidateTargetPaths(paths []string) error {
	var invalid []string
	for _, p := range paths {
		if err := ValidateTargetPath(p); err != nil {
			invalid = append(invalid, p)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid target paths: %v", invalid)
	}
	return nil
}

// NormalizeTargetPath trims whitespace, normalizes separators to
// forward slashes, and validates the result.
//
// Use this when you need both validation and a canonical form:
//
//	safePath, err := validation.NormalizeTargetPath(target.Path)
//	if err != nil {
//	    return err
//	}
//	// safePath is slash-separated and validated
func NormalizeTargetPath(path string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(path), "\\", "/")
	if err := ValidateTargetPath(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
