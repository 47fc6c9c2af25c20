// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package feedback stores labeled prediction outcomes. The training
// pipeline reads them as samples; the model monitor reads them as
// accuracy/latency windows.
package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// Store is the feedback append/query contract.
type Store interface {
	// Append records one feedback entry. The ID is assigned if empty.
	Append(ctx context.Context, record *datatypes.FeedbackRecord) error

	// Since returns all feedback for a model type created at or after
	// the given time, in creation order.
	Since(ctx context.Context, modelType datatypes.ModelType, since time.Time) ([]datatypes.FeedbackRecord, error)

	// SinceForVersion returns feedback for one model version created at
	// or after the given time, in creation order.
	SinceForVersion(ctx context.Context, versionID string, since time.Time) ([]datatypes.FeedbackRecord, error)
}

// MemoryStore is an in-memory Store. Fine for single-node deployments
// and tests; the interface leaves room for a database-backed variant.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []datatypes.FeedbackRecord

	now func() time.Time
}

// NewMemoryStore creates an empty feedback store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, record *datatypes.FeedbackRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

// Since implements Store.
func (s *MemoryStore) Since(ctx context.Context, modelType datatypes.ModelType, since time.Time) ([]datatypes.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.FeedbackRecord
	for _, r := range s.records {
		if r.ModelType == modelType && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

// SinceForVersion implements Store.
func (s *MemoryStore) SinceForVersion(ctx context.Context, versionID string, since time.Time) ([]datatypes.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.FeedbackRecord
	for _, r := range s.records {
		if r.ModelVersionID == versionID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sortByCreation(out)
	return out, nil
}

func sortByCreation(records []datatypes.FeedbackRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
