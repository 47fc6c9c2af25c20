// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry owns model versions and the promotion/rollback audit
// log. It enforces the core invariant: for a given model type, at most
// one version is in production at any time.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

var (
	// ErrVersionNotFound is returned when a version id is unknown.
	ErrVersionNotFound = errors.New("model version not found")

	// ErrNoFallback signals that a rollback found no candidate version.
	// The system is left in its current state rather than guessing; a
	// model type is never stripped of its production version by a
	// rollback attempt.
	ErrNoFallback = errors.New("no fallback model version available")
)

// Store is the persistence contract for model versions and rollback
// records. Implementations: MemoryStore (tests, single node) and
// BadgerStore (embedded persistent).
type Store interface {
	// PutVersion inserts or overwrites a version.
	PutVersion(ctx context.Context, version *datatypes.ModelVersion) error

	// GetVersion fetches a version by id, or ErrVersionNotFound.
	GetVersion(ctx context.Context, id string) (*datatypes.ModelVersion, error)

	// ListVersions returns all versions of a model type, newest first.
	ListVersions(ctx context.Context, modelType datatypes.ModelType) ([]datatypes.ModelVersion, error)

	// ProductionVersion returns the version currently in production for
	// the model type, or ErrVersionNotFound if there is none.
	ProductionVersion(ctx context.Context, modelType datatypes.ModelType) (*datatypes.ModelVersion, error)

	// AppendRollback appends one record to the audit log. Records are
	// immutable once written.
	AppendRollback(ctx context.Context, record *datatypes.RollbackRecord) error

	// ListRollbacks returns the audit log for a model type, newest
	// first.
	ListRollbacks(ctx context.Context, modelType datatypes.ModelType) ([]datatypes.RollbackRecord, error)
}

// MemoryStore keeps versions and audit records in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	versions  map[string]*datatypes.ModelVersion
	rollbacks []datatypes.RollbackRecord
}

// NewMemoryStore creates an empty registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]*datatypes.ModelVersion)}
}

// PutVersion implements Store.
func (s *MemoryStore) PutVersion(ctx context.Context, version *datatypes.ModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[version.ID] = version.Clone()
	return nil
}

// GetVersion implements Store.
func (s *MemoryStore) GetVersion(ctx context.Context, id string) (*datatypes.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	return v.Clone(), nil
}

// ListVersions implements Store.
func (s *MemoryStore) ListVersions(ctx context.Context, modelType datatypes.ModelType) ([]datatypes.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.ModelVersion
	for _, v := range s.versions {
		if v.ModelType == modelType {
			out = append(out, *v.Clone())
		}
	}
	SortVersionsNewestFirst(out)
	return out, nil
}

// ProductionVersion implements Store.
func (s *MemoryStore) ProductionVersion(ctx context.Context, modelType datatypes.ModelType) (*datatypes.ModelVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.versions {
		if v.ModelType == modelType && v.IsProduction {
			return v.Clone(), nil
		}
	}
	return nil, ErrVersionNotFound
}

// AppendRollback implements Store.
func (s *MemoryStore) AppendRollback(ctx context.Context, record *datatypes.RollbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, *record)
	return nil
}

// ListRollbacks implements Store.
func (s *MemoryStore) ListRollbacks(ctx context.Context, modelType datatypes.ModelType) ([]datatypes.RollbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []datatypes.RollbackRecord
	for _, r := range s.rollbacks {
		if r.ModelType == modelType {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SortVersionsNewestFirst orders versions by creation time descending,
// breaking ties on the version number.
func SortVersionsNewestFirst(versions []datatypes.ModelVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		if !versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		}
		return versions[i].Version > versions[j].Version
	})
}

// mostRecentDeployed returns the candidate with the newest DeployedAt
// among the given versions, or nil.
func mostRecentDeployed(versions []datatypes.ModelVersion) *datatypes.ModelVersion {
	var best *datatypes.ModelVersion
	var bestAt time.Time
	for i := range versions {
		v := &versions[i]
		if v.DeployedAt == nil {
			continue
		}
		if best == nil || v.DeployedAt.After(bestAt) {
			best = v
			bestAt = *v.DeployedAt
		}
	}
	return best
}

var _ Store = (*MemoryStore)(nil)
