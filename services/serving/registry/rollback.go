// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

// # Description
//
// RollbackController performs atomic production swaps. A swap demotes
// the current production version to archived, promotes a fallback (or
// an explicitly chosen target) to production, appends an immutable
// audit record, and notifies the inference backend of the new active
// model. All of this happens under a per-model-type mutex so a reader
// never observes zero or two production versions for a type.
//
// # Inputs
//
// A registry Store, a detector client for active-model notification,
// and a shared Metrics handle.
//
// # Outputs
//
// Mutated version records, RollbackRecord audit entries, and
// rollbacks_total metric increments.
//
// # Limitations
//
// The per-type mutex serializes swaps within one process only. Running
// two serving instances against the same registry requires external
// coordination.
//
// # Assumptions
//
// Backend notification is advisory. A notification failure is logged
// but does not abort the swap; the registry remains the source of
// truth for which version is in production.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
)

// Notifier tells the inference backend which version is active for a
// model type. Satisfied by the detector client.
type Notifier interface {
	NotifyActiveModel(ctx context.Context, modelType datatypes.ModelType, versionID string) error
}

// RollbackController swaps production versions atomically per model
// type and keeps the audit log.
//
// Thread Safety: Safe for concurrent use.
type RollbackController struct {
	store    Store
	notifier Notifier
	metrics  *observability.Metrics
	logger   *logging.Logger

	mu    sync.Mutex
	locks map[datatypes.ModelType]*sync.Mutex

	now func() time.Time
}

// NewRollbackController wires the controller. notifier may be nil, in
// which case backend notification is skipped.
func NewRollbackController(store Store, notifier Notifier, metrics *observability.Metrics, logger *logging.Logger) *RollbackController {
	if logger == nil {
		logger = logging.Default()
	}
	return &RollbackController{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		locks:    make(map[datatypes.ModelType]*sync.Mutex),
		now:      time.Now,
	}
}

// typeLock returns the mutex guarding swaps for one model type.
func (c *RollbackController) typeLock(modelType datatypes.ModelType) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[modelType]
	if !ok {
		l = &sync.Mutex{}
		c.locks[modelType] = l
	}
	return l
}

// FindFallback picks the version a rollback should restore: the most
// recently deployed archived version (it served production before and
// presumably worked), else the most recently trained non-production
// version. Returns ErrNoFallback when neither exists.
func (c *RollbackController) FindFallback(ctx context.Context, modelType datatypes.ModelType) (*datatypes.ModelVersion, error) {
	versions, err := c.store.ListVersions(ctx, modelType)
	if err != nil {
		return nil, err
	}

	var archived []datatypes.ModelVersion
	for _, v := range versions {
		if v.Status == datatypes.ModelStatusArchived {
			archived = append(archived, v)
		}
	}
	if best := mostRecentDeployed(archived); best != nil {
		return best.Clone(), nil
	}

	for i := range versions {
		v := &versions[i]
		if v.Status == datatypes.ModelStatusTrained && !v.IsProduction {
			// ListVersions is newest-first, so the first match wins.
			return v.Clone(), nil
		}
	}
	return nil, ErrNoFallback
}

// PerformRollback demotes the current production version of the model
// type and promotes the fallback. When targetID is empty the fallback
// is chosen by FindFallback; otherwise the named version is promoted.
// snapshot captures the metrics that triggered the swap and is stored
// on the audit record; manual rollbacks may pass nil. Returns the
// promoted version.
func (c *RollbackController) PerformRollback(ctx context.Context, modelType datatypes.ModelType, targetID, reason string, trigger datatypes.RollbackTrigger, snapshot map[string]float64) (*datatypes.ModelVersion, error) {
	lock := c.typeLock(modelType)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.store.ProductionVersion(ctx, modelType)
	if err != nil {
		return nil, fmt.Errorf("no production version to roll back for %s: %w", modelType, err)
	}

	var target *datatypes.ModelVersion
	if targetID == "" {
		target, err = c.FindFallback(ctx, modelType)
		if err != nil {
			c.logger.Error("rollback skipped: no fallback candidate",
				slog.String("model_type", string(modelType)),
				slog.String("reason", reason))
			return nil, err
		}
	} else {
		target, err = c.store.GetVersion(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if target.ModelType != modelType {
			return nil, fmt.Errorf("version %s is %s, not %s", targetID, target.ModelType, modelType)
		}
	}
	if target.ID == current.ID {
		return nil, fmt.Errorf("version %s is already in production", target.ID)
	}

	if err := c.swap(ctx, current, target); err != nil {
		return nil, err
	}

	record := &datatypes.RollbackRecord{
		ID:            uuid.NewString(),
		ModelType:     modelType,
		FromVersionID: current.ID,
		ToVersionID:   target.ID,
		Reason:        reason,
		Trigger:       trigger,
		Metrics:       snapshot,
		CreatedAt:     c.now(),
	}
	if err := c.store.AppendRollback(ctx, record); err != nil {
		// The swap itself succeeded; a lost audit record is logged, not
		// fatal.
		c.logger.Error("rollback audit append failed", slog.Any("error", err))
	}

	if c.metrics != nil {
		c.metrics.RollbacksTotal.WithLabelValues(string(trigger), string(modelType)).Inc()
	}
	c.logger.Warn("model rolled back",
		slog.String("model_type", string(modelType)),
		slog.String("from", current.ID),
		slog.String("to", target.ID),
		slog.String("trigger", string(trigger)),
		slog.String("reason", reason))

	c.notify(ctx, modelType, target.ID)
	return target, nil
}

// Promote makes the given version the production version for its model
// type, demoting the incumbent if any. Used by experiment completion
// and the training deploy stage; no rollback record is written.
func (c *RollbackController) Promote(ctx context.Context, versionID string) (*datatypes.ModelVersion, error) {
	target, err := c.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	lock := c.typeLock(target.ModelType)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; another promotion may have raced us.
	target, err = c.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if target.IsProduction {
		return target, nil
	}

	current, err := c.store.ProductionVersion(ctx, target.ModelType)
	if err != nil && err != ErrVersionNotFound {
		return nil, err
	}
	if err := c.swap(ctx, current, target); err != nil {
		return nil, err
	}

	c.logger.Info("model promoted to production",
		slog.String("model_type", string(target.ModelType)),
		slog.String("version", target.ID))
	c.notify(ctx, target.ModelType, target.ID)
	return target, nil
}

// swap writes demotion before promotion. If the promotion write fails
// between the two, the type briefly has no production version, which
// callers treat the same as "rollback needed"; it never has two.
// current may be nil when there is no incumbent.
func (c *RollbackController) swap(ctx context.Context, current, target *datatypes.ModelVersion) error {
	if current != nil {
		demoted := current.Clone()
		demoted.IsProduction = false
		demoted.IsChampion = false
		demoted.Status = datatypes.ModelStatusArchived
		if err := c.store.PutVersion(ctx, demoted); err != nil {
			return fmt.Errorf("demote %s: %w", current.ID, err)
		}
	}

	promoted := target.Clone()
	promoted.IsProduction = true
	promoted.IsChampion = true
	promoted.Status = datatypes.ModelStatusProduction
	deployedAt := c.now()
	promoted.DeployedAt = &deployedAt
	if err := c.store.PutVersion(ctx, promoted); err != nil {
		return fmt.Errorf("promote %s: %w", target.ID, err)
	}
	*target = *promoted
	return nil
}

func (c *RollbackController) notify(ctx context.Context, modelType datatypes.ModelType, versionID string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.NotifyActiveModel(ctx, modelType, versionID); err != nil {
		c.logger.Error("active model notification failed",
			slog.String("model_type", string(modelType)),
			slog.String("version", versionID),
			slog.Any("error", err))
	}
}

var _ Notifier = (detector.Client)(nil)
