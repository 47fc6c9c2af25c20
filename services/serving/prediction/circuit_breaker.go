// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import (
	"sync"
	"time"
)

// CircuitState represents the state of the detector circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately until the cooldown
	// elapses.
	CircuitOpen

	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	// Default: 5
	MaxFailures int

	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe. Default: 5m
	Cooldown time.Duration

	// OnStateChange, when set, is invoked after every state transition
	// with the new state. It runs synchronously with the breaker lock
	// held, so it must be cheap and must not call back into the
	// breaker. Used to mirror the state into a metrics gauge.
	OnStateChange func(CircuitState)
}

// DefaultBreakerConfig returns the serving defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Cooldown:    5 * time.Minute,
	}
}

// CircuitBreaker gates detector calls when the backend is unhealthy.
//
// The breaker has three states:
//   - Closed: normal operation, requests pass through
//   - Open: failure threshold exceeded, requests rejected until
//     openUntil
//   - Half-Open: cooldown elapsed, one probe allowed; success closes
//     the circuit, failure re-opens it with a fresh cooldown
//
// RecordSuccess zeroes the consecutive-failure counter whenever it is
// non-zero, so a single good call is a fast recovery signal.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig

	state               CircuitState
	consecutiveFailures int
	openUntil           time.Time
	probeInFlight       bool
	lastStateChange     time.Time

	now func() time.Time
	mu  sync.Mutex
}

// NewCircuitBreaker creates a breaker in the closed state. Zero config
// fields fall back to defaults.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a detector call may proceed.
//
// While open, every attempt is rejected without touching the backend.
// Once the cooldown has elapsed the breaker moves to half-open and the
// next single call is allowed through as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if now.Before(cb.openUntil) {
			return false
		}
		cb.transitionTo(CircuitHalfOpen, now)
		cb.probeInFlight = true
		return true

	case CircuitHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true

	default:
		return false
	}
}

// RecordSuccess records a successful detector call. In half-open state
// the probe's success closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0

	case CircuitHalfOpen:
		cb.transitionTo(CircuitClosed, cb.now())
	}
}

// RecordFailure records a failed detector call. Reaching MaxFailures
// consecutive failures opens the circuit; any failure in half-open
// re-opens it with a fresh cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionTo(CircuitOpen, now)
		}

	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen, now)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's internals.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenUntil:           cb.openUntil,
		LastStateChange:     cb.lastStateChange,
	}
}

// transitionTo changes the circuit state. Must be called with the lock
// held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, now time.Time) {
	cb.state = newState
	cb.lastStateChange = now
	cb.probeInFlight = false

	switch newState {
	case CircuitOpen:
		cb.consecutiveFailures = 0
		cb.openUntil = now.Add(cb.config.Cooldown)
	case CircuitClosed:
		cb.consecutiveFailures = 0
		cb.openUntil = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(newState)
	}
}

// BreakerStats contains circuit breaker statistics for the health
// endpoint.
type BreakerStats struct {
	State               CircuitState `json:"-"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenUntil           time.Time    `json:"open_until,omitzero"`
	LastStateChange     time.Time    `json:"last_state_change"`
}
