// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import (
	"testing"
	"time"
)

func newTestBreaker(maxFailures int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: maxFailures, Cooldown: cooldown})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

// TestBreaker_OpensAfterMaxFailures tests that exactly maxFailures
// consecutive failures open the circuit.
func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Fatalf("breaker opened after %d failures, want 5", i+1)
		}
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open after 5 consecutive failures")
	}
	if cb.Allow() {
		t.Error("open breaker must reject calls before cooldown")
	}
}

// TestBreaker_SuccessResetsCounter tests the fast recovery signal: a
// success zeroes the consecutive-failure counter.
func TestBreaker_SuccessResetsCounter(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Error("interleaved success should have reset the failure counter")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Error("three consecutive failures should open the breaker")
	}
}

// TestBreaker_HalfOpenProbeSuccessCloses tests the full recovery cycle:
// open -> cooldown -> half-open probe -> closed.
func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("expected open state")
	}

	// Before the cooldown elapses: still rejecting.
	*now = now.Add(30 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker allowed a call mid-cooldown")
	}

	// After the cooldown: one probe goes through.
	*now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should allow a probe after cooldown")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	// A second concurrent call is not allowed while the probe is out.
	if cb.Allow() {
		t.Error("only one probe may be in flight in half-open state")
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Error("probe success should close the circuit")
	}
	if !cb.Allow() {
		t.Error("closed breaker must allow calls")
	}
}

// TestBreaker_HalfOpenProbeFailureReopens tests that a failed probe
// re-opens the circuit with a fresh cooldown.
func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	cb.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Fatal("probe failure should re-open the circuit")
	}
	// Fresh cooldown: still rejecting just before it elapses.
	*now = now.Add(59 * time.Second)
	if cb.Allow() {
		t.Error("re-opened breaker must honor a fresh cooldown")
	}
	*now = now.Add(2 * time.Second)
	if !cb.Allow() {
		t.Error("fresh cooldown elapsed, probe expected")
	}
}

// TestBreaker_Defaults tests that zero config falls back to the
// defaults (5 failures, 5 minute cooldown).
func TestBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.config.MaxFailures != 5 {
		t.Errorf("default MaxFailures = %d, want 5", cb.config.MaxFailures)
	}
	if cb.config.Cooldown != 5*time.Minute {
		t.Errorf("default Cooldown = %v, want 5m", cb.config.Cooldown)
	}
}

// TestBreaker_OnStateChangeMirrorsTransitions tests that every state
// transition reaches the callback, so a metrics gauge fed by it always
// reflects the live state.
func TestBreaker_OnStateChangeMirrorsTransitions(t *testing.T) {
	var observed []CircuitState
	cb := NewCircuitBreaker(BreakerConfig{
		MaxFailures:   2,
		Cooldown:      time.Minute,
		OnStateChange: func(s CircuitState) { observed = append(observed, s) },
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure() // closed -> open

	now = now.Add(2 * time.Minute)
	if !cb.Allow() { // open -> half-open, probe admitted
		t.Fatal("probe should be allowed after cooldown")
	}
	cb.RecordSuccess() // half-open -> closed

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(observed) != len(want) {
		t.Fatalf("observed %d transitions, want %d: %v", len(observed), len(want), observed)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, observed[i], want[i])
		}
	}
}
