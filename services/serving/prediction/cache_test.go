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

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

func resultFor(id string) *datatypes.PredictionResult {
	return &datatypes.PredictionResult{
		RequestID: id,
		Type:      datatypes.PredictionVulnerability,
		Findings:  []datatypes.Finding{{Type: "sqli", Severity: "high", Confidence: 0.9}},
	}
}

// TestKey_FieldOrderNormalized tests that semantically identical
// requests produce the same cache key regardless of feature insertion
// order.
func TestKey_FieldOrderNormalized(t *testing.T) {
	a := map[string]any{"path": "main.go", "language": "go", "lines": 120}
	b := map[string]any{"lines": 120, "language": "go", "path": "main.go"}

	keyA := Key(datatypes.PredictionVulnerability, a)
	keyB := Key(datatypes.PredictionVulnerability, b)
	if keyA != keyB {
		t.Errorf("keys differ for identical features: %s vs %s", keyA, keyB)
	}
}

// TestKey_TypeIsPartOfKey tests that the same features under different
// prediction types do not collide.
func TestKey_TypeIsPartOfKey(t *testing.T) {
	features := map[string]any{"path": "main.go"}
	if Key(datatypes.PredictionVulnerability, features) == Key(datatypes.PredictionRisk, features) {
		t.Error("different prediction types must not share cache keys")
	}
}

// TestCache_GetSet tests the basic hit path and counter updates.
func TestCache_GetSet(t *testing.T) {
	cache := NewCache(10)

	if _, ok := cache.Get("k1"); ok {
		t.Fatal("empty cache returned a hit")
	}
	cache.Set("k1", resultFor("r1"), time.Minute)

	value, ok := cache.Get("k1")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if value.RequestID != "r1" {
		t.Errorf("got result %q, want r1", value.RequestID)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate)
	}
}

// TestCache_ExpiredEntryIsMiss tests that an entry older than its TTL
// is never returned and is removed lazily.
func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	cache := NewCache(10)
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("k1", resultFor("r1"), time.Minute)

	// Advance past the TTL.
	cache.now = func() time.Time { return now.Add(2 * time.Minute) }

	if _, ok := cache.Get("k1"); ok {
		t.Fatal("expired entry returned as hit")
	}
	if stats := cache.Stats(); stats.Size != 0 {
		t.Errorf("expired entry not removed, size = %d", stats.Size)
	}
}

// TestCache_EvictsOldestInsertion tests that exceeding capacity evicts
// the entry with the oldest insertion time.
func TestCache_EvictsOldestInsertion(t *testing.T) {
	cache := NewCache(2)

	cache.Set("first", resultFor("r1"), time.Minute)
	cache.Set("second", resultFor("r2"), time.Minute)
	cache.Set("third", resultFor("r3"), time.Minute)

	if _, ok := cache.Get("first"); ok {
		t.Error("oldest insertion should have been evicted")
	}
	if _, ok := cache.Get("second"); !ok {
		t.Error("second entry should survive")
	}
	if _, ok := cache.Get("third"); !ok {
		t.Error("third entry should survive")
	}
	if stats := cache.Stats(); stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

// TestCache_ResetRefreshesInsertion tests that re-setting a key moves
// it to the newest position instead of growing the cache.
func TestCache_ResetRefreshesInsertion(t *testing.T) {
	cache := NewCache(2)

	cache.Set("a", resultFor("r1"), time.Minute)
	cache.Set("b", resultFor("r2"), time.Minute)
	cache.Set("a", resultFor("r1b"), time.Minute) // refresh, not insert
	cache.Set("c", resultFor("r3"), time.Minute)  // should evict b

	if _, ok := cache.Get("b"); ok {
		t.Error("b should have been evicted after a was refreshed")
	}
	if value, ok := cache.Get("a"); !ok || value.RequestID != "r1b" {
		t.Errorf("refreshed entry lost: ok=%v value=%+v", ok, value)
	}
}
