// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import (
	"math"
	"sort"
	"sync"
)

// LatencySnapshot holds percentiles recomputed on demand from the
// rolling window.
type LatencySnapshot struct {
	Count     int     `json:"count"`
	AverageMs float64 `json:"average_ms"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}

// LatencyWindow is a fixed-size ring of the most recent prediction
// latencies (milliseconds). Percentiles are computed on demand; the
// write path is a single index increment.
//
// Thread Safety: Safe for concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
}

// NewLatencyWindow creates a window keeping the last size samples.
// Size <= 0 falls back to 1000.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 1000
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Observe appends one latency sample, overwriting the oldest when the
// window is full.
func (w *LatencyWindow) Observe(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = ms
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Snapshot computes average and p50/p95/p99 over the current window.
func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	sorted := make([]float64, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencySnapshot{}
	}
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return LatencySnapshot{
		Count:     n,
		AverageMs: sum / float64(n),
		P50Ms:     percentile(sorted, 0.50),
		P95Ms:     percentile(sorted, 0.95),
		P99Ms:     percentile(sorted, 0.99),
	}
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
