// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prediction

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
)

// CacheStats is a point-in-time snapshot of cache effectiveness. The
// hit rate feeds the health endpoint.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
	Evictions int64   `json:"evictions"`
}

// Cache is a content-addressed prediction cache with TTL and bounded
// size.
//
// # Description
//
// Keys are deterministic hashes of the canonical serialization of
// {predictionType, features} (field order normalized before hashing),
// so semantically identical requests always collide. When capacity is
// exceeded the entry with the oldest insertion time is evicted in O(1)
// via a doubly linked list + hash map. Expired entries are treated as
// misses and removed lazily on Get.
//
// # Thread Safety
//
// Safe for concurrent use. Counters use atomics for lock-free reads.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // Front = newest insertion, Back = oldest

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time
}

// cacheEntry holds one cached result with its insertion time and TTL.
type cacheEntry struct {
	key        string
	value      *datatypes.PredictionResult
	insertedAt time.Time
	ttl        time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) >= e.ttl
}

// NewCache creates a prediction cache holding at most capacity entries.
// Capacity <= 0 falls back to 1000.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Key computes the content-addressed cache key for a request.
//
// Features are serialized with sorted keys so that two requests with
// the same fields in different order produce the same key. Nested maps
// are handled by json.Marshal, which already sorts object keys.
func Key(predType datatypes.PredictionType, features map[string]any) string {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s|", predType)
	for _, k := range keys {
		// json.Marshal sorts nested map keys, keeping the digest stable
		// for semantically identical values.
		v, err := json.Marshal(features[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", features[k]))
		}
		fmt.Fprintf(h, "%s=%s|", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for key, or (nil, false) on a miss.
// An expired entry counts as a miss and is removed.
func (c *Cache) Get(key string) (*datatypes.PredictionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	if entry.expired(c.now()) {
		c.order.Remove(elem)
		delete(c.items, key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.value, true
}

// Set stores value under key with the given TTL, evicting the oldest
// insertion if the cache is full. Re-setting an existing key refreshes
// its insertion time.
func (c *Cache) Set(key string, value *datatypes.PredictionResult, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.insertedAt = c.now()
		entry.ttl = ttl
		c.order.MoveToFront(elem)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
			c.evictions.Add(1)
		}
	}

	c.items[key] = c.order.PushFront(&cacheEntry{
		key:        key,
		value:      value,
		insertedAt: c.now(),
		ttl:        ttl,
	})
}

// Stats returns a snapshot of hit/miss counters and current size.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Size:      size,
		Evictions: c.evictions.Load(),
	}
}
