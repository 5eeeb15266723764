// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package cache provides the read-through cache in front of the storage
// gateway's aggregate queries. TTLs are assigned per key prefix, concurrent
// misses for the same key collapse into a single loader call, and a stale
// value may be served for a bounded window when the loader fails.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/townbasket/opscore/internal/logging"
)

// StaleFactor bounds how long past expiry a stale entry may still be served
// when the loader fails: staleness must not exceed StaleFactor times the
// entry's TTL.
const StaleFactor = 4

// DefaultTTL applies to keys whose prefix has no explicit TTL.
const DefaultTTL = 60 * time.Second

// DefaultTTLTable is the per-prefix TTL assignment. Longest matching prefix
// wins.
var DefaultTTLTable = map[string]time.Duration{
	"health:":        30 * time.Second,
	"overview:":      120 * time.Second,
	"analytics:top_": 300 * time.Second,
	"fraud:summary":  60 * time.Second,
}

// Entry is a cached value with its expiry and the TTL it was stored under.
type Entry struct {
	Data      any
	ExpiresAt time.Time
	TTL       time.Duration
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	StaleServes int64     `json:"stale_serves"`
	Evictions   int64     `json:"evictions"`
	TotalKeys   int64     `json:"total_keys"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// HitRate returns the hit percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

// Cache is a thread-safe in-memory cache with per-prefix TTLs and
// single-flight loading.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttls    map[string]time.Duration
	group   singleflight.Group

	statsMu sync.Mutex
	stats   Stats

	// now is the clock; tests override it.
	now func() time.Time

	stop chan struct{}
}

// New creates a cache using the given per-prefix TTL table (nil selects
// DefaultTTLTable) and starts the background cleanup goroutine.
func New(ttls map[string]time.Duration) *Cache {
	if ttls == nil {
		ttls = DefaultTTLTable
	}
	c := &Cache{
		entries: make(map[string]Entry),
		ttls:    ttls,
		now:     time.Now,
		stop:    make(chan struct{}),
		stats:   Stats{LastCleanup: time.Now()},
	}
	go c.cleanupLoop()
	return c
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	close(c.stop)
}

// TTLFor returns the TTL assigned to key by longest-prefix match.
func (c *Cache) TTLFor(key string) time.Duration {
	best := DefaultTTL
	bestLen := -1
	for prefix, ttl := range c.ttls {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = ttl, len(prefix)
		}
	}
	return best
}

// Get retrieves a fresh value. Expired entries are left in place for the
// stale-serve window; Get treats them as misses.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists || c.now().After(entry.ExpiresAt) {
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return entry.Data, true
}

// Set stores a value under the key's prefix-assigned TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.TTLFor(key))
}

// SetWithTTL stores a value with an explicit TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = Entry{
		Data:      value,
		ExpiresAt: c.now().Add(ttl),
		TTL:       ttl,
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.TotalKeys = total
	c.statsMu.Unlock()
}

// GetOrCompute returns the cached value for key, or runs loader to fill it.
// Concurrent callers for the same key share one loader execution. When the
// loader fails and a stale entry exists within the stale-serve window, the
// stale value is returned with a nil error; otherwise the loader's error
// propagates.
func (c *Cache) GetOrCompute(ctx context.Context, key string, loader func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have filled it.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			if stale, ok := c.getStale(key); ok {
				logging.Warn().Str("key", key).Err(err).
					Msg("loader failed, serving stale cache entry")
				c.recordStaleServe()
				return stale, nil
			}
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return v, err
}

// getStale returns an expired entry if its staleness is still within
// StaleFactor times its TTL.
func (c *Cache) getStale(key string) (any, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return nil, false
	}
	staleness := c.now().Sub(entry.ExpiresAt)
	if staleness < 0 {
		return entry.Data, true
	}
	if staleness > StaleFactor*entry.TTL {
		return nil, false
	}
	return entry.Data, true
}

// Invalidate removes a specific key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if existed {
		c.recordEvictions(1)
	}
}

// InvalidatePrefix removes every key under the prefix and returns the count.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	n := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.recordEvictions(int64(n))
	}
	return n
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	evictions := int64(len(c.entries))
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Evictions += evictions
	c.stats.TotalKeys = 0
	c.statsMu.Unlock()
}

// GetStats returns a snapshot of the counters.
func (c *Cache) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// cleanupLoop removes entries past their stale-serve window. Entries are
// kept for StaleFactor times their TTL after expiry so loader failures can
// fall back on them.
func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := c.now()
	c.mu.Lock()
	evictions := int64(0)
	for key, entry := range c.entries {
		if now.Sub(entry.ExpiresAt) > StaleFactor*entry.TTL {
			delete(c.entries, key)
			evictions++
		}
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.Evictions += evictions
	c.stats.TotalKeys = total
	c.stats.LastCleanup = now
	c.statsMu.Unlock()
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *Cache) recordStaleServe() {
	c.statsMu.Lock()
	c.stats.StaleServes++
	c.statsMu.Unlock()
}

func (c *Cache) recordEvictions(n int64) {
	c.statsMu.Lock()
	c.stats.Evictions += n
	c.statsMu.Unlock()
}
