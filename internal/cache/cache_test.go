// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache() (*Cache, *time.Time) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	c := New(nil)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestTTLForLongestPrefixWins(t *testing.T) {
	c, _ := newTestCache()
	defer c.Close()

	cases := map[string]time.Duration{
		"health:db":               30 * time.Second,
		"overview:main":           120 * time.Second,
		"analytics:top_products":  300 * time.Second,
		"analytics:top_shops:30":  300 * time.Second,
		"analytics:peak_hours:7":  DefaultTTL,
		"fraud:summary":           60 * time.Second,
		"completely:unknown:pref": DefaultTTL,
	}
	for key, want := range cases {
		if got := c.TTLFor(key); got != want {
			t.Errorf("TTLFor(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestGetExpiredIsMiss(t *testing.T) {
	c, now := newTestCache()
	defer c.Close()

	c.Set("overview:main", "v1")
	if _, ok := c.Get("overview:main"); !ok {
		t.Fatal("fresh entry should hit")
	}

	*now = now.Add(121 * time.Second)
	if _, ok := c.Get("overview:main"); ok {
		t.Fatal("expired entry should miss")
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c, _ := newTestCache()
	defer c.Close()

	var calls atomic.Int64
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "overview:main", loader)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
			if v != "computed" {
				t.Errorf("got %v", v)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

func TestGetOrComputeStaleServeWithinWindow(t *testing.T) {
	c, now := newTestCache()
	defer c.Close()

	ctx := context.Background()
	if _, err := c.GetOrCompute(ctx, "fraud:summary", func(context.Context) (any, error) {
		return "fresh", nil
	}); err != nil {
		t.Fatal(err)
	}

	failing := func(context.Context) (any, error) {
		return nil, errors.New("db down")
	}

	// Just past expiry: stale serve.
	*now = now.Add(90 * time.Second)
	v, err := c.GetOrCompute(ctx, "fraud:summary", failing)
	if err != nil {
		t.Fatalf("within stale window: %v", err)
	}
	if v != "fresh" {
		t.Fatalf("got %v, want stale value", v)
	}

	// Beyond 4x TTL past expiry: the loader error propagates.
	*now = now.Add(5 * 60 * time.Second)
	if _, err := c.GetOrCompute(ctx, "fraud:summary", failing); err == nil {
		t.Fatal("expected loader error past stale window")
	}

	stats := c.GetStats()
	if stats.StaleServes != 1 {
		t.Fatalf("stale serves = %d, want 1", stats.StaleServes)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c, _ := newTestCache()
	defer c.Close()

	c.Set("analytics:top_products:7", 1)
	c.Set("analytics:top_shops:30", 2)
	c.Set("overview:main", 3)

	if n := c.InvalidatePrefix("analytics:"); n != 2 {
		t.Fatalf("invalidated %d, want 2", n)
	}
	if _, ok := c.Get("overview:main"); !ok {
		t.Fatal("unrelated key evicted")
	}
	if _, ok := c.Get("analytics:top_shops:30"); ok {
		t.Fatal("prefixed key survived invalidation")
	}
}

func TestCleanupKeepsStaleWindowEntries(t *testing.T) {
	c, now := newTestCache()
	defer c.Close()

	c.Set("health:db", "ok") // 30s TTL
	*now = now.Add(60 * time.Second)
	c.cleanup()
	if _, ok := c.getStale("health:db"); !ok {
		t.Fatal("entry within stale window removed by cleanup")
	}

	*now = now.Add(3 * time.Minute)
	c.cleanup()
	if _, ok := c.getStale("health:db"); ok {
		t.Fatal("entry past stale window survived cleanup")
	}
}

func TestGuardedCacheOpensAfterConsecutiveFailures(t *testing.T) {
	c, _ := newTestCache()
	defer c.Close()
	g := NewGuarded(c)

	var calls atomic.Int64
	failing := func(context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("db down")
	}

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		// Distinct keys so singleflight does not collapse the calls.
		key := "overview:" + string(rune('a'+i))
		if _, err := g.GetOrCompute(ctx, key, failing); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	// Breaker opened after 5 consecutive failures; later calls short-circuit.
	if n := calls.Load(); n != 5 {
		t.Fatalf("loader ran %d times, want 5 before breaker opened", n)
	}
}
