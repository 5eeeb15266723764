// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package cache

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/townbasket/opscore/internal/logging"
)

// GuardedCache pairs the cache with a circuit breaker around the loader.
// When the backing store is failing repeatedly the breaker opens and
// requests resolve from stale cache entries without touching the store,
// giving it room to recover.
type GuardedCache struct {
	*Cache
	breaker *gobreaker.CircuitBreaker[any]
}

// NewGuarded wraps c with a breaker that opens after 5 consecutive loader
// failures and probes again after 30 seconds.
func NewGuarded(c *Cache) *GuardedCache {
	settings := gobreaker.Settings{
		Name:        "store-loader",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("cache loader breaker state change")
		},
	}
	return &GuardedCache{
		Cache:   c,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

// GetOrCompute is Cache.GetOrCompute with the loader routed through the
// breaker. An open breaker counts as a loader failure, so stale entries
// within their serve window still satisfy the request.
func (g *GuardedCache) GetOrCompute(ctx context.Context, key string, loader func(context.Context) (any, error)) (any, error) {
	return g.Cache.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return g.breaker.Execute(func() (any, error) {
			return loader(ctx)
		})
	})
}
