// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

// Pool sizing and the bound on waiting for a free connection.
const (
	maxOpenConns   = 25
	maxIdleConns   = 5
	acquireTimeout = 2 * time.Second
)

const slotKey = "opscore:pool_slot"

// slotGate bounds connection acquisition. database/sql queues callers
// without limit when the pool is exhausted; the gate fails them with
// ErrUnavailable after acquireTimeout instead, so a saturated pool degrades
// into fast 503s rather than piled-up requests.
type slotGate struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

func newSlotGate(size int64, timeout time.Duration) *slotGate {
	return &slotGate{sem: semaphore.NewWeighted(size), timeout: timeout}
}

// acquire reserves a slot within the gate's timeout. A caller whose own
// context is already done gets that error, not ErrUnavailable.
func (g *slotGate) acquire(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connection pool exhausted after %s: %w", g.timeout, ErrUnavailable)
	}
	return nil
}

func (g *slotGate) release() { g.sem.Release(1) }

// before gates one statement; after releases its slot. Paired through the
// statement's instance settings so a failed acquire never releases.
func (g *slotGate) before(tx *gorm.DB) {
	if err := g.acquire(tx.Statement.Context); err != nil {
		_ = tx.AddError(err)
		return
	}
	tx.InstanceSet(slotKey, struct{}{})
}

func (g *slotGate) after(tx *gorm.DB) {
	if _, ok := tx.InstanceGet(slotKey); ok {
		g.release()
	}
}

// register installs the gate around every statement the handle executes.
func (g *slotGate) register(db *gorm.DB) error {
	cb := db.Callback()
	type registerFn func(name string, fn func(*gorm.DB)) error
	befores := []registerFn{
		cb.Create().Before("*").Register,
		cb.Query().Before("*").Register,
		cb.Update().Before("*").Register,
		cb.Delete().Before("*").Register,
		cb.Row().Before("*").Register,
		cb.Raw().Before("*").Register,
	}
	afters := []registerFn{
		cb.Create().After("*").Register,
		cb.Query().After("*").Register,
		cb.Update().After("*").Register,
		cb.Delete().After("*").Register,
		cb.Row().After("*").Register,
		cb.Raw().After("*").Register,
	}
	for _, reg := range befores {
		if err := reg("opscore:acquire_conn", g.before); err != nil {
			return err
		}
	}
	for _, reg := range afters {
		if err := reg("opscore:release_conn", g.after); err != nil {
			return err
		}
	}
	return nil
}
