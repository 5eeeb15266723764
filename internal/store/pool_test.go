// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSlotGateBoundsAcquire(t *testing.T) {
	gate := newSlotGate(1, 20*time.Millisecond)
	ctx := context.Background()

	if err := gate.acquire(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := gate.acquire(ctx)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("exhausted gate returned %v, want ErrUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("gave up after %v, before the acquire deadline", elapsed)
	}

	gate.release()
	if err := gate.acquire(ctx); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSlotGateKeepsCallerCancellation(t *testing.T) {
	gate := newSlotGate(1, time.Second)
	if err := gate.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := gate.acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("client cancellation must not read as pool exhaustion")
	}
}

func TestSlotGateAdmitsUpToCapacity(t *testing.T) {
	gate := newSlotGate(3, 10*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := gate.acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := gate.acquire(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("over capacity: %v", err)
	}
}
