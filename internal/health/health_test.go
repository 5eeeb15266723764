// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/townbasket/opscore/internal/bus"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeAuth struct{ status string }

func (f *fakeAuth) HealthStatus() string { return f.status }

func TestCheckPublishesOnlyOnChange(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicHealthChanged)
	defer b.Unsubscribe(sub)

	db := &fakePinger{}
	m := NewMonitor(db, &fakeAuth{status: StatusConnected}, b)

	snap := m.Check(context.Background())
	if snap.Database != StatusConnected || snap.Cache != StatusReachable || snap.Auth != StatusConnected {
		t.Fatalf("snapshot %+v", snap)
	}
	if !snap.Healthy() {
		t.Fatal("all-connected snapshot should be healthy")
	}

	// Unchanged state: no new event.
	m.Check(context.Background())
	m.Check(context.Background())

	db.err = errors.New("connection refused")
	snap = m.Check(context.Background())
	if !strings.HasPrefix(snap.Database, "error:") {
		t.Fatalf("database status %q", snap.Database)
	}
	if snap.Healthy() {
		t.Fatal("erroring database should be unhealthy")
	}

	var got int
	for done := false; !done; {
		select {
		case d := <-sub.C:
			if d.Event != nil {
				got++
			}
		default:
			done = true
		}
	}
	if got != 2 {
		t.Fatalf("published %d health events, want 2 (initial + change)", got)
	}
}

func TestLastSnapshot(t *testing.T) {
	m := NewMonitor(&fakePinger{}, nil, nil)
	if _, ok := m.Last(); ok {
		t.Fatal("no snapshot before first check")
	}
	m.Check(context.Background())
	snap, ok := m.Last()
	if !ok || snap.Database != StatusConnected {
		t.Fatalf("last snapshot %+v ok=%v", snap, ok)
	}
	if snap.Auth != StatusNotConfigured {
		t.Fatalf("nil auth prober should report %q, got %q", StatusNotConfigured, snap.Auth)
	}
}
