// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package health probes the backing services and publishes state changes
// on the event bus so streaming clients can surface outages without
// polling.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/logging"
)

// Component statuses. Errors are reported as "error:<reason>" so the
// console can show the cause without a second request.
const (
	StatusConnected     = "connected"
	StatusReachable     = "reachable"
	StatusDegraded      = "degraded"
	StatusNotConfigured = "not_configured"
)

// Snapshot is the state of every probed component.
type Snapshot struct {
	Database string    `json:"database"`
	Cache    string    `json:"cache"`
	Auth     string    `json:"auth"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy reports whether no component is in an error state.
func (s Snapshot) Healthy() bool {
	for _, status := range []string{s.Database, s.Cache, s.Auth} {
		if len(status) >= 6 && status[:6] == "error:" {
			return false
		}
	}
	return true
}

func (s Snapshot) equal(other Snapshot) bool {
	return s.Database == other.Database && s.Cache == other.Cache && s.Auth == other.Auth
}

// Pinger is the database side of the probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuthProber reports the verifier state.
type AuthProber interface {
	HealthStatus() string
}

// Monitor probes components on demand and remembers the last snapshot so
// changes can be published exactly once.
type Monitor struct {
	db   Pinger
	auth AuthProber
	bus  *bus.Bus

	mu   sync.Mutex
	last *Snapshot
}

// NewMonitor wires the monitor. bus may be nil in tests.
func NewMonitor(db Pinger, auth AuthProber, b *bus.Bus) *Monitor {
	return &Monitor{db: db, auth: auth, bus: b}
}

// Check probes every component, publishes health.changed when the combined
// state differs from the previous check, and returns the snapshot.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	snap := Snapshot{
		// The process-local cache cannot be unreachable.
		Cache:     StatusReachable,
		Auth:      StatusNotConfigured,
		CheckedAt: time.Now().UTC(),
	}
	if err := m.db.Ping(probeCtx); err != nil {
		snap.Database = "error:" + err.Error()
	} else {
		snap.Database = StatusConnected
	}
	if m.auth != nil {
		snap.Auth = m.auth.HealthStatus()
	}

	m.mu.Lock()
	changed := m.last == nil || !m.last.equal(snap)
	m.last = &snap
	m.mu.Unlock()

	if changed {
		logging.Info().
			Str("database", snap.Database).
			Str("cache", snap.Cache).
			Str("auth", snap.Auth).
			Msg("system health changed")
		if m.bus != nil {
			if _, err := m.bus.Publish(bus.TopicHealthChanged, snap); err != nil {
				logging.Warn().Err(err).Msg("publishing health change")
			}
		}
	}
	return snap
}

// Last returns the most recent snapshot, if any check has run.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return *m.last, true
}
