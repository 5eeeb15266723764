// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/store"
)

// DefaultTickInterval is how often live dashboard counters are published.
const DefaultTickInterval = 30 * time.Second

// CounterSource is the storage slice the ticker reads.
type CounterSource interface {
	Overview(ctx context.Context, now time.Time) (*store.OverviewStats, error)
	AlertSummary(ctx context.Context) (*store.AlertSummaryRow, error)
}

// SessionCounter reports live stream sessions (the hub).
type SessionCounter interface {
	SessionCount() int
}

// Tick is the payload published on metrics.tick. Clients render these
// counters directly; a missed tick is harmless since the next one carries
// absolute values.
type Tick struct {
	TodayOrders       int             `json:"today_orders"`
	TodayRevenue      decimal.Decimal `json:"today_revenue"`
	PendingComplaints int             `json:"pending_complaints"`
	OpenAlerts        int             `json:"open_alerts"`
	LiveSessions      int             `json:"live_sessions"`
	TS                time.Time       `json:"ts"`
}

// Ticker publishes dashboard counters on the bus at a fixed cadence and
// keeps the related Prometheus gauges current.
type Ticker struct {
	source   CounterSource
	sessions SessionCounter
	bus      *bus.Bus
	interval time.Duration
	now      func() time.Time
}

// NewTicker wires the ticker. sessions may be nil (the scan CLI).
func NewTicker(source CounterSource, sessions SessionCounter, b *bus.Bus, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Ticker{
		source:   source,
		sessions: sessions,
		bus:      b,
		interval: interval,
		now:      time.Now,
	}
}

// Serve publishes ticks until ctx is cancelled.
func (t *Ticker) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.publish(ctx)
		}
	}
}

func (t *Ticker) String() string { return "metrics-ticker" }

func (t *Ticker) publish(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := t.now().UTC()
	tick := Tick{TS: now}

	overview, err := t.source.Overview(tickCtx, now)
	if err != nil {
		logging.Warn().Err(err).Msg("metrics tick: overview unavailable")
		return
	}
	tick.TodayOrders = overview.TodayOrders
	tick.TodayRevenue = overview.TodayRevenue
	tick.PendingComplaints = overview.PendingComplaints

	if summary, err := t.source.AlertSummary(tickCtx); err == nil {
		tick.OpenAlerts = summary.OpenCount
		AlertsOpen.Set(float64(summary.OpenCount))
	}
	if t.sessions != nil {
		tick.LiveSessions = t.sessions.SessionCount()
		HubSessions.Set(float64(tick.LiveSessions))
	}

	if _, err := t.bus.Publish(bus.TopicMetricsTick, tick); err != nil {
		logging.Warn().Err(err).Msg("metrics tick: publish failed")
	}
}
