// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package health

import (
	"context"
	"time"
)

// DefaultProbeInterval is how often the background service re-checks.
const DefaultProbeInterval = 30 * time.Second

// Service runs the monitor on a cadence under the supervision tree.
type Service struct {
	monitor  *Monitor
	interval time.Duration
}

// NewService wraps the monitor in a supervised loop.
func NewService(m *Monitor, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Service{monitor: m, interval: interval}
}

// Serve probes immediately, then on every tick, until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	s.monitor.Check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.monitor.Check(ctx)
		}
	}
}

func (s *Service) String() string { return "health-monitor" }
