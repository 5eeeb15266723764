// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package fraud

import (
	"context"
	"time"

	"github.com/townbasket/opscore/internal/logging"
)

// DefaultScanCadence is the interval between scheduled scans.
const DefaultScanCadence = 5 * time.Minute

// ScannerService runs the engine on a fixed cadence as a supervised
// service. A failing scan is logged and retried on the next tick; only a
// panic (handled by the supervisor) restarts the service.
type ScannerService struct {
	engine  *Engine
	cadence time.Duration
}

// NewScannerService wraps engine in a supervised periodic scanner.
func NewScannerService(engine *Engine, cadence time.Duration) *ScannerService {
	if cadence <= 0 {
		cadence = DefaultScanCadence
	}
	return &ScannerService{engine: engine, cadence: cadence}
}

// Serve implements suture.Service. The first scan runs one cadence after
// startup so boot is not delayed by detector queries.
func (s *ScannerService) Serve(ctx context.Context) error {
	logging.Info().Dur("cadence", s.cadence).Msg("fraud scanner started")
	ticker := time.NewTicker(s.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("fraud scanner stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.engine.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logging.Error().Err(err).Msg("scheduled fraud scan failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *ScannerService) String() string { return "fraud-scanner" }
