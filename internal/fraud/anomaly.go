// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package fraud

import (
	"context"
	"strconv"
	"time"

	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/store"
)

// Anomaly is a transient signal published on anomaly.detected. Anomalies
// are never persisted; consumers that miss one simply wait for the next
// evaluation.
type Anomaly struct {
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	DetectedAt time.Time      `json:"detected_at"`
}

// Anomaly kinds emitted by the monitor.
const (
	AnomalyOrderVelocity  = "order_velocity"
	AnomalyComplaintSpike = "complaint_spike"
	AnomalyAdminVolume    = "admin_volume"
)

// adminVolumeWatermark is the per-hour audit action count above which an
// admin's activity is flagged.
const adminVolumeWatermark = 50

// complaintSpikeWatermark is the pending complaint count that triggers a
// complaint_spike anomaly.
const complaintSpikeWatermark = 25

// AnomalyMonitor evaluates lightweight watermarks on a short cadence and
// publishes transient anomaly.detected events. It shares the engine's
// signal queries but never creates alerts.
type AnomalyMonitor struct {
	store    store.Store
	bus      *bus.Bus
	interval time.Duration
	now      func() time.Time
}

// NewAnomalyMonitor creates the monitor. interval defaults to one minute.
func NewAnomalyMonitor(st store.Store, b *bus.Bus, interval time.Duration) *AnomalyMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AnomalyMonitor{store: st, bus: b, interval: interval, now: time.Now}
}

// Serve implements suture.Service.
func (m *AnomalyMonitor) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", m.interval).Msg("anomaly monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (m *AnomalyMonitor) String() string { return "anomaly-monitor" }

// Evaluate runs every watermark check once. Check failures are logged and
// do not stop the remaining checks.
func (m *AnomalyMonitor) Evaluate(ctx context.Context) {
	now := m.now()
	m.checkOrderVelocity(ctx, now)
	m.checkComplaintBacklog(ctx, now)
	m.checkAdminVolume(ctx, now)
}

// checkOrderVelocity flags shops whose trailing hour is unusually hot,
// at a lower bar than the order_spike detector so operators see pressure
// building before an alert fires.
func (m *AnomalyMonitor) checkOrderVelocity(ctx context.Context, now time.Time) {
	stats, err := m.store.ShopHourlyVelocity(ctx, orderSpikeHistory)
	if err != nil {
		logging.Warn().Err(err).Msg("order velocity check failed")
		return
	}
	for _, s := range stats {
		if s.StdDev == 0 || s.LastHour < orderSpikeMinCount/2 {
			continue
		}
		sigmas := (float64(s.LastHour) - s.Mean) / s.StdDev
		if sigmas < 2 {
			continue
		}
		m.emit(Anomaly{
			Kind:       AnomalyOrderVelocity,
			Message:    "order velocity elevated",
			TargetType: "shop",
			TargetID:   uintStr(s.ShopID),
			Metrics: map[string]any{
				"last_hour": s.LastHour,
				"mean":      s.Mean,
				"sigmas":    sigmas,
			},
			DetectedAt: now,
		})
	}
}

func (m *AnomalyMonitor) checkComplaintBacklog(ctx context.Context, now time.Time) {
	pending, err := m.store.PendingComplaintCount(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("complaint backlog check failed")
		return
	}
	if pending < complaintSpikeWatermark {
		return
	}
	m.emit(Anomaly{
		Kind:    AnomalyComplaintSpike,
		Message: "pending complaint backlog above watermark",
		Metrics: map[string]any{
			"pending":   pending,
			"watermark": complaintSpikeWatermark,
		},
		DetectedAt: now,
	})
}

// checkAdminVolume flags any admin whose action count in the trailing hour
// exceeds the watermark. A compromised admin session tends to show up here
// before anywhere else.
func (m *AnomalyMonitor) checkAdminVolume(ctx context.Context, now time.Time) {
	admins, err := m.store.DistinctAdmins(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("admin volume check failed")
		return
	}
	since := now.Add(-time.Hour)
	for _, a := range admins {
		n, err := m.store.CountAuditSince(ctx, a.UID, since)
		if err != nil {
			logging.Warn().Str("admin_uid", a.UID).Err(err).Msg("admin volume count failed")
			continue
		}
		if n <= adminVolumeWatermark {
			continue
		}
		m.emit(Anomaly{
			Kind:       AnomalyAdminVolume,
			Message:    "admin action volume above watermark",
			TargetType: "admin",
			TargetID:   a.UID,
			Metrics: map[string]any{
				"actions_last_hour": n,
				"watermark":         adminVolumeWatermark,
			},
			DetectedAt: now,
		})
	}
}

func (m *AnomalyMonitor) emit(a Anomaly) {
	if _, err := m.bus.Publish(bus.TopicAnomalyDetected, a); err != nil {
		logging.Warn().Str("kind", a.Kind).Err(err).Msg("publishing anomaly failed")
	}
}

func uintStr(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
