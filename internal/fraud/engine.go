// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package fraud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/cache"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// ErrScanCooldown is returned when an admin triggers a scan before their
// cooldown elapses.
var ErrScanCooldown = errors.New("scan cooldown active")

// DefaultScanCooldown is the minimum interval between manual scans per
// admin.
const DefaultScanCooldown = 30 * time.Second

// ScanResult reports one engine pass.
type ScanResult struct {
	NewAlerts     int               `json:"new_alerts"`
	UpdatedAlerts int               `json:"updated_alerts"`
	DurationMS    int64             `json:"duration_ms"`
	DetectorErrs  map[string]string `json:"detector_errors,omitempty"`
}

// Summary is the fraud overview panel payload.
type Summary struct {
	BySeverity map[models.Severity]int  `json:"by_severity"`
	ByType     map[models.AlertType]int `json:"by_type"`
	AvgRisk    float64                  `json:"avg_risk_score"`
	OpenCount  int                      `json:"open_count"`
	LastScanAt *time.Time               `json:"last_scan_at,omitempty"`
}

// HighRiskTarget is one row of the high-risk users report: a user with at
// least one open alert, graded by their worst score.
type HighRiskTarget struct {
	TargetID   string            `json:"target_id"`
	TargetName string            `json:"target_name"`
	MaxRisk    int               `json:"max_risk_score"`
	AlertCount int               `json:"alert_count"`
	Types      []models.AlertType `json:"alert_types"`
}

// Engine runs the detector set and owns the alert lifecycle.
type Engine struct {
	store     store.Store
	recorder  *audit.Recorder
	bus       *bus.Bus
	cache     *cache.Cache
	detectors []Detector
	cooldown  time.Duration

	flight singleflight.Group

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastScanAt time.Time

	// now is the clock; tests override it.
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDetectors replaces the builtin detector set (used to honor the
// detectors_enabled configuration and by tests).
func WithDetectors(ds []Detector) EngineOption {
	return func(e *Engine) { e.detectors = ds }
}

// WithCooldown sets the per-admin manual scan cooldown.
func WithCooldown(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.cooldown = d
		}
	}
}

// NewEngine wires the engine.
func NewEngine(st store.Store, recorder *audit.Recorder, b *bus.Bus, c *cache.Cache, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     st,
		recorder:  recorder,
		bus:       b,
		cache:     c,
		detectors: BuiltinDetectors(),
		cooldown:  DefaultScanCooldown,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SelectDetectors filters the builtin set down to the enabled type names.
// Unknown names are ignored with a warning.
func SelectDetectors(enabled []string) []Detector {
	if len(enabled) == 0 {
		return BuiltinDetectors()
	}
	want := make(map[models.AlertType]bool, len(enabled))
	for _, name := range enabled {
		t := models.AlertType(name)
		known := false
		for _, at := range models.AllAlertTypes() {
			if at == t {
				known = true
				break
			}
		}
		if !known {
			logging.Warn().Str("detector", name).Msg("unknown detector in configuration, ignoring")
			continue
		}
		want[t] = true
	}
	var out []Detector
	for _, d := range BuiltinDetectors() {
		if want[d.Type()] {
			out = append(out, d)
		}
	}
	return out
}

// TriggerScan runs a scan on behalf of an admin. Each admin may trigger at
// most one scan per cooldown interval; concurrent triggers from any admin
// share a single in-flight scan.
func (e *Engine) TriggerScan(ctx context.Context, adminUID string) (*ScanResult, error) {
	e.mu.Lock()
	lim, ok := e.limiters[adminUID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cooldown), 1)
		e.limiters[adminUID] = lim
	}
	e.mu.Unlock()

	if !lim.Allow() {
		return nil, fmt.Errorf("admin %s: %w", adminUID, ErrScanCooldown)
	}
	return e.Scan(ctx)
}

// Scan runs every detector once and persists the findings. Concurrent
// callers share one execution. A detector failure skips that detector and
// is reported in the result; the others still run.
func (e *Engine) Scan(ctx context.Context) (*ScanResult, error) {
	v, err, _ := e.flight.Do("scan", func() (any, error) {
		return e.scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ScanResult), nil
}

func (e *Engine) scan(ctx context.Context) (*ScanResult, error) {
	started := e.now()
	res := &ScanResult{}

	for _, d := range e.detectors {
		findings, err := d.Detect(ctx, e.store, started)
		if err != nil {
			if res.DetectorErrs == nil {
				res.DetectorErrs = make(map[string]string)
			}
			res.DetectorErrs[string(d.Type())] = err.Error()
			logging.Error().Str("detector", string(d.Type())).Err(err).
				Msg("detector failed, skipping")
			continue
		}
		for _, f := range findings {
			created, err := e.upsert(ctx, f)
			if err != nil {
				logging.Error().Str("detector", string(d.Type())).
					Str("target", f.TargetType+"/"+f.TargetID).Err(err).
					Msg("persisting finding failed")
				continue
			}
			if created {
				res.NewAlerts++
			} else {
				res.UpdatedAlerts++
			}
		}
	}

	res.DurationMS = e.now().Sub(started).Milliseconds()
	e.mu.Lock()
	e.lastScanAt = started
	e.mu.Unlock()
	e.cache.Invalidate("fraud:summary")

	logging.Info().
		Int("new_alerts", res.NewAlerts).
		Int("updated_alerts", res.UpdatedAlerts).
		Int64("duration_ms", res.DurationMS).
		Int("detector_errors", len(res.DetectorErrs)).
		Msg("fraud scan completed")
	return res, nil
}

// upsert persists one finding, coalescing into an existing open alert for
// the same (target, type). Returns whether a new alert was created.
func (e *Engine) upsert(ctx context.Context, f Finding) (bool, error) {
	metadata, err := json.Marshal(f.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshalling metadata: %w", err)
	}

	existing, err := e.store.FindOpenAlert(ctx, f.TargetType, f.TargetID, f.Type)
	switch {
	case err == nil:
		return false, e.coalesce(ctx, existing, f, metadata)
	case errors.Is(err, store.ErrNotFound):
	default:
		return false, err
	}

	alert := &models.FraudAlert{
		AlertType:   f.Type,
		Severity:    f.Severity,
		RiskScore:   f.RiskScore,
		Title:       f.Title,
		Description: f.Description,
		TargetType:  f.TargetType,
		TargetID:    f.TargetID,
		TargetName:  f.TargetName,
		Metadata:    metadata,
		Status:      models.AlertActive,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		// A racing scan created it first; coalesce instead.
		if errors.Is(err, store.ErrConflict) {
			existing, ferr := e.store.FindOpenAlert(ctx, f.TargetType, f.TargetID, f.Type)
			if ferr != nil {
				return false, err
			}
			return false, e.coalesce(ctx, existing, f, metadata)
		}
		return false, err
	}
	e.publish(bus.TopicFraudAlertCreated, alert, false)
	return true, nil
}

// coalesce merges a repeat finding into the open alert: metadata refreshed,
// risk never lowered, status untouched. The update event flags a re-notify
// only when the score crossed a severity boundary.
func (e *Engine) coalesce(ctx context.Context, existing *models.FraudAlert, f Finding, metadata json.RawMessage) error {
	prevSeverity := existing.Severity

	existing.Metadata = metadata
	existing.Title = f.Title
	existing.Description = f.Description
	if f.RiskScore > existing.RiskScore {
		existing.RiskScore = f.RiskScore
	}
	if severityRank(f.Severity) > severityRank(existing.Severity) {
		existing.Severity = f.Severity
	}
	if err := e.store.UpdateAlert(ctx, existing); err != nil {
		return err
	}
	e.publish(bus.TopicFraudAlertUpdated, existing, existing.Severity != prevSeverity)
	return nil
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	}
	return 0
}

// publish emits an alert event. renotify marks a severity boundary
// crossing on a coalesced update.
func (e *Engine) publish(topic string, alert *models.FraudAlert, renotify bool) {
	payload := map[string]any{
		"alert":    alert,
		"renotify": renotify,
	}
	if _, err := e.bus.Publish(topic, payload); err != nil {
		logging.Warn().Str("topic", topic).Uint("alert_id", alert.ID).Err(err).
			Msg("publishing alert event failed")
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Investigate moves an active alert into review.
func (e *Engine) Investigate(ctx context.Context, id uint, note string) (*models.FraudAlert, error) {
	return e.transition(ctx, id,
		[]models.AlertStatus{models.AlertActive},
		models.AlertInvestigating, note, audit.ActionFraudAlertInvestigate)
}

// Confirm marks an alert as verified fraud. Terminal.
func (e *Engine) Confirm(ctx context.Context, id uint, note string) (*models.FraudAlert, error) {
	return e.transition(ctx, id,
		[]models.AlertStatus{models.AlertActive, models.AlertInvestigating},
		models.AlertConfirmed, note, audit.ActionFraudAlertConfirm)
}

// Dismiss closes an alert as benign. Terminal.
func (e *Engine) Dismiss(ctx context.Context, id uint, note string) (*models.FraudAlert, error) {
	return e.transition(ctx, id,
		[]models.AlertStatus{models.AlertActive, models.AlertInvestigating},
		models.AlertDismissed, note, audit.ActionFraudAlertDismiss)
}

func (e *Engine) transition(ctx context.Context, id uint, from []models.AlertStatus, next models.AlertStatus, note, action string) (*models.FraudAlert, error) {
	identity, _ := auth.IdentityFrom(ctx)

	alert, err := e.store.TransitionAlert(ctx, id, from, next, identity.UID, note)
	if err != nil {
		return nil, err
	}
	if err := e.recorder.Record(ctx, action, "fraud_alert", strconv.FormatUint(uint64(id), 10), map[string]any{
		"status": next,
		"note":   note,
	}); err != nil {
		return nil, err
	}
	e.publish(bus.TopicFraudAlertUpdated, alert, false)
	e.cache.Invalidate("fraud:summary")
	return alert, nil
}

// ── Reports ──────────────────────────────────────────────────────────

// Summary returns the fraud overview, cached for its configured TTL.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	v, err := e.cache.GetOrCompute(ctx, "fraud:summary", func(ctx context.Context) (any, error) {
		row, err := e.store.AlertSummary(ctx)
		if err != nil {
			return nil, err
		}
		s := &Summary{
			BySeverity: row.BySeverity,
			ByType:     row.ByType,
			AvgRisk:    row.AvgRisk,
			OpenCount:  row.OpenCount,
		}
		e.mu.Lock()
		if !e.lastScanAt.IsZero() {
			t := e.lastScanAt
			s.LastScanAt = &t
		}
		e.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

// HighRiskUsers lists users with open alerts, worst first.
func (e *Engine) HighRiskUsers(ctx context.Context, limit int) ([]HighRiskTarget, error) {
	byTarget := make(map[string]*HighRiskTarget)
	var cursor *store.Cursor
	for _, status := range []models.AlertStatus{models.AlertActive, models.AlertInvestigating} {
		status := status
		cursor = nil
		for {
			rows, next, err := e.store.ListAlerts(ctx, store.AlertFilter{
				Status: &status,
				Cursor: cursor,
				Limit:  store.MaxPageLimit,
			})
			if err != nil {
				return nil, err
			}
			for _, a := range rows {
				if a.TargetType != "user" {
					continue
				}
				t := byTarget[a.TargetID]
				if t == nil {
					t = &HighRiskTarget{TargetID: a.TargetID, TargetName: a.TargetName}
					byTarget[a.TargetID] = t
				}
				t.AlertCount++
				t.Types = append(t.Types, a.AlertType)
				if a.RiskScore > t.MaxRisk {
					t.MaxRisk = a.RiskScore
				}
			}
			if next == nil {
				break
			}
			cursor = next
		}
	}

	out := make([]HighRiskTarget, 0, len(byTarget))
	for _, t := range byTarget {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxRisk != out[j].MaxRisk {
			return out[i].MaxRisk > out[j].MaxRisk
		}
		return out[i].TargetID < out[j].TargetID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
