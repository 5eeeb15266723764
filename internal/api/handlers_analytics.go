// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// overviewPayload is the console header snapshot: storage aggregates plus
// open fraud counts.
type overviewPayload struct {
	*store.OverviewStats
	FraudBySeverity map[models.Severity]int `json:"fraud_by_severity"`
	GeneratedAt     time.Time               `json:"generated_at"`
}

// handleOverview serves the cached daily overview. Read-only; never audited.
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	v, err := s.guarded.GetOrCompute(r.Context(), "overview:daily", func(ctx context.Context) (any, error) {
		now := time.Now().UTC()
		stats, err := s.store.Overview(ctx, now)
		if err != nil {
			return nil, err
		}
		payload := &overviewPayload{
			OverviewStats:   stats,
			FraudBySeverity: map[models.Severity]int{},
			GeneratedAt:     now,
		}
		if summary, err := s.store.AlertSummary(ctx); err == nil {
			payload.FraudBySeverity = summary.BySeverity
		}
		return payload, nil
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, v)
}

// handleRevenue serves the bucketed revenue series, minimum 30 buckets.
func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "daily"
	}
	switch period {
	case "daily", "weekly", "monthly":
	default:
		writeError(w, r, KindValidation, fmt.Sprintf("unknown period %q", period), nil)
		return
	}

	key := "analytics:revenue:" + period
	v, err := s.guarded.GetOrCompute(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.store.RevenueSeries(ctx, period, 30, time.Now().UTC())
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"period": period, "series": v})
}

// aggregation wraps the shared shape of the windowed analytics handlers.
func (s *Server) aggregation(w http.ResponseWriter, r *http.Request, name string, load func(ctx context.Context, since time.Time) (any, error)) {
	days, err := daysParam(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	key := "analytics:" + name + ":" + strconv.Itoa(days)
	v, err := s.guarded.GetOrCompute(r.Context(), key, func(ctx context.Context) (any, error) {
		return load(ctx, since)
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"days": days, "results": v})
}

func (s *Server) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	s.aggregation(w, r, "top_products", func(ctx context.Context, since time.Time) (any, error) {
		return s.store.TopProducts(ctx, since, 10)
	})
}

func (s *Server) handleTopShops(w http.ResponseWriter, r *http.Request) {
	s.aggregation(w, r, "top_shops", func(ctx context.Context, since time.Time) (any, error) {
		return s.store.TopShops(ctx, since, 10)
	})
}

func (s *Server) handlePeakHours(w http.ResponseWriter, r *http.Request) {
	s.aggregation(w, r, "peak_hours", func(ctx context.Context, since time.Time) (any, error) {
		return s.store.PeakHours(ctx, since)
	})
}

func (s *Server) handleFunnel(w http.ResponseWriter, r *http.Request) {
	s.aggregation(w, r, "funnel", func(ctx context.Context, since time.Time) (any, error) {
		return s.store.Funnel(ctx, since)
	})
}

func (s *Server) handleCLV(w http.ResponseWriter, r *http.Request) {
	s.aggregation(w, r, "clv", func(ctx context.Context, since time.Time) (any, error) {
		return s.store.CustomerLifetimeValue(ctx, since, 20)
	})
}

// handleUserGrowth serves the daily signup series.
func (s *Server) handleUserGrowth(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	key := "analytics:user_growth:" + strconv.Itoa(days)
	v, err := s.guarded.GetOrCompute(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.store.UserGrowth(ctx, days, time.Now().UTC())
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"days": days, "series": v})
}

// activityItem is one row of the interleaved recent-activity feed.
type activityItem struct {
	Kind string    `json:"kind"` // order, complaint, audit
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// handleActivity interleaves the latest orders, complaints, and audit
// entries into a single reverse-chronological feed.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	const perSource = 10

	var items []activityItem
	if orders, _, err := s.store.ListOrders(r.Context(), store.OrderFilter{Limit: perSource}); err == nil {
		for i := range orders {
			items = append(items, activityItem{Kind: "order", At: orders[i].CreatedAt, Data: orders[i]})
		}
	}
	if complaints, _, err := s.store.ListComplaints(r.Context(), store.ComplaintFilter{Limit: perSource}); err == nil {
		for i := range complaints {
			items = append(items, activityItem{Kind: "complaint", At: complaints[i].CreatedAt, Data: complaints[i]})
		}
	}
	if entries, _, err := s.store.QueryAudit(r.Context(), store.AuditFilter{Limit: perSource}); err == nil {
		for i := range entries {
			items = append(items, activityItem{Kind: "audit", At: entries[i].CreatedAt, Data: entries[i]})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].At.After(items[j].At) })
	if len(items) > 2*perSource {
		items = items[:2*perSource]
	}
	writeJSON(w, map[string]any{"items": items})
}
