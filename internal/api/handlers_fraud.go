// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/fraud"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// handleListAlerts serves the alert queue with optional status/type filters.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.AlertFilter{Cursor: cursor, Limit: limit}
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		status := models.AlertStatus(raw)
		switch status {
		case models.AlertActive, models.AlertInvestigating, models.AlertDismissed, models.AlertConfirmed:
			f.Status = &status
		default:
			writeError(w, r, KindValidation, fmt.Sprintf("unknown status %q", raw), nil)
			return
		}
	}
	if raw := q.Get("type"); raw != "" {
		alertType := models.AlertType(raw)
		known := false
		for _, t := range models.AllAlertTypes() {
			if t == alertType {
				known = true
				break
			}
		}
		if !known {
			writeError(w, r, KindValidation, fmt.Sprintf("unknown alert type %q", raw), nil)
			return
		}
		f.Type = &alertType
	}

	alerts, next, err := s.store.ListAlerts(r.Context(), f)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writePage(w, alerts, next)
}

// handleHighRiskUsers serves users graded by their worst open alert.
func (s *Server) handleHighRiskUsers(w http.ResponseWriter, r *http.Request) {
	targets, err := s.engine.HighRiskUsers(r.Context(), 50)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"users": targets})
}

// handleFraudSummary serves the cached fraud overview panel.
func (s *Server) handleFraudSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, summary)
}

// handleScan triggers an on-demand fraud scan. Per-admin cooldown applies;
// concurrent triggers share the in-flight scan's result.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	// Once the scan slot is acquired it must complete even if this admin
	// disconnects, so it runs on a detached context.
	result, err := s.engine.TriggerScan(context.WithoutCancel(r.Context()), identity.UID)
	if err != nil {
		if errors.Is(err, fraud.ErrScanCooldown) {
			writeError(w, r, KindRateLimited, "scan cooldown active", map[string]any{
				"retry_after_seconds": int(s.scanCooldown.Seconds()),
			})
			return
		}
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, result)
}

// alertActionRequest carries the resolution note for lifecycle transitions.
type alertActionRequest struct {
	Note string `json:"note" validate:"max=2000"`
}

func (s *Server) alertTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id uint, note string) (*models.FraudAlert, error)) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	var req alertActionRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	alert, err := apply(r.Context(), id, req.Note)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, alert)
}

func (s *Server) handleAlertInvestigate(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.engine.Investigate)
}

func (s *Server) handleAlertConfirm(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.engine.Confirm)
}

func (s *Server) handleAlertDismiss(w http.ResponseWriter, r *http.Request) {
	s.alertTransition(w, r, s.engine.Dismiss)
}
