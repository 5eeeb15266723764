// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package audit records every mutating admin action to the append-only
// audit trail. Recording is synchronous: the entry is durable before the
// mutation's response is sent, so the trail never lags the data it
// describes.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// Sink is the storage surface the recorder appends to.
type Sink interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	UpdateAuditDetails(ctx context.Context, id uint64, details []byte) error
	QueryAudit(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, *store.Cursor, error)
	DistinctAdmins(ctx context.Context) ([]store.AdminRef, error)
}

// Recorder writes audit entries for admin actions.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a Recorder over the given sink.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record appends one entry. The acting admin comes from ctx (set by the
// auth middleware), as do the client IP, user agent and session. details is
// marshalled into the entry's JSON payload; a nil details records "{}".
//
// Record returns an error only when the append itself fails; the caller
// must treat that as a failure of the whole mutation.
func (r *Recorder) Record(ctx context.Context, action, targetType, targetID string, details any) error {
	_, err := r.Start(ctx, action, targetType, targetID, details)
	return err
}

// Start appends one entry like Record and returns it, so long-running
// operations (exports) can mark their outcome on the entry afterwards.
func (r *Recorder) Start(ctx context.Context, action, targetType, targetID string, details any) (*models.AuditEntry, error) {
	identity, _ := auth.IdentityFrom(ctx)
	meta := auth.RequestMetaFrom(ctx)

	payload := []byte("{}")
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshalling audit details for %s: %w", action, err)
		}
		payload = data
	}

	entry := &models.AuditEntry{
		AdminUID:   identity.UID,
		AdminName:  identity.Name,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		RiskLevel:  RiskFor(action),
		IPAddress:  meta.IP,
		SessionID:  identity.SessionID,
		UserAgent:  meta.UserAgent,
		Details:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending audit entry %s: %w", action, err)
	}

	logging.Info().
		Str("action", action).
		Str("admin_uid", identity.UID).
		Str("target", targetType+"/"+targetID).
		Str("risk", string(entry.RiskLevel)).
		Msg("admin action recorded")
	return entry, nil
}

// Outcome merges the final status and row count into a started entry's
// details. Failures are logged, never returned: the outcome must not mask
// the error that produced it. A nil entry is a no-op.
func (r *Recorder) Outcome(ctx context.Context, entry *models.AuditEntry, status string, rows int) {
	if entry == nil {
		return
	}
	var details map[string]any
	if len(entry.Details) > 0 {
		_ = json.Unmarshal(entry.Details, &details)
	}
	if details == nil {
		details = make(map[string]any)
	}
	details["status"] = status
	details["rows"] = rows
	payload, err := json.Marshal(details)
	if err != nil {
		logging.Error().Err(err).Msg("marshalling audit outcome")
		return
	}
	// The outcome being recorded may itself be a cancellation; the update
	// must still land.
	if err := r.sink.UpdateAuditDetails(context.WithoutCancel(ctx), entry.ID, payload); err != nil {
		logging.Error().Uint64("entry_id", entry.ID).Err(err).Msg("recording audit outcome failed")
		return
	}
	entry.Details = payload
}

// Query reads entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]models.AuditEntry, *store.Cursor, error) {
	return r.sink.QueryAudit(ctx, f)
}

// Admins lists the distinct admins present in the trail, for the console's
// filter dropdown.
func (r *Recorder) Admins(ctx context.Context) ([]store.AdminRef, error) {
	return r.sink.DistinctAdmins(ctx)
}
