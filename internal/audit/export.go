// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// exportPageSize is the page size used when streaming an export.
const exportPageSize = 500

// csvHeader is the audit export column order.
var csvHeader = []string{
	"created_at",
	"admin_uid",
	"admin_name",
	"action",
	"risk_level",
	"target_type",
	"target_id",
	"ip_address",
	"session_id",
	"details_json",
}

// ExportCSV streams the filtered audit trail as RFC 4180 CSV (CRLF line
// endings) to w, newest first, and records the export itself as an
// audit_export action before any rows are written. When the stream ends
// the entry's details gain the completion status and row count.
//
// Output already sent cannot be recalled on failure, so a mid-stream error
// appends a trailing comment line marking the file incomplete and returns
// the error.
func (r *Recorder) ExportCSV(ctx context.Context, w io.Writer, f store.AuditFilter) error {
	entry, err := r.Start(ctx, ActionAuditExport, "audit", "", map[string]any{
		"filter_admin":  f.AdminUID,
		"filter_action": f.Action,
	})
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	rows := 0
	if err := cw.Write(csvHeader); err != nil {
		return r.abort(ctx, w, cw, entry, rows, err)
	}

	f.Limit = exportPageSize
	for {
		page, next, err := r.sink.QueryAudit(ctx, f)
		if err != nil {
			return r.abort(ctx, w, cw, entry, rows, err)
		}
		for _, e := range page {
			if err := cw.Write(csvRow(e)); err != nil {
				return r.abort(ctx, w, cw, entry, rows, err)
			}
			rows++
		}
		if next == nil {
			break
		}
		f.Cursor = next
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return r.abort(ctx, w, cw, entry, rows, err)
	}

	r.Outcome(ctx, entry, "completed", rows)
	logging.Info().Int("rows", rows).Msg("audit export completed")
	return nil
}

// abort flushes what was written, appends the incomplete marker, and marks
// the export's audit entry with the failure. The marker is best-effort:
// the connection may already be gone.
func (r *Recorder) abort(ctx context.Context, w io.Writer, cw *csv.Writer, entry *models.AuditEntry, rows int, cause error) error {
	cw.Flush()
	kind := exportKind(cause)
	fmt.Fprintf(w, "# export incomplete: %s\r\n", kind)
	r.Outcome(ctx, entry, "incomplete:"+kind, rows)
	return fmt.Errorf("audit export: %w", cause)
}

// exportKind classifies an export failure for the incomplete marker.
func exportKind(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case isContextErr(err):
		return "cancelled"
	default:
		return "storage_error"
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func csvRow(e models.AuditEntry) []string {
	return []string{
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.AdminUID,
		e.AdminName,
		e.Action,
		string(e.RiskLevel),
		e.TargetType,
		e.TargetID,
		e.IPAddress,
		e.SessionID,
		string(e.Details),
	}
}
