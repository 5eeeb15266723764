// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// handleQueryAudit serves the filtered audit trail, newest first.
func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	entries, next, err := s.recorder.Query(r.Context(), f)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writePage(w, entries, next)
}

// handleAuditAdmins serves the distinct admins seen in the audit log, for
// the console's filter dropdown.
func (s *Server) handleAuditAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := s.recorder.Admins(r.Context())
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"admins": admins})
}

func auditFilterFromQuery(r *http.Request) (store.AuditFilter, error) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		return store.AuditFilter{}, err
	}
	from, to, err := timeRange(r)
	if err != nil {
		return store.AuditFilter{}, err
	}
	q := r.URL.Query()
	f := store.AuditFilter{
		AdminUID: q.Get("admin_uid"),
		Action:   q.Get("action"),
		From:     from,
		To:       to,
		Cursor:   cursor,
		Limit:    limit,
	}
	if raw := q.Get("risk_level"); raw != "" {
		level := models.RiskLevel(raw)
		switch level {
		case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
			f.RiskLevel = &level
		default:
			return store.AuditFilter{}, fmt.Errorf("unknown risk_level %q", raw)
		}
	}
	return f, nil
}

// exportRequest carries the optional filters of a CSV export call.
type exportRequest struct {
	AdminUID string `json:"admin_uid,omitempty"`
	Action   string `json:"action,omitempty"`
	Status   string `json:"status,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

func (req exportRequest) bounds() (*time.Time, *time.Time, error) {
	parse := func(raw, name string) (*time.Time, error) {
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", name, raw)
		}
		return &t, nil
	}
	from, err := parse(req.From, "from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse(req.To, "to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

// handleExportAudit streams the audit trail as CSV. The recorder writes the
// self-audit entry before any rows.
func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	from, to, err := req.bounds()
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.AuditFilter{AdminUID: req.AdminUID, Action: req.Action, From: from, To: to}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_export.csv"`)
	if err := s.recorder.ExportCSV(r.Context(), w, f); err != nil {
		// Headers are already on the wire; the incomplete marker has been
		// appended. Nothing more to send.
		logging.Warn().Err(err).Msg("audit export aborted")
	}
}

// ordersCSVHeader is the orders export column order.
var ordersCSVHeader = []string{
	"order_number",
	"created_at",
	"status",
	"payment_method",
	"total",
	"customer_name",
	"customer_phone",
	"shop_name",
	"delivery_town",
}

// handleExportOrders streams the filtered orders as CSV and records the
// export in the audit log.
func (s *Server) handleExportOrders(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	from, to, err := req.bounds()
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.OrderFilter{From: from, To: to, Limit: 500}
	if req.Status != "" {
		status := models.OrderStatus(req.Status)
		f.Status = &status
	}

	entry, err := s.recorder.Start(r.Context(), audit.ActionOrdersExport, "order", "", map[string]any{
		"filter_status": req.Status,
		"filter_from":   req.From,
		"filter_to":     req.To,
	})
	if err != nil {
		logging.Error().Err(err).Msg("recording orders export failed")
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="orders_export.csv"`)

	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	rows := 0
	if err := cw.Write(ordersCSVHeader); err != nil {
		s.abortExport(r.Context(), w, cw, entry, rows, err)
		return
	}
	for {
		page, next, err := s.store.ListOrders(r.Context(), f)
		if err != nil {
			s.abortExport(r.Context(), w, cw, entry, rows, err)
			return
		}
		for i := range page {
			if err := cw.Write(orderCSVRow(&page[i])); err != nil {
				s.abortExport(r.Context(), w, cw, entry, rows, err)
				return
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
		s.abortExport(r.Context(), w, cw, entry, rows, err)
		return
	}
	s.recorder.Outcome(r.Context(), entry, "completed", rows)
}

// abortExport appends the incomplete marker after a mid-stream failure and
// marks the export's audit entry with the failure.
func (s *Server) abortExport(ctx context.Context, w http.ResponseWriter, cw *csv.Writer, entry *models.AuditEntry, rows int, cause error) {
	cw.Flush()
	kind := "storage_error"
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		kind = "cancelled"
	}
	fmt.Fprintf(w, "# export incomplete: %s\r\n", kind)
	s.recorder.Outcome(ctx, entry, "incomplete:"+kind, rows)
	logging.Warn().Err(cause).Msg("orders export aborted")
}

func orderCSVRow(o *models.Order) []string {
	customerName, customerPhone, shopName := "", "", ""
	if o.Customer != nil {
		customerName = o.Customer.Name
		customerPhone = o.Customer.Phone
	}
	if o.Shop != nil {
		shopName = o.Shop.Name
	}
	return []string{
		o.OrderNumber,
		o.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(o.Status),
		o.PaymentMethod,
		o.Total.StringFixed(2),
		customerName,
		customerPhone,
		shopName,
		o.DeliveryTown,
	}
}
