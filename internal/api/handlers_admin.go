// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// maxBulkIDs caps the id list of a single bulk call.
const maxBulkIDs = 100

// ── Listings ─────────────────────────────────────────────────────────

func (s *Server) handleListShops(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.ShopFilter{Cursor: cursor, Limit: limit, From: from, To: to, Town: r.URL.Query().Get("town")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.ShopStatus(raw)
		switch status {
		case models.ShopPending, models.ShopApproved, models.ShopRejected:
			f.Status = &status
		default:
			writeError(w, r, KindValidation, fmt.Sprintf("unknown status %q", raw), nil)
			return
		}
	}
	shops, next, err := s.store.ListShops(r.Context(), f)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writePage(w, shops, next)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.UserFilter{Cursor: cursor, Limit: limit}
	if raw := r.URL.Query().Get("role"); raw != "" {
		role := models.Role(raw)
		if !role.Valid() {
			writeError(w, r, KindValidation, fmt.Sprintf("unknown role %q", raw), nil)
			return
		}
		f.Role = &role
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, KindValidation, fmt.Sprintf("invalid active %q", raw), nil)
			return
		}
		f.Active = &active
	}
	users, next, err := s.store.ListUsers(r.Context(), f)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writePage(w, users, next)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	f := store.OrderFilter{Cursor: cursor, Limit: limit, From: from, To: to}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.OrderStatus(raw)
		f.Status = &status
	}
	orders, next, err := s.store.ListOrders(r.Context(), f)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writePage(w, orders, next)
}

// ── Single-entity mutations ──────────────────────────────────────────

// shopDecision handles approve/reject: a single settled admin decision on a
// pending shop.
func (s *Server) shopDecision(w http.ResponseWriter, r *http.Request, next models.ShopStatus, action string) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	before, after, err := s.store.SetShopStatus(r.Context(), identity, id, next)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	s.invalidateForShopMutation()
	s.recordAudit(r, action, "shop", strconv.FormatUint(uint64(id), 10), entityDiff{Before: before, After: after})
	writeJSON(w, after)
}

func (s *Server) handleShopApprove(w http.ResponseWriter, r *http.Request) {
	s.shopDecision(w, r, models.ShopApproved, audit.ActionShopApprove)
}

func (s *Server) handleShopReject(w http.ResponseWriter, r *http.Request) {
	s.shopDecision(w, r, models.ShopRejected, audit.ActionShopReject)
}

func (s *Server) handleShopToggle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	before, after, err := s.store.ToggleShop(r.Context(), identity, id)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	s.invalidateForShopMutation()
	s.recordAudit(r, audit.ActionShopToggle, "shop", strconv.FormatUint(uint64(id), 10), entityDiff{Before: before, After: after})
	writeJSON(w, after)
}

func (s *Server) handleUserToggle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	before, after, err := s.store.ToggleUser(r.Context(), identity, id)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionUserToggle, "user", strconv.FormatUint(uint64(id), 10), entityDiff{Before: before, After: after})
	writeJSON(w, after)
}

// complaintResolveRequest carries the resolution note.
type complaintResolveRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func (s *Server) handleComplaintResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	var req complaintResolveRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	before, after, err := s.store.ResolveComplaint(r.Context(), identity, id, req.Note)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionComplaintResolve, "complaint", strconv.FormatUint(uint64(id), 10), entityDiff{Before: before, After: after})
	writeJSON(w, after)
}

// ── Bulk mutations ───────────────────────────────────────────────────

// bulkRequest carries the target id list for bulk mutations.
type bulkRequest struct {
	IDs []uint `json:"ids" validate:"required,min=1,max=100,dive,gt=0"`
}

func (s *Server) bulkShopDecision(w http.ResponseWriter, r *http.Request, next models.ShopStatus, action string) {
	var req bulkRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	result, err := s.store.BulkSetShopStatus(r.Context(), identity, req.IDs, next)
	if err != nil {
		if result != nil && len(result.Failed) > 0 {
			writeError(w, r, KindConflict, "bulk operation aborted", map[string]any{"failed": result.Failed})
			return
		}
		writeMappedError(w, r, err)
		return
	}
	s.invalidateForShopMutation()
	s.recordAudit(r, action, "shop", "bulk", result)
	writeJSON(w, result)
}

func (s *Server) handleBulkShopApprove(w http.ResponseWriter, r *http.Request) {
	s.bulkShopDecision(w, r, models.ShopApproved, audit.ActionBulkShopApprove)
}

func (s *Server) handleBulkShopReject(w http.ResponseWriter, r *http.Request) {
	s.bulkShopDecision(w, r, models.ShopRejected, audit.ActionBulkShopReject)
}

func (s *Server) handleBulkUserToggle(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, KindValidation, err.Error(), nil)
		return
	}
	identity, _ := auth.IdentityFrom(r.Context())
	result, err := s.store.BulkToggleUsers(r.Context(), identity, req.IDs)
	if err != nil {
		if result != nil && len(result.Failed) > 0 {
			writeError(w, r, KindConflict, "bulk operation aborted", map[string]any{"failed": result.Failed})
			return
		}
		writeMappedError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionBulkUserToggle, "user", "bulk", result)
	writeJSON(w, result)
}

// recordAudit writes the audit entry for a successful mutation. Audit
// failures are logged, not surfaced: the mutation already committed.
func (s *Server) recordAudit(r *http.Request, action, targetType, targetID string, details any) {
	if err := s.recorder.Record(r.Context(), action, targetType, targetID, details); err != nil {
		logging.Error().Err(err).Str("action", action).Msg("recording audit entry")
	}
}
