// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/fraud"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/store"
)

// ErrorKind is the closed set of client-facing error categories.
type ErrorKind string

const (
	KindValidation   ErrorKind = "ValidationError"
	KindUnauthorized ErrorKind = "Unauthorized"
	KindForbidden    ErrorKind = "Forbidden"
	KindNotFound     ErrorKind = "NotFound"
	KindConflict     ErrorKind = "Conflict"
	KindRateLimited  ErrorKind = "RateLimited"
	KindUnavailable  ErrorKind = "Unavailable"
	KindInternal     ErrorKind = "Internal"
)

// statusFor maps each kind to its HTTP status.
var statusFor = map[ErrorKind]int{
	KindValidation:   http.StatusBadRequest,
	KindUnauthorized: http.StatusUnauthorized,
	KindForbidden:    http.StatusForbidden,
	KindNotFound:     http.StatusNotFound,
	KindConflict:     http.StatusConflict,
	KindRateLimited:  http.StatusTooManyRequests,
	KindUnavailable:  http.StatusServiceUnavailable,
	KindInternal:     http.StatusInternalServerError,
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders a taxonomy error. Internal errors are logged with the
// underlying cause but never leak it to the client.
func writeError(w http.ResponseWriter, r *http.Request, kind ErrorKind, message string, details map[string]any) {
	status, ok := statusFor[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Kind:    kind,
		Message: message,
		Details: details,
	}}); err != nil {
		logging.Debug().Err(err).Msg("writing error response")
	}
}

// writeMappedError translates an internal error into the taxonomy and
// renders it.
func writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, KindNotFound, "not found", nil)
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, KindConflict, err.Error(), nil)
	case errors.Is(err, store.ErrUnauthorized):
		writeError(w, r, KindForbidden, "admin role required", nil)
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, r, KindUnavailable, "storage temporarily unavailable", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNotConfigured):
		writeError(w, r, KindUnauthorized, "invalid or missing credentials", nil)
	case errors.Is(err, fraud.ErrScanCooldown):
		writeError(w, r, KindRateLimited, "scan cooldown active", map[string]any{
			"retry_after_seconds": int(fraud.DefaultScanCooldown.Seconds()),
		})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
		writeError(w, r, KindInternal, "internal error", nil)
	}
}

// writeJSON renders a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("writing response")
	}
}
