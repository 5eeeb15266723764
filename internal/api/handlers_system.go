// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/stream"
)

// Search query bounds.
const (
	minSearchLen  = 2
	maxSearchLen  = 50
	searchPerType = 10
)

// handleSearch serves quick prefix search across users, shops, and orders.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(q) < minSearchLen {
		writeError(w, r, KindValidation, "query must be at least 2 characters", nil)
		return
	}
	if len(q) > maxSearchLen {
		writeError(w, r, KindValidation, "query exceeds 50 characters", nil)
		return
	}
	hits, err := s.store.QuickSearch(r.Context(), q, searchPerType)
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"query": q, "results": hits})
}

// handleHealth serves the component health snapshot, cached 30s.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, err := s.cache.GetOrCompute(r.Context(), "health:system", func(ctx context.Context) (any, error) {
		return s.monitor.Check(ctx), nil
	})
	if err != nil {
		writeMappedError(w, r, err)
		return
	}
	writeJSON(w, v)
}

// responseSink adapts the HTTP response to the hub's write contract.
type responseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *responseSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *responseSink) Flush() error { return s.rc.Flush() }

func (s *responseSink) SetWriteDeadline(t time.Time) error {
	return s.rc.SetWriteDeadline(t)
}

// handleStream attaches the caller to the stream hub and pumps NDJSON
// frames until disconnect or supersession.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())
	if len(stream.TopicsFor(identity.Role)) == 0 {
		writeError(w, r, KindForbidden, "role has no stream topics", nil)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	resumeRaw := r.URL.Query().Get("last_event_id")
	if resumeRaw == "" {
		resumeRaw = r.Header.Get("Last-Event-ID")
	}
	resume := stream.ParseLastEventID(resumeRaw)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	session := s.hub.Attach(identity, clientID, resume)
	sink := &responseSink{w: w, rc: http.NewResponseController(w)}
	if err := session.Run(r.Context(), sink); err != nil && r.Context().Err() == nil {
		logging.Debug().Err(err).Str("session_id", session.ID).Msg("stream session ended")
	}
}
