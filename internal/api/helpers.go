// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/store"
)

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}

// daysParam parses ?days= restricted to the supported aggregation windows.
func daysParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return 30, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid days %q", raw)
	}
	switch days {
	case 7, 30, 90:
		return days, nil
	}
	return 0, fmt.Errorf("days must be 7, 30 or 90")
}

// pageParams parses ?cursor= and ?limit= with the store's clamping rules.
func pageParams(r *http.Request) (*store.Cursor, int, error) {
	q := r.URL.Query()
	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		return nil, 0, err
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, 0, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > store.MaxPageLimit {
			return nil, 0, fmt.Errorf("limit exceeds maximum %d", store.MaxPageLimit)
		}
	}
	return cursor, limit, nil
}

// timeRange parses optional ?from= and ?to= RFC 3339 bounds.
func timeRange(r *http.Request) (*time.Time, *time.Time, error) {
	parse := func(name string) (*time.Time, error) {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", name, raw)
		}
		return &t, nil
	}
	from, err := parse("from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, fmt.Errorf("to precedes from")
	}
	return from, to, nil
}

// decodeBody reads a JSON request body into dst and runs validation tags.
// An absent body decodes as the zero value; required-field tags decide
// whether that is acceptable.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	if r.Body != nil {
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("malformed body: %w", err)
		}
	}
	return s.validate.Struct(dst)
}

// pageResponse is the generic list envelope.
type pageResponse struct {
	Items      any    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func writePage(w http.ResponseWriter, items any, next *store.Cursor) {
	resp := pageResponse{Items: items}
	if next != nil {
		resp.NextCursor = next.Encode()
	}
	writeJSON(w, resp)
}

// invalidateForShopMutation applies the cache rules for shop changes.
func (s *Server) invalidateForShopMutation() {
	s.cache.InvalidatePrefix("overview:")
	s.cache.InvalidatePrefix("analytics:top_shops:")
}

// entityDiff is the audit detail payload for single-entity mutations.
type entityDiff struct {
	Before any `json:"before"`
	After  any `json:"after"`
}
