// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/metrics"
)

// TokenVerifier is the auth dependency of the middleware stack.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// authenticate verifies the bearer token, requires the admin role, and
// stashes the identity plus transport metadata in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, r, KindUnauthorized, "missing bearer token", nil)
			return
		}
		identity, err := s.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeMappedError(w, r, err)
			return
		}
		if !identity.IsAdmin() {
			writeError(w, r, KindForbidden, "admin role required", nil)
			return
		}

		ctx := auth.WithIdentity(r.Context(), identity)
		ctx = auth.WithRequestMeta(ctx, auth.RequestMeta{
			IP:        r.RemoteAddr,
			UserAgent: r.UserAgent(),
			RequestID: chimiddleware.GetReqID(ctx),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCSRF enforces the X-Admin-CSRF header on mutating endpoints. The
// expected value is the per-session secret carried in the verified token.
func requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			writeError(w, r, KindUnauthorized, "missing identity", nil)
			return
		}
		if identity.CSRF == "" || r.Header.Get("X-Admin-CSRF") != identity.CSRF {
			writeError(w, r, KindForbidden, "missing or invalid CSRF token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminKey rate-limits per verified admin rather than per IP.
func adminKey(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFrom(r.Context()); ok {
		return identity.UID, nil
	}
	return r.RemoteAddr, nil
}

// bulkRateLimit caps bulk mutation calls per admin per minute.
func (s *Server) bulkRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		s.bulkPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(adminKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
			seconds := 60
			if n, err := strconv.Atoi(w.Header().Get("Retry-After")); err == nil && n > 0 && n <= 60 {
				seconds = n
			}
			writeError(w, r, KindRateLimited, "bulk operation rate limit exceeded", map[string]any{
				"retry_after_seconds": seconds,
			})
		}),
	)
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}
