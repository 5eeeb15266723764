// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package api is the HTTP surface of the console backend: read-side
// analytics, fraud review, admin mutations with auditing, CSV exports, and
// the live event stream. Routing is chi; every error response uses the
// closed taxonomy in errors.go.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/cache"
	"github.com/townbasket/opscore/internal/fraud"
	"github.com/townbasket/opscore/internal/health"
	"github.com/townbasket/opscore/internal/store"
	"github.com/townbasket/opscore/internal/stream"
)

// Server holds the wired dependencies of every handler.
type Server struct {
	store    store.Store
	cache    *cache.Cache
	guarded  *cache.GuardedCache
	recorder *audit.Recorder
	engine   *fraud.Engine
	hub      *stream.Hub
	monitor  *health.Monitor
	verifier TokenVerifier
	validate *validator.Validate

	bulkPerMinute int
	scanCooldown  time.Duration
	corsOrigins   []string
}

// Option configures the Server.
type Option func(*Server)

// WithBulkRateLimit sets the per-admin bulk mutation budget per minute.
func WithBulkRateLimit(perMinute int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.bulkPerMinute = perMinute
		}
	}
}

// WithScanCooldown sets the advertised retry interval for scan triggers.
func WithScanCooldown(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.scanCooldown = d
		}
	}
}

// WithCORSOrigins sets the allowed browser origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer wires the API surface.
func NewServer(
	st store.Store,
	c *cache.Cache,
	recorder *audit.Recorder,
	engine *fraud.Engine,
	hub *stream.Hub,
	monitor *health.Monitor,
	verifier TokenVerifier,
	opts ...Option,
) *Server {
	s := &Server{
		store:         st,
		cache:         c,
		guarded:       cache.NewGuarded(c),
		recorder:      recorder,
		engine:        engine,
		hub:           hub,
		monitor:       monitor,
		verifier:      verifier,
		validate:      validator.New(),
		bulkPerMinute: 10,
		scanCooldown:  fraud.DefaultScanCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-CSRF", "Last-Event-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(instrument)

		// Read side
		r.Get("/overview", s.handleOverview)
		r.Get("/activity", s.handleActivity)
		r.Get("/analytics/revenue", s.handleRevenue)
		r.Get("/analytics/top_products", s.handleTopProducts)
		r.Get("/analytics/top_shops", s.handleTopShops)
		r.Get("/analytics/peak_hours", s.handlePeakHours)
		r.Get("/analytics/funnel", s.handleFunnel)
		r.Get("/analytics/clv", s.handleCLV)
		r.Get("/analytics/user_growth", s.handleUserGrowth)

		r.Get("/shops", s.handleListShops)
		r.Get("/users", s.handleListUsers)
		r.Get("/orders", s.handleListOrders)

		r.Get("/fraud/alerts", s.handleListAlerts)
		r.Get("/fraud/high_risk_users", s.handleHighRiskUsers)
		r.Get("/fraud/summary", s.handleFraudSummary)

		r.Get("/audit", s.handleQueryAudit)
		r.Get("/audit/admins", s.handleAuditAdmins)

		r.Get("/search", s.handleSearch)
		r.Get("/system/health", s.handleHealth)
		r.Get("/stream", s.handleStream)

		// Mutations: CSRF-gated, always POST
		r.Group(func(r chi.Router) {
			r.Use(requireCSRF)

			r.Post("/fraud/scan", s.handleScan)
			r.Post("/fraud/alerts/{id}/investigate", s.handleAlertInvestigate)
			r.Post("/fraud/alerts/{id}/confirm", s.handleAlertConfirm)
			r.Post("/fraud/alerts/{id}/dismiss", s.handleAlertDismiss)

			r.Post("/shops/{id}/approve", s.handleShopApprove)
			r.Post("/shops/{id}/reject", s.handleShopReject)
			r.Post("/shops/{id}/toggle", s.handleShopToggle)
			r.Post("/users/{id}/toggle", s.handleUserToggle)
			r.Post("/complaints/{id}/resolve", s.handleComplaintResolve)

			r.Group(func(r chi.Router) {
				r.Use(s.bulkRateLimit())
				r.Post("/bulk/shops/approve", s.handleBulkShopApprove)
				r.Post("/bulk/shops/reject", s.handleBulkShopReject)
				r.Post("/bulk/users/toggle", s.handleBulkUserToggle)
			})

			r.Post("/export/audit", s.handleExportAudit)
			r.Post("/export/orders", s.handleExportOrders)
		})
	})

	return r
}
