// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package metrics exposes Prometheus instrumentation for the API surface,
// fraud scanner, event bus, stream hub, and cache.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opscore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// Fraud scanner metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_fraud_scans_total",
			Help: "Total number of fraud scans by outcome",
		},
		[]string{"trigger", "outcome"}, // trigger: scheduled|manual
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opscore_fraud_scan_duration_seconds",
			Help:    "Full fraud scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AlertsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscore_fraud_alerts_open",
			Help: "Current number of open fraud alerts",
		},
	)

	// Event bus metrics
	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opscore_bus_events_published_total",
			Help: "Total events published per topic",
		},
		[]string{"topic"},
	)

	BusEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_bus_events_dropped_total",
			Help: "Total events dropped from slow subscriber queues",
		},
	)

	// Stream hub metrics
	HubSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opscore_hub_sessions",
			Help: "Current number of live stream sessions",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheStaleServes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opscore_cache_stale_serves_total",
			Help: "Total stale entries served after a loader failure",
		},
	)
)

// RecordAPIRequest updates the request counter and latency histogram.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordScan updates the scan counter and duration histogram.
func RecordScan(trigger string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ScansTotal.WithLabelValues(trigger, outcome).Inc()
	ScanDuration.Observe(duration.Seconds())
}
