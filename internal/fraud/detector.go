// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package fraud is the detection engine: a fixed set of detectors run over
// aggregate order, complaint and signup signals, and their findings become
// fraud alerts for admin review. Repeat findings coalesce into the existing
// open alert instead of duplicating it.
package fraud

import (
	"context"
	"math"
	"time"

	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// Finding is one detector hit before persistence.
type Finding struct {
	Type        models.AlertType
	Severity    models.Severity
	RiskScore   int
	Title       string
	Description string
	TargetType  string
	TargetID    string
	TargetName  string
	Metadata    map[string]any
}

// Detector inspects the aggregate signals for one fraud pattern.
type Detector interface {
	Type() models.AlertType
	Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error)
}

// riskScore converts a raw magnitude into the 0..100 score. Magnitude is
// the observed value over the detector's critical cutoff; saturation at 1
// coincides with critical severity.
func riskScore(value, criticalCutoff float64) int {
	if criticalCutoff <= 0 {
		return 0
	}
	m := value / criticalCutoff
	if m < 0 {
		m = 0
	}
	if m > 1 {
		m = 1
	}
	return int(math.Round(100 * m))
}

// severityFor grades a value against the warning and critical cutoffs.
func severityFor(value, warn, critical float64) models.Severity {
	switch {
	case value >= critical:
		return models.SeverityCritical
	case value >= warn:
		return models.SeverityWarning
	}
	return models.SeverityInfo
}

// signalWindow is the trailing window most detectors aggregate over.
const signalWindow = 30 * 24 * time.Hour

// Detector cutoffs. Warning fires the alert; critical escalates it.
const (
	cancelRateWarn     = 0.40
	cancelRateCritical = 0.70
	cancelRateMinOrders = 5

	rapidOrdersWindow   = 5 * time.Minute
	rapidOrdersWarn     = 5
	rapidOrdersCritical = 10

	complaintRatioWarn     = 0.10
	complaintRatioCritical = 0.25
	complaintRatioMinOrders = 10

	refundCountWarn     = 3
	refundCountCritical = 6

	signupClusterWindow   = 24 * time.Hour
	signupClusterWarn     = 3
	signupClusterCritical = 10

	refundRateWarn     = 0.05
	refundRateCritical = 0.15

	orderSpikeHistory  = 30 * 24 * time.Hour
	orderSpikeSigma    = 3.0
	orderSpikeCritical = 5.0
	orderSpikeMinCount = 10
)

// BuiltinDetectors returns the full detector set in a stable order.
func BuiltinDetectors() []Detector {
	return []Detector{
		orderSpikeDetector{},
		highCancelRateDetector{},
		rapidOrdersDetector{},
		highComplaintRatioDetector{},
		repeatedRefundsDetector{},
		rapidAccountCreationDetector{},
		highRefundRateDetector{},
	}
}
