// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package fraud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

// orderSpikeDetector flags shops whose trailing-hour order count sits at
// least 3 sigma above their 30-day hourly mean, with an absolute floor so
// quiet shops do not alert on noise.
type orderSpikeDetector struct{}

func (orderSpikeDetector) Type() models.AlertType { return models.AlertOrderSpike }

func (orderSpikeDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.ShopHourlyVelocity(ctx, orderSpikeHistory)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		if s.StdDev == 0 || s.LastHour < orderSpikeMinCount {
			continue
		}
		sigmas := (float64(s.LastHour) - s.Mean) / s.StdDev
		if sigmas < orderSpikeSigma {
			continue
		}
		severity := models.SeverityWarning
		if sigmas >= orderSpikeCritical {
			severity = models.SeverityCritical
		}
		out = append(out, Finding{
			Type:       models.AlertOrderSpike,
			Severity:   severity,
			RiskScore:  riskScore(sigmas, orderSpikeCritical),
			Title:      fmt.Sprintf("Order spike at %s", s.ShopName),
			Description: fmt.Sprintf("%d orders in the last hour against an hourly mean of %.2f (%.1f sigma)",
				s.LastHour, s.Mean, sigmas),
			TargetType: "shop",
			TargetID:   strconv.FormatUint(uint64(s.ShopID), 10),
			TargetName: s.ShopName,
			Metadata: map[string]any{
				"last_hour": s.LastHour,
				"mean":      s.Mean,
				"stddev":    s.StdDev,
				"sigmas":    sigmas,
			},
		})
	}
	return out, nil
}

// highCancelRateDetector flags customers cancelling an outsized share of
// their recent orders.
type highCancelRateDetector struct{}

func (highCancelRateDetector) Type() models.AlertType { return models.AlertHighCancelRate }

func (highCancelRateDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.CustomerOrderStatsSince(ctx, now.Add(-signalWindow), cancelRateMinOrders)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		rate := float64(s.Cancelled) / float64(s.Total)
		if rate < cancelRateWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertHighCancelRate,
			Severity:   severityFor(rate, cancelRateWarn, cancelRateCritical),
			RiskScore:  riskScore(rate, cancelRateCritical),
			Title:      fmt.Sprintf("High cancel rate for %s", s.CustomerName),
			Description: fmt.Sprintf("%d of %d orders cancelled in the last 30 days (%.0f%%)",
				s.Cancelled, s.Total, rate*100),
			TargetType: "user",
			TargetID:   strconv.FormatUint(uint64(s.CustomerID), 10),
			TargetName: s.CustomerName,
			Metadata: map[string]any{
				"cancelled":   s.Cancelled,
				"total":       s.Total,
				"cancel_rate": rate,
			},
		})
	}
	return out, nil
}

// rapidOrdersDetector flags customers placing a burst of orders within a
// five-minute window.
type rapidOrdersDetector struct{}

func (rapidOrdersDetector) Type() models.AlertType { return models.AlertRapidOrders }

func (rapidOrdersDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.CustomerOrderCounts(ctx, rapidOrdersWindow)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		if s.Total < rapidOrdersWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertRapidOrders,
			Severity:   severityFor(float64(s.Total), rapidOrdersWarn, rapidOrdersCritical),
			RiskScore:  riskScore(float64(s.Total), rapidOrdersCritical),
			Title:      fmt.Sprintf("Rapid orders from %s", s.CustomerName),
			Description: fmt.Sprintf("%d orders placed within five minutes", s.Total),
			TargetType: "user",
			TargetID:   strconv.FormatUint(uint64(s.CustomerID), 10),
			TargetName: s.CustomerName,
			Metadata: map[string]any{
				"orders":         s.Total,
				"window_seconds": int(rapidOrdersWindow.Seconds()),
			},
		})
	}
	return out, nil
}

// highComplaintRatioDetector flags shops accumulating complaints out of
// proportion to their order volume.
type highComplaintRatioDetector struct{}

func (highComplaintRatioDetector) Type() models.AlertType { return models.AlertHighComplaintRatio }

func (highComplaintRatioDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.ShopOrderStatsSince(ctx, now.Add(-signalWindow), complaintRatioMinOrders)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		ratio := float64(s.Complaints) / float64(s.Total)
		if ratio < complaintRatioWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertHighComplaintRatio,
			Severity:   severityFor(ratio, complaintRatioWarn, complaintRatioCritical),
			RiskScore:  riskScore(ratio, complaintRatioCritical),
			Title:      fmt.Sprintf("High complaint ratio at %s", s.ShopName),
			Description: fmt.Sprintf("%d complaints over %d orders in the last 30 days (%.0f%%)",
				s.Complaints, s.Total, ratio*100),
			TargetType: "shop",
			TargetID:   strconv.FormatUint(uint64(s.ShopID), 10),
			TargetName: s.ShopName,
			Metadata: map[string]any{
				"complaints":      s.Complaints,
				"orders":          s.Total,
				"complaint_ratio": ratio,
			},
		})
	}
	return out, nil
}

// repeatedRefundsDetector flags customers with several refunded orders in
// the trailing window.
type repeatedRefundsDetector struct{}

func (repeatedRefundsDetector) Type() models.AlertType { return models.AlertRepeatedRefunds }

func (repeatedRefundsDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.CustomerOrderStatsSince(ctx, now.Add(-signalWindow), 1)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		if s.Refunded < refundCountWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertRepeatedRefunds,
			Severity:   severityFor(float64(s.Refunded), refundCountWarn, refundCountCritical),
			RiskScore:  riskScore(float64(s.Refunded), refundCountCritical),
			Title:      fmt.Sprintf("Repeated refunds for %s", s.CustomerName),
			Description: fmt.Sprintf("%d refunded orders in the last 30 days", s.Refunded),
			TargetType: "user",
			TargetID:   strconv.FormatUint(uint64(s.CustomerID), 10),
			TargetName: s.CustomerName,
			Metadata: map[string]any{
				"refunded": s.Refunded,
				"total":    s.Total,
			},
		})
	}
	return out, nil
}

// rapidAccountCreationDetector flags clusters of accounts sharing a signup
// IP or device fingerprint within 24 hours.
type rapidAccountCreationDetector struct{}

func (rapidAccountCreationDetector) Type() models.AlertType { return models.AlertRapidAccountCreation }

func (rapidAccountCreationDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	clusters, err := signals.SignupClusters(ctx, signupClusterWindow)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, c := range clusters {
		if c.Count < signupClusterWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertRapidAccountCreation,
			Severity:   severityFor(float64(c.Count), signupClusterWarn, signupClusterCritical),
			RiskScore:  riskScore(float64(c.Count), signupClusterCritical),
			Title:      "Rapid account creation cluster",
			Description: fmt.Sprintf("%d accounts created within 24 hours sharing %s", c.Count, c.Key),
			TargetType: "signup_cluster",
			TargetID:   c.Key,
			TargetName: c.Key,
			Metadata: map[string]any{
				"count": c.Count,
				"uids":  c.UIDs,
			},
		})
	}
	return out, nil
}

// highRefundRateDetector flags shops whose refund rate over the trailing
// window exceeds the cutoff.
type highRefundRateDetector struct{}

func (highRefundRateDetector) Type() models.AlertType { return models.AlertHighRefundRate }

func (highRefundRateDetector) Detect(ctx context.Context, signals store.Signals, now time.Time) ([]Finding, error) {
	stats, err := signals.ShopOrderStatsSince(ctx, now.Add(-signalWindow), 1)
	if err != nil {
		return nil, err
	}
	var out []Finding
	for _, s := range stats {
		rate := float64(s.Refunded) / float64(s.Total)
		if rate < refundRateWarn {
			continue
		}
		out = append(out, Finding{
			Type:       models.AlertHighRefundRate,
			Severity:   severityFor(rate, refundRateWarn, refundRateCritical),
			RiskScore:  riskScore(rate, refundRateCritical),
			Title:      fmt.Sprintf("High refund rate at %s", s.ShopName),
			Description: fmt.Sprintf("%d of %d orders refunded in the last 30 days (%.0f%%)",
				s.Refunded, s.Total, rate*100),
			TargetType: "shop",
			TargetID:   strconv.FormatUint(uint64(s.ShopID), 10),
			TargetName: s.ShopName,
			Metadata: map[string]any{
				"refunded":    s.Refunded,
				"orders":      s.Total,
				"refund_rate": rate,
			},
		})
	}
	return out, nil
}
