// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package store is the typed storage gateway over the relational system of
// record. Mutations take the acting admin identity, enforce the role gate and
// status transition rules under optimistic concurrency, and return the
// (before, after) entity pair so the audit recorder can log precise diffs.
// Reads expose composable predicates and cursor-based pagination.
//
// Two implementations exist: Gateway (Postgres via gorm) and Memory
// (in-process, used by tests and the fraud engine's unit tests).
package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/models"
)

// Cursor is an opaque pagination token over (created_at, id). Listing orders
// by (created_at desc, id desc), a cursor marks the last row already seen.
type Cursor struct {
	CreatedAt time.Time
	ID        uint64
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%d", c.CreatedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token yields a
// nil cursor (first page).
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos), ID: id}, nil
}

// After reports whether row (createdAt, id) sorts strictly after the cursor
// in (created_at desc, id desc) order, i.e. belongs to a later page.
func (c *Cursor) After(createdAt time.Time, id uint64) bool {
	if c == nil {
		return true
	}
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return false
}

// ShopFilter selects shops for listing.
type ShopFilter struct {
	Status *models.ShopStatus
	Town   string
	Active *bool
	From   *time.Time
	To     *time.Time
	Cursor *Cursor
	Limit  int
}

// UserFilter selects users for listing.
type UserFilter struct {
	Role   *models.Role
	Active *bool
	From   *time.Time
	To     *time.Time
	Cursor *Cursor
	Limit  int
}

// OrderFilter selects orders for listing and export.
type OrderFilter struct {
	Status     *models.OrderStatus
	ShopID     *uint
	CustomerID *uint
	From       *time.Time
	To         *time.Time
	Cursor     *Cursor
	Limit      int
}

// ComplaintFilter selects complaints for listing.
type ComplaintFilter struct {
	Status *models.ComplaintStatus
	From   *time.Time
	To     *time.Time
	Cursor *Cursor
	Limit  int
}

// AuditFilter selects audit entries. Action may be an exact code or a group
// prefix terminated by '*' ("fraud_*").
type AuditFilter struct {
	AdminUID  string
	Action    string
	RiskLevel *models.RiskLevel
	From      *time.Time
	To        *time.Time
	Cursor    *Cursor
	Limit     int
}

// MatchesAction reports whether the filter's action selector matches code.
func (f AuditFilter) MatchesAction(code string) bool {
	if f.Action == "" {
		return true
	}
	if strings.HasSuffix(f.Action, "*") {
		return strings.HasPrefix(code, strings.TrimSuffix(f.Action, "*"))
	}
	return code == f.Action
}

// AlertFilter selects fraud alerts.
type AlertFilter struct {
	Status *models.AlertStatus
	Type   *models.AlertType
	Cursor *Cursor
	Limit  int
}

// BulkResult reports a bulk mutation. When any id fails its predicate check
// the whole batch is rolled back and Failed carries the per-id reason.
type BulkResult struct {
	Updated []uint          `json:"updated"`
	Failed  map[uint]string `json:"failed,omitempty"`
}

// AdminRef is a distinct admin seen in the audit log.
type AdminRef struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// CustomerOrderStats aggregates a customer's recent order behaviour.
type CustomerOrderStats struct {
	CustomerID   uint
	CustomerName string
	Total        int
	Cancelled    int
	Refunded     int
}

// ShopOrderStats aggregates a shop's recent order behaviour for detectors.
type ShopOrderStats struct {
	ShopID     uint
	ShopName   string
	Total      int
	Refunded   int
	Complaints int
}

// ShopHourlyStats describes a shop's order velocity: the trailing hour's
// count against the mean and sample stddev of the trailing 30 days of
// hourly buckets.
type ShopHourlyStats struct {
	ShopID   uint
	ShopName string
	LastHour int
	Mean     float64
	StdDev   float64
}

// SignupCluster groups accounts created in a window sharing an IP or device
// fingerprint.
type SignupCluster struct {
	Key   string // "ip:<addr>" or "device:<fp>"
	Count int
	UIDs  []string
}

// RevenueBucket is one point of a time-bucketed revenue series.
type RevenueBucket struct {
	Bucket  time.Time       `json:"bucket"`
	Revenue decimal.Decimal `json:"revenue"`
	Orders  int             `json:"orders"`
}

// NameCount is a generic (label, count) aggregation row.
type NameCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ShopRevenue is one row of the top-shops aggregation.
type ShopRevenue struct {
	ShopID  uint            `json:"shop_id"`
	Name    string          `json:"name"`
	Orders  int             `json:"orders"`
	Revenue decimal.Decimal `json:"revenue"`
}

// HourCount is one hour-of-day aggregation row.
type HourCount struct {
	Hour   int `json:"hour"`
	Orders int `json:"orders"`
}

// FunnelStats counts orders by fulfillment stage.
type FunnelStats struct {
	Placed         int `json:"placed"`
	Confirmed      int `json:"confirmed"`
	Preparing      int `json:"preparing"`
	Ready          int `json:"ready"`
	OutForDelivery int `json:"out_for_delivery"`
	Delivered      int `json:"delivered"`
	Cancelled      int `json:"cancelled"`
}

// CustomerValue is one row of the customer-lifetime-value aggregation.
type CustomerValue struct {
	CustomerID uint            `json:"customer_id"`
	Name       string          `json:"name"`
	Orders     int             `json:"orders"`
	Revenue    decimal.Decimal `json:"revenue"`
	AvgOrder   decimal.Decimal `json:"avg_order"`
}

// DayCount is one day of a daily series.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
}

// OverviewStats backs the console header panel.
type OverviewStats struct {
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	TodayRevenue     decimal.Decimal `json:"today_revenue"`
	WeekRevenue      decimal.Decimal `json:"week_revenue"`
	MonthRevenue     decimal.Decimal `json:"month_revenue"`
	RevenueGrowthPct float64         `json:"revenue_growth_pct"`

	TotalOrders    int     `json:"total_orders"`
	TodayOrders    int     `json:"today_orders"`
	DeliveredCount int     `json:"delivered_count"`
	FulfillmentPct float64 `json:"fulfillment_pct"`
	ConversionPct  float64 `json:"conversion_pct"`

	TotalComplaints   int     `json:"total_complaints"`
	PendingComplaints int     `json:"pending_complaints"`
	ComplaintRatioPct float64 `json:"complaint_ratio_pct"`

	TotalUsers    int `json:"total_users"`
	NewUsersToday int `json:"new_users_today"`
	ActiveSellers int `json:"active_sellers"`
	PendingShops  int `json:"pending_shops"`

	RevenueSparkline []decimal.Decimal `json:"revenue_sparkline_7d"`
	OrdersSparkline  []int             `json:"orders_sparkline_7d"`
}

// SearchHit is one quick-search result.
type SearchHit struct {
	Type  string `json:"type"` // user, shop, order
	ID    uint   `json:"id"`
	Label string `json:"label"`
	Extra string `json:"extra,omitempty"`
}

// AlertSummaryRow aggregates open fraud alerts for the summary report.
type AlertSummaryRow struct {
	BySeverity map[models.Severity]int  `json:"by_severity"`
	ByType     map[models.AlertType]int `json:"by_type"`
	AvgRisk    float64                  `json:"avg_risk_score"`
	OpenCount  int                      `json:"open_count"`
}

// Store is the full storage gateway surface. Consumers should depend on the
// narrowest subset they need; this aggregate exists for wiring.
type Store interface {
	// Shops
	GetShop(ctx context.Context, id uint) (*models.Shop, error)
	ListShops(ctx context.Context, f ShopFilter) ([]models.Shop, *Cursor, error)
	SetShopStatus(ctx context.Context, admin auth.Identity, id uint, next models.ShopStatus) (before, after *models.Shop, err error)
	ToggleShop(ctx context.Context, admin auth.Identity, id uint) (before, after *models.Shop, err error)
	BulkSetShopStatus(ctx context.Context, admin auth.Identity, ids []uint, next models.ShopStatus) (*BulkResult, error)

	// Users
	GetUser(ctx context.Context, id uint) (*models.User, error)
	ListUsers(ctx context.Context, f UserFilter) ([]models.User, *Cursor, error)
	GetUserByUID(ctx context.Context, uid string) (*models.User, error)
	ToggleUser(ctx context.Context, admin auth.Identity, id uint) (before, after *models.User, err error)
	BulkToggleUsers(ctx context.Context, admin auth.Identity, ids []uint) (*BulkResult, error)

	// Orders
	GetOrder(ctx context.Context, id uint) (*models.Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, *Cursor, error)

	// Complaints
	GetComplaint(ctx context.Context, id uint) (*models.Complaint, error)
	ListComplaints(ctx context.Context, f ComplaintFilter) ([]models.Complaint, *Cursor, error)
	ResolveComplaint(ctx context.Context, admin auth.Identity, id uint, note string) (before, after *models.Complaint, err error)
	PendingComplaintCount(ctx context.Context) (int, error)

	// Audit
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	UpdateAuditDetails(ctx context.Context, id uint64, details []byte) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, *Cursor, error)
	DistinctAdmins(ctx context.Context) ([]AdminRef, error)
	CountAuditSince(ctx context.Context, adminUID string, since time.Time) (int, error)

	// Fraud alerts
	CreateAlert(ctx context.Context, alert *models.FraudAlert) error
	GetAlert(ctx context.Context, id uint) (*models.FraudAlert, error)
	FindOpenAlert(ctx context.Context, targetType, targetID string, alertType models.AlertType) (*models.FraudAlert, error)
	UpdateAlert(ctx context.Context, alert *models.FraudAlert) error
	TransitionAlert(ctx context.Context, id uint, from []models.AlertStatus, next models.AlertStatus, resolver, note string) (*models.FraudAlert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.FraudAlert, *Cursor, error)
	AlertSummary(ctx context.Context) (*AlertSummaryRow, error)

	Signals
	Analytics

	// Search
	QuickSearch(ctx context.Context, q string, perType int) ([]SearchHit, error)

	// Health
	Ping(ctx context.Context) error
}

// Signals are the aggregate queries the fraud detectors run over.
type Signals interface {
	CustomerOrderStatsSince(ctx context.Context, since time.Time, minOrders int) ([]CustomerOrderStats, error)
	CustomerOrderCounts(ctx context.Context, window time.Duration) ([]CustomerOrderStats, error)
	ShopOrderStatsSince(ctx context.Context, since time.Time, minOrders int) ([]ShopOrderStats, error)
	ShopHourlyVelocity(ctx context.Context, history time.Duration) ([]ShopHourlyStats, error)
	SignupClusters(ctx context.Context, window time.Duration) ([]SignupCluster, error)
}

// Analytics are the aggregations behind the read-side endpoints.
type Analytics interface {
	Overview(ctx context.Context, now time.Time) (*OverviewStats, error)
	RevenueSeries(ctx context.Context, period string, buckets int, now time.Time) ([]RevenueBucket, error)
	TopProducts(ctx context.Context, since time.Time, limit int) ([]NameCount, error)
	TopShops(ctx context.Context, since time.Time, limit int) ([]ShopRevenue, error)
	PeakHours(ctx context.Context, since time.Time) ([]HourCount, error)
	Funnel(ctx context.Context, since time.Time) (*FunnelStats, error)
	CustomerLifetimeValue(ctx context.Context, since time.Time, limit int) ([]CustomerValue, error)
	UserGrowth(ctx context.Context, days int, now time.Time) ([]DayCount, error)
}

const (
	// DefaultPageLimit bounds list queries when the caller does not set one.
	DefaultPageLimit = 50

	// MaxPageLimit is the hard ceiling on page size.
	MaxPageLimit = 200
)

// clampLimit normalizes a requested page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

// requireAdmin is the single role gate on mutations.
func requireAdmin(admin auth.Identity) error {
	if !admin.IsAdmin() {
		return fmt.Errorf("admin %q: %w", admin.UID, ErrUnauthorized)
	}
	return nil
}
