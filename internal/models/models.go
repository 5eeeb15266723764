// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package models defines the marketplace entities the console operates on and
// the enumerations governing their lifecycles. The console mutates only
// status and flag fields; entity ownership stays with the marketplace.
package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Role identifies a user's single role in the marketplace.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSeller   Role = "seller"
	RoleDelivery Role = "delivery"
	RoleCustomer Role = "customer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSeller, RoleDelivery, RoleCustomer:
		return true
	}
	return false
}

// User is a marketplace account. Exactly one role per user; role changes are
// recorded in the audit log.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UID       string    `gorm:"uniqueIndex;size:255" json:"uid"`
	Name      string    `gorm:"size:255" json:"name"`
	Email     string    `gorm:"size:255" json:"email"`
	Phone     string    `gorm:"size:32;index" json:"phone"`
	Role      Role      `gorm:"size:16" json:"role"`
	IsActive  bool      `json:"is_active"`
	SignupIP  string    `gorm:"size:64;index" json:"signup_ip,omitempty"`
	DeviceFP  string    `gorm:"column:device_fingerprint;size:128;index" json:"device_fingerprint,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShopStatus is a shop's approval state.
type ShopStatus string

const (
	ShopPending  ShopStatus = "pending"
	ShopApproved ShopStatus = "approved"
	ShopRejected ShopStatus = "rejected"
)

// CanTransitionTo reports whether the approval transition s → next is legal.
// Only pending shops move; approved/rejected are settled by a single admin
// decision (active toggling is a separate flag).
func (s ShopStatus) CanTransitionTo(next ShopStatus) bool {
	return s == ShopPending && (next == ShopApproved || next == ShopRejected)
}

// Shop is a seller storefront.
type Shop struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	OwnerID   uint       `gorm:"index" json:"owner_id"`
	Owner     *User      `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
	Name      string     `gorm:"size:255;index" json:"name"`
	Town      string     `gorm:"size:128" json:"town"`
	Category  string     `gorm:"size:64" json:"category"`
	Status    ShopStatus `gorm:"size:16;index" json:"status"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// OrderStatus is an order's fulfillment state.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderConfirmed      OrderStatus = "confirmed"
	OrderPreparing      OrderStatus = "preparing"
	OrderReady          OrderStatus = "ready"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// orderRank orders the forward-only progression. Cancelled is terminal and
// reachable from anywhere.
var orderRank = map[OrderStatus]int{
	OrderPending:        0,
	OrderConfirmed:      1,
	OrderPreparing:      2,
	OrderReady:          3,
	OrderOutForDelivery: 4,
	OrderDelivered:      5,
}

// CanTransitionTo reports whether the fulfillment transition s → next is
// legal: strictly forward, except any non-terminal state may cancel.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == OrderCancelled || s == OrderDelivered {
		return false
	}
	if next == OrderCancelled {
		return true
	}
	from, ok := orderRank[s]
	if !ok {
		return false
	}
	to, ok := orderRank[next]
	return ok && to > from
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderCancelled || s == OrderDelivered
}

// PaymentStatus tracks the payment side of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Order is a customer purchase from a shop. OrderNumber is monotonic,
// human-readable and unique.
type Order struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	OrderNumber   string          `gorm:"uniqueIndex;size:32" json:"order_number"`
	ShopID        uint            `gorm:"index:idx_orders_shop_created,priority:1" json:"shop_id"`
	Shop          *Shop           `gorm:"foreignKey:ShopID" json:"shop,omitempty"`
	CustomerID    uint            `gorm:"index:idx_orders_customer_created,priority:1" json:"customer_id"`
	Customer      *User           `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Total         decimal.Decimal `gorm:"type:numeric(12,2)" json:"total"`
	PaymentMethod string          `gorm:"size:32" json:"payment_method"`
	PaymentStatus PaymentStatus   `gorm:"size:16;index" json:"payment_status"`
	Status        OrderStatus     `gorm:"size:24;index:idx_orders_status_created,priority:1" json:"status"`
	DeliveryTown  string          `gorm:"size:128" json:"delivery_town"`
	CreatedAt     time.Time       `gorm:"index:idx_orders_status_created,priority:2;index:idx_orders_shop_created,priority:2;index:idx_orders_customer_created,priority:2" json:"created_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderItem is one line of an order. Product naming is denormalized; the
// catalog itself belongs to the marketplace.
type OrderItem struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	OrderID     uint            `gorm:"index" json:"order_id"`
	ProductName string          `gorm:"size:255;index" json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric(12,2)" json:"price"`
}

// ComplaintStatus is a complaint's resolution state.
type ComplaintStatus string

const (
	ComplaintPending  ComplaintStatus = "pending"
	ComplaintResolved ComplaintStatus = "resolved"
)

// Complaint is a customer grievance, optionally tied to an order.
// Resolution requires an admin identity.
type Complaint struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	UserID         uint            `gorm:"index" json:"user_id"`
	User           *User           `gorm:"foreignKey:UserID" json:"user,omitempty"`
	OrderID        *uint           `gorm:"index" json:"order_id,omitempty"`
	IssueType      string          `gorm:"size:64" json:"issue_type"`
	Description    string          `json:"description"`
	Status         ComplaintStatus `gorm:"size:16;index" json:"status"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	ResolvedBy     string          `gorm:"size:255" json:"resolved_by,omitempty"`
	CreatedAt      time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RiskLevel classifies an audited action's sensitivity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AuditEntry records one mutating admin action. Append-only: never updated,
// never deleted. (created_at desc, id desc) is a stable total order.
type AuditEntry struct {
	ID         uint64          `gorm:"primaryKey" json:"id"`
	AdminUID   string          `gorm:"size:255;index:idx_audit_admin_created,priority:1" json:"admin_uid"`
	AdminName  string          `gorm:"size:255" json:"admin_name"`
	Action     string          `gorm:"size:64;index" json:"action"`
	TargetType string          `gorm:"size:32" json:"target_type"`
	TargetID   string          `gorm:"size:64" json:"target_id"`
	RiskLevel  RiskLevel       `gorm:"size:16;index" json:"risk_level"`
	IPAddress  string          `gorm:"size:64" json:"ip_address"`
	SessionID  string          `gorm:"size:128" json:"session_id"`
	UserAgent  string          `gorm:"size:512" json:"user_agent,omitempty"`
	Details    json.RawMessage `gorm:"type:jsonb" json:"details"`
	CreatedAt  time.Time       `gorm:"index:idx_audit_created_id,sort:desc;index:idx_audit_admin_created,priority:2,sort:desc" json:"created_at"`
}

// AlertType enumerates the built-in fraud detectors.
type AlertType string

const (
	AlertOrderSpike           AlertType = "order_spike"
	AlertHighCancelRate       AlertType = "high_cancel_rate"
	AlertRapidOrders          AlertType = "rapid_orders"
	AlertHighComplaintRatio   AlertType = "high_complaint_ratio"
	AlertRepeatedRefunds      AlertType = "repeated_refunds"
	AlertRapidAccountCreation AlertType = "rapid_account_creation"
	AlertHighRefundRate       AlertType = "high_refund_rate"
)

// AllAlertTypes lists every built-in detector type.
func AllAlertTypes() []AlertType {
	return []AlertType{
		AlertOrderSpike,
		AlertHighCancelRate,
		AlertRapidOrders,
		AlertHighComplaintRatio,
		AlertRepeatedRefunds,
		AlertRapidAccountCreation,
		AlertHighRefundRate,
	}
}

// Severity grades a fraud alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is a fraud alert's lifecycle state.
type AlertStatus string

const (
	AlertActive        AlertStatus = "active"
	AlertInvestigating AlertStatus = "investigating"
	AlertDismissed     AlertStatus = "dismissed"
	AlertConfirmed     AlertStatus = "confirmed"
)

// Terminal reports whether the alert can no longer be mutated.
func (s AlertStatus) Terminal() bool {
	return s == AlertDismissed || s == AlertConfirmed
}

// CanTransitionTo reports whether the lifecycle transition s → next follows
// the DAG active → {investigating, dismissed, confirmed},
// investigating → {dismissed, confirmed}.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertActive:
		return next == AlertInvestigating || next == AlertDismissed || next == AlertConfirmed
	case AlertInvestigating:
		return next == AlertDismissed || next == AlertConfirmed
	}
	return false
}

// FraudAlert is a detector finding under admin review. Among non-terminal
// alerts, (target_type, target_id, alert_type) is unique; repeat detections
// coalesce into the existing alert.
type FraudAlert struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	AlertType      AlertType       `gorm:"size:32;index" json:"alert_type"`
	Severity       Severity        `gorm:"size:16" json:"severity"`
	RiskScore      int             `json:"risk_score"`
	Title          string          `gorm:"size:255" json:"title"`
	Description    string          `json:"description"`
	TargetType     string          `gorm:"size:32;index:idx_alerts_target,priority:1" json:"target_type"`
	TargetID       string          `gorm:"size:64;index:idx_alerts_target,priority:2" json:"target_id"`
	TargetName     string          `gorm:"size:255" json:"target_name"`
	Metadata       json.RawMessage `gorm:"type:jsonb" json:"metadata"`
	Status         AlertStatus     `gorm:"size:16;index:idx_alerts_status_created,priority:1" json:"status"`
	ResolutionNote string          `json:"resolution_note,omitempty"`
	ResolvedBy     string          `gorm:"size:255" json:"resolved_by,omitempty"`
	CreatedAt      time.Time       `gorm:"index:idx_alerts_status_created,priority:2,sort:desc" json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}
