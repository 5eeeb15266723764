// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package audit

import "github.com/townbasket/opscore/internal/models"

// Action codes recorded by the console. The list is closed: handlers use
// these constants, never ad-hoc strings.
const (
	ActionAdminLogin            = "admin_login"
	ActionAuditExport           = "audit_export"
	ActionOrdersExport          = "orders_export"
	ActionInvoiceResend         = "invoice_resend"
	ActionShopApprove           = "shop_approve"
	ActionShopReject            = "shop_reject"
	ActionShopToggle            = "shop_toggle"
	ActionUserToggle            = "user_toggle"
	ActionOrderOverride         = "order_override"
	ActionComplaintResolve      = "complaint_resolve"
	ActionBulkShopApprove       = "bulk_shop_approve"
	ActionBulkShopReject        = "bulk_shop_reject"
	ActionBulkUserToggle        = "bulk_user_toggle"
	ActionSettingsUpdate        = "settings_update"
	ActionRefundApprove         = "refund_approve"
	ActionPermissionChange      = "permission_change"
	ActionFraudUserBan          = "fraud_user_ban"
	ActionFraudAlertConfirm     = "fraud_alert_confirm"
	ActionFraudAlertDismiss     = "fraud_alert_dismiss"
	ActionFraudAlertInvestigate = "fraud_alert_investigate"
)

// actionRisk assigns each action its sensitivity. Unknown actions default
// to low so a missing table entry never blocks recording.
var actionRisk = map[string]models.RiskLevel{
	ActionFraudUserBan:          models.RiskCritical,
	ActionPermissionChange:      models.RiskCritical,
	ActionSettingsUpdate:        models.RiskHigh,
	ActionRefundApprove:         models.RiskHigh,
	ActionFraudAlertConfirm:     models.RiskHigh,
	ActionBulkUserToggle:        models.RiskHigh,
	ActionShopApprove:           models.RiskMedium,
	ActionShopReject:            models.RiskMedium,
	ActionShopToggle:            models.RiskMedium,
	ActionUserToggle:            models.RiskMedium,
	ActionOrderOverride:         models.RiskMedium,
	ActionFraudAlertInvestigate: models.RiskMedium,
	ActionBulkShopApprove:       models.RiskMedium,
	ActionBulkShopReject:        models.RiskMedium,
	ActionComplaintResolve:      models.RiskMedium,
	ActionAdminLogin:            models.RiskLow,
	ActionAuditExport:           models.RiskLow,
	ActionOrdersExport:          models.RiskLow,
	ActionFraudAlertDismiss:     models.RiskLow,
	ActionInvoiceResend:         models.RiskLow,
}

// RiskFor returns the risk level assigned to an action code.
func RiskFor(action string) models.RiskLevel {
	if level, ok := actionRisk[action]; ok {
		return level
	}
	return models.RiskLow
}
