// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
)

// Gateway is the Postgres storage gateway.
type Gateway struct {
	db *gorm.DB
}

// Open connects to Postgres and returns a Gateway. SQL logging is routed to
// the process logger at warn level so slow queries surface without noise.
// Every statement acquires a pool slot with a bounded wait (see slotGate),
// so exhaustion surfaces as ErrUnavailable instead of queued requests.
func Open(dsn string) (*Gateway, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := newSlotGate(maxOpenConns, acquireTimeout).register(db); err != nil {
		return nil, fmt.Errorf("installing pool gate: %w", err)
	}
	logging.Info().Str("component", "store").Msg("connected to postgres")
	return &Gateway{db: db}, nil
}

// NewGateway wraps an existing gorm handle (tests against a live database).
func NewGateway(db *gorm.DB) *Gateway { return &Gateway{db: db} }

// Migrate creates or updates the schema for every console-owned table.
func (g *Gateway) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Shop{},
		&models.Order{},
		&models.OrderItem{},
		&models.Complaint{},
		&models.AuditEntry{},
		&models.FraudAlert{},
	); err != nil {
		return err
	}
	// Alert dedup uniqueness holds only among non-terminal alerts, which
	// AutoMigrate cannot express; repeat detections reuse the tuple after
	// a confirm or dismiss.
	return g.db.WithContext(ctx).Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_dedup
		 ON fraud_alerts (target_type, target_id, alert_type)
		 WHERE status NOT IN ('confirmed', 'dismissed')`,
	).Error
}

// translate maps driver errors onto the gateway's sentinel errors.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	case strings.Contains(err.Error(), "SQLSTATE 23505"):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	}
	return err
}

// ── Shops ────────────────────────────────────────────────────────────

func (g *Gateway) GetShop(ctx context.Context, id uint) (*models.Shop, error) {
	var s models.Shop
	if err := g.db.WithContext(ctx).Preload("Owner").First(&s, id).Error; err != nil {
		return nil, fmt.Errorf("shop %d: %w", id, translate(err))
	}
	return &s, nil
}

func (g *Gateway) ListShops(ctx context.Context, f ShopFilter) ([]models.Shop, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.Shop{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.Town != "" {
		q = q.Where("LOWER(town) = LOWER(?)", f.Town)
	}
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	q = applyWindow(q, f.From, f.To, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.Shop
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(s models.Shop) Cursor {
		return Cursor{CreatedAt: s.CreatedAt, ID: uint64(s.ID)}
	})
}

func (g *Gateway) SetShopStatus(ctx context.Context, admin auth.Identity, id uint, next models.ShopStatus) (*models.Shop, *models.Shop, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	var before, after models.Shop
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&before, id).Error; err != nil {
			return fmt.Errorf("shop %d: %w", id, translate(err))
		}
		if !before.Status.CanTransitionTo(next) {
			return fmt.Errorf("shop %d is %s: %w", id, before.Status, ErrConflict)
		}
		res := tx.Model(&models.Shop{}).
			Where("id = ? AND status = ?", id, before.Status).
			Updates(map[string]any{
				"status":    next,
				"is_active": next == models.ShopApproved,
			})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("shop %d changed concurrently: %w", id, ErrConflict)
		}
		return tx.First(&after, id).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &before, &after, nil
}

func (g *Gateway) ToggleShop(ctx context.Context, admin auth.Identity, id uint) (*models.Shop, *models.Shop, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	var before, after models.Shop
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&before, id).Error; err != nil {
			return fmt.Errorf("shop %d: %w", id, translate(err))
		}
		if before.Status != models.ShopApproved {
			return fmt.Errorf("shop %d is %s, not approved: %w", id, before.Status, ErrConflict)
		}
		res := tx.Model(&models.Shop{}).
			Where("id = ? AND is_active = ?", id, before.IsActive).
			Update("is_active", !before.IsActive)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("shop %d changed concurrently: %w", id, ErrConflict)
		}
		return tx.First(&after, id).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &before, &after, nil
}

func (g *Gateway) BulkSetShopStatus(ctx context.Context, admin auth.Identity, ids []uint, next models.ShopStatus) (*BulkResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	res := &BulkResult{}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.Shop
		if err := tx.Clauses(forUpdate()).Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return translate(err)
		}
		byID := make(map[uint]*models.Shop, len(rows))
		for i := range rows {
			byID[rows[i].ID] = &rows[i]
		}
		failed := make(map[uint]string)
		for _, id := range ids {
			s, ok := byID[id]
			switch {
			case !ok:
				failed[id] = "not found"
			case !s.Status.CanTransitionTo(next):
				failed[id] = fmt.Sprintf("status is %s", s.Status)
			}
		}
		if len(failed) > 0 {
			res.Failed = failed
			return fmt.Errorf("%d of %d ids failed predicate: %w", len(failed), len(ids), ErrConflict)
		}
		if err := tx.Model(&models.Shop{}).Where("id IN ?", ids).
			Updates(map[string]any{
				"status":    next,
				"is_active": next == models.ShopApproved,
			}).Error; err != nil {
			return translate(err)
		}
		res.Updated = ids
		return nil
	})
	if err != nil && res.Failed != nil {
		// Batch rolled back; the per-id reasons travel with the error.
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ── Users ────────────────────────────────────────────────────────────

func (g *Gateway) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := g.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, fmt.Errorf("user %d: %w", id, translate(err))
	}
	return &u, nil
}

func (g *Gateway) GetUserByUID(ctx context.Context, uid string) (*models.User, error) {
	var u models.User
	if err := g.db.WithContext(ctx).Where("uid = ?", uid).First(&u).Error; err != nil {
		return nil, fmt.Errorf("user %q: %w", uid, translate(err))
	}
	return &u, nil
}

func (g *Gateway) ListUsers(ctx context.Context, f UserFilter) ([]models.User, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.User{})
	if f.Role != nil {
		q = q.Where("role = ?", *f.Role)
	}
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	q = applyWindow(q, f.From, f.To, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.User
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(u models.User) Cursor {
		return Cursor{CreatedAt: u.CreatedAt, ID: uint64(u.ID)}
	})
}

func (g *Gateway) ToggleUser(ctx context.Context, admin auth.Identity, id uint) (*models.User, *models.User, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	var before, after models.User
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&before, id).Error; err != nil {
			return fmt.Errorf("user %d: %w", id, translate(err))
		}
		res := tx.Model(&models.User{}).
			Where("id = ? AND is_active = ?", id, before.IsActive).
			Update("is_active", !before.IsActive)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d changed concurrently: %w", id, ErrConflict)
		}
		return tx.First(&after, id).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &before, &after, nil
}

func (g *Gateway) BulkToggleUsers(ctx context.Context, admin auth.Identity, ids []uint) (*BulkResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	res := &BulkResult{}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.User
		if err := tx.Clauses(forUpdate()).Where("id IN ?", ids).Find(&rows).Error; err != nil {
			return translate(err)
		}
		found := make(map[uint]bool, len(rows))
		for _, u := range rows {
			found[u.ID] = true
		}
		failed := make(map[uint]string)
		for _, id := range ids {
			if !found[id] {
				failed[id] = "not found"
			}
		}
		if len(failed) > 0 {
			res.Failed = failed
			return fmt.Errorf("%d of %d ids failed predicate: %w", len(failed), len(ids), ErrConflict)
		}
		if err := tx.Model(&models.User{}).Where("id IN ?", ids).
			Update("is_active", gorm.Expr("NOT is_active")).Error; err != nil {
			return translate(err)
		}
		res.Updated = ids
		return nil
	})
	if err != nil && res.Failed != nil {
		return res, err
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ── Orders ───────────────────────────────────────────────────────────

func (g *Gateway) GetOrder(ctx context.Context, id uint) (*models.Order, error) {
	var o models.Order
	if err := g.db.WithContext(ctx).Preload("Shop").Preload("Customer").First(&o, id).Error; err != nil {
		return nil, fmt.Errorf("order %d: %w", id, translate(err))
	}
	return &o, nil
}

func (g *Gateway) ListOrders(ctx context.Context, f OrderFilter) ([]models.Order, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.Order{}).Preload("Shop").Preload("Customer")
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.ShopID != nil {
		q = q.Where("shop_id = ?", *f.ShopID)
	}
	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}
	q = applyWindow(q, f.From, f.To, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.Order
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(o models.Order) Cursor {
		return Cursor{CreatedAt: o.CreatedAt, ID: uint64(o.ID)}
	})
}

// ── Complaints ───────────────────────────────────────────────────────

func (g *Gateway) GetComplaint(ctx context.Context, id uint) (*models.Complaint, error) {
	var c models.Complaint
	if err := g.db.WithContext(ctx).Preload("User").First(&c, id).Error; err != nil {
		return nil, fmt.Errorf("complaint %d: %w", id, translate(err))
	}
	return &c, nil
}

func (g *Gateway) ListComplaints(ctx context.Context, f ComplaintFilter) ([]models.Complaint, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.Complaint{}).Preload("User")
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	q = applyWindow(q, f.From, f.To, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.Complaint
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(c models.Complaint) Cursor {
		return Cursor{CreatedAt: c.CreatedAt, ID: uint64(c.ID)}
	})
}

func (g *Gateway) ResolveComplaint(ctx context.Context, admin auth.Identity, id uint, note string) (*models.Complaint, *models.Complaint, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	var before, after models.Complaint
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(forUpdate()).First(&before, id).Error; err != nil {
			return fmt.Errorf("complaint %d: %w", id, translate(err))
		}
		if before.Status != models.ComplaintPending {
			return fmt.Errorf("complaint %d already %s: %w", id, before.Status, ErrConflict)
		}
		res := tx.Model(&models.Complaint{}).
			Where("id = ? AND status = ?", id, models.ComplaintPending).
			Updates(map[string]any{
				"status":          models.ComplaintResolved,
				"resolution_note": note,
				"resolved_by":     admin.UID,
			})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("complaint %d changed concurrently: %w", id, ErrConflict)
		}
		return tx.First(&after, id).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &before, &after, nil
}

func (g *Gateway) PendingComplaintCount(ctx context.Context) (int, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.Complaint{}).
		Where("status = ?", models.ComplaintPending).Count(&n).Error
	return int(n), translate(err)
}

// ── Audit ────────────────────────────────────────────────────────────

func (g *Gateway) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return translate(g.db.WithContext(ctx).Create(entry).Error)
}

func (g *Gateway) UpdateAuditDetails(ctx context.Context, id uint64, details []byte) error {
	res := g.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Where("id = ?", id).
		Update("details", details)
	if res.Error != nil {
		return fmt.Errorf("audit entry %d: %w", id, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("audit entry %d: %w", id, ErrNotFound)
	}
	return nil
}

func (g *Gateway) QueryAudit(ctx context.Context, f AuditFilter) ([]models.AuditEntry, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.AuditEntry{})
	if f.AdminUID != "" {
		q = q.Where("admin_uid = ?", f.AdminUID)
	}
	if f.Action != "" {
		if strings.HasSuffix(f.Action, "*") {
			q = q.Where("action LIKE ?", strings.TrimSuffix(f.Action, "*")+"%")
		} else {
			q = q.Where("action = ?", f.Action)
		}
	}
	if f.RiskLevel != nil {
		q = q.Where("risk_level = ?", *f.RiskLevel)
	}
	q = applyWindow(q, f.From, f.To, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.AuditEntry
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(e models.AuditEntry) Cursor {
		return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
}

func (g *Gateway) DistinctAdmins(ctx context.Context) ([]AdminRef, error) {
	var refs []AdminRef
	err := g.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Select("DISTINCT ON (admin_uid) admin_uid AS uid, admin_name AS name").
		Where("admin_uid <> ''").
		Order("admin_uid, created_at DESC").
		Scan(&refs).Error
	return refs, translate(err)
}

func (g *Gateway) CountAuditSince(ctx context.Context, adminUID string, since time.Time) (int, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.AuditEntry{}).
		Where("admin_uid = ? AND created_at >= ?", adminUID, since).
		Count(&n).Error
	return int(n), translate(err)
}

// ── Fraud alerts ─────────────────────────────────────────────────────

func (g *Gateway) CreateAlert(ctx context.Context, alert *models.FraudAlert) error {
	return translate(g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&models.FraudAlert{}).
			Where("target_type = ? AND target_id = ? AND alert_type = ? AND status IN ?",
				alert.TargetType, alert.TargetID, alert.AlertType,
				[]models.AlertStatus{models.AlertActive, models.AlertInvestigating}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("open alert exists for target: %w", ErrConflict)
		}
		return tx.Create(alert).Error
	}))
}

func (g *Gateway) GetAlert(ctx context.Context, id uint) (*models.FraudAlert, error) {
	var a models.FraudAlert
	if err := g.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, fmt.Errorf("alert %d: %w", id, translate(err))
	}
	return &a, nil
}

func (g *Gateway) FindOpenAlert(ctx context.Context, targetType, targetID string, alertType models.AlertType) (*models.FraudAlert, error) {
	var a models.FraudAlert
	err := g.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND alert_type = ? AND status IN ?",
			targetType, targetID, alertType,
			[]models.AlertStatus{models.AlertActive, models.AlertInvestigating}).
		First(&a).Error
	if err != nil {
		return nil, fmt.Errorf("open alert for %s/%s/%s: %w", targetType, targetID, alertType, translate(err))
	}
	return &a, nil
}

func (g *Gateway) UpdateAlert(ctx context.Context, alert *models.FraudAlert) error {
	res := g.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("id = ?", alert.ID).
		Updates(map[string]any{
			"severity":    alert.Severity,
			"risk_score":  alert.RiskScore,
			"title":       alert.Title,
			"description": alert.Description,
			"metadata":    alert.Metadata,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %d: %w", alert.ID, ErrNotFound)
	}
	return nil
}

func (g *Gateway) TransitionAlert(ctx context.Context, id uint, from []models.AlertStatus, next models.AlertStatus, resolver, note string) (*models.FraudAlert, error) {
	var out models.FraudAlert
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.FraudAlert
		if err := tx.Clauses(forUpdate()).First(&cur, id).Error; err != nil {
			return fmt.Errorf("alert %d: %w", id, translate(err))
		}
		allowed := false
		for _, s := range from {
			if cur.Status == s {
				allowed = true
				break
			}
		}
		if !allowed || !cur.Status.CanTransitionTo(next) {
			return fmt.Errorf("alert %d is %s: %w", id, cur.Status, ErrConflict)
		}
		updates := map[string]any{
			"status":      next,
			"resolved_by": resolver,
		}
		if note != "" {
			updates["resolution_note"] = note
		}
		if next.Terminal() {
			updates["resolved_at"] = time.Now()
		}
		res := tx.Model(&models.FraudAlert{}).
			Where("id = ? AND status = ?", id, cur.Status).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("alert %d changed concurrently: %w", id, ErrConflict)
		}
		return tx.First(&out, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) ListAlerts(ctx context.Context, f AlertFilter) ([]models.FraudAlert, *Cursor, error) {
	q := g.db.WithContext(ctx).Model(&models.FraudAlert{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.Type != nil {
		q = q.Where("alert_type = ?", *f.Type)
	}
	q = applyWindow(q, nil, nil, f.Cursor)

	limit := clampLimit(f.Limit)
	var rows []models.FraudAlert
	if err := q.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, translate(err)
	}
	return page(rows, limit, func(a models.FraudAlert) Cursor {
		return Cursor{CreatedAt: a.CreatedAt, ID: uint64(a.ID)}
	})
}

func (g *Gateway) AlertSummary(ctx context.Context) (*AlertSummaryRow, error) {
	open := []models.AlertStatus{models.AlertActive, models.AlertInvestigating}

	var sevRows []struct {
		Severity models.Severity
		N        int
	}
	if err := g.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Select("severity, COUNT(*) AS n").
		Where("status IN ?", open).
		Group("severity").Scan(&sevRows).Error; err != nil {
		return nil, translate(err)
	}
	var typeRows []struct {
		AlertType models.AlertType
		N         int
	}
	if err := g.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Select("alert_type, COUNT(*) AS n").
		Where("status IN ?", open).
		Group("alert_type").Scan(&typeRows).Error; err != nil {
		return nil, translate(err)
	}
	var agg struct {
		Avg float64
		N   int
	}
	if err := g.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Select("COALESCE(AVG(risk_score), 0) AS avg, COUNT(*) AS n").
		Where("status IN ?", open).
		Scan(&agg).Error; err != nil {
		return nil, translate(err)
	}

	row := &AlertSummaryRow{
		BySeverity: make(map[models.Severity]int),
		ByType:     make(map[models.AlertType]int),
		AvgRisk:    agg.Avg,
		OpenCount:  agg.N,
	}
	for _, r := range sevRows {
		row.BySeverity[r.Severity] = r.N
	}
	for _, r := range typeRows {
		row.ByType[r.AlertType] = r.N
	}
	return row, nil
}

// ── Search ───────────────────────────────────────────────────────────

func (g *Gateway) QuickSearch(ctx context.Context, q string, perType int) ([]SearchHit, error) {
	prefix := q + "%"
	var hits []SearchHit

	var users []models.User
	if err := g.db.WithContext(ctx).
		Where("name ILIKE ? OR phone LIKE ?", prefix, prefix).
		Limit(perType).Find(&users).Error; err != nil {
		return nil, translate(err)
	}
	for _, u := range users {
		hits = append(hits, SearchHit{Type: "user", ID: u.ID, Label: u.Name, Extra: u.Phone})
	}

	var shops []models.Shop
	if err := g.db.WithContext(ctx).
		Where("name ILIKE ?", prefix).
		Limit(perType).Find(&shops).Error; err != nil {
		return nil, translate(err)
	}
	for _, s := range shops {
		hits = append(hits, SearchHit{Type: "shop", ID: s.ID, Label: s.Name, Extra: s.Town})
	}

	var orders []models.Order
	if err := g.db.WithContext(ctx).
		Where("order_number ILIKE ?", prefix).
		Limit(perType).Find(&orders).Error; err != nil {
		return nil, translate(err)
	}
	for _, o := range orders {
		hits = append(hits, SearchHit{Type: "order", ID: o.ID, Label: o.OrderNumber, Extra: string(o.Status)})
	}
	return hits, nil
}

// Ping verifies the database connection.
func (g *Gateway) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return translate(sqlDB.PingContext(ctx))
}

// ── Detector signals ─────────────────────────────────────────────────

func (g *Gateway) CustomerOrderStatsSince(ctx context.Context, since time.Time, minOrders int) ([]CustomerOrderStats, error) {
	var rows []CustomerOrderStats
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`orders.customer_id,
			MAX(users.name) AS customer_name,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE orders.status = 'cancelled') AS cancelled,
			COUNT(*) FILTER (WHERE orders.payment_status = 'refunded') AS refunded`).
		Joins("LEFT JOIN users ON users.id = orders.customer_id").
		Where("orders.created_at >= ?", since).
		Group("orders.customer_id").
		Having("COUNT(*) >= ?", minOrders).
		Scan(&rows).Error
	return rows, translate(err)
}

func (g *Gateway) CustomerOrderCounts(ctx context.Context, window time.Duration) ([]CustomerOrderStats, error) {
	return g.CustomerOrderStatsSince(ctx, time.Now().Add(-window), 1)
}

func (g *Gateway) ShopOrderStatsSince(ctx context.Context, since time.Time, minOrders int) ([]ShopOrderStats, error) {
	var rows []ShopOrderStats
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`orders.shop_id,
			MAX(shops.name) AS shop_name,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE orders.payment_status = 'refunded') AS refunded,
			(SELECT COUNT(*) FROM complaints c
				JOIN orders o2 ON o2.id = c.order_id
				WHERE o2.shop_id = orders.shop_id AND c.created_at >= ?) AS complaints`, since).
		Joins("LEFT JOIN shops ON shops.id = orders.shop_id").
		Where("orders.created_at >= ?", since).
		Group("orders.shop_id").
		Having("COUNT(*) >= ?", minOrders).
		Scan(&rows).Error
	return rows, translate(err)
}

func (g *Gateway) ShopHourlyVelocity(ctx context.Context, history time.Duration) ([]ShopHourlyStats, error) {
	now := time.Now()
	start := now.Add(-history)
	hours := int(history / time.Hour)
	if hours < 1 {
		hours = 1
	}

	var bucketRows []struct {
		ShopID   uint
		ShopName string
		Bucket   time.Time
		N        int
	}
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`orders.shop_id,
			MAX(shops.name) AS shop_name,
			date_trunc('hour', orders.created_at) AS bucket,
			COUNT(*) AS n`).
		Joins("LEFT JOIN shops ON shops.id = orders.shop_id").
		Where("orders.created_at >= ?", start).
		Group("orders.shop_id, date_trunc('hour', orders.created_at)").
		Scan(&bucketRows).Error
	if err != nil {
		return nil, translate(err)
	}

	// Zero-filled buckets per shop; stats over the full window, not just
	// hours with orders.
	type shopAgg struct {
		name    string
		buckets []int
		last    int
	}
	lastHourStart := now.Add(-time.Hour)
	byShop := make(map[uint]*shopAgg)
	for _, r := range bucketRows {
		agg := byShop[r.ShopID]
		if agg == nil {
			agg = &shopAgg{name: r.ShopName, buckets: make([]int, hours)}
			byShop[r.ShopID] = agg
		}
		if idx := int(r.Bucket.Sub(start) / time.Hour); idx >= 0 && idx < hours {
			agg.buckets[idx] += r.N
		}
		if !r.Bucket.Before(lastHourStart.Truncate(time.Hour)) {
			agg.last += r.N
		}
	}

	out := make([]ShopHourlyStats, 0, len(byShop))
	for shopID, agg := range byShop {
		mean, stddev := meanStdDev(agg.buckets)
		out = append(out, ShopHourlyStats{
			ShopID:   shopID,
			ShopName: agg.name,
			LastHour: agg.last,
			Mean:     mean,
			StdDev:   stddev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShopID < out[j].ShopID })
	return out, nil
}

func (g *Gateway) SignupClusters(ctx context.Context, window time.Duration) ([]SignupCluster, error) {
	since := time.Now().Add(-window)
	var users []models.User
	err := g.db.WithContext(ctx).
		Where("created_at >= ? AND (signup_ip <> '' OR device_fingerprint <> '')", since).
		Find(&users).Error
	if err != nil {
		return nil, translate(err)
	}

	byKey := make(map[string]*SignupCluster)
	add := func(key, uid string) {
		c := byKey[key]
		if c == nil {
			c = &SignupCluster{Key: key}
			byKey[key] = c
		}
		c.Count++
		c.UIDs = append(c.UIDs, uid)
	}
	for _, u := range users {
		if u.SignupIP != "" {
			add("ip:"+u.SignupIP, u.UID)
		}
		if u.DeviceFP != "" {
			add("device:"+u.DeviceFP, u.UID)
		}
	}
	out := make([]SignupCluster, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ── Analytics ────────────────────────────────────────────────────────

func (g *Gateway) Overview(ctx context.Context, now time.Time) (*OverviewStats, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := today.AddDate(0, 0, -int(today.Weekday()))
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	d30 := today.AddDate(0, 0, -30)
	d60 := today.AddDate(0, 0, -60)

	st := &OverviewStats{}

	var rev struct {
		Total  decimal.Decimal
		Today  decimal.Decimal
		Week   decimal.Decimal
		Month  decimal.Decimal
		Last30 decimal.Decimal
		Prev30 decimal.Decimal
	}
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`COALESCE(SUM(total), 0) AS total,
			COALESCE(SUM(total) FILTER (WHERE created_at >= ?), 0) AS today,
			COALESCE(SUM(total) FILTER (WHERE created_at >= ?), 0) AS week,
			COALESCE(SUM(total) FILTER (WHERE created_at >= ?), 0) AS month,
			COALESCE(SUM(total) FILTER (WHERE created_at >= ?), 0) AS last30,
			COALESCE(SUM(total) FILTER (WHERE created_at >= ? AND created_at < ?), 0) AS prev30`,
			today, weekStart, monthStart, d30, d60, d30).
		Where("status = ?", models.OrderDelivered).
		Scan(&rev).Error
	if err != nil {
		return nil, translate(err)
	}
	st.TotalRevenue = rev.Total
	st.TodayRevenue = rev.Today
	st.WeekRevenue = rev.Week
	st.MonthRevenue = rev.Month
	if rev.Prev30.IsPositive() {
		growth, _ := rev.Last30.Sub(rev.Prev30).Div(rev.Prev30).
			Mul(decimal.NewFromInt(100)).Round(1).Float64()
		st.RevenueGrowthPct = growth
	}

	var ord struct {
		Total     int
		Today     int
		Delivered int
		Converted int
	}
	err = g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`COUNT(*) AS total,
			COUNT(*) FILTER (WHERE created_at >= ?) AS today,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status NOT IN ('pending', 'cancelled')) AS converted`, today).
		Scan(&ord).Error
	if err != nil {
		return nil, translate(err)
	}
	st.TotalOrders = ord.Total
	st.TodayOrders = ord.Today
	st.DeliveredCount = ord.Delivered
	if ord.Total > 0 {
		st.FulfillmentPct = pct(ord.Delivered, ord.Total)
		st.ConversionPct = pct(ord.Converted, ord.Total)
	}

	var comp struct {
		Total   int
		Pending int
	}
	err = g.db.WithContext(ctx).Model(&models.Complaint{}).
		Select(`COUNT(*) AS total, COUNT(*) FILTER (WHERE status = 'pending') AS pending`).
		Scan(&comp).Error
	if err != nil {
		return nil, translate(err)
	}
	st.TotalComplaints = comp.Total
	st.PendingComplaints = comp.Pending
	if ord.Total > 0 {
		st.ComplaintRatioPct = pct(comp.Total, ord.Total)
	}

	var usr struct {
		Total int
		Today int
	}
	err = g.db.WithContext(ctx).Model(&models.User{}).
		Select(`COUNT(*) AS total, COUNT(*) FILTER (WHERE created_at >= ?) AS today`, today).
		Scan(&usr).Error
	if err != nil {
		return nil, translate(err)
	}
	st.TotalUsers = usr.Total
	st.NewUsersToday = usr.Today

	var shp struct {
		Active  int
		Pending int
	}
	err = g.db.WithContext(ctx).Model(&models.Shop{}).
		Select(`COUNT(*) FILTER (WHERE status = 'approved' AND is_active) AS active,
			COUNT(*) FILTER (WHERE status = 'pending') AS pending`).
		Scan(&shp).Error
	if err != nil {
		return nil, translate(err)
	}
	st.ActiveSellers = shp.Active
	st.PendingShops = shp.Pending

	// 7-day sparklines.
	spark := make([]decimal.Decimal, 7)
	sparkOrders := make([]int, 7)
	for i := range spark {
		spark[i] = decimal.Zero
	}
	var days []struct {
		Day     time.Time
		Revenue decimal.Decimal
		Orders  int
	}
	err = g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`date_trunc('day', created_at) AS day,
			COALESCE(SUM(total) FILTER (WHERE status = 'delivered'), 0) AS revenue,
			COUNT(*) AS orders`).
		Where("created_at >= ?", today.AddDate(0, 0, -6)).
		Group("date_trunc('day', created_at)").
		Scan(&days).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, d := range days {
		if di := int(today.Sub(d.Day).Hours() / 24); di >= 0 && di < 7 {
			spark[6-di] = d.Revenue
			sparkOrders[6-di] = d.Orders
		}
	}
	st.RevenueSparkline = spark
	st.OrdersSparkline = sparkOrders
	return st, nil
}

func (g *Gateway) RevenueSeries(ctx context.Context, period string, buckets int, now time.Time) ([]RevenueBucket, error) {
	step := 24 * time.Hour
	switch period {
	case "weekly":
		step = 7 * 24 * time.Hour
	case "monthly":
		step = 30 * 24 * time.Hour
	}
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	out := make([]RevenueBucket, buckets)
	for i := range out {
		out[i] = RevenueBucket{
			Bucket:  end.Add(-time.Duration(buckets-i) * step),
			Revenue: decimal.Zero,
		}
	}
	start := out[0].Bucket

	var rows []models.Order
	err := g.db.WithContext(ctx).
		Select("created_at, total, status").
		Where("created_at >= ? AND created_at < ?", start, end).
		Find(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, o := range rows {
		idx := int(o.CreatedAt.Sub(start) / step)
		if idx < 0 || idx >= buckets {
			continue
		}
		out[idx].Orders++
		if o.Status == models.OrderDelivered {
			out[idx].Revenue = out[idx].Revenue.Add(o.Total)
		}
	}
	return out, nil
}

func (g *Gateway) TopProducts(ctx context.Context, since time.Time, limit int) ([]NameCount, error) {
	var rows []NameCount
	err := g.db.WithContext(ctx).Model(&models.OrderItem{}).
		Select("order_items.product_name AS name, SUM(order_items.quantity) AS count").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.created_at >= ?", since).
		Group("order_items.product_name").
		Order("count DESC, name ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, translate(err)
}

func (g *Gateway) TopShops(ctx context.Context, since time.Time, limit int) ([]ShopRevenue, error) {
	var rows []ShopRevenue
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`orders.shop_id, MAX(shops.name) AS name,
			COUNT(*) AS orders, COALESCE(SUM(orders.total), 0) AS revenue`).
		Joins("LEFT JOIN shops ON shops.id = orders.shop_id").
		Where("orders.created_at >= ? AND orders.status = ?", since, models.OrderDelivered).
		Group("orders.shop_id").
		Order("revenue DESC, shop_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, translate(err)
}

func (g *Gateway) PeakHours(ctx context.Context, since time.Time) ([]HourCount, error) {
	var rows []HourCount
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select("EXTRACT(HOUR FROM created_at)::int AS hour, COUNT(*) AS orders").
		Where("created_at >= ?", since).
		Group("EXTRACT(HOUR FROM created_at)").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]HourCount, 24)
	for i := range out {
		out[i].Hour = i
	}
	for _, r := range rows {
		if r.Hour >= 0 && r.Hour < 24 {
			out[r.Hour].Orders = r.Orders
		}
	}
	return out, nil
}

func (g *Gateway) Funnel(ctx context.Context, since time.Time) (*FunnelStats, error) {
	var f FunnelStats
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`COUNT(*) AS placed,
			COUNT(*) FILTER (WHERE status = 'confirmed') AS confirmed,
			COUNT(*) FILTER (WHERE status = 'preparing') AS preparing,
			COUNT(*) FILTER (WHERE status = 'ready') AS ready,
			COUNT(*) FILTER (WHERE status = 'out_for_delivery') AS out_for_delivery,
			COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled`).
		Where("created_at >= ?", since).
		Scan(&f).Error
	return &f, translate(err)
}

func (g *Gateway) CustomerLifetimeValue(ctx context.Context, since time.Time, limit int) ([]CustomerValue, error) {
	var rows []CustomerValue
	err := g.db.WithContext(ctx).Model(&models.Order{}).
		Select(`orders.customer_id, MAX(users.name) AS name,
			COUNT(*) AS orders,
			COALESCE(SUM(orders.total), 0) AS revenue,
			ROUND(COALESCE(AVG(orders.total), 0), 2) AS avg_order`).
		Joins("LEFT JOIN users ON users.id = orders.customer_id").
		Where("orders.created_at >= ? AND orders.status = ?", since, models.OrderDelivered).
		Group("orders.customer_id").
		Order("revenue DESC, customer_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, translate(err)
}

func (g *Gateway) UserGrowth(ctx context.Context, days int, now time.Time) ([]DayCount, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	out := make([]DayCount, days)
	for i := range out {
		out[i].Day = today.AddDate(0, 0, -(days - 1 - i))
	}

	var rows []struct {
		Day   time.Time
		Count int
	}
	err := g.db.WithContext(ctx).Model(&models.User{}).
		Select("date_trunc('day', created_at) AS day, COUNT(*) AS count").
		Where("created_at >= ?", out[0].Day).
		Group("date_trunc('day', created_at)").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	for _, r := range rows {
		if di := int(today.Sub(r.Day).Hours() / 24); di >= 0 && di < days {
			out[days-1-di].Count = r.Count
		}
	}
	return out, nil
}

// ── Query helpers ────────────────────────────────────────────────────

// applyWindow adds the shared created_at window and cursor predicates.
func applyWindow(q *gorm.DB, from, to *time.Time, c *Cursor) *gorm.DB {
	if from != nil {
		q = q.Where("created_at >= ?", *from)
	}
	if to != nil {
		q = q.Where("created_at <= ?", *to)
	}
	if c != nil {
		q = q.Where("(created_at, id) < (?, ?)", c.CreatedAt, c.ID)
	}
	return q
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}
