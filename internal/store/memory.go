// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/models"
)

// Memory is an in-process Store used by unit tests and the fraud engine's
// tests. It applies the same role gate, transition rules and ordering
// guarantees as the Postgres gateway.
type Memory struct {
	mu sync.Mutex

	users      map[uint]*models.User
	shops      map[uint]*models.Shop
	orders     map[uint]*models.Order
	items      []models.OrderItem
	complaints map[uint]*models.Complaint
	audits     []*models.AuditEntry
	alerts     map[uint]*models.FraudAlert

	nextUser      uint
	nextShop      uint
	nextOrder     uint
	nextComplaint uint
	nextAudit     uint64
	nextAlert     uint
	lastAuditAt   time.Time

	// Now supplies the clock; tests override it for deterministic windows.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[uint]*models.User),
		shops:      make(map[uint]*models.Shop),
		orders:     make(map[uint]*models.Order),
		complaints: make(map[uint]*models.Complaint),
		alerts:     make(map[uint]*models.FraudAlert),
		Now:        time.Now,
	}
}

// ── Seeding helpers (tests) ──────────────────────────────────────────

// AddUser inserts a user, assigning an id if missing.
func (m *Memory) AddUser(u models.User) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		m.nextUser++
		u.ID = m.nextUser
	} else if u.ID > m.nextUser {
		m.nextUser = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.Now()
	}
	cp := u
	m.users[u.ID] = &cp
	return &cp
}

// AddShop inserts a shop, assigning an id if missing.
func (m *Memory) AddShop(s models.Shop) *models.Shop {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextShop++
		s.ID = m.nextShop
	} else if s.ID > m.nextShop {
		m.nextShop = s.ID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.Now()
	}
	cp := s
	m.shops[s.ID] = &cp
	return &cp
}

// AddOrder inserts an order, assigning an id and order number if missing.
func (m *Memory) AddOrder(o models.Order) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == 0 {
		m.nextOrder++
		o.ID = m.nextOrder
	} else if o.ID > m.nextOrder {
		m.nextOrder = o.ID
	}
	if o.OrderNumber == "" {
		o.OrderNumber = fmt.Sprintf("TB-%06d", o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = m.Now()
	}
	cp := o
	m.orders[o.ID] = &cp
	return &cp
}

// AddOrderItem inserts an order line.
func (m *Memory) AddOrderItem(item models.OrderItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = uint(len(m.items) + 1)
	m.items = append(m.items, item)
}

// AddComplaint inserts a complaint, assigning an id if missing.
func (m *Memory) AddComplaint(c models.Complaint) *models.Complaint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextComplaint++
		c.ID = m.nextComplaint
	} else if c.ID > m.nextComplaint {
		m.nextComplaint = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.Now()
	}
	cp := c
	m.complaints[c.ID] = &cp
	return &cp
}

// ── Shops ────────────────────────────────────────────────────────────

func (m *Memory) GetShop(_ context.Context, id uint) (*models.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shops[id]
	if !ok {
		return nil, fmt.Errorf("shop %d: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListShops(_ context.Context, f ShopFilter) ([]models.Shop, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.Shop
	for _, s := range m.shops {
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		if f.Town != "" && !strings.EqualFold(s.Town, f.Town) {
			continue
		}
		if f.Active != nil && s.IsActive != *f.Active {
			continue
		}
		if f.From != nil && s.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && s.CreatedAt.After(*f.To) {
			continue
		}
		if !f.Cursor.After(s.CreatedAt, uint64(s.ID)) {
			continue
		}
		rows = append(rows, *s)
	}
	sortDesc(rows, func(s models.Shop) (time.Time, uint64) { return s.CreatedAt, uint64(s.ID) })
	return page(rows, clampLimit(f.Limit), func(s models.Shop) Cursor {
		return Cursor{CreatedAt: s.CreatedAt, ID: uint64(s.ID)}
	})
}

func (m *Memory) SetShopStatus(_ context.Context, admin auth.Identity, id uint, next models.ShopStatus) (*models.Shop, *models.Shop, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shops[id]
	if !ok {
		return nil, nil, fmt.Errorf("shop %d: %w", id, ErrNotFound)
	}
	if !s.Status.CanTransitionTo(next) {
		return nil, nil, fmt.Errorf("shop %d is %s: %w", id, s.Status, ErrConflict)
	}
	before := *s
	s.Status = next
	s.IsActive = next == models.ShopApproved
	s.UpdatedAt = m.Now()
	after := *s
	return &before, &after, nil
}

func (m *Memory) ToggleShop(_ context.Context, admin auth.Identity, id uint) (*models.Shop, *models.Shop, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shops[id]
	if !ok {
		return nil, nil, fmt.Errorf("shop %d: %w", id, ErrNotFound)
	}
	if s.Status != models.ShopApproved {
		return nil, nil, fmt.Errorf("shop %d is %s, not approved: %w", id, s.Status, ErrConflict)
	}
	before := *s
	s.IsActive = !s.IsActive
	s.UpdatedAt = m.Now()
	after := *s
	return &before, &after, nil
}

func (m *Memory) BulkSetShopStatus(_ context.Context, admin auth.Identity, ids []uint, next models.ShopStatus) (*BulkResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[uint]string)
	for _, id := range ids {
		s, ok := m.shops[id]
		switch {
		case !ok:
			failed[id] = "not found"
		case !s.Status.CanTransitionTo(next):
			failed[id] = fmt.Sprintf("status is %s", s.Status)
		}
	}
	if len(failed) > 0 {
		return &BulkResult{Failed: failed}, fmt.Errorf("%d of %d ids failed predicate: %w", len(failed), len(ids), ErrConflict)
	}

	res := &BulkResult{}
	now := m.Now()
	for _, id := range ids {
		s := m.shops[id]
		s.Status = next
		s.IsActive = next == models.ShopApproved
		s.UpdatedAt = now
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}

// ── Users ────────────────────────────────────────────────────────────

func (m *Memory) GetUser(_ context.Context, id uint) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) ListUsers(_ context.Context, f UserFilter) ([]models.User, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.User
	for _, u := range m.users {
		if f.Role != nil && u.Role != *f.Role {
			continue
		}
		if f.Active != nil && u.IsActive != *f.Active {
			continue
		}
		if f.From != nil && u.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && u.CreatedAt.After(*f.To) {
			continue
		}
		if !f.Cursor.After(u.CreatedAt, uint64(u.ID)) {
			continue
		}
		rows = append(rows, *u)
	}
	sortDesc(rows, func(u models.User) (time.Time, uint64) { return u.CreatedAt, uint64(u.ID) })
	return page(rows, clampLimit(f.Limit), func(u models.User) Cursor {
		return Cursor{CreatedAt: u.CreatedAt, ID: uint64(u.ID)}
	})
}

func (m *Memory) GetUserByUID(_ context.Context, uid string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UID == uid {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", uid, ErrNotFound)
}

func (m *Memory) ToggleUser(_ context.Context, admin auth.Identity, id uint) (*models.User, *models.User, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	before := *u
	u.IsActive = !u.IsActive
	u.UpdatedAt = m.Now()
	after := *u
	return &before, &after, nil
}

func (m *Memory) BulkToggleUsers(_ context.Context, admin auth.Identity, ids []uint) (*BulkResult, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make(map[uint]string)
	for _, id := range ids {
		if _, ok := m.users[id]; !ok {
			failed[id] = "not found"
		}
	}
	if len(failed) > 0 {
		return &BulkResult{Failed: failed}, fmt.Errorf("%d of %d ids failed predicate: %w", len(failed), len(ids), ErrConflict)
	}

	res := &BulkResult{}
	now := m.Now()
	for _, id := range ids {
		u := m.users[id]
		u.IsActive = !u.IsActive
		u.UpdatedAt = now
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}

// ── Orders ───────────────────────────────────────────────────────────

func (m *Memory) GetOrder(_ context.Context, id uint) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	cp := *o
	m.attachOrderRefs(&cp)
	return &cp, nil
}

// attachOrderRefs resolves denormalized references for responses and export.
// Caller holds the lock.
func (m *Memory) attachOrderRefs(o *models.Order) {
	if s, ok := m.shops[o.ShopID]; ok {
		cp := *s
		o.Shop = &cp
	}
	if u, ok := m.users[o.CustomerID]; ok {
		cp := *u
		o.Customer = &cp
	}
}

func (m *Memory) ListOrders(_ context.Context, f OrderFilter) ([]models.Order, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.Order
	for _, o := range m.orders {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.ShopID != nil && o.ShopID != *f.ShopID {
			continue
		}
		if f.CustomerID != nil && o.CustomerID != *f.CustomerID {
			continue
		}
		if f.From != nil && o.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && o.CreatedAt.After(*f.To) {
			continue
		}
		if !f.Cursor.After(o.CreatedAt, uint64(o.ID)) {
			continue
		}
		cp := *o
		m.attachOrderRefs(&cp)
		rows = append(rows, cp)
	}
	sortDesc(rows, func(o models.Order) (time.Time, uint64) { return o.CreatedAt, uint64(o.ID) })
	return page(rows, clampLimit(f.Limit), func(o models.Order) Cursor {
		return Cursor{CreatedAt: o.CreatedAt, ID: uint64(o.ID)}
	})
}

// ── Complaints ───────────────────────────────────────────────────────

func (m *Memory) GetComplaint(_ context.Context, id uint) (*models.Complaint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.complaints[id]
	if !ok {
		return nil, fmt.Errorf("complaint %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ResolveComplaint(_ context.Context, admin auth.Identity, id uint, note string) (*models.Complaint, *models.Complaint, error) {
	if err := requireAdmin(admin); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.complaints[id]
	if !ok {
		return nil, nil, fmt.Errorf("complaint %d: %w", id, ErrNotFound)
	}
	if c.Status != models.ComplaintPending {
		return nil, nil, fmt.Errorf("complaint %d already %s: %w", id, c.Status, ErrConflict)
	}
	before := *c
	c.Status = models.ComplaintResolved
	c.ResolutionNote = note
	c.ResolvedBy = admin.UID
	c.UpdatedAt = m.Now()
	after := *c
	return &before, &after, nil
}

func (m *Memory) ListComplaints(_ context.Context, f ComplaintFilter) ([]models.Complaint, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.Complaint
	for _, c := range m.complaints {
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		if f.From != nil && c.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && c.CreatedAt.After(*f.To) {
			continue
		}
		if !f.Cursor.After(c.CreatedAt, uint64(c.ID)) {
			continue
		}
		cp := *c
		if u, ok := m.users[c.UserID]; ok {
			ucp := *u
			cp.User = &ucp
		}
		rows = append(rows, cp)
	}
	sortDesc(rows, func(c models.Complaint) (time.Time, uint64) { return c.CreatedAt, uint64(c.ID) })
	return page(rows, clampLimit(f.Limit), func(c models.Complaint) Cursor {
		return Cursor{CreatedAt: c.CreatedAt, ID: uint64(c.ID)}
	})
}

func (m *Memory) PendingComplaintCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.complaints {
		if c.Status == models.ComplaintPending {
			n++
		}
	}
	return n, nil
}

// ── Audit ────────────────────────────────────────────────────────────

func (m *Memory) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAudit++
	entry.ID = m.nextAudit
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.Now()
	}
	// Keep (created_at, id) strictly monotonic even under a frozen clock.
	if !entry.CreatedAt.After(m.lastAuditAt) {
		entry.CreatedAt = m.lastAuditAt.Add(time.Nanosecond)
	}
	m.lastAuditAt = entry.CreatedAt

	cp := *entry
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *Memory) UpdateAuditDetails(_ context.Context, id uint64, details []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.audits {
		if e.ID == id {
			e.Details = append([]byte(nil), details...)
			return nil
		}
	}
	return fmt.Errorf("audit entry %d: %w", id, ErrNotFound)
}

func (m *Memory) QueryAudit(_ context.Context, f AuditFilter) ([]models.AuditEntry, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.AuditEntry
	for _, e := range m.audits {
		if f.AdminUID != "" && e.AdminUID != f.AdminUID {
			continue
		}
		if !f.MatchesAction(e.Action) {
			continue
		}
		if f.RiskLevel != nil && e.RiskLevel != *f.RiskLevel {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && e.CreatedAt.After(*f.To) {
			continue
		}
		if !f.Cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		rows = append(rows, *e)
	}
	sortDesc(rows, func(e models.AuditEntry) (time.Time, uint64) { return e.CreatedAt, e.ID })
	return page(rows, clampLimit(f.Limit), func(e models.AuditEntry) Cursor {
		return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
}

func (m *Memory) DistinctAdmins(_ context.Context) ([]AdminRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]string)
	for _, e := range m.audits {
		if e.AdminUID == "" {
			continue
		}
		if _, ok := seen[e.AdminUID]; !ok || seen[e.AdminUID] == "" {
			seen[e.AdminUID] = e.AdminName
		}
	}
	refs := make([]AdminRef, 0, len(seen))
	for uid, name := range seen {
		refs = append(refs, AdminRef{UID: uid, Name: name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].UID < refs[j].UID })
	return refs, nil
}

func (m *Memory) CountAuditSince(_ context.Context, adminUID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.audits {
		if e.AdminUID == adminUID && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ── Fraud alerts ─────────────────────────────────────────────────────

func (m *Memory) CreateAlert(_ context.Context, alert *models.FraudAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unique among non-terminal alerts on (target_type, target_id, type).
	for _, a := range m.alerts {
		if !a.Status.Terminal() &&
			a.TargetType == alert.TargetType &&
			a.TargetID == alert.TargetID &&
			a.AlertType == alert.AlertType {
			return fmt.Errorf("open alert %d exists for target: %w", a.ID, ErrConflict)
		}
	}

	m.nextAlert++
	alert.ID = m.nextAlert
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.Now()
	}
	alert.UpdatedAt = alert.CreatedAt
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id uint) (*models.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) FindOpenAlert(_ context.Context, targetType, targetID string, alertType models.AlertType) (*models.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if !a.Status.Terminal() &&
			a.TargetType == targetType &&
			a.TargetID == targetID &&
			a.AlertType == alertType {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("open alert for %s/%s/%s: %w", targetType, targetID, alertType, ErrNotFound)
}

func (m *Memory) UpdateAlert(_ context.Context, alert *models.FraudAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; !ok {
		return fmt.Errorf("alert %d: %w", alert.ID, ErrNotFound)
	}
	alert.UpdatedAt = m.Now()
	cp := *alert
	m.alerts[alert.ID] = &cp
	return nil
}

func (m *Memory) TransitionAlert(_ context.Context, id uint, from []models.AlertStatus, next models.AlertStatus, resolver, note string) (*models.FraudAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed || !a.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("alert %d is %s: %w", id, a.Status, ErrConflict)
	}

	a.Status = next
	a.UpdatedAt = m.Now()
	if next.Terminal() {
		now := m.Now()
		a.ResolvedAt = &now
	}
	if note != "" {
		a.ResolutionNote = note
	}
	a.ResolvedBy = resolver
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAlerts(_ context.Context, f AlertFilter) ([]models.FraudAlert, *Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []models.FraudAlert
	for _, a := range m.alerts {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Type != nil && a.AlertType != *f.Type {
			continue
		}
		if !f.Cursor.After(a.CreatedAt, uint64(a.ID)) {
			continue
		}
		rows = append(rows, *a)
	}
	sortDesc(rows, func(a models.FraudAlert) (time.Time, uint64) { return a.CreatedAt, uint64(a.ID) })
	return page(rows, clampLimit(f.Limit), func(a models.FraudAlert) Cursor {
		return Cursor{CreatedAt: a.CreatedAt, ID: uint64(a.ID)}
	})
}

func (m *Memory) AlertSummary(_ context.Context) (*AlertSummaryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := &AlertSummaryRow{
		BySeverity: make(map[models.Severity]int),
		ByType:     make(map[models.AlertType]int),
	}
	sum := 0
	for _, a := range m.alerts {
		if a.Status.Terminal() {
			continue
		}
		row.BySeverity[a.Severity]++
		row.ByType[a.AlertType]++
		row.OpenCount++
		sum += a.RiskScore
	}
	if row.OpenCount > 0 {
		row.AvgRisk = float64(sum) / float64(row.OpenCount)
	}
	return row, nil
}

// ── Search ───────────────────────────────────────────────────────────

func (m *Memory) QuickSearch(_ context.Context, q string, perType int) ([]SearchHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q = strings.ToLower(q)
	match := func(s string) bool { return strings.HasPrefix(strings.ToLower(s), q) }

	var hits []SearchHit
	users, shops, orders := 0, 0, 0
	for _, u := range m.users {
		if users >= perType {
			break
		}
		if match(u.Name) || match(u.Phone) {
			hits = append(hits, SearchHit{Type: "user", ID: u.ID, Label: u.Name, Extra: u.Phone})
			users++
		}
	}
	for _, s := range m.shops {
		if shops >= perType {
			break
		}
		if match(s.Name) {
			hits = append(hits, SearchHit{Type: "shop", ID: s.ID, Label: s.Name, Extra: s.Town})
			shops++
		}
	}
	for _, o := range m.orders {
		if orders >= perType {
			break
		}
		if match(o.OrderNumber) {
			hits = append(hits, SearchHit{Type: "order", ID: o.ID, Label: o.OrderNumber, Extra: string(o.Status)})
			orders++
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Type != hits[j].Type {
			return hits[i].Type < hits[j].Type
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

// ── Sorting and paging helpers ───────────────────────────────────────

func sortDesc[T any](rows []T, key func(T) (time.Time, uint64)) {
	sort.Slice(rows, func(i, j int) bool {
		ti, idi := key(rows[i])
		tj, idj := key(rows[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

func page[T any](rows []T, limit int, cursorOf func(T) Cursor) ([]T, *Cursor, error) {
	if len(rows) <= limit {
		return rows, nil, nil
	}
	rows = rows[:limit]
	last := cursorOf(rows[len(rows)-1])
	return rows, &last, nil
}

// ── Detector signals ─────────────────────────────────────────────────

func (m *Memory) CustomerOrderStatsSince(_ context.Context, since time.Time, minOrders int) ([]CustomerOrderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCustomer := make(map[uint]*CustomerOrderStats)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		st := byCustomer[o.CustomerID]
		if st == nil {
			st = &CustomerOrderStats{CustomerID: o.CustomerID}
			if u, ok := m.users[o.CustomerID]; ok {
				st.CustomerName = u.Name
			}
			byCustomer[o.CustomerID] = st
		}
		st.Total++
		if o.Status == models.OrderCancelled {
			st.Cancelled++
		}
		if o.PaymentStatus == models.PaymentRefunded {
			st.Refunded++
		}
	}
	return collectStats(byCustomer, minOrders, func(s *CustomerOrderStats) (uint, int) { return s.CustomerID, s.Total })
}

func (m *Memory) CustomerOrderCounts(ctx context.Context, window time.Duration) ([]CustomerOrderStats, error) {
	return m.CustomerOrderStatsSince(ctx, m.Now().Add(-window), 1)
}

func (m *Memory) ShopOrderStatsSince(_ context.Context, since time.Time, minOrders int) ([]ShopOrderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byShop := make(map[uint]*ShopOrderStats)
	orderShop := make(map[uint]uint)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		orderShop[o.ID] = o.ShopID
		st := byShop[o.ShopID]
		if st == nil {
			st = &ShopOrderStats{ShopID: o.ShopID}
			if s, ok := m.shops[o.ShopID]; ok {
				st.ShopName = s.Name
			}
			byShop[o.ShopID] = st
		}
		st.Total++
		if o.PaymentStatus == models.PaymentRefunded {
			st.Refunded++
		}
	}
	for _, c := range m.complaints {
		if c.CreatedAt.Before(since) || c.OrderID == nil {
			continue
		}
		if shopID, ok := orderShop[*c.OrderID]; ok {
			if st := byShop[shopID]; st != nil {
				st.Complaints++
			}
		}
	}
	return collectStats(byShop, minOrders, func(s *ShopOrderStats) (uint, int) { return s.ShopID, s.Total })
}

func (m *Memory) ShopHourlyVelocity(_ context.Context, history time.Duration) ([]ShopHourlyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	start := now.Add(-history)
	hours := int(history / time.Hour)
	if hours < 1 {
		hours = 1
	}

	type shopBuckets struct {
		name    string
		buckets []int
		last    int
	}
	byShop := make(map[uint]*shopBuckets)
	for _, o := range m.orders {
		if o.CreatedAt.Before(start) || o.CreatedAt.After(now) {
			continue
		}
		sb := byShop[o.ShopID]
		if sb == nil {
			sb = &shopBuckets{buckets: make([]int, hours)}
			if s, ok := m.shops[o.ShopID]; ok {
				sb.name = s.Name
			}
			byShop[o.ShopID] = sb
		}
		if o.CreatedAt.After(now.Add(-time.Hour)) {
			sb.last++
		}
		idx := int(o.CreatedAt.Sub(start) / time.Hour)
		if idx >= 0 && idx < hours {
			sb.buckets[idx]++
		}
	}

	var out []ShopHourlyStats
	for shopID, sb := range byShop {
		mean, stddev := meanStdDev(sb.buckets)
		out = append(out, ShopHourlyStats{
			ShopID:   shopID,
			ShopName: sb.name,
			LastHour: sb.last,
			Mean:     mean,
			StdDev:   stddev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShopID < out[j].ShopID })
	return out, nil
}

func (m *Memory) SignupClusters(_ context.Context, window time.Duration) ([]SignupCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.Now().Add(-window)
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
	for _, u := range m.users {
		if u.CreatedAt.Before(since) {
			continue
		}
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

func collectStats[T any](byID map[uint]*T, minTotal int, key func(*T) (uint, int)) ([]T, error) {
	var out []T
	ids := make([]uint, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, total := key(byID[id]); total >= minTotal {
			out = append(out, *byID[id])
		}
	}
	return out, nil
}

func meanStdDev(buckets []int) (float64, float64) {
	if len(buckets) == 0 {
		return 0, 0
	}
	sum := 0
	for _, b := range buckets {
		sum += b
	}
	mean := float64(sum) / float64(len(buckets))
	if len(buckets) < 2 {
		return mean, 0
	}
	varSum := 0.0
	for _, b := range buckets {
		d := float64(b) - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(buckets)-1))
}

// ── Analytics ────────────────────────────────────────────────────────

func (m *Memory) Overview(_ context.Context, now time.Time) (*OverviewStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := truncateDay(now)
	weekStart := today.AddDate(0, 0, -int(today.Weekday()))
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	d30 := today.AddDate(0, 0, -30)
	d60 := today.AddDate(0, 0, -60)

	st := &OverviewStats{
		TotalRevenue: decimal.Zero,
		TodayRevenue: decimal.Zero,
		WeekRevenue:  decimal.Zero,
		MonthRevenue: decimal.Zero,
	}
	last30 := decimal.Zero
	prev30 := decimal.Zero
	converted := 0

	spark := make([]decimal.Decimal, 7)
	sparkOrders := make([]int, 7)
	for i := range spark {
		spark[i] = decimal.Zero
	}

	for _, o := range m.orders {
		st.TotalOrders++
		day := truncateDay(o.CreatedAt)
		if day.Equal(today) {
			st.TodayOrders++
		}
		if o.Status != models.OrderPending && o.Status != models.OrderCancelled {
			converted++
		}
		if di := int(today.Sub(day).Hours() / 24); di >= 0 && di < 7 {
			sparkOrders[6-di]++
		}
		if o.Status != models.OrderDelivered {
			continue
		}
		st.DeliveredCount++
		st.TotalRevenue = st.TotalRevenue.Add(o.Total)
		if day.Equal(today) {
			st.TodayRevenue = st.TodayRevenue.Add(o.Total)
		}
		if !day.Before(weekStart) {
			st.WeekRevenue = st.WeekRevenue.Add(o.Total)
		}
		if !day.Before(monthStart) {
			st.MonthRevenue = st.MonthRevenue.Add(o.Total)
		}
		if !day.Before(d30) {
			last30 = last30.Add(o.Total)
		} else if !day.Before(d60) {
			prev30 = prev30.Add(o.Total)
		}
		if di := int(today.Sub(day).Hours() / 24); di >= 0 && di < 7 {
			spark[6-di] = spark[6-di].Add(o.Total)
		}
	}

	if prev30.IsPositive() {
		growth, _ := last30.Sub(prev30).Div(prev30).Mul(decimal.NewFromInt(100)).Round(1).Float64()
		st.RevenueGrowthPct = growth
	}
	if st.TotalOrders > 0 {
		st.FulfillmentPct = pct(st.DeliveredCount, st.TotalOrders)
		st.ConversionPct = pct(converted, st.TotalOrders)
	}

	for _, c := range m.complaints {
		st.TotalComplaints++
		if c.Status == models.ComplaintPending {
			st.PendingComplaints++
		}
	}
	if st.TotalOrders > 0 {
		st.ComplaintRatioPct = pct(st.TotalComplaints, st.TotalOrders)
	}

	for _, u := range m.users {
		st.TotalUsers++
		if truncateDay(u.CreatedAt).Equal(today) {
			st.NewUsersToday++
		}
	}
	for _, s := range m.shops {
		if s.Status == models.ShopApproved && s.IsActive {
			st.ActiveSellers++
		}
		if s.Status == models.ShopPending {
			st.PendingShops++
		}
	}

	st.RevenueSparkline = spark
	st.OrdersSparkline = sparkOrders
	return st, nil
}

func (m *Memory) RevenueSeries(_ context.Context, period string, buckets int, now time.Time) ([]RevenueBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step := 24 * time.Hour
	switch period {
	case "weekly":
		step = 7 * 24 * time.Hour
	case "monthly":
		step = 30 * 24 * time.Hour
	}

	end := truncateDay(now).Add(24 * time.Hour)
	out := make([]RevenueBucket, buckets)
	for i := range out {
		out[i] = RevenueBucket{
			Bucket:  end.Add(-time.Duration(buckets-i) * step),
			Revenue: decimal.Zero,
		}
	}
	start := out[0].Bucket

	for _, o := range m.orders {
		if o.CreatedAt.Before(start) || !o.CreatedAt.Before(end) {
			continue
		}
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

func (m *Memory) TopProducts(_ context.Context, since time.Time, limit int) ([]NameCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, item := range m.items {
		o, ok := m.orders[item.OrderID]
		if !ok || o.CreatedAt.Before(since) {
			continue
		}
		counts[item.ProductName] += item.Quantity
	}
	out := make([]NameCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, NameCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) TopShops(_ context.Context, since time.Time, limit int) ([]ShopRevenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byShop := make(map[uint]*ShopRevenue)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) || o.Status != models.OrderDelivered {
			continue
		}
		row := byShop[o.ShopID]
		if row == nil {
			row = &ShopRevenue{ShopID: o.ShopID, Revenue: decimal.Zero}
			if s, ok := m.shops[o.ShopID]; ok {
				row.Name = s.Name
			}
			byShop[o.ShopID] = row
		}
		row.Orders++
		row.Revenue = row.Revenue.Add(o.Total)
	}
	out := make([]ShopRevenue, 0, len(byShop))
	for _, row := range byShop {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Revenue.Equal(out[j].Revenue) {
			return out[i].Revenue.GreaterThan(out[j].Revenue)
		}
		return out[i].ShopID < out[j].ShopID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PeakHours(_ context.Context, since time.Time) ([]HourCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HourCount, 24)
	for i := range out {
		out[i].Hour = i
	}
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		out[o.CreatedAt.Hour()].Orders++
	}
	return out, nil
}

func (m *Memory) Funnel(_ context.Context, since time.Time) (*FunnelStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f := &FunnelStats{}
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		f.Placed++
		switch o.Status {
		case models.OrderConfirmed:
			f.Confirmed++
		case models.OrderPreparing:
			f.Preparing++
		case models.OrderReady:
			f.Ready++
		case models.OrderOutForDelivery:
			f.OutForDelivery++
		case models.OrderDelivered:
			f.Delivered++
		case models.OrderCancelled:
			f.Cancelled++
		}
	}
	return f, nil
}

func (m *Memory) CustomerLifetimeValue(_ context.Context, since time.Time, limit int) ([]CustomerValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCustomer := make(map[uint]*CustomerValue)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) || o.Status != models.OrderDelivered {
			continue
		}
		row := byCustomer[o.CustomerID]
		if row == nil {
			row = &CustomerValue{CustomerID: o.CustomerID, Revenue: decimal.Zero}
			if u, ok := m.users[o.CustomerID]; ok {
				row.Name = u.Name
			}
			byCustomer[o.CustomerID] = row
		}
		row.Orders++
		row.Revenue = row.Revenue.Add(o.Total)
	}
	out := make([]CustomerValue, 0, len(byCustomer))
	for _, row := range byCustomer {
		if row.Orders > 0 {
			row.AvgOrder = row.Revenue.Div(decimal.NewFromInt(int64(row.Orders))).Round(2)
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Revenue.Equal(out[j].Revenue) {
			return out[i].Revenue.GreaterThan(out[j].Revenue)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UserGrowth(_ context.Context, days int, now time.Time) ([]DayCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := truncateDay(now)
	out := make([]DayCount, days)
	for i := range out {
		out[i].Day = today.AddDate(0, 0, -(days - 1 - i))
	}
	for _, u := range m.users {
		day := truncateDay(u.CreatedAt)
		di := int(today.Sub(day).Hours() / 24)
		if di >= 0 && di < days {
			out[days-1-di].Count++
		}
	}
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func pct(part, total int) float64 {
	return float64(int(float64(part)/float64(total)*1000+0.5)) / 10
}
