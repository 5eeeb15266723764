// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/models"
)

var testAdmin = auth.Identity{UID: "admin-1", Name: "Ada", Role: models.RoleAdmin}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Unix(1700000000, 123), ID: 42}
	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.CreatedAt.Equal(c.CreatedAt) || decoded.ID != c.ID {
		t.Fatalf("got %+v, want %+v", decoded, c)
	}
}

func TestDecodeCursorEmpty(t *testing.T) {
	c, err := DecodeCursor("")
	if err != nil || c != nil {
		t.Fatalf("empty token: got (%v, %v), want (nil, nil)", c, err)
	}
}

func TestDecodeCursorMalformed(t *testing.T) {
	for _, token := range []string{"not-base64!!", "bm9waXBl", "MTIzNA"} {
		if _, err := DecodeCursor(token); err == nil {
			t.Errorf("token %q: expected error", token)
		}
	}
}

func TestListOrdersCursorPagination(t *testing.T) {
	m := NewMemory()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		m.AddOrder(models.Order{
			Status:    models.OrderDelivered,
			Total:     decimal.NewFromInt(10),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	seen := make(map[uint]bool)
	var cursor *Cursor
	pages := 0
	for {
		rows, next, err := m.ListOrders(context.Background(), OrderFilter{Limit: 10, Cursor: cursor})
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, o := range rows {
			if seen[o.ID] {
				t.Fatalf("order %d appeared twice", o.ID)
			}
			seen[o.ID] = true
		}
		pages++
		if next == nil {
			break
		}
		cursor = next
	}
	if len(seen) != 25 {
		t.Fatalf("saw %d orders, want 25", len(seen))
	}
	if pages != 3 {
		t.Fatalf("took %d pages, want 3", pages)
	}
}

func TestListOrdersTieBreakOnEqualTimestamps(t *testing.T) {
	m := NewMemory()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.AddOrder(models.Order{CreatedAt: ts})
	}
	rows, _, err := m.ListOrders(context.Background(), OrderFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].ID >= rows[i-1].ID {
			t.Fatalf("rows not in id desc order at %d: %d then %d", i, rows[i-1].ID, rows[i].ID)
		}
	}
}

func TestSetShopStatusTransitions(t *testing.T) {
	m := NewMemory()
	s := m.AddShop(models.Shop{Name: "Mama Ngina Grocers", Status: models.ShopPending})

	before, after, err := m.SetShopStatus(context.Background(), testAdmin, s.ID, models.ShopApproved)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if before.Status != models.ShopPending || after.Status != models.ShopApproved {
		t.Fatalf("got %s -> %s", before.Status, after.Status)
	}
	if !after.IsActive {
		t.Fatal("approved shop should be active")
	}

	// Approved is settled.
	_, _, err = m.SetShopStatus(context.Background(), testAdmin, s.ID, models.ShopRejected)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("re-decide: got %v, want ErrConflict", err)
	}
}

func TestMutationsRequireAdmin(t *testing.T) {
	m := NewMemory()
	s := m.AddShop(models.Shop{Status: models.ShopPending})
	seller := auth.Identity{UID: "u-2", Role: models.RoleSeller}

	_, _, err := m.SetShopStatus(context.Background(), seller, s.ID, models.ShopApproved)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestBulkSetShopStatusAbortsWholeBatch(t *testing.T) {
	m := NewMemory()
	a := m.AddShop(models.Shop{Status: models.ShopPending})
	b := m.AddShop(models.Shop{Status: models.ShopApproved})

	res, err := m.BulkSetShopStatus(context.Background(), testAdmin, []uint{a.ID, b.ID, 999}, models.ShopApproved)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("failed map %v, want 2 entries", res.Failed)
	}
	if res.Failed[999] != "not found" {
		t.Errorf("id 999 reason %q", res.Failed[999])
	}

	// The valid id must not have been updated.
	got, _ := m.GetShop(context.Background(), a.ID)
	if got.Status != models.ShopPending {
		t.Fatalf("shop %d mutated despite batch failure: %s", a.ID, got.Status)
	}
}

func TestAppendAuditMonotonicUnderFrozenClock(t *testing.T) {
	m := NewMemory()
	m.Now = fixedClock(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		e := &models.AuditEntry{AdminUID: "admin-1", Action: "shop_approve"}
		if err := m.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	rows, _, err := m.QueryAudit(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Fatalf("got %d rows", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		cur, prev := rows[i], rows[i-1]
		if !cur.CreatedAt.Before(prev.CreatedAt) && cur.ID >= prev.ID {
			t.Fatalf("rows %d/%d not strictly ordered", i-1, i)
		}
	}
}

func TestQueryAuditActionGroupPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, action := range []string{"fraud_alert_confirm", "fraud_alert_dismiss", "shop_approve"} {
		if err := m.AppendAudit(ctx, &models.AuditEntry{AdminUID: "a", Action: action}); err != nil {
			t.Fatal(err)
		}
	}
	rows, _, err := m.QueryAudit(ctx, AuditFilter{Action: "fraud_*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	for _, e := range rows {
		if e.Action == "shop_approve" {
			t.Fatal("prefix filter leaked shop_approve")
		}
	}
}

func TestCreateAlertUniqueAmongOpen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := &models.FraudAlert{
		AlertType:  models.AlertHighCancelRate,
		TargetType: "user",
		TargetID:   "7",
		Status:     models.AlertActive,
	}
	if err := m.CreateAlert(ctx, a); err != nil {
		t.Fatal(err)
	}

	dup := &models.FraudAlert{
		AlertType:  models.AlertHighCancelRate,
		TargetType: "user",
		TargetID:   "7",
		Status:     models.AlertActive,
	}
	if err := m.CreateAlert(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate open alert: got %v, want ErrConflict", err)
	}

	// Once terminal, a fresh alert for the same target is allowed.
	if _, err := m.TransitionAlert(ctx, a.ID, []models.AlertStatus{models.AlertActive}, models.AlertDismissed, "admin-1", "benign"); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateAlert(ctx, dup); err != nil {
		t.Fatalf("post-terminal create: %v", err)
	}
}

func TestTransitionAlertLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mk := func() *models.FraudAlert {
		a := &models.FraudAlert{
			AlertType:  models.AlertRapidOrders,
			TargetType: "user",
			TargetID:   fmt.Sprintf("u-%d", m.nextAlert+1),
			Status:     models.AlertActive,
		}
		if err := m.CreateAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
		return a
	}

	// active -> investigating -> confirmed
	a := mk()
	if _, err := m.TransitionAlert(ctx, a.ID, []models.AlertStatus{models.AlertActive}, models.AlertInvestigating, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	got, err := m.TransitionAlert(ctx, a.ID, []models.AlertStatus{models.AlertActive, models.AlertInvestigating}, models.AlertConfirmed, "admin-1", "confirmed fraud")
	if err != nil {
		t.Fatal(err)
	}
	if got.ResolvedAt == nil || got.ResolvedBy != "admin-1" {
		t.Fatalf("terminal alert missing resolution fields: %+v", got)
	}

	// Terminal alerts are immutable.
	if _, err := m.TransitionAlert(ctx, a.ID, []models.AlertStatus{models.AlertConfirmed}, models.AlertDismissed, "admin-1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("mutating terminal alert: got %v, want ErrConflict", err)
	}

	// investigating cannot return to active.
	b := mk()
	if _, err := m.TransitionAlert(ctx, b.ID, []models.AlertStatus{models.AlertActive}, models.AlertInvestigating, "admin-1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TransitionAlert(ctx, b.ID, []models.AlertStatus{models.AlertInvestigating}, models.AlertActive, "admin-1", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("regress to active: got %v, want ErrConflict", err)
	}
}

func TestShopHourlyVelocity(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC)
	m.Now = fixedClock(now)

	shop := m.AddShop(models.Shop{Name: "Duka Bora", Status: models.ShopApproved})
	// Steady background: one order per hour for 48 hours before the last hour.
	for h := 2; h <= 49; h++ {
		m.AddOrder(models.Order{ShopID: shop.ID, CreatedAt: now.Add(-time.Duration(h) * time.Hour)})
	}
	// Burst in the trailing hour.
	for i := 0; i < 12; i++ {
		m.AddOrder(models.Order{ShopID: shop.ID, CreatedAt: now.Add(-time.Duration(i+1) * time.Minute)})
	}

	stats, err := m.ShopHourlyVelocity(context.Background(), 720*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d shops", len(stats))
	}
	st := stats[0]
	if st.LastHour != 12 {
		t.Fatalf("last hour = %d, want 12", st.LastHour)
	}
	if st.Mean <= 0 || st.StdDev <= 0 {
		t.Fatalf("degenerate stats: mean=%f stddev=%f", st.Mean, st.StdDev)
	}
	if float64(st.LastHour) < st.Mean+3*st.StdDev {
		t.Fatalf("burst not above mean+3sigma: last=%d mean=%f sd=%f", st.LastHour, st.Mean, st.StdDev)
	}
}

func TestSignupClusters(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	m.Now = fixedClock(now)

	for i := 0; i < 4; i++ {
		m.AddUser(models.User{
			UID:       fmt.Sprintf("uid-%d", i),
			SignupIP:  "41.90.1.10",
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	m.AddUser(models.User{UID: "uid-old", SignupIP: "41.90.1.10", CreatedAt: now.Add(-48 * time.Hour)})

	clusters, err := m.SignupClusters(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 1 {
		t.Fatalf("got %d clusters", len(clusters))
	}
	if clusters[0].Key != "ip:41.90.1.10" || clusters[0].Count != 4 {
		t.Fatalf("cluster %+v", clusters[0])
	}
}

func TestOverviewRevenueOnlyCountsDelivered(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.Now = fixedClock(now)

	m.AddOrder(models.Order{Status: models.OrderDelivered, Total: decimal.NewFromInt(500), CreatedAt: now})
	m.AddOrder(models.Order{Status: models.OrderCancelled, Total: decimal.NewFromInt(900), CreatedAt: now})
	m.AddOrder(models.Order{Status: models.OrderPending, Total: decimal.NewFromInt(100), CreatedAt: now})

	st, err := m.Overview(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if !st.TotalRevenue.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("total revenue %s, want 500", st.TotalRevenue)
	}
	if st.TotalOrders != 3 || st.TodayOrders != 3 || st.DeliveredCount != 1 {
		t.Fatalf("order counts %+v", st)
	}
}

func TestRevenueSeriesBucketCount(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	m.AddOrder(models.Order{Status: models.OrderDelivered, Total: decimal.NewFromInt(250), CreatedAt: now.Add(-2 * 24 * time.Hour)})

	series, err := m.RevenueSeries(context.Background(), "daily", 30, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 30 {
		t.Fatalf("got %d buckets, want 30", len(series))
	}
	total := decimal.Zero
	for _, b := range series {
		total = total.Add(b.Revenue)
	}
	if !total.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("series revenue %s, want 250", total)
	}
}

func TestQuickSearchPrefixAndCap(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 15; i++ {
		m.AddUser(models.User{UID: fmt.Sprintf("u-%d", i), Name: fmt.Sprintf("Wanjiku %d", i)})
	}
	hits, err := m.QuickSearch(context.Background(), "wan", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 10 {
		t.Fatalf("got %d hits, want capped 10", len(hits))
	}
	for _, h := range hits {
		if h.Type != "user" {
			t.Fatalf("unexpected hit type %s", h.Type)
		}
	}
}
