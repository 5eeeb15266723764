// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/cache"
	"github.com/townbasket/opscore/internal/fraud"
	"github.com/townbasket/opscore/internal/health"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
	"github.com/townbasket/opscore/internal/stream"
)

const (
	adminToken = "token-admin"
	adminCSRF  = "csrf-secret"
)

// fakeVerifier maps fixed tokens to identities.
type fakeVerifier struct{ identities map[string]auth.Identity }

func (f *fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := f.identities[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type fixture struct {
	mem    *store.Memory
	cache  *cache.Cache
	bus    *bus.Bus
	server *Server
	router http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	c := cache.New(nil)
	t.Cleanup(c.Close)
	b := bus.New()
	recorder := audit.NewRecorder(mem)
	engine := fraud.NewEngine(mem, recorder, b, c)
	hub := stream.NewHub(b, stream.DefaultConfig())
	monitor := health.NewMonitor(mem, nil, b)
	verifier := &fakeVerifier{identities: map[string]auth.Identity{
		adminToken: {UID: "admin-1", Name: "Ada", Role: models.RoleAdmin, SessionID: "sess-1", CSRF: adminCSRF},
		"customer": {UID: "cust-1", Name: "Eve", Role: models.RoleCustomer},
	}}
	srv := NewServer(mem, c, recorder, engine, hub, monitor, verifier, opts...)
	return &fixture{mem: mem, cache: c, bus: b, server: srv, router: srv.Router()}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	return f.do(t, http.MethodPost, path, body, map[string]string{"X-Admin-CSRF": adminCSRF})
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func seedShop(f *fixture, status models.ShopStatus) *models.Shop {
	owner := f.mem.AddUser(models.User{Name: "Owner", Role: models.RoleSeller, IsActive: true})
	return f.mem.AddShop(models.Shop{OwnerID: owner.ID, Name: "Mama Njeri Grocers", Town: "Nakuru", Status: status, IsActive: status == models.ShopApproved})
}

func TestMissingBearerTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/overview", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Kind != KindUnauthorized {
		t.Fatalf("kind %s", e.Kind)
	}
}

func TestNonAdminRoleIsForbidden(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/overview", nil)
	req.Header.Set("Authorization", "Bearer customer")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestMutationWithoutCSRFIsForbidden(t *testing.T) {
	f := newFixture(t)
	shop := seedShop(f, models.ShopPending)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/shops/%d/approve", shop.ID), nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if e := decodeErr(t, rec); e.Kind != KindForbidden {
		t.Fatalf("kind %s", e.Kind)
	}
}

func TestShopApproveAuditsAndInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	shop := seedShop(f, models.ShopPending)

	// Warm the overview cache.
	if rec := f.do(t, http.MethodGet, "/overview", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("overview status %d body %s", rec.Code, rec.Body.String())
	}
	if _, ok := f.cache.Get("overview:daily"); !ok {
		t.Fatal("overview should be cached after first read")
	}

	rec := f.post(t, fmt.Sprintf("/shops/%d/approve", shop.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status %d body %s", rec.Code, rec.Body.String())
	}
	var updated models.Shop
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.ShopApproved || !updated.IsActive {
		t.Fatalf("updated shop %+v", updated)
	}

	if _, ok := f.cache.Get("overview:daily"); ok {
		t.Fatal("shop mutation must invalidate overview cache")
	}

	entries, _, err := f.mem.QueryAudit(context.Background(), store.AuditFilter{Action: audit.ActionShopApprove})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries %d, want 1", len(entries))
	}
	if entries[0].RiskLevel != models.RiskMedium || entries[0].AdminUID != "admin-1" {
		t.Fatalf("audit entry %+v", entries[0])
	}
}

func TestShopApproveTwiceIsConflict(t *testing.T) {
	f := newFixture(t)
	shop := seedShop(f, models.ShopPending)

	if rec := f.post(t, fmt.Sprintf("/shops/%d/approve", shop.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("first approve %d", rec.Code)
	}
	rec := f.post(t, fmt.Sprintf("/shops/%d/approve", shop.ID), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second approve status %d", rec.Code)
	}
	if e := decodeErr(t, rec); e.Kind != KindConflict {
		t.Fatalf("kind %s", e.Kind)
	}
}

func TestUnknownShopIsNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/shops/9999/approve", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestBulkRateLimitBudget(t *testing.T) {
	f := newFixture(t, WithBulkRateLimit(3))

	var ids []uint
	for i := 0; i < 3; i++ {
		ids = append(ids, seedShop(f, models.ShopPending).ID)
	}

	var limited *httptest.ResponseRecorder
	for i := 0; i < 5; i++ {
		rec := f.post(t, "/bulk/shops/approve", map[string]any{"ids": []uint{ids[0]}})
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("5 bulk calls against a budget of 3 should hit the limit")
	}
	e := decodeErr(t, limited)
	if e.Kind != KindRateLimited {
		t.Fatalf("kind %s", e.Kind)
	}
	retry, ok := e.Details["retry_after_seconds"].(float64)
	if !ok || retry <= 0 || retry > 60 {
		t.Fatalf("retry_after_seconds %v", e.Details["retry_after_seconds"])
	}
}

func TestBulkRejectsOversizedIDList(t *testing.T) {
	f := newFixture(t)
	ids := make([]uint, maxBulkIDs+1)
	for i := range ids {
		ids[i] = uint(i + 1)
	}
	rec := f.post(t, "/bulk/users/toggle", map[string]any{"ids": ids})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestScanEndpointReturnsCounts(t *testing.T) {
	f := newFixture(t)
	rec := f.post(t, "/fraud/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	var result fraud.ScanResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	// Immediate re-trigger by the same admin hits the cooldown.
	rec = f.post(t, "/fraud/scan", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("cooldown status %d", rec.Code)
	}
	e := decodeErr(t, rec)
	retry, ok := e.Details["retry_after_seconds"].(float64)
	if !ok || retry <= 0 || retry > 60 {
		t.Fatalf("retry_after_seconds %v", e.Details["retry_after_seconds"])
	}
}

func TestSearchValidation(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/search?q=a", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("short query status %d", rec.Code)
	}
	long := strings.Repeat("x", 51)
	if rec := f.do(t, http.MethodGet, "/search?q="+long, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("long query status %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/search?q=ma", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("valid query status %d", rec.Code)
	}
}

func TestAuditQueryRejectsOversizedLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/audit?limit=500", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSystemHealthSnapshot(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/system/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap["database"] != health.StatusConnected || snap["cache"] != health.StatusReachable {
		t.Fatalf("snapshot %v", snap)
	}
	if snap["auth"] != health.StatusNotConfigured {
		t.Fatalf("auth status %v", snap["auth"])
	}
}

func TestOrdersExportCSV(t *testing.T) {
	f := newFixture(t)
	shop := seedShop(f, models.ShopApproved)
	customer := f.mem.AddUser(models.User{Name: "Wanjiku", Phone: "0712000001", Role: models.RoleCustomer, IsActive: true})
	f.mem.AddOrder(models.Order{
		ShopID:        shop.ID,
		CustomerID:    customer.ID,
		Total:         decimal.NewFromInt(1250),
		PaymentMethod: "mpesa",
		Status:        models.OrderDelivered,
		DeliveryTown:  "Nakuru",
	})

	rec := f.post(t, "/export/orders", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, strings.Join(ordersCSVHeader, ",")+"\r\n") {
		t.Fatalf("missing header: %q", body)
	}
	if !strings.Contains(body, "Wanjiku") || !strings.Contains(body, "1250.00") {
		t.Fatalf("missing row data: %q", body)
	}

	// The export itself must be audited, with the completion outcome.
	entries, _, err := f.mem.QueryAudit(context.Background(), store.AuditFilter{Action: audit.ActionOrdersExport})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("export audit entries %d, want 1", len(entries))
	}
	details := string(entries[0].Details)
	if !strings.Contains(details, `"status":"completed"`) || !strings.Contains(details, `"rows":1`) {
		t.Fatalf("export entry details %s, want completed status and row count", details)
	}
}

func TestAuditExportCSVStreamsWithSelfEntry(t *testing.T) {
	f := newFixture(t)
	shop := seedShop(f, models.ShopPending)
	if rec := f.post(t, fmt.Sprintf("/shops/%d/approve", shop.ID), nil); rec.Code != http.StatusOK {
		t.Fatalf("approve %d", rec.Code)
	}

	rec := f.post(t, "/export/audit", map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\r\n")
	// Header, audit_export self-entry, shop_approve.
	if len(lines) != 3 {
		t.Fatalf("lines %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[1], audit.ActionAuditExport) {
		t.Fatalf("self entry first: %q", lines[1])
	}
}

func TestStreamEndpointSendsHello(t *testing.T) {
	f := newFixture(t)

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream?client_id=console", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type %q", ct)
	}

	line := make([]byte, 4096)
	n, err := resp.Body.Read(line)
	if err != nil {
		t.Fatal(err)
	}
	var frame map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(line[:n]), &frame); err != nil {
		t.Fatalf("bad frame %q: %v", line[:n], err)
	}
	if frame["type"] != "hello" {
		t.Fatalf("first frame %v", frame)
	}
}

func TestOverviewIsNotAudited(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/overview", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("overview %d", rec.Code)
	}
	entries, _, err := f.mem.QueryAudit(context.Background(), store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("read-only endpoint wrote %d audit entries", len(entries))
	}
}
