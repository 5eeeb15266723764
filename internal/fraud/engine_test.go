// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package fraud

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/townbasket/opscore/internal/audit"
	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/cache"
	"github.com/townbasket/opscore/internal/models"
	"github.com/townbasket/opscore/internal/store"
)

var testNow = time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, m *store.Memory, opts ...EngineOption) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	c := cache.New(nil)
	t.Cleanup(c.Close)
	e := NewEngine(m, audit.NewRecorder(m), b, c, opts...)
	e.now = func() time.Time { return testNow }
	return e, b
}

func adminCtx() context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{
		UID: "admin-1", Name: "Ada", Role: models.RoleAdmin,
	})
}

// seedCancelHappyCustomer creates a customer with the given cancelled/total
// order mix inside the trailing 30-day window.
func seedCancelHappyCustomer(m *store.Memory, name string, cancelled, total int) *models.User {
	u := m.AddUser(models.User{UID: "uid-" + name, Name: name, Role: models.RoleCustomer, CreatedAt: testNow.AddDate(0, -6, 0)})
	for i := 0; i < total; i++ {
		status := models.OrderDelivered
		if i < cancelled {
			status = models.OrderCancelled
		}
		m.AddOrder(models.Order{
			CustomerID: u.ID,
			Status:     status,
			CreatedAt:  testNow.Add(-time.Duration(i+1) * time.Hour),
		})
	}
	return u
}

func TestRiskScoreMagnitude(t *testing.T) {
	cases := []struct {
		value, cutoff float64
		want          int
	}{
		{0.80, 0.70, 100}, // saturation clamps to 100
		{0.70, 0.70, 100},
		{0.40, 0.70, 57},
		{0.35, 0.70, 50},
		{0, 0.70, 0},
		{-1, 0.70, 0},
	}
	for _, c := range cases {
		if got := riskScore(c.value, c.cutoff); got != c.want {
			t.Errorf("riskScore(%v, %v) = %d, want %d", c.value, c.cutoff, got, c.want)
		}
	}
}

func TestHighCancelRateDetector(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }

	seedCancelHappyCustomer(m, "Wanjiku", 8, 10) // 80%: critical, score 100
	seedCancelHappyCustomer(m, "Otieno", 2, 5)   // 40%: warning
	seedCancelHappyCustomer(m, "Njeri", 1, 10)   // 10%: clean
	seedCancelHappyCustomer(m, "Kamau", 3, 4)    // only 4 orders: below min

	findings, err := highCancelRateDetector{}.Detect(context.Background(), m, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2: %+v", len(findings), findings)
	}
	byName := map[string]Finding{}
	for _, f := range findings {
		byName[f.TargetName] = f
	}
	w := byName["Wanjiku"]
	if w.Severity != models.SeverityCritical || w.RiskScore != 100 {
		t.Errorf("Wanjiku: severity=%s score=%d, want critical/100", w.Severity, w.RiskScore)
	}
	o := byName["Otieno"]
	if o.Severity != models.SeverityWarning || o.RiskScore != 57 {
		t.Errorf("Otieno: severity=%s score=%d, want warning/57", o.Severity, o.RiskScore)
	}
}

func TestRepeatedRefundsDetector(t *testing.T) {
	m := store.NewMemory()
	u := m.AddUser(models.User{UID: "uid-r", Name: "Refunder", Role: models.RoleCustomer})
	for i := 0; i < 6; i++ {
		m.AddOrder(models.Order{
			CustomerID:    u.ID,
			Status:        models.OrderDelivered,
			PaymentStatus: models.PaymentRefunded,
			CreatedAt:     testNow.Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}

	findings, err := repeatedRefundsDetector{}.Detect(context.Background(), m, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings", len(findings))
	}
	if findings[0].Severity != models.SeverityCritical {
		t.Errorf("6 refunds should be critical, got %s", findings[0].Severity)
	}
}

func TestRapidAccountCreationDetector(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }
	for i := 0; i < 4; i++ {
		m.AddUser(models.User{
			UID:       fmt.Sprintf("uid-%d", i),
			DeviceFP:  "fp-abc",
			CreatedAt: testNow.Add(-time.Duration(i) * time.Minute),
		})
	}

	findings, err := rapidAccountCreationDetector{}.Detect(context.Background(), m, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("got %d findings", len(findings))
	}
	f := findings[0]
	if f.TargetID != "device:fp-abc" || f.Severity != models.SeverityWarning {
		t.Errorf("finding %+v", f)
	}
}

func TestScanCreatesThenCoalesces(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }
	u := seedCancelHappyCustomer(m, "Wanjiku", 8, 10)

	e, b := newTestEngine(t, m, WithDetectors([]Detector{highCancelRateDetector{}}))
	sub := b.Subscribe(bus.TopicFraudAlertCreated, bus.TopicFraudAlertUpdated)
	defer b.Unsubscribe(sub)

	res, err := e.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.NewAlerts != 1 || res.UpdatedAlerts != 0 {
		t.Fatalf("first scan: %+v", res)
	}

	// Two more cancellations, then scan again: still one open alert.
	m.AddOrder(models.Order{CustomerID: u.ID, Status: models.OrderCancelled, CreatedAt: testNow.Add(-time.Minute)})
	m.AddOrder(models.Order{CustomerID: u.ID, Status: models.OrderCancelled, CreatedAt: testNow.Add(-2 * time.Minute)})

	res, err = e.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.NewAlerts != 0 || res.UpdatedAlerts != 1 {
		t.Fatalf("second scan: %+v", res)
	}

	active := models.AlertActive
	alerts, _, err := m.ListAlerts(context.Background(), store.AlertFilter{Status: &active})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d open alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.RiskScore != 100 || a.Severity != models.SeverityCritical {
		t.Fatalf("alert after coalesce: score=%d severity=%s", a.RiskScore, a.Severity)
	}

	// Exactly one created event and one updated event.
	created, updated := 0, 0
	for {
		select {
		case d := <-sub.C:
			switch d.Event.Topic {
			case bus.TopicFraudAlertCreated:
				created++
			case bus.TopicFraudAlertUpdated:
				updated++
			}
		case <-time.After(100 * time.Millisecond):
			if created != 1 || updated != 1 {
				t.Fatalf("events: created=%d updated=%d, want 1/1", created, updated)
			}
			return
		}
	}
}

func TestCoalesceNeverLowersRisk(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }
	u := seedCancelHappyCustomer(m, "Wanjiku", 8, 10)

	e, _ := newTestEngine(t, m, WithDetectors([]Detector{highCancelRateDetector{}}))
	if _, err := e.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Dilute the rate with delivered orders: 8/20 = 40%, score 57.
	for i := 0; i < 10; i++ {
		m.AddOrder(models.Order{CustomerID: u.ID, Status: models.OrderDelivered, CreatedAt: testNow.Add(-time.Duration(i+1) * time.Minute)})
	}
	if _, err := e.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	alerts, _, _ := m.ListAlerts(context.Background(), store.AlertFilter{})
	if alerts[0].RiskScore != 100 {
		t.Fatalf("risk lowered to %d on coalesce", alerts[0].RiskScore)
	}
}

func TestLifecycleRecordsAuditAndInvalidatesSummary(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }
	seedCancelHappyCustomer(m, "Wanjiku", 8, 10)

	e, b := newTestEngine(t, m, WithDetectors([]Detector{highCancelRateDetector{}}))
	ctx := adminCtx()
	if _, err := e.Scan(ctx); err != nil {
		t.Fatal(err)
	}
	alerts, _, _ := m.ListAlerts(ctx, store.AlertFilter{})
	id := alerts[0].ID

	sub := b.Subscribe(bus.TopicFraudAlertUpdated)
	defer b.Unsubscribe(sub)

	if _, err := e.Investigate(ctx, id, "checking order history"); err != nil {
		t.Fatal(err)
	}
	a, err := e.Confirm(ctx, id, "verified with payments team")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != models.AlertConfirmed || a.ResolvedBy != "admin-1" {
		t.Fatalf("alert %+v", a)
	}

	// Terminal: further transitions fail.
	if _, err := e.Dismiss(ctx, id, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("dismiss after confirm: %v", err)
	}

	// Both lifecycle steps audited.
	rows, _, _ := m.QueryAudit(ctx, store.AuditFilter{Action: "fraud_*"})
	if len(rows) != 2 {
		t.Fatalf("got %d fraud audit rows, want 2", len(rows))
	}

	// Both published fraud.alert.updated.
	got := 0
	for {
		select {
		case <-sub.C:
			got++
		case <-time.After(100 * time.Millisecond):
			if got != 2 {
				t.Fatalf("got %d updated events, want 2", got)
			}
			return
		}
	}
}

func TestTriggerScanCooldownPerAdmin(t *testing.T) {
	m := store.NewMemory()
	e, _ := newTestEngine(t, m, WithDetectors(nil), WithCooldown(30*time.Second))

	ctx := context.Background()
	if _, err := e.TriggerScan(ctx, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.TriggerScan(ctx, "admin-1"); !errors.Is(err, ErrScanCooldown) {
		t.Fatalf("second trigger: %v, want cooldown error", err)
	}
	// A different admin has an independent budget.
	if _, err := e.TriggerScan(ctx, "admin-2"); err != nil {
		t.Fatalf("other admin: %v", err)
	}
}

// gatedDetector blocks Detect until its gate closes, counting invocations.
type gatedDetector struct {
	calls *atomic.Int32
	gate  chan struct{}
}

func (gatedDetector) Type() models.AlertType { return models.AlertHighCancelRate }

func (d gatedDetector) Detect(context.Context, store.Signals, time.Time) ([]Finding, error) {
	d.calls.Add(1)
	<-d.gate
	return []Finding{{
		Type:       models.AlertHighCancelRate,
		Severity:   models.SeverityWarning,
		RiskScore:  50,
		Title:      "High cancellation rate",
		TargetType: "user",
		TargetID:   "7",
		TargetName: "Wanjiku",
	}}, nil
}

func TestConcurrentScansShareOneExecution(t *testing.T) {
	m := store.NewMemory()
	calls := &atomic.Int32{}
	gate := make(chan struct{})
	e, _ := newTestEngine(t, m, WithDetectors([]Detector{gatedDetector{calls: calls, gate: gate}}))

	const callers = 6
	results := make([]*ScanResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Scan(context.Background())
		}(i)
	}

	// Wait until the first caller is inside the detector, give the rest
	// time to join the in-flight scan, then release it.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("no scan started")
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("detector ran %d times for %d concurrent callers, want 1", got, callers)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different result", i)
		}
	}
	alerts, _, err := m.ListAlerts(context.Background(), store.AlertFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
}

// slowDetector spends real time so a wall-clock duration would be nonzero.
type slowDetector struct{}

func (slowDetector) Type() models.AlertType { return models.AlertHighCancelRate }

func (slowDetector) Detect(context.Context, store.Signals, time.Time) ([]Finding, error) {
	time.Sleep(30 * time.Millisecond)
	return nil, nil
}

func TestScanDurationUsesInjectedClock(t *testing.T) {
	m := store.NewMemory()
	e, _ := newTestEngine(t, m, WithDetectors([]Detector{slowDetector{}}))

	res, err := e.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.DurationMS != 0 {
		t.Fatalf("duration %dms under a frozen clock, want 0", res.DurationMS)
	}
}

func TestScanReportsDetectorErrors(t *testing.T) {
	m := store.NewMemory()
	e, _ := newTestEngine(t, m, WithDetectors([]Detector{failingDetector{}, highCancelRateDetector{}}))

	res, err := e.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.DetectorErrs["order_spike"] == "" {
		t.Fatalf("detector error not reported: %+v", res)
	}
}

type failingDetector struct{}

func (failingDetector) Type() models.AlertType { return models.AlertOrderSpike }

func (failingDetector) Detect(context.Context, store.Signals, time.Time) ([]Finding, error) {
	return nil, errors.New("signal query timeout")
}

func TestSelectDetectors(t *testing.T) {
	all := SelectDetectors(nil)
	if len(all) != 7 {
		t.Fatalf("default set has %d detectors", len(all))
	}
	some := SelectDetectors([]string{"order_spike", "rapid_orders", "no_such_detector"})
	if len(some) != 2 {
		t.Fatalf("filtered set has %d detectors", len(some))
	}
}

func TestHighRiskUsers(t *testing.T) {
	m := store.NewMemory()
	m.Now = func() time.Time { return testNow }
	seedCancelHappyCustomer(m, "Wanjiku", 8, 10)
	seedCancelHappyCustomer(m, "Otieno", 2, 5)

	e, _ := newTestEngine(t, m, WithDetectors([]Detector{highCancelRateDetector{}}))
	if _, err := e.Scan(context.Background()); err != nil {
		t.Fatal(err)
	}

	targets, err := e.HighRiskUsers(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets", len(targets))
	}
	if targets[0].TargetName != "Wanjiku" || targets[0].MaxRisk != 100 {
		t.Fatalf("worst first: %+v", targets[0])
	}
}
