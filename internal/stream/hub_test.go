// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/models"
)

var admin = auth.Identity{UID: "admin-1", Name: "Ada", Role: models.RoleAdmin}

// bufferSink collects frames in memory.
type bufferSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bufferSink) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferSink) Flush() error                      { return nil }
func (b *bufferSink) SetWriteDeadline(time.Time) error  { return nil }

// frames parses the NDJSON written so far into generic maps.
func (b *bufferSink) frames(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad frame %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func runSession(t *testing.T, h *Hub, resume map[string]uint64) (*bufferSink, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	sink := &bufferSink{}
	s := h.Attach(admin, "console", resume)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx, sink)
	}()
	return sink, cancel, &wg
}

func waitForFrames(t *testing.T, sink *bufferSink, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := sink.frames(t); len(fs) >= n {
			return fs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %d", n, len(sink.frames(t)))
	return nil
}

func TestSessionHelloAndLiveEvents(t *testing.T) {
	b := bus.New()
	h := NewHub(b, DefaultConfig())

	sink, cancel, wg := runSession(t, h, nil)
	defer func() { cancel(); wg.Wait() }()

	waitForFrames(t, sink, 1) // hello before any events

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(bus.TopicOrderCreated, map[string]int{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}
	fs := waitForFrames(t, sink, 4)

	if fs[0]["type"] != "hello" || fs[0]["session_id"] == "" {
		t.Fatalf("first frame %v", fs[0])
	}
	for i, f := range fs[1:4] {
		if f["topic"] != bus.TopicOrderCreated {
			t.Fatalf("frame %d: %v", i, f)
		}
		if f["event_id"] != float64(i+1) {
			t.Fatalf("frame %d id %v", i, f["event_id"])
		}
	}
}

func TestSessionResumeReplaysBacklog(t *testing.T) {
	b := bus.New()
	h := NewHub(b, DefaultConfig())

	for i := 0; i < 10; i++ {
		if _, err := b.Publish(bus.TopicOrderCreated, map[string]int{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	sink, cancel, wg := runSession(t, h, map[string]uint64{bus.TopicOrderCreated: 7})
	defer func() { cancel(); wg.Wait() }()

	fs := waitForFrames(t, sink, 4) // hello + events 8..10
	for i, want := range []float64{8, 9, 10} {
		if fs[i+1]["event_id"] != want {
			t.Fatalf("replayed frame %d: %v", i, fs[i+1])
		}
	}
}

func TestSessionResumePastBacklogEmitsGap(t *testing.T) {
	b := bus.New(bus.WithBufferCapacity(16))
	h := NewHub(b, DefaultConfig())

	for i := 0; i < 40; i++ {
		if _, err := b.Publish(bus.TopicOrderCreated, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Client saw up to id 5; buffer now holds 25..40.
	sink, cancel, wg := runSession(t, h, map[string]uint64{bus.TopicOrderCreated: 5})
	defer func() { cancel(); wg.Wait() }()

	fs := waitForFrames(t, sink, 2+16)
	gap := fs[1]
	if gap["gap"] != true || gap["from"] != float64(6) || gap["to"] != float64(24) {
		t.Fatalf("gap frame %v", gap)
	}
	if fs[2]["event_id"] != float64(25) {
		t.Fatalf("first replayed after gap: %v", fs[2])
	}
	last := fs[len(fs)-1]
	if last["event_id"] != float64(40) {
		t.Fatalf("last replayed: %v", last)
	}
}

func TestSessionHeartbeatAtConfiguredInterval(t *testing.T) {
	b := bus.New()
	h := NewHub(b, Config{Heartbeat: 15 * time.Millisecond, StallClose: time.Second, QueueCapacity: 16})

	sink, cancel, wg := runSession(t, h, nil)
	defer func() { cancel(); wg.Wait() }()

	// hello plus at least two heartbeats on an idle connection.
	fs := waitForFrames(t, sink, 3)
	for i, f := range fs[1:3] {
		if f["type"] != "heartbeat" {
			t.Fatalf("frame %d: %v, want heartbeat", i+1, f)
		}
		if f["ts"] == nil {
			t.Fatalf("heartbeat missing ts: %v", f)
		}
	}
}

// stallingSink accepts the hello, then blocks every write until its
// deadline passes, simulating a client that stopped reading.
type stallingSink struct {
	mu       sync.Mutex
	writes   int
	deadline time.Time
}

func (s *stallingSink) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
	return nil
}

func (s *stallingSink) Flush() error { return nil }

func (s *stallingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	n := s.writes
	s.writes++
	d := s.deadline
	s.mu.Unlock()
	if n == 0 {
		return len(p), nil
	}
	time.Sleep(time.Until(d))
	return 0, os.ErrDeadlineExceeded
}

func TestSessionStalledWriteTearsDown(t *testing.T) {
	b := bus.New()
	h := NewHub(b, Config{Heartbeat: time.Hour, StallClose: 30 * time.Millisecond, QueueCapacity: 16})

	sink := &stallingSink{}
	s := h.Attach(admin, "console", nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), sink) }()

	// Let the hello land before stalling the connection.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		w := sink.writes
		sink.mu.Unlock()
		if w >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := b.Publish(bus.TopicOrderCreated, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("stalled session ended with %v, want deadline error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled session was not torn down")
	}
	if h.SessionCount() != 0 {
		t.Fatalf("session count %d after stall close, want 0", h.SessionCount())
	}
}

func TestAttachSupersedesExistingSession(t *testing.T) {
	b := bus.New()
	h := NewHub(b, DefaultConfig())

	sink1, cancel1, wg1 := runSession(t, h, nil)
	defer cancel1()
	waitForFrames(t, sink1, 1)

	// Same identity and client id: first session must terminate.
	sink2, cancel2, wg2 := runSession(t, h, nil)
	defer func() { cancel2(); wg2.Wait() }()
	waitForFrames(t, sink2, 1)

	done := make(chan struct{})
	go func() { wg1.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded session did not terminate")
	}
	if h.SessionCount() != 1 {
		t.Fatalf("session count %d, want 1", h.SessionCount())
	}
}

func TestParseLastEventID(t *testing.T) {
	got := ParseLastEventID("order.created:500, fraud.alert.created:12")
	if got[bus.TopicOrderCreated] != 500 || got[bus.TopicFraudAlertCreated] != 12 {
		t.Fatalf("parsed %v", got)
	}
	if ParseLastEventID("") != nil {
		t.Fatal("empty header should parse to nil")
	}
	if ParseLastEventID("bogus") != nil {
		t.Fatal("malformed header should parse to nil")
	}
	if ParseLastEventID("unknown.topic:5") != nil {
		t.Fatal("unknown topic should be ignored")
	}
}

func TestTopicsForPolicy(t *testing.T) {
	if len(TopicsFor(models.RoleAdmin)) != len(bus.AllTopics()) {
		t.Fatal("admins should receive every topic")
	}
	if TopicsFor(models.RoleCustomer) != nil {
		t.Fatal("customers have no stream topics")
	}
}
