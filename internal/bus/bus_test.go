// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package bus

import (
	"testing"
	"time"
)

func publishN(t *testing.T, b *Bus, topic string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := b.Publish(topic, map[string]int{"seq": i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
}

func TestPublishAssignsStrictlyIncreasingIDs(t *testing.T) {
	b := New()
	var prev uint64
	for i := 0; i < 50; i++ {
		id, err := b.Publish(TopicOrderCreated, map[string]int{"seq": i})
		if err != nil {
			t.Fatal(err)
		}
		if id != prev+1 {
			t.Fatalf("id %d after %d, want +1", id, prev)
		}
		prev = id
	}
	// Ids are per-topic: a different topic starts at 1.
	id, err := b.Publish(TopicComplaintCreated, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("new topic started at %d", id)
	}
}

func TestSubscribeReceivesOnlyWantedTopics(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicFraudAlertCreated)
	defer b.Unsubscribe(sub)

	publishN(t, b, TopicOrderCreated, 3)
	publishN(t, b, TopicFraudAlertCreated, 2)

	got := 0
	for {
		select {
		case d := <-sub.C:
			if d.Event == nil || d.Event.Topic != TopicFraudAlertCreated {
				t.Fatalf("unexpected delivery %+v", d)
			}
			got++
		case <-time.After(100 * time.Millisecond):
			if got != 2 {
				t.Fatalf("got %d deliveries, want 2", got)
			}
			return
		}
	}
}

func TestReplaySince(t *testing.T) {
	b := New()
	publishN(t, b, TopicOrderUpdated, 10)

	events, expired := b.Replay(TopicOrderUpdated, 7)
	if expired {
		t.Fatal("backlog should not be expired")
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.ID != uint64(8+i) {
			t.Fatalf("event %d has id %d", i, e.ID)
		}
	}
}

func TestReplayBacklogExpired(t *testing.T) {
	b := New(WithBufferCapacity(16))
	publishN(t, b, TopicOrderCreated, 40)

	// Ids 1..24 were overwritten; resuming from 5 must report expiry.
	events, expired := b.Replay(TopicOrderCreated, 5)
	if !expired {
		t.Fatal("expected backlog expiry")
	}
	if len(events) != 16 {
		t.Fatalf("got %d retained events, want 16", len(events))
	}
	if events[0].ID != 25 {
		t.Fatalf("oldest retained id %d, want 25", events[0].ID)
	}

	// Resuming from the current tail is not expired.
	if _, expired := b.Replay(TopicOrderCreated, 40); expired {
		t.Fatal("tail resume wrongly expired")
	}
}

func TestSlowSubscriberGetsGapMarker(t *testing.T) {
	b := New(WithQueueCapacity(4))
	sub := b.Subscribe(TopicOrderCreated)
	defer b.Unsubscribe(sub)

	// Overflow the queue without draining.
	publishN(t, b, TopicOrderCreated, 12)

	sawGap := false
	drained := 0
	for {
		select {
		case d := <-sub.C:
			drained++
			if d.Gap == TopicOrderCreated {
				sawGap = true
			}
		case <-time.After(100 * time.Millisecond):
			if !sawGap {
				t.Fatalf("drained %d deliveries, no gap marker", drained)
			}
			if b.DroppedTotal() == 0 {
				t.Fatal("drop counter not incremented")
			}
			return
		}
	}
}

func TestLastID(t *testing.T) {
	b := New()
	if b.LastID(TopicHealthChanged) != 0 {
		t.Fatal("empty topic should report 0")
	}
	publishN(t, b, TopicHealthChanged, 3)
	if got := b.LastID(TopicHealthChanged); got != 3 {
		t.Fatalf("LastID = %d, want 3", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicOrderCreated)
	b.Unsubscribe(sub)

	publishN(t, b, TopicOrderCreated, 5)
	select {
	case d := <-sub.C:
		t.Fatalf("delivery after unsubscribe: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}
