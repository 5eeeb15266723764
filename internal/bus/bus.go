// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package bus is the in-process event bus connecting mutation sites to the
// stream hub. Each topic keeps a bounded replay buffer with strictly
// increasing event ids, so reconnecting consumers can resume from the last
// id they saw and detect when the backlog has been overwritten.
package bus

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/logging"
)

// Topics published by OpsCore. Subscribing to an unknown topic is an error
// at the API layer, not here.
const (
	TopicOrderCreated      = "order.created"
	TopicOrderUpdated      = "order.updated"
	TopicFraudAlertCreated = "fraud.alert.created"
	TopicFraudAlertUpdated = "fraud.alert.updated"
	TopicAnomalyDetected   = "anomaly.detected"
	TopicComplaintCreated  = "complaint.created"
	TopicHealthChanged     = "health.changed"
	TopicMetricsTick       = "metrics.tick"
)

// AllTopics lists every topic the bus carries.
func AllTopics() []string {
	return []string{
		TopicOrderCreated,
		TopicOrderUpdated,
		TopicFraudAlertCreated,
		TopicFraudAlertUpdated,
		TopicAnomalyDetected,
		TopicComplaintCreated,
		TopicHealthChanged,
		TopicMetricsTick,
	}
}

// KnownTopic reports whether name is a topic the bus carries.
func KnownTopic(name string) bool {
	for _, t := range AllTopics() {
		if t == name {
			return true
		}
	}
	return false
}

// Event is one published message. ID is strictly increasing per topic,
// starting at 1.
type Event struct {
	Topic string          `json:"topic"`
	ID    uint64          `json:"event_id"`
	TS    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Delivery is what a subscriber receives: either an event, or a gap marker
// when the subscriber's queue overflowed and older deliveries were dropped.
type Delivery struct {
	Event *Event
	// Gap is set instead of Event when deliveries were dropped. It carries
	// the topic the drop occurred on.
	Gap string
}

// DefaultBufferCapacity is the per-topic replay buffer size.
const DefaultBufferCapacity = 1024

// DefaultQueueCapacity is the per-subscriber queue size.
const DefaultQueueCapacity = 256

// ring is a fixed-capacity replay buffer for one topic.
type ring struct {
	events []Event
	next   uint64 // id to assign to the next event
	head   int    // index of the oldest retained event
	count  int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]Event, capacity), next: 1}
}

func (r *ring) append(e Event) {
	idx := (r.head + r.count) % len(r.events)
	if r.count == len(r.events) {
		r.head = (r.head + 1) % len(r.events)
		r.count--
	}
	r.events[idx] = e
	r.count++
}

// oldest returns the lowest retained id, or 0 when empty.
func (r *ring) oldest() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.events[r.head].ID
}

// since returns retained events with id > after, in id order.
func (r *ring) since(after uint64) []Event {
	var out []Event
	for i := 0; i < r.count; i++ {
		e := r.events[(r.head+i)%len(r.events)]
		if e.ID > after {
			out = append(out, e)
		}
	}
	return out
}

// Subscription is one consumer's attachment to the bus. Deliveries arrive on
// C; the consumer must drain it or accept gap markers.
type Subscription struct {
	C  chan Delivery
	id uint64

	mu      sync.Mutex
	topics  map[string]bool
	dropped map[string]bool // topics with a pending gap marker
	closed  bool
}

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[topic]
}

// Bus is the in-process publish/subscribe fabric.
type Bus struct {
	mu       sync.Mutex
	rings    map[string]*ring
	subs     map[uint64]*Subscription
	nextSub  uint64
	capacity int
	queueCap int
	mirror   Mirror

	// Dropped counts subscriber-queue drops, for metrics.
	droppedTotal uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferCapacity sets the per-topic replay buffer size.
func WithBufferCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithQueueCapacity sets the per-subscriber queue size.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithMirror attaches an external mirror publisher. Mirror failures are
// logged, never propagated; the in-process bus is the source of truth.
func WithMirror(m Mirror) Option {
	return func(b *Bus) { b.mirror = m }
}

// New creates a Bus with a replay ring per known topic.
func New(opts ...Option) *Bus {
	b := &Bus{
		rings:    make(map[string]*ring),
		subs:     make(map[uint64]*Subscription),
		capacity: DefaultBufferCapacity,
		queueCap: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, topic := range AllTopics() {
		b.rings[topic] = newRing(b.capacity)
	}
	return b
}

// Publish marshals payload and appends it to the topic's ring, assigning the
// next id, then fans it out to subscribers. Returns the assigned id.
func (b *Bus) Publish(topic string, payload any) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	r, ok := b.rings[topic]
	if !ok {
		r = newRing(b.capacity)
		b.rings[topic] = r
	}
	e := Event{Topic: topic, ID: r.next, TS: time.Now().UTC(), Data: data}
	r.next++
	r.append(e)

	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if s.wants(topic) {
			b.deliver(s, Delivery{Event: &e})
		}
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(e); err != nil {
			logging.Warn().Str("topic", topic).Uint64("event_id", e.ID).
				Err(err).Msg("mirror publish failed")
		}
	}
	return e.ID, nil
}

// deliver enqueues the event without blocking. On overflow the oldest
// queued deliveries are discarded to make room for a gap marker plus the
// event, so the consumer always learns it must re-sync. Only deliver sends
// on s.C, and only under s.mu, so a send after making room cannot block.
func (b *Bus) deliver(s *Subscription, d Delivery) {
	topic := d.Event.Topic

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Flush a pending gap marker first so ordering is gap-then-event.
	if s.dropped[topic] && cap(s.C)-len(s.C) >= 2 {
		s.C <- Delivery{Gap: topic}
		delete(s.dropped, topic)
	}
	if cap(s.C)-len(s.C) >= 1 && !s.dropped[topic] {
		s.C <- d
		return
	}

	// Queue full (or a gap is still pending): evict the oldest deliveries
	// until a gap marker and the event both fit.
	dropped := 0
	for cap(s.C)-len(s.C) < 2 {
		select {
		case old := <-s.C:
			if old.Event != nil {
				s.dropped[old.Event.Topic] = true
			} else if old.Gap != "" && old.Gap != topic {
				s.dropped[old.Gap] = true
			}
			dropped++
		default:
		}
		if cap(s.C) < 2 {
			break
		}
	}
	if cap(s.C)-len(s.C) >= 2 {
		s.C <- Delivery{Gap: topic}
		s.C <- d
		delete(s.dropped, topic)
	} else {
		s.dropped[topic] = true
	}

	if dropped > 0 {
		b.mu.Lock()
		b.droppedTotal += uint64(dropped)
		b.mu.Unlock()
	}
}

// Subscribe attaches a consumer to the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	wanted := make(map[string]bool, len(topics))
	for _, t := range topics {
		wanted[t] = true
	}
	s := &Subscription{
		C:       make(chan Delivery, b.queueCap),
		topics:  wanted,
		dropped: make(map[string]bool),
	}
	b.mu.Lock()
	b.nextSub++
	s.id = b.nextSub
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches the subscription. Its channel is not closed; the
// consumer stops reading instead, avoiding send-on-closed races.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Replay returns retained events with id > after. expired reports that the
// backlog no longer reaches back to after, i.e. events were lost and the
// consumer must treat the stream as gapped.
func (b *Bus) Replay(topic string, after uint64) (events []Event, expired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[topic]
	if !ok {
		return nil, false
	}
	oldest := r.oldest()
	if oldest > after+1 {
		expired = true
	}
	return r.since(after), expired
}

// LastID returns the most recently assigned id for topic (0 when none).
func (b *Bus) LastID(topic string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[topic]
	if !ok {
		return 0
	}
	return r.next - 1
}

// DroppedTotal returns the cumulative count of subscriber-queue drops.
func (b *Bus) DroppedTotal() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedTotal
}
