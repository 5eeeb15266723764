// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package stream is the hub pushing bus events to admin clients over a
// newline-delimited JSON channel. Each client session holds its own bounded
// queue fed from the bus; reconnecting clients resume from the last event
// id they saw per topic, with explicit gap frames where the backlog has
// rolled over.
package stream

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/logging"
	"github.com/townbasket/opscore/internal/models"
)

// Defaults for hub timing and capacity.
const (
	DefaultHeartbeat    = 30 * time.Second
	DefaultStallClose   = 10 * time.Second
	DefaultQueueCapacity = 1024
)

// Config tunes the hub.
type Config struct {
	Heartbeat     time.Duration
	StallClose    time.Duration
	QueueCapacity int
}

// DefaultConfig returns the standard hub tuning.
func DefaultConfig() Config {
	return Config{
		Heartbeat:     DefaultHeartbeat,
		StallClose:    DefaultStallClose,
		QueueCapacity: DefaultQueueCapacity,
	}
}

// topicPolicy maps a role to the topics it may stream. Only admins reach
// the hub today; the table keeps the check explicit should that widen.
var topicPolicy = map[models.Role][]string{
	models.RoleAdmin: bus.AllTopics(),
}

// TopicsFor returns the topics the role may subscribe to.
func TopicsFor(role models.Role) []string {
	return topicPolicy[role]
}

// Hub owns the live sessions. One session per (identity, client_id); a new
// connect supersedes the previous session for that key.
type Hub struct {
	bus *bus.Bus
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHub creates a Hub over the bus.
func NewHub(b *bus.Bus, cfg Config) *Hub {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.StallClose <= 0 {
		cfg.StallClose = DefaultStallClose
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	return &Hub{
		bus:      b,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// SessionCount returns the number of live sessions, for metrics.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Attach registers a session for the identity and client id, superseding
// any existing session on the same key, and returns it. resume maps topic
// to the last event id the client saw (nil for a fresh connect).
func (h *Hub) Attach(identity auth.Identity, clientID string, resume map[string]uint64) *Session {
	topics := TopicsFor(identity.Role)
	s := &Session{
		ID:       uuid.NewString(),
		key:      identity.UID + "|" + clientID,
		identity: identity,
		hub:      h,
		sub:      h.bus.Subscribe(topics...),
		topics:   topics,
		resume:   resume,
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.sessions[s.key]; ok {
		prev.close()
	}
	h.sessions[s.key] = s
	h.mu.Unlock()

	logging.Info().
		Str("session_id", s.ID).
		Str("admin_uid", identity.UID).
		Str("client_id", clientID).
		Msg("stream session attached")
	return s
}

// detach removes the session if it is still the registered one for its key.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.key]; ok && cur == s {
		delete(h.sessions, s.key)
	}
	h.mu.Unlock()
	h.bus.Unsubscribe(s.sub)
}

// ParseLastEventID parses the Last-Event-ID header value, a comma-separated
// list of <topic>:<id> pairs. Unknown topics and malformed pairs are
// ignored; the client simply gets no replay for them.
func ParseLastEventID(header string) map[string]uint64 {
	if header == "" {
		return nil
	}
	out := make(map[string]uint64)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		idx := strings.LastIndex(part, ":")
		if idx <= 0 {
			continue
		}
		topic := part[:idx]
		id, err := strconv.ParseUint(part[idx+1:], 10, 64)
		if err != nil || !bus.KnownTopic(topic) {
			continue
		}
		out[topic] = id
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
