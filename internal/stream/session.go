// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/townbasket/opscore/internal/auth"
	"github.com/townbasket/opscore/internal/bus"
	"github.com/townbasket/opscore/internal/logging"
)

// Sink is the write side of a session: typically the HTTP response wrapped
// with flushing and write deadlines.
type Sink interface {
	io.Writer
	Flush() error
	SetWriteDeadline(t time.Time) error
}

// helloFrame opens every session.
type helloFrame struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
	Topics     []string  `json:"topics"`
}

// heartbeatFrame keeps idle connections warm and lets clients detect
// half-open sockets.
type heartbeatFrame struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

// gapFrame tells the client the inclusive id range [From, To] on Topic was
// lost and stateful views must be refetched.
type gapFrame struct {
	Topic string `json:"topic"`
	Gap   bool   `json:"gap"`
	From  uint64 `json:"from"`
	To    uint64 `json:"to"`
}

// Session is one connected client.
type Session struct {
	ID       string
	key      string
	identity auth.Identity
	hub      *Hub
	sub      *bus.Subscription
	topics   []string
	resume   map[string]uint64

	closeOnce sync.Once
	done      chan struct{}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Run drives the session until the client disconnects, the session is
// superseded, or a write stalls past the configured deadline. It always
// detaches the session before returning.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	defer s.hub.detach(s)
	defer s.close()

	lastSent := make(map[string]uint64, len(s.topics))

	if err := s.writeFrame(sink, helloFrame{
		Type:       "hello",
		SessionID:  s.ID,
		ServerTime: time.Now().UTC(),
		Topics:     s.topics,
	}); err != nil {
		return err
	}

	if err := s.replay(sink, lastSent); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.hub.cfg.Heartbeat)
	defer heartbeat.Stop()

	// Topics with a bus-side drop pending a gap frame.
	pendingGap := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			logging.Info().Str("session_id", s.ID).Msg("stream session superseded")
			return nil
		case <-heartbeat.C:
			if err := s.writeFrame(sink, heartbeatFrame{Type: "heartbeat", TS: time.Now().UTC()}); err != nil {
				return err
			}
		case d := <-s.sub.C:
			if d.Gap != "" {
				pendingGap[d.Gap] = true
				continue
			}
			e := d.Event
			// Duplicates can arrive while replay and live delivery overlap.
			if e.ID <= lastSent[e.Topic] {
				continue
			}
			if pendingGap[e.Topic] && e.ID > lastSent[e.Topic]+1 {
				if err := s.writeFrame(sink, gapFrame{
					Topic: e.Topic,
					Gap:   true,
					From:  lastSent[e.Topic] + 1,
					To:    e.ID - 1,
				}); err != nil {
					return err
				}
			}
			delete(pendingGap, e.Topic)
			if err := s.writeFrame(sink, e); err != nil {
				return err
			}
			lastSent[e.Topic] = e.ID
		}
	}
}

// replay streams the backlog for every topic the client resumed, inserting
// a gap frame first where the ring buffer no longer reaches back far
// enough.
func (s *Session) replay(sink Sink, lastSent map[string]uint64) error {
	for _, topic := range s.topics {
		after, ok := s.resume[topic]
		if !ok {
			continue
		}
		lastSent[topic] = after

		events, expired := s.hub.bus.Replay(topic, after)
		if expired {
			to := s.hub.bus.LastID(topic)
			if len(events) > 0 {
				to = events[0].ID - 1
			}
			if err := s.writeFrame(sink, gapFrame{Topic: topic, Gap: true, From: after + 1, To: to}); err != nil {
				return err
			}
		}
		for i := range events {
			if err := s.writeFrame(sink, &events[i]); err != nil {
				return err
			}
			lastSent[topic] = events[i].ID
		}
	}
	return nil
}

// writeFrame writes one JSON frame plus newline under the stall deadline.
func (s *Session) writeFrame(sink Sink, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	if err := sink.SetWriteDeadline(time.Now().Add(s.hub.cfg.StallClose)); err != nil {
		// Deadlines are unsupported on this connection (tests, HTTP/2
		// fallbacks); proceed without stall detection.
		logging.Debug().Err(err).Msg("write deadline unsupported")
	}
	if _, err := sink.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return sink.Flush()
}
