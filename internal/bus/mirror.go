// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/townbasket/opscore/internal/logging"
)

// Mirror republishes bus events to an external broker so sibling services
// can observe console activity. Mirroring is best-effort.
type Mirror interface {
	Publish(e Event) error
	Close()
}

// NATSMirror mirrors events onto NATS subjects under a prefix, e.g.
// "opscore.fraud.alert.created".
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSMirror connects to the NATS server at url. The connection retries
// in the background; publishes while disconnected are buffered by the
// client up to its reconnect buffer.
func NewNATSMirror(url, prefix string) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("opscore-mirror"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("nats mirror disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info().Str("url", c.ConnectedUrl()).Msg("nats mirror reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting nats mirror: %w", err)
	}
	if prefix == "" {
		prefix = "opscore"
	}
	return &NATSMirror{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Publish sends the event to "<prefix>.<topic>".
func (m *NATSMirror) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return m.conn.Publish(m.prefix+"."+e.Topic, data)
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
