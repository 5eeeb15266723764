// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package auth verifies bearer tokens minted by the external identity
// provider and carries the resulting admin identity through request contexts.
// Session minting itself is out of scope; OpsCore only verifies.
package auth

import (
	"context"

	"github.com/townbasket/opscore/internal/models"
)

// Identity is the verified caller of an admin request.
type Identity struct {
	// UID is the stable subject identifier from the token.
	UID string `json:"uid"`

	// Name is the display name, if the token carries one.
	Name string `json:"name,omitempty"`

	// Role is the marketplace role claimed by the token.
	Role models.Role `json:"role"`

	// SessionID identifies the login session.
	SessionID string `json:"session_id,omitempty"`

	// CSRF is the per-session secret mutating requests must echo in
	// the X-Admin-CSRF header.
	CSRF string `json:"-"`
}

// IsAdmin reports whether the identity may use the console.
func (id Identity) IsAdmin() bool {
	return id.Role == models.RoleAdmin && id.UID != ""
}

type contextKey int

const (
	identityKey contextKey = iota
	requestMetaKey
)

// RequestMeta is transport-level detail captured by middleware for auditing.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the verified identity from ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithRequestMeta returns a context carrying transport metadata.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, meta)
}

// RequestMetaFrom extracts transport metadata from ctx. The zero value is
// returned when middleware did not run (tests, internal callers).
func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey).(RequestMeta)
	return meta
}
