// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/townbasket/opscore/internal/models"
)

// Verification errors surfaced to the API layer.
var (
	ErrNotConfigured = errors.New("token verification not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

// Claims is the token payload the identity provider mints for console users.
type Claims struct {
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
	CSRF      string `json:"csrf,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against the issuer's published keys.
type Verifier struct {
	issuer string
	jwks   *JWKSCache
	parser *jwt.Parser
}

// NewVerifier builds a Verifier for the issuer. issuerURL empty means
// verification is unconfigured and every Verify call fails closed.
func NewVerifier(issuerURL string, client *http.Client, jwksTTL time.Duration) *Verifier {
	v := &Verifier{
		issuer: strings.TrimSuffix(issuerURL, "/"),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
	if issuerURL != "" {
		v.jwks = NewJWKSCache(v.issuer+"/.well-known/jwks.json", client, jwksTTL)
	}
	return v
}

// Configured reports whether an issuer was set.
func (v *Verifier) Configured() bool { return v.jwks != nil }

// Prime fetches the issuer key set eagerly so startup can fail fast when
// the issuer is unreachable. A no-op when unconfigured.
func (v *Verifier) Prime(ctx context.Context) error {
	if v.jwks == nil {
		return nil
	}
	_, err := v.jwks.refresh(ctx)
	return err
}

// Verify parses and validates the bearer token and maps its claims to an
// Identity. Tokens with an unparseable role still verify; role checks are
// the caller's concern.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	if v.jwks == nil {
		return Identity{}, ErrNotConfigured
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.jwks.GetKey(ctx, kid)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if v.issuer != "" && strings.TrimSuffix(claims.Issuer, "/") != v.issuer {
		return Identity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Identity{
		UID:       claims.Subject,
		Name:      claims.Name,
		Role:      models.Role(claims.Role),
		SessionID: claims.SessionID,
		CSRF:      claims.CSRF,
	}, nil
}

// HealthStatus describes the verifier for the system health endpoint:
// "not_configured", "connected", "degraded" (cached keys serving past a
// failed refresh), or "error:<reason>" (no keys at all).
func (v *Verifier) HealthStatus() string {
	if v.jwks == nil {
		return "not_configured"
	}
	count, lastErr := v.jwks.Status()
	switch {
	case lastErr == nil:
		return "connected"
	case count > 0:
		return "degraded"
	default:
		return "error:" + lastErr.Error()
	}
}
