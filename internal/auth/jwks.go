// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// DefaultJWKSCacheTTL is how long a fetched key set is trusted before a
// refresh is attempted.
const DefaultJWKSCacheTTL = 10 * time.Minute

// JWKSCache caches the issuer's RSA signing keys. A failed refresh never
// evicts previously fetched keys; verification keeps working on the cached
// set while the issuer is unreachable.
type JWKSCache struct {
	uri        string
	httpClient *http.Client
	ttl        time.Duration

	mu       sync.RWMutex
	keys     map[string]*rsa.PublicKey
	fetched  time.Time
	lastErr  error
}

// NewJWKSCache creates a cache over the issuer's JWKS endpoint.
func NewJWKSCache(uri string, client *http.Client, ttl time.Duration) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	return &JWKSCache{
		uri:        uri,
		httpClient: client,
		ttl:        ttl,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// GetKey returns the key for kid, refreshing the set when the cache is
// stale. A stale cache with a failed refresh still serves the cached key.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	stale := time.Since(c.fetched) > c.ttl
	c.mu.RUnlock()

	if ok && !stale {
		return key, nil
	}

	keys, err := c.refresh(ctx)
	if err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("signing key %q not in issuer key set", kid)
	}
	return key, nil
}

// Status reports the cache health: whether any keys are held and the last
// refresh error, if one is outstanding.
func (c *JWKSCache) Status() (keyCount int, lastErr error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys), c.lastErr
}

func (c *JWKSCache) refresh(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if time.Since(c.fetched) < c.ttl && len(c.keys) > 0 {
		return c.keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, http.NoBody)
	if err != nil {
		c.lastErr = err
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.lastErr = err
		return nil, fmt.Errorf("fetching issuer keys: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.lastErr = fmt.Errorf("issuer key fetch returned status %d", resp.StatusCode)
		return nil, c.lastErr
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		c.lastErr = fmt.Errorf("decoding issuer key set: %w", err)
		return nil, c.lastErr
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		nBytes, err := base64URLDecode(k.N)
		if err != nil {
			continue
		}
		eBytes, err := base64URLDecode(k.E)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eBytes {
			e = e<<8 + int(b)
		}
		keys[k.Kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}
	}
	if len(keys) == 0 {
		c.lastErr = fmt.Errorf("issuer key set contains no usable RSA keys")
		return nil, c.lastErr
	}

	c.keys = keys
	c.fetched = time.Now()
	c.lastErr = nil
	return c.keys, nil
}

func base64URLDecode(s string) ([]byte, error) {
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	return base64.URLEncoding.DecodeString(s)
}
