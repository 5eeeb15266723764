// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opscore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := load("")
	if err != nil {
		t.Fatalf("loading defaults: %v", err)
	}
	if cfg.Scanner.CadenceSeconds != 300 {
		t.Errorf("scanner cadence %d, want 300", cfg.Scanner.CadenceSeconds)
	}
	if cfg.Hub.HeartbeatSeconds != 30 || cfg.Hub.StallCloseSeconds != 10 || cfg.Hub.QueueCapacity != 1024 {
		t.Errorf("hub defaults %+v", cfg.Hub)
	}
	if cfg.Bus.BufferCapacity != 1024 {
		t.Errorf("bus buffer %d, want 1024", cfg.Bus.BufferCapacity)
	}
	if cfg.RateLimit.BulkPerMinute != 10 || cfg.RateLimit.ScanCooldownSeconds != 30 {
		t.Errorf("ratelimit defaults %+v", cfg.RateLimit)
	}
	if cfg.Auth.JWKSCacheSeconds != 600 {
		t.Errorf("jwks cache %d, want 600", cfg.Auth.JWKSCacheSeconds)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
scanner:
  cadence_seconds: 60
  detectors_enabled:
    - order_spike
    - rapid_orders
cache:
  ttl:
    overview_seconds: 45
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scanner.Cadence() != time.Minute {
		t.Errorf("cadence %v, want 1m", cfg.Scanner.Cadence())
	}
	if len(cfg.Scanner.DetectorsEnabled) != 2 {
		t.Errorf("detectors %v", cfg.Scanner.DetectorsEnabled)
	}

	table := cfg.Cache.TTLTable(map[string]time.Duration{
		"overview": 120 * time.Second,
		"health":   30 * time.Second,
	})
	if table["overview"] != 45*time.Second {
		t.Errorf("overview ttl %v, want 45s", table["overview"])
	}
	if table["health"] != 30*time.Second {
		t.Errorf("health ttl %v, want default 30s", table["health"])
	}
}

func TestUnknownKeyIsStartupError(t *testing.T) {
	path := writeConfig(t, `
scanner:
  cadance_seconds: 60
`)
	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("misspelled key should fail to load")
	}
	if !strings.Contains(err.Error(), "scanner.cadance_seconds") {
		t.Errorf("error should name the offending key: %v", err)
	}
}

func TestCacheTTLKeysAreOpen(t *testing.T) {
	path := writeConfig(t, `
cache:
  ttl:
    analytics:top__seconds: 600
`)
	if _, err := LoadFile(path); err != nil {
		t.Fatalf("arbitrary cache ttl prefixes should load: %v", err)
	}
}

func TestUnknownDetectorRejected(t *testing.T) {
	path := writeConfig(t, `
scanner:
  detectors_enabled:
    - order_spike
    - bogus_detector
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("unknown detector name should fail validation")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPSCORE_SERVER_PORT", "7070")
	cfg, err := load("")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port %d, want 7070 from env", cfg.Server.Port)
	}
}

func TestValidateRejectsTinyBuffers(t *testing.T) {
	cfg := Default()
	cfg.Bus.BufferCapacity = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("tiny bus buffer should fail validation")
	}
}
