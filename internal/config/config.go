// OpsCore - Operational Intelligence Backend for the TownBasket marketplace
// Copyright 2026 TownBasket
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/townbasket/opscore

// Package config loads and validates the OpsCore configuration with Koanf
// v2 from three layers: built-in defaults, an optional YAML file, then
// environment variables. Unknown keys in the file are a startup error, not
// a warning; a typoed option must never silently fall back to a default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/townbasket/opscore/internal/models"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"opscore.yaml",
	"opscore.yml",
	"/etc/opscore/config.yaml",
	"/etc/opscore/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "OPSCORE_CONFIG"

// Config is the complete, immutable-after-load configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Scanner   ScannerConfig   `koanf:"scanner"`
	Cache     CacheConfig     `koanf:"cache"`
	Hub       HubConfig       `koanf:"hub"`
	Bus       BusConfig       `koanf:"bus"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

// AuthConfig holds token verification settings. OpsCore only verifies
// tokens; the marketplace identity service mints them.
type AuthConfig struct {
	TokenIssuerURL   string `koanf:"token_issuer_url"`
	JWKSCacheSeconds int    `koanf:"jwks_cache_seconds"`
}

// ScannerConfig tunes the fraud scanner.
type ScannerConfig struct {
	CadenceSeconds   int      `koanf:"cadence_seconds"`
	DetectorsEnabled []string `koanf:"detectors_enabled"`
}

// Cadence returns the scan period.
func (s ScannerConfig) Cadence() time.Duration {
	return time.Duration(s.CadenceSeconds) * time.Second
}

// CacheConfig holds per-prefix TTL overrides, in seconds, keyed by
// "<key_prefix>_seconds" under cache.ttl.
type CacheConfig struct {
	TTL map[string]int `koanf:"ttl"`
}

// TTLTable converts the configured overrides into the cache's prefix
// table, falling back to the built-in defaults for unset prefixes.
func (c CacheConfig) TTLTable(defaults map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(defaults))
	for prefix, ttl := range defaults {
		out[prefix] = ttl
	}
	for key, secs := range c.TTL {
		prefix := strings.TrimSuffix(key, "_seconds")
		out[prefix] = time.Duration(secs) * time.Second
	}
	return out
}

// HubConfig tunes the stream hub.
type HubConfig struct {
	HeartbeatSeconds  int `koanf:"heartbeat_seconds"`
	StallCloseSeconds int `koanf:"stall_close_seconds"`
	QueueCapacity     int `koanf:"queue_capacity"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	BufferCapacity int `koanf:"buffer_capacity"`
}

// RateLimitConfig holds the admin-facing rate budgets.
type RateLimitConfig struct {
	BulkPerMinute       int `koanf:"bulk_per_minute"`
	ScanCooldownSeconds int `koanf:"scan_cooldown_seconds"`
}

// NATSConfig configures the optional event mirror.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Default returns the built-in defaults, matching the documented values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming endpoints manage their own deadlines
			ShutdownTimeout: 15 * time.Second,
			CORSOrigins:     []string{},
		},
		Database: DatabaseConfig{
			DSN: "",
		},
		Auth: AuthConfig{
			TokenIssuerURL:   "",
			JWKSCacheSeconds: 600,
		},
		Scanner: ScannerConfig{
			CadenceSeconds:   300,
			DetectorsEnabled: nil, // nil enables every detector
		},
		Cache: CacheConfig{
			TTL: map[string]int{},
		},
		Hub: HubConfig{
			HeartbeatSeconds:  30,
			StallCloseSeconds: 10,
			QueueCapacity:     1024,
		},
		Bus: BusConfig{
			BufferCapacity: 1024,
		},
		RateLimit: RateLimitConfig{
			BulkPerMinute:       10,
			ScanCooldownSeconds: 30,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "opscore",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration from defaults, then the config file (if any),
// then OPSCORE_-prefixed environment variables.
func Load() (*Config, error) {
	return load(findConfigFile())
}

// LoadFile loads from an explicit file path (tests, --config flag).
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	known := knownKeys(k)

	if configPath != "" {
		fileK := koanf.New(".")
		if err := fileK.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
		if err := rejectUnknownKeys(fileK, known); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	// OPSCORE_SERVER_PORT -> server.port. Only the first underscore splits
	// section from key, so RATELIMIT_BULK_PER_MINUTE maps cleanly.
	envProvider := env.Provider("OPSCORE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "OPSCORE_")), "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownKeys collects the flattened key set of the default configuration.
// Map-valued sections (cache.ttl) accept arbitrary child keys.
func knownKeys(k *koanf.Koanf) map[string]bool {
	known := make(map[string]bool)
	for _, key := range k.Keys() {
		known[key] = true
	}
	return known
}

// openPrefixes are sections whose children are free-form.
var openPrefixes = []string{"cache.ttl."}

func rejectUnknownKeys(fileK *koanf.Koanf, known map[string]bool) error {
	var unknown []string
	for _, key := range fileK.Keys() {
		if known[key] {
			continue
		}
		open := false
		for _, prefix := range openPrefixes {
			if strings.HasPrefix(key, prefix) {
				open = true
				break
			}
		}
		if !open {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown configuration keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Scanner.CadenceSeconds < 10 {
		return fmt.Errorf("scanner.cadence_seconds %d too small (minimum 10)", c.Scanner.CadenceSeconds)
	}
	for _, name := range c.Scanner.DetectorsEnabled {
		known := false
		for _, t := range models.AllAlertTypes() {
			if string(t) == name {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("scanner.detectors_enabled contains unknown detector %q", name)
		}
	}
	for key, secs := range c.Cache.TTL {
		if secs <= 0 {
			return fmt.Errorf("cache.ttl.%s must be positive", key)
		}
	}
	if c.Hub.HeartbeatSeconds <= 0 || c.Hub.StallCloseSeconds <= 0 {
		return fmt.Errorf("hub heartbeat and stall_close must be positive")
	}
	if c.Hub.QueueCapacity < 16 {
		return fmt.Errorf("hub.queue_capacity %d too small (minimum 16)", c.Hub.QueueCapacity)
	}
	if c.Bus.BufferCapacity < 16 {
		return fmt.Errorf("bus.buffer_capacity %d too small (minimum 16)", c.Bus.BufferCapacity)
	}
	if c.RateLimit.BulkPerMinute <= 0 || c.RateLimit.ScanCooldownSeconds <= 0 {
		return fmt.Errorf("ratelimit budgets must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.enabled requires nats.url")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
