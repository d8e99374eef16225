// Package config loads service configuration from an optional TOML base
// file with environment-variable overrides applied on top: Load(path)
// reads the file (if any), then applyEnvOverrides lets individual
// environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds every tunable the service reads at boot.
type Config struct {
	Concurrency   ConcurrencyConfig
	RateLimit     RateLimitConfig
	Breaker       BreakerConfig
	Retry         RetryConfig
	Snapshot      SnapshotConfig
	LoadShed      LoadShedConfig
	Idempotency   IdempotencyConfig
	Lock          LockConfig
	Logging       LoggingConfig
	DataDir       string
	ServerHost    string
	ServerPort    int
}

type ConcurrencyConfig struct {
	API  int `toml:"api"`
	Sync int `toml:"sync"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

type BreakerConfig struct {
	Threshold  float64 `toml:"threshold"`
	CooldownMs int64   `toml:"cooldown_ms"`
}

// breakerReferenceWindow is the fixed attempt window BREAKER_THRESHOLD's
// fraction is scaled against to derive the consecutive-failure count the
// breaker state machine counts against.
const breakerReferenceWindow = 10

// FailureThreshold converts the configured fraction into the integer
// consecutive-failure count passed to breaker.Config.Threshold.
func (b BreakerConfig) FailureThreshold() int {
	n := int(b.Threshold*breakerReferenceWindow + 0.5)
	if n < 1 {
		n = 1
	}
	return n
}

type RetryConfig struct {
	BaseMs   int64 `toml:"base_ms"`
	Times    int   `toml:"times"`
	JitterMs int64 `toml:"jitter_ms"`
}

type SnapshotConfig struct {
	EveryNEvents int `toml:"every_n_events"`
	KeepCount    int `toml:"keep_count"`
}

type LoadShedConfig struct {
	QueueMax int `toml:"queue_max"`
}

type IdempotencyConfig struct {
	TTLMs int64 `toml:"ttl_ms"`
}

type LockConfig struct {
	Enabled      bool   `toml:"enabled"`
	TTLMs        int64  `toml:"ttl_ms"`
	// RenewMs is read but not acted on: a lease is acquired and released
	// within one mutation call, so nothing currently calls lock.Manager.Renew.
	RenewMs      int64  `toml:"renew_ms"`
	Dir          string `toml:"dir"`
	RejectStatus int    `toml:"reject_status"`
	RetryAfterMs int64  `toml:"retry_after_ms"`
	OwnerID      string `toml:"owner_id"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the baseline configuration applied before any TOML
// file or environment override is considered.
func Default() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{API: 16, Sync: 4},
		RateLimit:   RateLimitConfig{RPS: 100, Burst: 200},
		Breaker:     BreakerConfig{Threshold: 0.5, CooldownMs: 30000},
		Retry:       RetryConfig{BaseMs: 1000, Times: 3, JitterMs: 0},
		Snapshot:    SnapshotConfig{EveryNEvents: 100, KeepCount: 5},
		LoadShed:    LoadShedConfig{QueueMax: 1000},
		Idempotency: IdempotencyConfig{TTLMs: 300000},
		Lock: LockConfig{
			Enabled:      false,
			TTLMs:        2000,
			RenewMs:      1000,
			Dir:          "data/locks",
			RejectStatus: 503,
			RetryAfterMs: 300,
			OwnerID:      defaultOwnerID(),
		},
		Logging:    LoggingConfig{Level: "info"},
		DataDir:    "data",
		ServerHost: "0.0.0.0",
		ServerPort: 8080,
	}
}

func defaultOwnerID() string {
	return fmt.Sprintf("%d-%s", os.Getpid(), randomSuffix())
}

// Load builds a Config starting from documented defaults, merges in an
// optional TOML base file (if path is non-empty and exists), then applies
// environment overrides, then validates ranges.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(c *Config) {
	if v, ok := envInt("CONCURRENCY_API"); ok {
		c.Concurrency.API = v
	}
	if v, ok := envInt("CONCURRENCY_SYNC"); ok {
		c.Concurrency.Sync = v
	}
	if v, ok := envFloat("RATE_LIMIT_RPS"); ok {
		c.RateLimit.RPS = v
	}
	if v, ok := envInt("RATE_LIMIT_BURST"); ok {
		c.RateLimit.Burst = v
	}
	if v, ok := envFloat("BREAKER_THRESHOLD"); ok {
		c.Breaker.Threshold = v
	}
	if v, ok := envInt64("BREAKER_COOLDOWN_MS"); ok {
		c.Breaker.CooldownMs = v
	}
	if v, ok := envInt64("RETRY_BASE_MS"); ok {
		c.Retry.BaseMs = v
	}
	if v, ok := envInt("RETRY_TIMES"); ok {
		c.Retry.Times = v
	}
	if v, ok := envInt64("RETRY_JITTER_MS"); ok {
		c.Retry.JitterMs = v
	}
	if v, ok := envInt("SNAPSHOT_EVERY_N_EVENTS"); ok {
		c.Snapshot.EveryNEvents = v
	}
	if v, ok := envInt("SNAPSHOT_KEEP_COUNT"); ok {
		c.Snapshot.KeepCount = v
	}
	if v, ok := envInt("LOAD_SHED_QUEUE_MAX"); ok {
		c.LoadShed.QueueMax = v
	}
	if v, ok := envInt64("IDEMP_TTL_MS"); ok {
		c.Idempotency.TTLMs = v
	}
	if v, ok := envBool("LOCKS_ENABLED"); ok {
		c.Lock.Enabled = v
	}
	if v, ok := envInt64("LOCK_TTL_MS"); ok {
		c.Lock.TTLMs = v
	}
	if v, ok := envInt64("LOCK_RENEW_MS"); ok {
		c.Lock.RenewMs = v
	}
	if v := os.Getenv("LOCK_DIR"); v != "" {
		c.Lock.Dir = v
	}
	if v, ok := envInt("LOCK_REJECT_STATUS"); ok {
		c.Lock.RejectStatus = v
	}
	if v, ok := envInt64("LOCK_RETRY_AFTER_MS"); ok {
		c.Lock.RetryAfterMs = v
	}
	if v := os.Getenv("LOCK_OWNER_ID"); v != "" {
		c.Lock.OwnerID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.ServerHost = v
	}
	if v, ok := envInt("SERVER_PORT"); ok {
		c.ServerPort = v
	}
}

func validate(c *Config) error {
	if c.Breaker.Threshold < 0 || c.Breaker.Threshold > 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be in [0,1], got %v", c.Breaker.Threshold)
	}
	if c.Concurrency.API <= 0 || c.Concurrency.Sync <= 0 {
		return fmt.Errorf("CONCURRENCY_API and CONCURRENCY_SYNC must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be non-negative")
	}
	if c.Retry.Times < 0 {
		return fmt.Errorf("RETRY_TIMES must be non-negative")
	}
	if c.Snapshot.EveryNEvents <= 0 {
		return fmt.Errorf("SNAPSHOT_EVERY_N_EVENTS must be positive")
	}
	if c.Snapshot.KeepCount <= 0 {
		return fmt.Errorf("SNAPSHOT_KEEP_COUNT must be positive")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}
