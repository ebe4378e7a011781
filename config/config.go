package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/use-agent/selfheal/heal"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/scheduler"
)

// EnvPrefix prefixes every environment override. Nesting levels are
// separated by a double underscore: SELFHEAL_MEMORY__FLUSH_EVERY=50.
const EnvPrefix = "SELFHEAL_"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Auth      AuthConfig       `koanf:"auth"`
	RateLimit RateLimitConfig  `koanf:"rate_limit"`
	Log       LogConfig        `koanf:"log"`
	Memory    MemoryConfig     `koanf:"memory"`
	Healing   HealingConfig    `koanf:"healing"`
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Webhook   WebhookConfig    `koanf:"webhook"`
	Scheduler scheduler.Config `koanf:"scheduler"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `koanf:"host"` // default: "0.0.0.0"
	Port int    `koanf:"port"` // default: 8080
	Mode string `koanf:"mode"` // "debug", "release", "test"; default: "release"

	// MaxBodyBytes caps extraction request bodies.
	MaxBodyBytes int64 `koanf:"max_body_bytes"` // default: 8 MiB
}

// AuthConfig controls API key authentication. Enabled with no keys leaves
// the API open.
type AuthConfig struct {
	Enabled bool     `koanf:"enabled"` // default: true
	APIKeys []string `koanf:"api_keys"`
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 `koanf:"requests_per_second"` // default: 5

	// Burst is the maximum burst size per API key.
	Burst int `koanf:"burst"` // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `koanf:"level"`  // default: "info"
	Format string `koanf:"format"` // "json" or "text"; default: "json"
}

// Memory store backends.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// MemoryConfig controls pattern memory and where it persists.
type MemoryConfig struct {
	// Store is one of file, sqlite, postgres or none.
	Store string `koanf:"store"` // default: "file"

	// Path is the JSON file or SQLite database.
	Path string `koanf:"path"` // default: "data/patterns.json"

	PostgresDSN      string `koanf:"postgres_dsn"`
	PostgresSchema   string `koanf:"postgres_schema"`    // default: "public"
	PostgresMaxConns int    `koanf:"postgres_max_conns"` // default: 2
	ViaBouncer       bool   `koanf:"via_bouncer"`

	FlushEvery    int           `koanf:"flush_every"`    // default: 25 observations
	FlushInterval time.Duration `koanf:"flush_interval"` // default: 30s

	BroadChangeWindow    time.Duration `koanf:"broad_change_window"`    // default: 24h
	BroadChangeThreshold int           `koanf:"broad_change_threshold"` // default: 10

	Weights memory.ConfidenceWeights `koanf:"weights"`

	// Baseline seeds an empty memory and is what full-reset restores.
	Baseline []memory.Seed `koanf:"baseline"`
}

// HealingConfig controls the auto-healer.
type HealingConfig struct {
	MaxAttempts       int             `koanf:"max_attempts"`        // default: 3
	AutoRecoveryDelay time.Duration   `koanf:"auto_recovery_delay"` // default: 5s
	FallbackTTL       time.Duration   `koanf:"fallback_ttl"`        // default: 30m
	RecentExtractions int             `koanf:"recent_extractions"`  // default: 200
	Thresholds        heal.Thresholds `koanf:"thresholds"`
}

// PipelineConfig controls batch judgement and the selector cache.
type PipelineConfig struct {
	Targets      []string      `koanf:"targets"`       // default: price, revenue, title, multiple
	MinFillRate  float64       `koanf:"min_fill_rate"` // default: 0.6
	ShiftAlert   int           `koanf:"shift_alert"`   // default: 12
	CacheEntries int           `koanf:"cache_entries"` // default: 10000
	CacheTTL     time.Duration `koanf:"cache_ttl"`     // default: 6h
}

// WebhookConfig controls operator alerts. An empty URL disables them.
type WebhookConfig struct {
	URL    string `koanf:"url"`
	Secret string `koanf:"secret"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Mode:         "release",
			MaxBodyBytes: 8 << 20,
		},
		Auth: AuthConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Memory: MemoryConfig{
			Store:                StoreFile,
			Path:                 "data/patterns.json",
			PostgresSchema:       "public",
			PostgresMaxConns:     2,
			FlushEvery:           25,
			FlushInterval:        30 * time.Second,
			BroadChangeWindow:    24 * time.Hour,
			BroadChangeThreshold: 10,
			Weights:              memory.DefaultWeights(),
		},
		Healing: HealingConfig{
			MaxAttempts:       3,
			AutoRecoveryDelay: 5 * time.Second,
			FallbackTTL:       30 * time.Minute,
			RecentExtractions: 200,
			Thresholds:        heal.DefaultThresholds(),
		},
		Pipeline: PipelineConfig{
			Targets:      []string{"price", "revenue", "title", "multiple"},
			MinFillRate:  0.6,
			ShiftAlert:   12,
			CacheEntries: 10000,
			CacheTTL:     6 * time.Hour,
		},
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Load starts from Default, overlays the YAML file at path when it exists
// (an empty path skips it), then SELFHEAL_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}

	// A configured target list replaces the default one instead of
	// overwriting it element by element.
	targets := cfg.Pipeline.Targets
	cfg.Pipeline.Targets = nil
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(cfg.Pipeline.Targets) == 0 {
		cfg.Pipeline.Targets = targets
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps SELFHEAL_RATE_LIMIT__BURST to rate_limit.burst.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validStores = map[string]bool{
	StoreFile:     true,
	StoreSQLite:   true,
	StorePostgres: true,
	StoreNone:     true,
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode %q: must be debug, release or test", c.Server.Mode))
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second and rate_limit.burst must be positive"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be json or text", c.Log.Format))
	}

	if !validStores[c.Memory.Store] {
		errs = append(errs, fmt.Errorf("memory.store %q: must be file, sqlite, postgres or none", c.Memory.Store))
	}
	if (c.Memory.Store == StoreFile || c.Memory.Store == StoreSQLite) && c.Memory.Path == "" {
		errs = append(errs, fmt.Errorf("memory.path is required for the %s store", c.Memory.Store))
	}
	if c.Memory.Store == StorePostgres && c.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres store"))
	}
	if c.Memory.FlushEvery < 0 || c.Memory.FlushInterval < 0 {
		errs = append(errs, errors.New("memory flush settings must be non-negative"))
	}
	for i, s := range c.Memory.Baseline {
		if s.Selector == "" || s.DataType == "" {
			errs = append(errs, fmt.Errorf("memory.baseline[%d] needs selector and data_type", i))
		}
		if s.SuccessRate < 0 || s.SuccessRate > 1 {
			errs = append(errs, fmt.Errorf("memory.baseline[%d] success_rate %v out of [0,1]", i, s.SuccessRate))
		}
	}

	if c.Healing.MaxAttempts <= 0 {
		errs = append(errs, errors.New("healing.max_attempts must be positive"))
	}
	if c.Healing.AutoRecoveryDelay < 0 {
		errs = append(errs, errors.New("healing.auto_recovery_delay must be non-negative"))
	}
	if c.Pipeline.MinFillRate <= 0 || c.Pipeline.MinFillRate > 1 {
		errs = append(errs, fmt.Errorf("pipeline.min_fill_rate %v out of (0,1]", c.Pipeline.MinFillRate))
	}
	if len(c.Pipeline.Targets) == 0 {
		errs = append(errs, errors.New("pipeline.targets must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// HealerConfig converts the healing and memory sections into heal.Config.
func (c *Config) HealerConfig() heal.Config {
	return heal.Config{
		MaxHealingAttempts: c.Healing.MaxAttempts,
		AutoRecoveryDelay:  c.Healing.AutoRecoveryDelay,
		FallbackTTL:        c.Healing.FallbackTTL,
		Thresholds:         c.Healing.Thresholds,
		Baseline:           c.Memory.Baseline,
		RecentExtractions:  c.Healing.RecentExtractions,
	}
}
