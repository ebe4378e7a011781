package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/use-agent/selfheal/memory"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "selfheal.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9090
memory:
  store: sqlite
  path: /var/lib/selfheal/patterns.db
  flush_interval: 2m
  weights:
    base: 40
  baseline:
    - selector: ".price"
      data_type: price
      success_rate: 0.9
healing:
  max_attempts: 2
  thresholds:
    slow_elapsed: 45s
pipeline:
  targets: [price, title]
scheduler:
  cleanup: "off"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Memory.Store != StoreSQLite || cfg.Memory.FlushInterval != 2*time.Minute {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if cfg.Memory.Weights.Base != 40 || cfg.Memory.Weights.SuccessRate != 40 {
		t.Errorf("weights = %+v, want base overridden and the rest kept", cfg.Memory.Weights)
	}
	if len(cfg.Memory.Baseline) != 1 || cfg.Memory.Baseline[0].SuccessRate != 0.9 {
		t.Errorf("baseline = %+v", cfg.Memory.Baseline)
	}
	if cfg.Healing.MaxAttempts != 2 || cfg.Healing.Thresholds.SlowElapsed != 45*time.Second {
		t.Errorf("healing = %+v", cfg.Healing)
	}
	if cfg.Healing.Thresholds.SelectorBrokenStrategies != 3 {
		t.Errorf("thresholds lost defaults: %+v", cfg.Healing.Thresholds)
	}
	if !reflect.DeepEqual(cfg.Pipeline.Targets, []string{"price", "title"}) {
		t.Errorf("targets = %v", cfg.Pipeline.Targets)
	}
	if cfg.Scheduler.Cleanup != "off" || cfg.Scheduler.Flush != "@every 1m" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9090\n")
	t.Setenv("SELFHEAL_SERVER__PORT", "7070")
	t.Setenv("SELFHEAL_RATE_LIMIT__BURST", "3")
	t.Setenv("SELFHEAL_WEBHOOK__URL", "https://ops.example.com/hook")
	t.Setenv("SELFHEAL_HEALING__AUTO_RECOVERY_DELAY", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.RateLimit.Burst != 3 {
		t.Errorf("burst = %d, want 3", cfg.RateLimit.Burst)
	}
	if cfg.Webhook.URL != "https://ops.example.com/hook" {
		t.Errorf("webhook = %+v", cfg.Webhook)
	}
	if cfg.Healing.AutoRecoveryDelay != 250*time.Millisecond {
		t.Errorf("auto recovery delay = %v", cfg.Healing.AutoRecoveryDelay)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeFile(t, "server: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"store", func(c *Config) { c.Memory.Store = "redis" }, "memory.store"},
		{"postgres dsn", func(c *Config) { c.Memory.Store = StorePostgres }, "postgres_dsn"},
		{"file path", func(c *Config) { c.Memory.Path = "" }, "memory.path"},
		{"baseline rate", func(c *Config) {
			c.Memory.Baseline = []memory.Seed{{Selector: ".p", DataType: "price", SuccessRate: 2}}
		}, "success_rate"},
		{"fill rate", func(c *Config) { c.Pipeline.MinFillRate = 1.5 }, "min_fill_rate"},
		{"attempts", func(c *Config) { c.Healing.MaxAttempts = 0 }, "max_attempts"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestEnvKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"SELFHEAL_SERVER__PORT", "server.port"},
		{"SELFHEAL_RATE_LIMIT__REQUESTS_PER_SECOND", "rate_limit.requests_per_second"},
		{"SELFHEAL_MEMORY__WEIGHTS__BASE", "memory.weights.base"},
	}
	for _, tt := range tests {
		if got := envKey(tt.in); got != tt.want {
			t.Errorf("envKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHealerConfig(t *testing.T) {
	cfg := Default()
	hc := cfg.HealerConfig()
	if hc.MaxHealingAttempts != 3 || hc.FallbackTTL != 30*time.Minute || hc.AutoRecoveryDelay != 5*time.Second {
		t.Errorf("healer config = %+v", hc)
	}
}
