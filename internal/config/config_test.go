package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dex.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ledger.Path != "./data/ledger.sqlite" {
		t.Fatalf("ledger path = %q", cfg.Ledger.Path)
	}
	if cfg.Audit.Dir != "./data/audit" || !cfg.Audit.Enabled {
		t.Fatalf("audit = %+v", cfg.Audit)
	}
	if cfg.Spawn.MinInterval != 2*time.Minute || cfg.Packs.MaxBuy != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
spawn:
  channels: [general, " trading ", general]
  min_interval: 30s
  max_interval: 90s
  probability: 0.25
trade:
  inactivity_timeout: 5m
ledger:
  path: ":memory:"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(cfg.Spawn.Channels, ","); got != "general,trading" {
		t.Fatalf("channels = %q", got)
	}
	if cfg.Spawn.MinInterval != 30*time.Second || cfg.Spawn.MaxInterval != 90*time.Second {
		t.Fatalf("intervals = %s..%s", cfg.Spawn.MinInterval, cfg.Spawn.MaxInterval)
	}
	if cfg.Trade.InactivityTimeout != 5*time.Minute || cfg.Ledger.Path != ":memory:" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Spawn.Expiry != 3*time.Minute {
		t.Fatalf("unset field lost its default: %s", cfg.Spawn.Expiry)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "spawn:\n  probability: 0.25\n")
	t.Setenv("DEX_SPAWN_PROBABILITY", "0.75")
	t.Setenv("DEX_SPAWN_CHANNELS", "a,b")
	t.Setenv("DEX_QUEUE_ENQUEUE_TIMEOUT", "750ms")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Spawn.Probability != 0.75 || len(cfg.Spawn.Channels) != 2 || cfg.Queue.EnqueueTimeout != 750*time.Millisecond {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestEnvParseError(t *testing.T) {
	t.Setenv("DEX_LEDGER_MAX_RETRIES", "lots")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(c *Config)
	}{
		{"inverted interval", func(c *Config) { c.Spawn.MaxInterval = c.Spawn.MinInterval - 1 }},
		{"zero probability", func(c *Config) { c.Spawn.Probability = 0 }},
		{"probability above one", func(c *Config) { c.Spawn.Probability = 1.5 }},
		{"no expiry", func(c *Config) { c.Spawn.Expiry = 0 }},
		{"no trade timeout", func(c *Config) { c.Trade.InactivityTimeout = 0 }},
		{"no wager timeout", func(c *Config) { c.Wager.ResolutionTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Ledger.MaxRetries = -1 }},
		{"zero queue depth", func(c *Config) { c.Queue.Depth = 0 }},
		{"bonus too large", func(c *Config) { c.Spawn.MaxBonus = 101 }},
		{"no in-flight budget", func(c *Config) { c.Transport.MaxInFlight = 0 }},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.mut(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
