// Package config loads the server configuration from configs/dex.yaml with
// DEX_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr" env:"DEX_ADDR"`
	DataDir string `yaml:"data_dir" env:"DEX_DATA_DIR"`

	Spawn  SpawnConfig  `yaml:"spawn"`
	Trade  TradeConfig  `yaml:"trade"`
	Wager  WagerConfig  `yaml:"wager"`
	Ledger LedgerConfig `yaml:"ledger"`
	Queue  QueueConfig  `yaml:"queue"`
	Packs  PacksConfig  `yaml:"packs"`

	Transport TransportConfig `yaml:"transport"`
	Audit     AuditConfig     `yaml:"audit"`
}

type SpawnConfig struct {
	Channels    []string      `yaml:"channels" env:"DEX_SPAWN_CHANNELS" envSeparator:","`
	MinInterval time.Duration `yaml:"min_interval" env:"DEX_SPAWN_MIN_INTERVAL"`
	MaxInterval time.Duration `yaml:"max_interval" env:"DEX_SPAWN_MAX_INTERVAL"`
	Probability float64       `yaml:"probability" env:"DEX_SPAWN_PROBABILITY"`
	Expiry      time.Duration `yaml:"expiry" env:"DEX_SPAWN_EXPIRY"`
	// RequireAnswer gates claims on naming the item.
	RequireAnswer bool `yaml:"require_answer" env:"DEX_SPAWN_REQUIRE_ANSWER"`
	// MaxBonus bounds the attack/health roll, in percent either way.
	MaxBonus int `yaml:"max_bonus" env:"DEX_SPAWN_MAX_BONUS"`
}

type TradeConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"DEX_TRADE_INACTIVITY_TIMEOUT"`
}

type WagerConfig struct {
	ResolutionTimeout time.Duration `yaml:"resolution_timeout" env:"DEX_WAGER_RESOLUTION_TIMEOUT"`
}

type LedgerConfig struct {
	// Path of the sqlite file; empty means <data_dir>/ledger.sqlite. ":memory:"
	// selects the in-memory store.
	Path       string `yaml:"path" env:"DEX_LEDGER_PATH"`
	MaxRetries int    `yaml:"max_retries" env:"DEX_LEDGER_MAX_RETRIES"`
}

type QueueConfig struct {
	Depth          int           `yaml:"depth" env:"DEX_QUEUE_DEPTH"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" env:"DEX_QUEUE_ENQUEUE_TIMEOUT"`
	// IdleTimeout retires an entity worker that has seen no work.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"DEX_QUEUE_IDLE_TIMEOUT"`
}

type PacksConfig struct {
	MaxBuy  int `yaml:"max_buy" env:"DEX_PACKS_MAX_BUY"`
	MaxOpen int `yaml:"max_open" env:"DEX_PACKS_MAX_OPEN"`
}

type TransportConfig struct {
	// ResolverToken must accompany a HELLO asking for the resolver role.
	// Empty disables the role.
	ResolverToken string        `yaml:"resolver_token" env:"DEX_RESOLVER_TOKEN"`
	MaxInFlight   int           `yaml:"max_in_flight" env:"DEX_TRANSPORT_MAX_IN_FLIGHT"`
	ReadTimeout   time.Duration `yaml:"read_timeout" env:"DEX_TRANSPORT_READ_TIMEOUT"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"DEX_TRANSPORT_WRITE_TIMEOUT"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled" env:"DEX_AUDIT_ENABLED"`
	// Dir defaults to <data_dir>/audit.
	Dir string `yaml:"dir" env:"DEX_AUDIT_DIR"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Addr:    ":8080",
		DataDir: "./data",
		Spawn: SpawnConfig{
			Channels:      []string{"general"},
			MinInterval:   2 * time.Minute,
			MaxInterval:   10 * time.Minute,
			Probability:   0.5,
			Expiry:        3 * time.Minute,
			RequireAnswer: true,
			MaxBonus:      20,
		},
		Trade:  TradeConfig{InactivityTimeout: 30 * time.Minute},
		Wager:  WagerConfig{ResolutionTimeout: 30 * time.Minute},
		Ledger: LedgerConfig{MaxRetries: 3},
		Queue: QueueConfig{
			Depth:          64,
			EnqueueTimeout: 2 * time.Second,
			IdleTimeout:    time.Minute,
		},
		Packs: PacksConfig{MaxBuy: 100, MaxOpen: 10},
		Transport: TransportConfig{
			MaxInFlight:  16,
			ReadTimeout:  90 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Audit: AuditConfig{Enabled: true},
	}
}

// Load reads path over the defaults, applies environment overrides, then
// validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("dex.yaml: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("dex.yaml: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays DEX_* variables onto target. Unset variables leave
// fields untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	seen := map[string]bool{}
	out := c.Spawn.Channels[:0]
	for _, ch := range c.Spawn.Channels {
		ch = strings.TrimSpace(ch)
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	c.Spawn.Channels = out
	if c.Ledger.Path == "" {
		c.Ledger.Path = strings.TrimRight(c.DataDir, "/") + "/ledger.sqlite"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = strings.TrimRight(c.DataDir, "/") + "/audit"
	}
}

func (c Config) Validate() error {
	s := c.Spawn
	if s.MinInterval <= 0 || s.MaxInterval < s.MinInterval {
		return fmt.Errorf("spawn interval bounds invalid: min=%s max=%s", s.MinInterval, s.MaxInterval)
	}
	if s.Probability <= 0 || s.Probability > 1 {
		return fmt.Errorf("spawn probability must be in (0,1], got %v", s.Probability)
	}
	if s.Expiry <= 0 {
		return fmt.Errorf("spawn expiry must be positive")
	}
	if s.MaxBonus < 0 || s.MaxBonus > 100 {
		return fmt.Errorf("spawn max_bonus must be in [0,100], got %d", s.MaxBonus)
	}
	if c.Trade.InactivityTimeout <= 0 {
		return fmt.Errorf("trade inactivity_timeout must be positive")
	}
	if c.Wager.ResolutionTimeout <= 0 {
		return fmt.Errorf("wager resolution_timeout must be positive")
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger max_retries must be >= 0")
	}
	q := c.Queue
	if q.Depth <= 0 || q.EnqueueTimeout <= 0 || q.IdleTimeout <= 0 {
		return fmt.Errorf("queue depth and timeouts must be positive")
	}
	if c.Packs.MaxBuy <= 0 || c.Packs.MaxOpen <= 0 {
		return fmt.Errorf("packs max_buy and max_open must be positive")
	}
	tr := c.Transport
	if tr.MaxInFlight <= 0 || tr.ReadTimeout <= 0 || tr.WriteTimeout <= 0 {
		return fmt.Errorf("transport max_in_flight and timeouts must be positive")
	}
	return nil
}
