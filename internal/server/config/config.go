package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string `koanf:"addr"`
	// DatabasePath is the sqlite database file path.
	DatabasePath string `koanf:"database_path"`
	// MasterSecret signs JWT bearer tokens. Required.
	MasterSecret string `koanf:"master_secret"`
	// InstanceID identifies this server process on the shared bus. Generated
	// when empty.
	InstanceID string `koanf:"instance_id"`
	Debug      bool   `koanf:"debug"`
	// AllowedOrigins is the CORS allowlist for the HTTP API.
	AllowedOrigins []string `koanf:"allowed_origins"`

	Bus    BusConfig    `koanf:"bus"`
	Tuning TuningConfig `koanf:"tuning"`
}

// BusConfig configures the shared NATS bus used for cross-instance fan-out
// and RPC forwarding.
type BusConfig struct {
	// URL is the NATS server URL. Ignored when Embedded is set.
	URL string `koanf:"url"`
	// Embedded starts an in-process NATS server for single-binary
	// deployments.
	Embedded bool `koanf:"embedded"`
	// EmbeddedPort is the port for the embedded NATS server. Zero picks a
	// random free port.
	EmbeddedPort int `koanf:"embedded_port"`
}

// TuningConfig holds protocol tunables. Values are durations in Go syntax
// (e.g. "30s") in yaml/env form.
type TuningConfig struct {
	// RPCTimeout bounds RPC round trips end-to-end, local and forwarded.
	RPCTimeout time.Duration `koanf:"rpc_timeout"`
	// ActivityFlushInterval is the debounce window for coalesced session
	// activity ephemerals.
	ActivityFlushInterval time.Duration `koanf:"activity_flush_interval"`
	// ActiveSessionWindow bounds the "active sessions" derived view.
	ActiveSessionWindow time.Duration `koanf:"active_session_window"`
	// TokenTTL is the lifetime of issued bearer tokens.
	TokenTTL time.Duration `koanf:"token_ttl"`
}

func defaults() Config {
	return Config{
		Addr:           ":3005",
		DatabasePath:   "./happy.db",
		AllowedOrigins: []string{"*"},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: false,
		},
		Tuning: TuningConfig{
			RPCTimeout:            30 * time.Second,
			ActivityFlushInterval: 2 * time.Second,
			ActiveSessionWindow:   15 * time.Minute,
			TokenTTL:              30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from an optional yaml file and HAPPY_* environment
// variables, on top of defaults. Env keys map as HAPPY_BUS_URL -> bus.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("HAPPY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "HAPPY_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MasterSecret == "" {
		return fmt.Errorf("master_secret is required (HAPPY_MASTER__SECRET)")
	}
	if c.Tuning.RPCTimeout <= 0 {
		return fmt.Errorf("tuning.rpc_timeout must be positive")
	}
	if c.Tuning.ActivityFlushInterval <= 0 {
		return fmt.Errorf("tuning.activity_flush_interval must be positive")
	}
	return nil
}
