// Package config loads coordinator configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the coordinator configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the Postgres connection string. Empty selects the
	// in-memory store (single node, non-durable).
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the cross-replica event relay and shared
	// idempotency cache. Empty runs single-node.
	RedisAddr string `yaml:"redis_addr"`

	// HeartbeatTimeoutMin is the staleness threshold in minutes: an agent
	// with no heartbeat for longer is reported inactive.
	HeartbeatTimeoutMin int `yaml:"heartbeat_timeout_min"`

	// EventBuffer is the per-observer event queue depth.
	EventBuffer int `yaml:"event_buffer"`

	// HeartbeatRateLimit caps accepted heartbeats per second (storm
	// protection); HeartbeatRateBurst is the burst allowance.
	HeartbeatRateLimit int `yaml:"heartbeat_rate_limit"`
	HeartbeatRateBurst int `yaml:"heartbeat_rate_burst"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.HeartbeatTimeoutMin == 0 {
		c.HeartbeatTimeoutMin = 5
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 16
	}
	if c.HeartbeatRateLimit == 0 {
		c.HeartbeatRateLimit = 100
	}
	if c.HeartbeatRateBurst == 0 {
		c.HeartbeatRateBurst = 200
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.HeartbeatTimeoutMin < 1 {
		return fmt.Errorf("heartbeat_timeout_min must be at least 1")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1")
	}
	return nil
}

// Load reads the file at path (when non-empty), applies env overrides,
// defaults and validation. With an empty path only env and defaults apply.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SBOM_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
}
