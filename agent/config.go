package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the agent identity and runtime settings.
type Config struct {
	AgentID              string `yaml:"agent_id"`
	ServerURL            string `yaml:"server_url"`
	PollIntervalSec      int    `yaml:"poll_interval_sec"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	ScanTimeoutSec       int    `yaml:"scan_timeout_sec"`

	// Scanners maps a scan type to the shell command that produces its
	// report. The command must print a JSON document with "packages" and
	// "vulnerabilities" arrays on stdout.
	Scanners map[string]string `yaml:"scanners"`

	Hostname string `yaml:"-"`
	OSInfo   string `yaml:"-"`
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *Config) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSec) * time.Second
}

// LoadConfig reads the optional config file, applies environment overrides
// and fills in the persisted agent identity.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:            "http://localhost:8000",
		PollIntervalSec:      10,
		HeartbeatIntervalSec: 60,
		ScanTimeoutSec:       600,
		Scanners: map[string]string{
			"full": "sbom-scan --format json",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("SBOM_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("SBOM_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if cfg.AgentID == "" {
		id, err := getOrCreateAgentID()
		if err != nil {
			return nil, err
		}
		cfg.AgentID = id
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	return cfg, nil
}

// getOrCreateAgentID returns the persisted agent identity, generating and
// saving one on first run so re-registration keeps the same ID.
func getOrCreateAgentID() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".sbom-agent")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", configDir, err)
	}

	idPath := filepath.Join(configDir, "agent_id")
	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	newID := "agent_" + uuid.NewString()[:12]
	if err := os.WriteFile(idPath, []byte(newID), 0600); err != nil {
		return "", fmt.Errorf("save agent ID to %s: %w", idPath, err)
	}
	return newID, nil
}
