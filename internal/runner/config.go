// Package runner implements the client side of the broker protocol: a
// reconnecting WebSocket connection that authenticates to the broker,
// answers built-in plumbing commands (health, logs, files, loopback
// HTTP and HMR proxying), and delegates project execution to an
// optional Executor.
package runner

import (
	"errors"
	"os"
	"strings"
)

// Environment variables read by LoadFromEnv.
const (
	EnvBrokerURL    = "RUNWIRE_BROKER_URL"
	EnvSharedSecret = "RUNNER_SHARED_SECRET"
	EnvRunnerID     = "RUNNER_ID"
	EnvWorkspace    = "RUNWIRE_WORKSPACE"
	EnvLogLevel     = "RUNWIRE_LOG_LEVEL"
)

// Config holds runner configuration.
type Config struct {
	// Connection
	BrokerURL string // broker base URL (ws:// or wss://)
	RunnerID  string // stable runner identity
	Token     string // shared secret presented as a Bearer token

	// Workspace
	WorkspaceDir string // root directory holding per-project workspaces

	// Behavior
	LogLevel string // logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		RunnerID:     hostname,
		WorkspaceDir: "projects",
		LogLevel:     "info",
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.BrokerURL = os.Getenv(EnvBrokerURL)
	if cfg.BrokerURL == "" {
		return nil, errors.New(EnvBrokerURL + " is required")
	}

	cfg.Token = os.Getenv(EnvSharedSecret)
	if cfg.Token == "" {
		return nil, errors.New(EnvSharedSecret + " is required")
	}

	// Optional
	if id := os.Getenv(EnvRunnerID); id != "" {
		cfg.RunnerID = id
	}
	if dir := os.Getenv(EnvWorkspace); dir != "" {
		cfg.WorkspaceDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker URL is required")
	}
	if !strings.HasPrefix(c.BrokerURL, "ws://") && !strings.HasPrefix(c.BrokerURL, "wss://") {
		return errors.New("broker URL must use the ws:// or wss:// scheme")
	}
	if c.Token == "" {
		return errors.New("shared secret is required")
	}
	if c.RunnerID == "" {
		return errors.New("runner id is required")
	}
	if c.WorkspaceDir == "" {
		return errors.New("workspace directory is required")
	}
	return nil
}
