package broker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvSharedSecret names the runner auth secret. It is read from the
// environment at every upgrade, never cached, so the secret can be
// rotated without a restart.
const EnvSharedSecret = "RUNNER_SHARED_SECRET"

// Config holds broker configuration. Defaults are overlaid by an
// optional YAML file (RUNWIRE_CONFIG, else ./runwire.yaml), then by
// environment variables; the environment wins.
type Config struct {
	// Server
	ListenAddr string

	// Public proxy endpoints (/proxy/…, /hmr/…)
	UseWSProxy bool

	// Subscriber hub
	BatchDelay    time.Duration // flush window for batched broadcasts
	HubHeartbeat  time.Duration // hub → client heartbeat interval
	ClientTimeout time.Duration // silence before a client is dropped

	// Runner liveness
	RunnerPingInterval time.Duration
	StaleSweepInterval time.Duration
	RunnerTimeout      time.Duration // silence before a runner is dropped

	// Command queue
	QueueSweepInterval time.Duration
	MaxQueueSize       int
	CommandTTL         time.Duration
	MaxAttempts        int

	// Proxy managers
	ProxyTimeout      time.Duration
	HMRConnectTimeout time.Duration

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Rate limiting for failed runner auth attempts
	RateLimitAttempts int
	RateLimitWindow   time.Duration
}

// LoadConfig builds the configuration from defaults, the optional YAML
// file, and the environment, in that order.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := resolveConfigPath(); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8090",
		BatchDelay:         200 * time.Millisecond,
		HubHeartbeat:       30 * time.Second,
		ClientTimeout:      60 * time.Second,
		RunnerPingInterval: 30 * time.Second,
		StaleSweepInterval: 60 * time.Second,
		RunnerTimeout:      90 * time.Second,
		QueueSweepInterval: 30 * time.Second,
		MaxQueueSize:       100,
		CommandTTL:         5 * time.Minute,
		MaxAttempts:        3,
		ProxyTimeout:       30 * time.Second,
		HMRConnectTimeout:  30 * time.Second,
		RateLimitAttempts:  5,
		RateLimitWindow:    1 * time.Minute,
	}
}

// SharedSecret returns the current runner auth secret. Empty means no
// runner can authenticate until the variable is set.
func (c *Config) SharedSecret() string {
	return os.Getenv(EnvSharedSecret)
}

// fileConfig mirrors Config for the YAML overlay. Durations are strings
// in Go duration syntax ("200ms", "5m"); pointers distinguish unset
// from zero.
type fileConfig struct {
	Listen             string   `yaml:"listen"`
	UseWSProxy         *bool    `yaml:"use_ws_proxy"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	BatchDelay         string   `yaml:"batch_delay"`
	HubHeartbeat       string   `yaml:"hub_heartbeat"`
	ClientTimeout      string   `yaml:"client_timeout"`
	RunnerPingInterval string   `yaml:"runner_ping_interval"`
	StaleSweepInterval string   `yaml:"stale_sweep_interval"`
	RunnerTimeout      string   `yaml:"runner_timeout"`
	QueueSweepInterval string   `yaml:"queue_sweep_interval"`
	MaxQueueSize       *int     `yaml:"max_queue_size"`
	CommandTTL         string   `yaml:"command_ttl"`
	MaxAttempts        *int     `yaml:"max_attempts"`
	ProxyTimeout       string   `yaml:"proxy_timeout"`
	HMRConnectTimeout  string   `yaml:"hmr_connect_timeout"`
	RateLimitAttempts  *int     `yaml:"rate_limit_attempts"`
	RateLimitWindow    string   `yaml:"rate_limit_window"`
}

// resolveConfigPath finds the YAML overlay.
// Priority: RUNWIRE_CONFIG env var > ./runwire.yaml > "" (no file).
func resolveConfigPath() string {
	if p := os.Getenv("RUNWIRE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("runwire.yaml"); err == nil {
		return "runwire.yaml"
	}
	return ""
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Listen != "" {
		c.ListenAddr = fc.Listen
	}
	if fc.UseWSProxy != nil {
		c.UseWSProxy = *fc.UseWSProxy
	}
	if len(fc.AllowedOrigins) > 0 {
		c.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.MaxQueueSize != nil {
		c.MaxQueueSize = *fc.MaxQueueSize
	}
	if fc.MaxAttempts != nil {
		c.MaxAttempts = *fc.MaxAttempts
	}
	if fc.RateLimitAttempts != nil {
		c.RateLimitAttempts = *fc.RateLimitAttempts
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"batch_delay", fc.BatchDelay, &c.BatchDelay},
		{"hub_heartbeat", fc.HubHeartbeat, &c.HubHeartbeat},
		{"client_timeout", fc.ClientTimeout, &c.ClientTimeout},
		{"runner_ping_interval", fc.RunnerPingInterval, &c.RunnerPingInterval},
		{"stale_sweep_interval", fc.StaleSweepInterval, &c.StaleSweepInterval},
		{"runner_timeout", fc.RunnerTimeout, &c.RunnerTimeout},
		{"queue_sweep_interval", fc.QueueSweepInterval, &c.QueueSweepInterval},
		{"command_ttl", fc.CommandTTL, &c.CommandTTL},
		{"proxy_timeout", fc.ProxyTimeout, &c.ProxyTimeout},
		{"hmr_connect_timeout", fc.HMRConnectTimeout, &c.HMRConnectTimeout},
		{"rate_limit_window", fc.RateLimitWindow, &c.RateLimitWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("parse %s in %s: %w", d.key, path, err)
		}
		*d.dst = parsed
	}

	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("RUNWIRE_LISTEN", c.ListenAddr)
	c.UseWSProxy = parseBool("USE_WS_PROXY", c.UseWSProxy)
	c.BatchDelay = parseDuration("RUNWIRE_BATCH_DELAY", c.BatchDelay)
	c.HubHeartbeat = parseDuration("RUNWIRE_HUB_HEARTBEAT", c.HubHeartbeat)
	c.ClientTimeout = parseDuration("RUNWIRE_CLIENT_TIMEOUT", c.ClientTimeout)
	c.RunnerPingInterval = parseDuration("RUNWIRE_RUNNER_PING_INTERVAL", c.RunnerPingInterval)
	c.StaleSweepInterval = parseDuration("RUNWIRE_STALE_SWEEP_INTERVAL", c.StaleSweepInterval)
	c.RunnerTimeout = parseDuration("RUNWIRE_RUNNER_TIMEOUT", c.RunnerTimeout)
	c.QueueSweepInterval = parseDuration("RUNWIRE_QUEUE_SWEEP_INTERVAL", c.QueueSweepInterval)
	c.MaxQueueSize = parseInt("RUNWIRE_MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.CommandTTL = parseDuration("RUNWIRE_COMMAND_TTL", c.CommandTTL)
	c.MaxAttempts = parseInt("RUNWIRE_MAX_ATTEMPTS", c.MaxAttempts)
	c.ProxyTimeout = parseDuration("RUNWIRE_PROXY_TIMEOUT", c.ProxyTimeout)
	c.HMRConnectTimeout = parseDuration("RUNWIRE_HMR_CONNECT_TIMEOUT", c.HMRConnectTimeout)
	c.RateLimitAttempts = parseInt("RUNWIRE_RATE_LIMIT", c.RateLimitAttempts)
	c.RateLimitWindow = parseDuration("RUNWIRE_RATE_WINDOW", c.RateLimitWindow)
	if origins := parseOrigins("RUNWIRE_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}
}

func (c *Config) validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "listen address is required")
	}
	if c.BatchDelay <= 0 {
		errs = append(errs, "batch delay must be positive")
	}
	if c.MaxQueueSize <= 0 {
		errs = append(errs, "max queue size must be positive")
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, "max attempts must be positive")
	}
	if c.RunnerTimeout <= c.RunnerPingInterval {
		errs = append(errs, "runner timeout must exceed the ping interval")
	}
	if c.ClientTimeout <= c.HubHeartbeat {
		errs = append(errs, "client timeout must exceed the hub heartbeat interval")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseOrigins(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
