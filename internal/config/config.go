// ABOUTME: Configuration loading and parsing for voice-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/agents"
)

// Config represents the complete voice-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Correlator CorrelatorConfig `yaml:"correlator"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Agents     AgentsConfig     `yaml:"agents"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL is the externally reachable base URL, used to build the
	// websocket_url handed to clients. Auto-detected when empty.
	PublicURL string `yaml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // Public HTTPS so the engine can reach /webhook
}

// DatabaseConfig selects the session store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, sqlite3, redis, postgres
	Path   string `yaml:"path"`   // sqlite, sqlite3
	URL    string `yaml:"url"`    // redis, postgres
}

// WebhookConfig holds webhook verification and intake settings
type WebhookConfig struct {
	Secret              string        `yaml:"secret"`
	Tolerance           time.Duration `yaml:"-"`
	DedupeTTL           time.Duration `yaml:"-"`
	DedupeMaxEntries    int           `yaml:"dedupe_max_entries"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	EnqueueTimeout      time.Duration `yaml:"-"`
	AgentFallback       bool          `yaml:"agent_fallback"`
	AgentFallbackWindow time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ToleranceRaw           string `yaml:"tolerance"`
	DedupeTTLRaw           string `yaml:"dedupe_ttl"`
	EnqueueTimeoutRaw      string `yaml:"enqueue_timeout"`
	AgentFallbackWindowRaw string `yaml:"agent_fallback_window"`
}

// SessionsConfig holds session expiry settings
type SessionsConfig struct {
	InactivityTTL time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	ExpiryPolicy  string        `yaml:"expiry_policy"` // error, evict
	Retention     time.Duration `yaml:"-"`

	InactivityTTLRaw string `yaml:"inactivity_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	RetentionRaw     string `yaml:"retention"`
}

// CorrelatorConfig sizes the event worker pool
type CorrelatorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RealtimeConfig holds WebSocket settings
type RealtimeConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"-"`
	WriteTimeout   time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// AgentsConfig holds the agent catalog. Agents in List override those from
// CatalogPath, which override the built-in defaults, matched by key.
type AgentsConfig struct {
	CatalogPath string         `yaml:"catalog_path"`
	List        []agents.Agent `yaml:"list"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// DefaultPath returns the config file location: $VOICE_GATEWAY_CONFIG, else
// $XDG_CONFIG_HOME/voice-gateway/gateway.yaml, else ~/.config/voice-gateway/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("VOICE_GATEWAY_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "voice-gateway", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset optional fields.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}

	if c.Webhook.Tolerance == 0 {
		c.Webhook.Tolerance = 30 * time.Minute
	}
	if c.Webhook.DedupeTTL == 0 {
		c.Webhook.DedupeTTL = time.Hour
	}
	if c.Webhook.DedupeMaxEntries == 0 {
		c.Webhook.DedupeMaxEntries = 10000
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Webhook.EnqueueTimeout == 0 {
		c.Webhook.EnqueueTimeout = 2 * time.Second
	}
	if c.Webhook.AgentFallbackWindow == 0 {
		c.Webhook.AgentFallbackWindow = 5 * time.Minute
	}

	if c.Sessions.InactivityTTL == 0 {
		c.Sessions.InactivityTTL = 10 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = 30 * time.Second
	}
	if c.Sessions.ExpiryPolicy == "" {
		c.Sessions.ExpiryPolicy = "error"
	}
	// An explicit "0s" keeps terminal sessions forever
	if c.Sessions.RetentionRaw == "" {
		c.Sessions.Retention = 24 * time.Hour
	}

	if c.Correlator.Workers == 0 {
		c.Correlator.Workers = 8
	}
	if c.Correlator.QueueSize == 0 {
		c.Correlator.QueueSize = 256
	}

	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 64
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = 20 * time.Second
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverRedis, DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver %q is not one of memory, sqlite, sqlite3, redis, postgres", c.Database.Driver)
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if c.Webhook.Tolerance < 0 || c.Webhook.EnqueueTimeout < 0 {
		return fmt.Errorf("webhook durations must not be negative")
	}
	if c.Webhook.MaxBodyBytes < 0 || c.Webhook.DedupeMaxEntries < 0 {
		return fmt.Errorf("webhook limits must not be negative")
	}

	if c.Sessions.ExpiryPolicy != "error" && c.Sessions.ExpiryPolicy != "evict" {
		return fmt.Errorf("sessions.expiry_policy %q must be error or evict", c.Sessions.ExpiryPolicy)
	}
	if c.Sessions.InactivityTTL < 0 || c.Sessions.SweepInterval < 0 || c.Sessions.Retention < 0 {
		return fmt.Errorf("session durations must not be negative")
	}

	if c.Correlator.Workers < 0 || c.Correlator.QueueSize < 0 {
		return fmt.Errorf("correlator sizes must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn, or error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"webhook.tolerance", cfg.Webhook.ToleranceRaw, &cfg.Webhook.Tolerance},
		{"webhook.dedupe_ttl", cfg.Webhook.DedupeTTLRaw, &cfg.Webhook.DedupeTTL},
		{"webhook.enqueue_timeout", cfg.Webhook.EnqueueTimeoutRaw, &cfg.Webhook.EnqueueTimeout},
		{"webhook.agent_fallback_window", cfg.Webhook.AgentFallbackWindowRaw, &cfg.Webhook.AgentFallbackWindow},
		{"sessions.inactivity_ttl", cfg.Sessions.InactivityTTLRaw, &cfg.Sessions.InactivityTTL},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"sessions.retention", cfg.Sessions.RetentionRaw, &cfg.Sessions.Retention},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"realtime.write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
