// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:5000"
  public_url: "https://voice.example.com"

database:
  driver: "sqlite3"
  path: "./test.db"

webhook:
  secret: "wsec_test"
  tolerance: "10m"
  dedupe_ttl: "2h"
  dedupe_max_entries: 500
  max_body_bytes: 65536
  enqueue_timeout: "1s"
  agent_fallback: true
  agent_fallback_window: "90s"

sessions:
  inactivity_ttl: "15m"
  sweep_interval: "10s"
  expiry_policy: "evict"
  retention: "1h"

correlator:
  workers: 2
  queue_size: 32

realtime:
  allowed_origins:
    - "https://app.example.com"
  send_buffer: 16
  ping_interval: "15s"
  write_timeout: "3s"

agents:
  catalog_path: "/etc/voice-gateway/agents.toml"
  list:
    - key: "clara"
      agent_id: "agent_override"
      name: "Clara"
      role: "Referral Coordinator"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:5000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:5000")
	}
	if cfg.Server.PublicURL != "https://voice.example.com" {
		t.Errorf("Server.PublicURL = %q", cfg.Server.PublicURL)
	}
	if cfg.Database.Driver != DriverSQLite3 || cfg.Database.Path != "./test.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}

	if cfg.Webhook.Secret != "wsec_test" {
		t.Errorf("Webhook.Secret = %q, want %q", cfg.Webhook.Secret, "wsec_test")
	}
	if cfg.Webhook.Tolerance != 10*time.Minute {
		t.Errorf("Webhook.Tolerance = %v, want %v", cfg.Webhook.Tolerance, 10*time.Minute)
	}
	if cfg.Webhook.DedupeTTL != 2*time.Hour {
		t.Errorf("Webhook.DedupeTTL = %v, want %v", cfg.Webhook.DedupeTTL, 2*time.Hour)
	}
	if cfg.Webhook.DedupeMaxEntries != 500 || cfg.Webhook.MaxBodyBytes != 65536 {
		t.Errorf("Webhook limits = %d/%d", cfg.Webhook.DedupeMaxEntries, cfg.Webhook.MaxBodyBytes)
	}
	if cfg.Webhook.EnqueueTimeout != time.Second {
		t.Errorf("Webhook.EnqueueTimeout = %v, want %v", cfg.Webhook.EnqueueTimeout, time.Second)
	}
	if !cfg.Webhook.AgentFallback || cfg.Webhook.AgentFallbackWindow != 90*time.Second {
		t.Errorf("Webhook agent fallback = %v/%v", cfg.Webhook.AgentFallback, cfg.Webhook.AgentFallbackWindow)
	}

	if cfg.Sessions.InactivityTTL != 15*time.Minute {
		t.Errorf("Sessions.InactivityTTL = %v, want %v", cfg.Sessions.InactivityTTL, 15*time.Minute)
	}
	if cfg.Sessions.SweepInterval != 10*time.Second {
		t.Errorf("Sessions.SweepInterval = %v, want %v", cfg.Sessions.SweepInterval, 10*time.Second)
	}
	if cfg.Sessions.ExpiryPolicy != "evict" {
		t.Errorf("Sessions.ExpiryPolicy = %q, want %q", cfg.Sessions.ExpiryPolicy, "evict")
	}
	if cfg.Sessions.Retention != time.Hour {
		t.Errorf("Sessions.Retention = %v, want %v", cfg.Sessions.Retention, time.Hour)
	}

	if cfg.Correlator.Workers != 2 || cfg.Correlator.QueueSize != 32 {
		t.Errorf("Correlator = %+v", cfg.Correlator)
	}

	if len(cfg.Realtime.AllowedOrigins) != 1 || cfg.Realtime.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Realtime.AllowedOrigins = %v", cfg.Realtime.AllowedOrigins)
	}
	if cfg.Realtime.PingInterval != 15*time.Second || cfg.Realtime.WriteTimeout != 3*time.Second {
		t.Errorf("Realtime timings = %v/%v", cfg.Realtime.PingInterval, cfg.Realtime.WriteTimeout)
	}

	if cfg.Agents.CatalogPath != "/etc/voice-gateway/agents.toml" {
		t.Errorf("Agents.CatalogPath = %q", cfg.Agents.CatalogPath)
	}
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].AgentID != "agent_override" {
		t.Errorf("Agents.List = %+v", cfg.Agents.List)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":5000"
database:
  path: "./test.db"
webhook:
  secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverSQLite)
	}
	if cfg.Webhook.Tolerance != 30*time.Minute {
		t.Errorf("Webhook.Tolerance = %v, want %v", cfg.Webhook.Tolerance, 30*time.Minute)
	}
	if cfg.Webhook.MaxBodyBytes != 1<<20 {
		t.Errorf("Webhook.MaxBodyBytes = %d, want %d", cfg.Webhook.MaxBodyBytes, 1<<20)
	}
	if cfg.Webhook.AgentFallback {
		t.Error("Webhook.AgentFallback should default to false")
	}
	if cfg.Sessions.InactivityTTL != 10*time.Minute {
		t.Errorf("Sessions.InactivityTTL = %v, want %v", cfg.Sessions.InactivityTTL, 10*time.Minute)
	}
	if cfg.Sessions.SweepInterval != 30*time.Second {
		t.Errorf("Sessions.SweepInterval = %v, want %v", cfg.Sessions.SweepInterval, 30*time.Second)
	}
	if cfg.Sessions.ExpiryPolicy != "error" {
		t.Errorf("Sessions.ExpiryPolicy = %q, want %q", cfg.Sessions.ExpiryPolicy, "error")
	}
	if cfg.Sessions.Retention != 24*time.Hour {
		t.Errorf("Sessions.Retention = %v, want %v", cfg.Sessions.Retention, 24*time.Hour)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_ZeroRetentionKeepsSessions(t *testing.T) {
	for _, raw := range []string{`"0s"`, `0`} {
		configPath := writeConfig(t, `
server:
  http_addr: ":5000"
database:
  path: "./test.db"
webhook:
  secret: "s"
sessions:
  retention: `+raw+`
`)

		cfg, err := Load(configPath)
		if err != nil {
			t.Fatalf("Load() with retention %s error = %v", raw, err)
		}
		if cfg.Sessions.Retention != 0 {
			t.Errorf("retention %s: Sessions.Retention = %v, want 0", raw, cfg.Sessions.Retention)
		}
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "wsec_from_env")
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/2")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:5000"
database:
  driver: "redis"
  url: "${TEST_REDIS_URL}"
webhook:
  secret: "${TEST_WEBHOOK_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Webhook.Secret != "wsec_from_env" {
		t.Errorf("Webhook.Secret = %q, want %q", cfg.Webhook.Secret, "wsec_from_env")
	}
	if cfg.Database.URL != "redis://localhost:6379/2" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "redis://localhost:6379/2")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	// Ensure the env var is NOT set
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:5000"
database:
  path: "./test.db"
webhook:
  secret: "${UNSET_VAR_FOR_TEST}"
`)

	// Unset env vars expand to empty string, which fails validation
	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "webhook.secret is required") {
		t.Errorf("Load() error = %v, want webhook.secret is required", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:5000"
  invalid yaml here [
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:5000"
database:
  path: "./test.db"
webhook:
  secret: "s"
sessions:
  inactivity_ttl: "ten minutes"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "sessions.inactivity_ttl") {
		t.Errorf("Load() error = %q, want it to name the field", err.Error())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing http_addr",
			configContent: `
database:
  path: "./test.db"
webhook:
  secret: "s"
`,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "missing database path",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "sqlite"
webhook:
  secret: "s"
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "postgres without url",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "postgres"
webhook:
  secret: "s"
`,
			wantErrSubstr: "database.url is required",
		},
		{
			name: "unknown driver",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "mongodb"
webhook:
  secret: "s"
`,
			wantErrSubstr: "database.driver",
		},
		{
			name: "missing secret",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "memory"
`,
			wantErrSubstr: "webhook.secret is required",
		},
		{
			name: "bad expiry policy",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "memory"
webhook:
  secret: "s"
sessions:
  expiry_policy: "ignore"
`,
			wantErrSubstr: "sessions.expiry_policy",
		},
		{
			name: "bad log level",
			configContent: `
server:
  http_addr: ":5000"
database:
  driver: "memory"
webhook:
  secret: "s"
logging:
  level: "verbose"
`,
			wantErrSubstr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.configContent))
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("VOICE_GATEWAY_CONFIG", "/etc/vg.yaml")
	if got := DefaultPath(); got != "/etc/vg.yaml" {
		t.Errorf("DefaultPath() = %q, want %q", got, "/etc/vg.yaml")
	}

	t.Setenv("VOICE_GATEWAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "voice-gateway", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func validConfig() Config {
	cfg := Config{
		Server:   ServerConfig{HTTPAddr: ":5000"},
		Database: DatabaseConfig{Driver: DriverMemory},
		Webhook:  WebhookConfig{Secret: "s"},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate_TailscaleConfig(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name: "tailscale enabled allows empty server address",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "voice-gateway"}
			},
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires server address",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Hostname: "voice-gateway"}
			},
			wantErr:       true,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "tailscale with all options set",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{
					Enabled:   true,
					Hostname:  "voice-gateway",
					AuthKey:   "tskey-auth-xxx",
					StateDir:  "/tmp/ts-state",
					Ephemeral: true,
					Funnel:    true,
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}
