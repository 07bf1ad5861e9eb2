// Package config handles configuration loading for voice-gateway.
//
// # Configuration File
//
// Location, first match wins:
//
//  1. Path from VOICE_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/voice-gateway/gateway.yaml
//  3. ~/.config/voice-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	webhook:
//	  secret: "${ELEVENLABS_WEBHOOK_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("30s", "10m", "24h").
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:5000"
//	  public_url: "https://voice.example.com"   # optional, for websocket_url
//
//	database:
//	  driver: "sqlite"            # memory, sqlite, sqlite3, redis, postgres
//	  path: "./voice-gateway.db"  # sqlite, sqlite3
//	  url: ""                     # redis://..., postgres://...
//
//	webhook:
//	  secret: "${ELEVENLABS_WEBHOOK_SECRET}"   # required
//	  tolerance: "30m"
//	  dedupe_ttl: "1h"
//	  dedupe_max_entries: 10000
//	  max_body_bytes: 1048576
//	  enqueue_timeout: "2s"
//	  agent_fallback: false
//	  agent_fallback_window: "5m"
//
//	sessions:
//	  inactivity_ttl: "10m"
//	  sweep_interval: "30s"
//	  expiry_policy: "error"      # error, evict
//	  retention: "24h"            # "0s" keeps terminal sessions forever
//
//	correlator:
//	  workers: 8
//	  queue_size: 256
//
//	realtime:
//	  allowed_origins: ["*"]
//	  send_buffer: 64
//	  ping_interval: "20s"
//	  write_timeout: "5s"
//
//	agents:
//	  catalog_path: "./agents.toml"   # optional TOML catalog
//	  list: []                        # inline overrides
//
//	tailscale:
//	  enabled: false
//	  hostname: "voice-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  funnel: true                    # public HTTPS for the webhook
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
