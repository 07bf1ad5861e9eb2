// ABOUTME: Entry point for the voice-gateway session orchestrator
// ABOUTME: Subcommands serve, init, health, and agents

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/config"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _                             _
 __   _____ (_) ___ ___        __ _  __ _| |_ _____      ____ _ _   _
 \ \ / / _ \| |/ __/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
  \ V / (_) | | (_|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
   \_/ \___/|_|\___\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                              |___/                             |___/
`

// getDataPath returns the voice-gateway data directory.
// Priority: XDG_DATA_HOME/voice-gateway > ~/.local/share/voice-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "voice-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: voice-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  agents   List the agent catalog")
		os.Exit(1)
	}

	// A local .env supplies ${VAR} values referenced by the config.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Expiry:    %s after %s\n", cfg.Sessions.ExpiryPolicy, cfg.Sessions.InactivityTTL)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting voice-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// localBaseURL turns a listen address into a URL this host can dial.
func localBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var health gateway.HealthResponse
	if err := getJSON(ctx, localBaseURL(cfg.Server.HTTPAddr)+"/api/health", &health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Printf("%s (%d active / %d sessions)\n", health.Status, health.SessionsActive, health.SessionsTotal)
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var list gateway.ListAgentsResponse
	if err := getJSON(ctx, localBaseURL(cfg.Server.HTTPAddr)+"/api/agents", &list); err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	if len(list.Agents) == 0 {
		fmt.Println("No agents configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tROLE\tAGENT ID")
	for _, a := range list.Agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Key, a.Name, a.Role, a.AgentID)
	}
	return w.Flush()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("voice-gateway configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:5000")
	publicURL := prompt(reader, "Public URL (leave empty to auto-detect)", "")

	fmt.Println("\n--- Session Store ---")
	driver := prompt(reader, "Driver (memory/sqlite/sqlite3/redis/postgres)", config.DriverSQLite)
	var dbPath, dbURL string
	switch driver {
	case config.DriverSQLite, config.DriverSQLite3:
		dbPath = prompt(reader, "SQLite database path", defaultDbPath)
	case config.DriverRedis:
		dbURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	case config.DriverPostgres:
		dbURL = prompt(reader, "Postgres URL", "postgres://localhost:5432/voice_gateway")
	}

	fmt.Println("\n--- Webhooks ---")
	secretVar := prompt(reader, "Environment variable holding the webhook secret", "ELEVENLABS_WEBHOOK_SECRET")

	fmt.Println("\n--- Sessions ---")
	inactivity := prompt(reader, "Inactivity timeout", "10m")
	policy := prompt(reader, "Expiry policy (error/evict)", "error")

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "voice-gateway")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS for webhooks)?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# voice-gateway configuration\n")
	cfg.WriteString("# Generated by voice-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	if publicURL != "" {
		cfg.WriteString(fmt.Sprintf("  public_url: \"%s\"\n", publicURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  driver: \"%s\"\n", driver))
	if dbPath != "" {
		cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	}
	if dbURL != "" {
		cfg.WriteString(fmt.Sprintf("  url: \"%s\"\n", dbURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("webhook:\n")
	cfg.WriteString(fmt.Sprintf("  secret: \"${%s}\"\n", secretVar))
	cfg.WriteString("  tolerance: \"30m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("sessions:\n")
	cfg.WriteString(fmt.Sprintf("  inactivity_ttl: \"%s\"\n", inactivity))
	cfg.WriteString("  sweep_interval: \"30s\"\n")
	cfg.WriteString(fmt.Sprintf("  expiry_policy: \"%s\"\n", policy))
	cfg.WriteString("  retention: \"24h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: \"%s\"\n", tsHostname))
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("\nSet %s (in the environment or a .env file), then start the server:\n", secretVar)
	fmt.Printf("  voice-gateway serve\n")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
