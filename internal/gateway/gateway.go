// ABOUTME: Gateway orchestrator that wires the session registry, webhook ingress, and realtime bridge
// ABOUTME: Manages store, listeners (TCP or tsnet), the inactivity sweeper, and ordered shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/agents"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/config"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/correlator"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/dedupe"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/metrics"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/realtime"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/session"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

// Gateway orchestrates the voice-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *session.Registry
	catalog     *agents.Catalog
	dedupe      *dedupe.Cache
	correlator  *correlator.Correlator
	bridge      *realtime.Bridge
	ingress     *webhook.Ingress
	metrics     *metrics.Metrics
	handler     http.Handler
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	now         func() time.Time

	// publicURL is the externally reachable base URL; empty means derive
	// it from the incoming request.
	urlMu     sync.RWMutex
	publicURL string

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates and returns a store based on config and environment.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("VOICE_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverSQLite3:
		s, err := store.NewSQLiteStoreWithDriver(cfg.Database.Driver, dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		return s, nil
	case config.DriverRedis:
		s, err := store.NewRedisStore(ctx, store.RedisOptions{
			URL:       cfg.Database.URL,
			Retention: cfg.Sessions.Retention,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// initCatalog layers the built-in agents, the optional TOML catalog, and the
// inline config list, later sources winning by key.
func initCatalog(cfg *config.Config) (*agents.Catalog, error) {
	list := agents.Defaults()
	if cfg.Agents.CatalogPath != "" {
		fromFile, err := agents.LoadFile(cfg.Agents.CatalogPath)
		if err != nil {
			return nil, err
		}
		list = agents.Merge(list, fromFile)
	}
	list = agents.Merge(list, cfg.Agents.List)
	return agents.New(list)
}

// determinePublicURL returns the configured base URL, or VOICE_GATEWAY_URL.
func determinePublicURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	return strings.TrimSuffix(os.Getenv("VOICE_GATEWAY_URL"), "/")
}

// New creates a Gateway from config. Sessions persisted by a previous run
// are restored before any listener opens.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	catalog, err := initCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading agent catalog: %w", err)
	}

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	registry := session.NewRegistry(s, logger)
	restored, err := registry.Load(ctx)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("restoring sessions: %w", err)
	}
	if restored > 0 {
		logger.Info("restored sessions from store", "count", restored, "driver", cfg.Database.Driver)
	}

	bridge := realtime.NewBridge(realtime.Config{
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		WriteTimeout:   cfg.Realtime.WriteTimeout,
	}, registry, m, logger)

	corr := correlator.New(correlator.Config{
		Workers:   cfg.Correlator.Workers,
		QueueSize: cfg.Correlator.QueueSize,
	}, registry, bridge, m, logger)

	dedupeCache := dedupe.New(cfg.Webhook.DedupeTTL, cfg.Webhook.DedupeMaxEntries, 0)

	ingress := webhook.NewIngress(webhook.Config{
		Secret:              cfg.Webhook.Secret,
		Tolerance:           cfg.Webhook.Tolerance,
		MaxBodyBytes:        cfg.Webhook.MaxBodyBytes,
		EnqueueTimeout:      cfg.Webhook.EnqueueTimeout,
		AgentFallback:       cfg.Webhook.AgentFallback,
		AgentFallbackWindow: cfg.Webhook.AgentFallbackWindow,
	}, registry, corr, dedupeCache, m, logger)

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   registry,
		catalog:    catalog,
		dedupe:     dedupeCache,
		correlator: corr,
		bridge:     bridge,
		ingress:    ingress,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		publicURL:  determinePublicURL(cfg),
	}

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.recordSessionCounts()

	logger.Info("gateway initialized",
		"agents", catalog.Len(),
		"driver", cfg.Database.Driver,
		"expiry_policy", cfg.Sessions.ExpiryPolicy,
		"metrics", m != nil,
	)
	return gw, nil
}

// routes builds the HTTP surface.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /api/health", g.handleAPIHealth)
	mux.HandleFunc("GET /api/config", g.handleClientConfig)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", g.handleTranscript)
	mux.HandleFunc("GET /api/sessions/{id}/staged-transcript", g.handleStagedTranscript)
	mux.HandleFunc("GET /api/sessions/{id}/call-summary", g.handleCallSummary)
	mux.HandleFunc("GET /api/sessions/{id}/report", g.handleReport)

	// Ingress answers wrong methods itself with a JSON body.
	mux.Handle("/webhook", g.ingress)
	mux.Handle("GET /ws", g.bridge)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, "not found")
	})

	var h http.Handler = mux
	h = CORS(g.config.Realtime.AllowedOrigins, h)
	h = AccessLog(g.logger, h)
	h = Recover(g.logger, h)
	h = RequestID(h)
	return h
}

// Handler returns the gateway's HTTP handler, middleware included.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// Bridge exposes the realtime bridge.
func (g *Gateway) Bridge() *realtime.Bridge {
	return g.bridge
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves until ctx is canceled or the listener fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		g.runSweeper(sweepCtx)
	}()

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopSweep()
	<-sweepDone

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) runSweeper(ctx context.Context) {
	interval := g.config.Sessions.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one inactivity sweep and notifies rooms of what changed.
// Errored sessions get a conversation_update; evicted sessions get their
// room closed.
func (g *Gateway) SweepOnce(ctx context.Context) []session.SweepResult {
	results, err := g.registry.SweepExpired(ctx, session.SweepOptions{
		InactivityTTL: g.config.Sessions.InactivityTTL,
		Policy:        session.ExpiryPolicy(g.config.Sessions.ExpiryPolicy),
		Retention:     g.config.Sessions.Retention,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("session sweep failed", "error", err)
	}

	for _, res := range results {
		g.metrics.RecordSweep(string(res.Action))
		switch res.Action {
		case session.SweepErrored:
			g.bridge.Publish(res.SessionID, realtime.EventConversationUpdate, realtime.NewConversationUpdate(res.Session))
		case session.SweepEvicted:
			g.bridge.CloseRoom(res.SessionID, "expired")
		}
	}
	if len(results) > 0 {
		g.logger.Info("session sweep complete", "swept", len(results))
	}
	g.recordSessionCounts()
	return results
}

func (g *Gateway) recordSessionCounts() {
	if g.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for state, n := range g.registry.CountByState() {
		counts[string(state)] = n
	}
	g.metrics.SetSessionCounts(counts)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "voice-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :443 through
// Funnel (so the engine can deliver webhooks) or on :80 inside the tailnet.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	g.updatePublicURLFromStatus(status, tsCfg.Funnel)
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updatePublicURLFromStatus fills in the public URL from the node's DNS name
// unless one was configured.
func (g *Gateway) updatePublicURLFromStatus(status *ipnstate.Status, funnel bool) {
	if status.Self == nil || status.Self.DNSName == "" {
		return
	}
	g.urlMu.Lock()
	defer g.urlMu.Unlock()
	if g.publicURL != "" {
		return
	}
	scheme := "http://"
	if funnel {
		scheme = "https://"
	}
	g.publicURL = scheme + strings.TrimSuffix(status.Self.DNSName, ".")
	g.logger.Info("public URL detected", "url", g.publicURL, "webhook_url", g.publicURL+"/webhook")
}

// websocketURL tells clients where to connect: the public URL when known,
// otherwise the host they reached us on.
func (g *Gateway) websocketURL(r *http.Request) string {
	g.urlMu.RLock()
	base := g.publicURL
	g.urlMu.RUnlock()

	if base == "" {
		scheme := "http://"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https://"
		}
		base = scheme + r.Host
	}

	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains queued webhook events, closes
// realtime connections, and releases the store. Only the first call does work.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "correlator drain", g.correlator.Close(ctx))
		g.bridge.Close()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		g.dedupe.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
