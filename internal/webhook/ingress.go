// ABOUTME: HTTP handler for provider webhooks: verify, parse, dedupe, resolve, dispatch
// ABOUTME: Acknowledges immediately; mutation happens asynchronously in the correlator

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/dedupe"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/metrics"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// DefaultMaxBodyBytes caps webhook bodies.
const DefaultMaxBodyBytes = 1 << 20

// Acknowledgment statuses returned to the provider.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
)

// Sessions is the registry view ingress needs for correlation.
type Sessions interface {
	Get(id string) (*store.Session, error)
	GetByExternalID(externalID string) (*store.Session, error)
	FindUnbound(agentID string, since time.Time) []string
	BindExternalID(ctx context.Context, id, externalID string) (*store.Session, error)
}

// Dispatcher accepts resolved events for asynchronous application.
type Dispatcher interface {
	Submit(ctx context.Context, sessionID string, ev *Event) error
}

// Config configures an Ingress.
type Config struct {
	Secret         string
	Tolerance      time.Duration
	MaxBodyBytes   int64
	EnqueueTimeout time.Duration
	// AgentFallback binds events that carry neither a known external id nor
	// a session id to the single unbound session for their agent created
	// within AgentFallbackWindow.
	AgentFallback       bool
	AgentFallbackWindow time.Duration
}

// Ingress is the webhook endpoint.
type Ingress struct {
	cfg        Config
	sessions   Sessions
	dispatcher Dispatcher
	seen       *dedupe.Cache
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewIngress creates the webhook handler. metrics may be nil.
func NewIngress(cfg Config, sessions Sessions, dispatcher Dispatcher, seen *dedupe.Cache, m *metrics.Metrics, logger *slog.Logger) *Ingress {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	if cfg.AgentFallbackWindow <= 0 {
		cfg.AgentFallbackWindow = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		seen:       seen,
		metrics:    m,
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (in *Ingress) SetClock(now func() time.Time) {
	in.now = now
}

// ServeHTTP handles POST /webhook.
func (in *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := in.now()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, in.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			in.metrics.RecordWebhook("", "too_large", in.now().Sub(start))
			sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		sendJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := VerifySignature(in.cfg.Secret, r.Header.Get(SignatureHeader), body, start, in.cfg.Tolerance); err != nil {
		in.logger.Warn("rejected webhook signature", "error", err, "remote_addr", r.RemoteAddr)
		in.metrics.RecordWebhook("", "unauthorized", in.now().Sub(start))
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ev, err := Parse(body, start)
	if err != nil {
		in.logger.Warn("rejected malformed webhook", "error", err)
		in.metrics.RecordWebhook("", "malformed", in.now().Sub(start))
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, code := in.accept(r.Context(), ev)
	in.metrics.RecordWebhook(string(ev.Type), status, in.now().Sub(start))
	if code != http.StatusOK {
		sendJSONError(w, code, "event could not be queued, retry later")
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": status})
}

// accept dedupes, resolves, and dispatches a verified event.
func (in *Ingress) accept(ctx context.Context, ev *Event) (string, int) {
	logger := in.logger.With("event_type", ev.Type, "provider_type", ev.ProviderType, "dedupe_key", ev.Key)

	if in.seen != nil && in.seen.CheckAndMark(ev.Key) {
		logger.Debug("duplicate webhook acknowledged")
		return StatusDuplicate, http.StatusOK
	}

	sessionID, how := in.resolve(ev)
	if sessionID == "" {
		// A retry may resolve once the session is known
		if in.seen != nil {
			in.seen.Forget(ev.Key)
		}
		logger.Warn("no session for webhook", "conversation_id", ev.ExternalID, "echoed_session_id", ev.SessionID, "agent_id", ev.AgentID)
		return StatusIgnored, http.StatusOK
	}
	logger = logger.With("session_id", sessionID, "resolved_by", how)

	// Bind now so later callbacks carrying only the conversation id resolve
	// before the correlator has applied this event.
	if how != "external_id" && ev.ExternalID != "" {
		if _, err := in.sessions.BindExternalID(ctx, sessionID, ev.ExternalID); err != nil {
			logger.Warn("could not bind conversation id at ingress", "conversation_id", ev.ExternalID, "error", err)
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, in.cfg.EnqueueTimeout)
	defer cancel()
	if err := in.dispatcher.Submit(submitCtx, sessionID, ev); err != nil {
		// Let the provider's retry through dedupe
		if in.seen != nil {
			in.seen.Forget(ev.Key)
		}
		logger.Error("failed to queue webhook", "error", err)
		return "unavailable", http.StatusServiceUnavailable
	}

	logger.Info("webhook accepted", "conversation_id", ev.ExternalID)
	return StatusAccepted, http.StatusOK
}

// resolve finds the target session: bound external id first, then an
// echoed session id, then (when enabled) the agent fallback.
func (in *Ingress) resolve(ev *Event) (string, string) {
	if ev.ExternalID != "" {
		if sess, err := in.sessions.GetByExternalID(ev.ExternalID); err == nil {
			return sess.ID, "external_id"
		}
	}

	if ev.SessionID != "" {
		if sess, err := in.sessions.Get(ev.SessionID); err == nil {
			return sess.ID, "session_id"
		}
	}

	if in.cfg.AgentFallback && ev.AgentID != "" && ev.ExternalID != "" {
		candidates := in.sessions.FindUnbound(ev.AgentID, in.now().Add(-in.cfg.AgentFallbackWindow))
		switch len(candidates) {
		case 1:
			return candidates[0], "agent_fallback"
		case 0:
		default:
			in.logger.Warn("agent fallback is ambiguous", "agent_id", ev.AgentID, "candidates", len(candidates))
		}
	}
	return "", ""
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError sends a JSON error response
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
