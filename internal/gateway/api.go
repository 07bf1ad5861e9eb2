// ABOUTME: HTTP API handlers for sessions, agents, transcripts, and call reports
// ABOUTME: JSON responses throughout; errors are {"error": "..."} with a matching status

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/agents"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/enrich"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/session"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

const maxRequestBytes = 64 << 10

// HealthResponse is the JSON response for GET /api/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	SessionsActive int    `json:"sessions_active"`
	SessionsTotal  int    `json:"sessions_total"`
}

// AgentResponse is one catalog entry.
type AgentResponse struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	AgentID string `json:"agent_id"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	AgentKey         string            `json:"agent_key"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// AgentSummary names the agent a session was created for.
type AgentSummary struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// CreateSessionResponse is the JSON response for POST /api/sessions.
type CreateSessionResponse struct {
	SessionID    string             `json:"session_id"`
	State        store.SessionState `json:"state"`
	Agent        AgentSummary       `json:"agent"`
	WebsocketURL string             `json:"websocket_url"`
}

// SessionResponse is a session snapshot without its transcript.
type SessionResponse struct {
	SessionID        string             `json:"session_id"`
	Status           store.SessionState `json:"status"`
	AgentKey         string             `json:"agent_key"`
	AgentID          string             `json:"agent_id"`
	ConversationID   string             `json:"conversation_id,omitempty"`
	ErrorDetail      string             `json:"error_detail,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	DynamicVariables map[string]string  `json:"dynamic_variables,omitempty"`
	Metadata         map[string]string  `json:"metadata,omitempty"`
	WebhookCount     int                `json:"webhook_count"`
	MessageCount     int                `json:"message_count"`
	Analytics        *store.Analytics   `json:"analytics,omitempty"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// TranscriptResponse is the JSON response for the transcript endpoints.
type TranscriptResponse struct {
	SessionID    string `json:"session_id"`
	Transcript   any    `json:"transcript"`
	MessageCount int    `json:"message_count"`
}

// CallSummaryResponse is the JSON response for GET /api/sessions/{id}/call-summary.
type CallSummaryResponse struct {
	SessionID      string                `json:"session_id"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Status         store.SessionState    `json:"status"`
	Timestamp      *time.Time            `json:"timestamp,omitempty"`
	MessageCount   int                   `json:"message_count"`
	AgentID        string                `json:"agent_id"`
	Duration       string                `json:"duration"`
	TotalCost      float64               `json:"total_cost_dollars"`
	Statistics     *store.CallStatistics `json:"call_statistics,omitempty"`
	Analysis       *store.CallAnalysis   `json:"analysis,omitempty"`
	PatientInfo    *store.PatientInfo    `json:"patient_info,omitempty"`
	StageCounts    map[string]int        `json:"stage_counts,omitempty"`
}

// ClientConfigResponse is the JSON response for GET /api/config.
type ClientConfigResponse struct {
	WebsocketURL string `json:"websocket_url"`
}

func newSessionResponse(sess *store.Session) SessionResponse {
	return SessionResponse{
		SessionID:        sess.ID,
		Status:           sess.State,
		AgentKey:         sess.AgentKey,
		AgentID:          sess.AgentID,
		ConversationID:   sess.ExternalID,
		ErrorDetail:      sess.ErrorDetail,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		DynamicVariables: sess.DynamicVariables,
		Metadata:         sess.Metadata,
		WebhookCount:     sess.WebhookCount,
		MessageCount:     len(sess.Transcript),
		Analytics:        sess.Analytics,
	}
}

// handleHealth is the plain liveness probe.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	counts := g.registry.CountByState()
	total := 0
	for _, n := range counts {
		total += n
	}
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Timestamp:      g.now().UTC().Format(time.RFC3339),
		SessionsActive: counts[store.StateActive],
		SessionsTotal:  total,
	})
}

func (g *Gateway) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, ClientConfigResponse{WebsocketURL: g.websocketURL(r)})
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list := g.catalog.List()
	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(list))}
	for _, a := range list {
		resp.Agents = append(resp.Agents, AgentResponse{Key: a.Key, Name: a.Name, Role: a.Role, AgentID: a.AgentID})
	}
	sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	state := store.SessionState(r.URL.Query().Get("status"))
	if state != "" && !state.Valid() {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", state))
		return
	}

	sessions := g.registry.List()
	resp := ListSessionsResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, sess := range sessions {
		if state != "" && sess.State != state {
			continue
		}
		resp.Sessions = append(resp.Sessions, newSessionResponse(sess))
	}
	sendJSON(w, http.StatusOK, resp)
}

// parseCreateRequest decodes and validates a CreateSessionRequest.
func parseCreateRequest(r io.Reader) (*CreateSessionRequest, error) {
	var req CreateSessionRequest
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.AgentKey == "" {
		return nil, errors.New("agent_key is required")
	}
	return &req, nil
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	req, err := parseCreateRequest(r.Body)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := g.catalog.Get(req.AgentKey)
	if errors.Is(err, agents.ErrUnknownAgent) {
		sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", req.AgentKey))
		return
	}
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	metadata := map[string]string{
		"agent_name": agent.Name,
		"agent_role": agent.Role,
	}
	if ip := clientIP(r); ip != "" {
		metadata["client_ip"] = ip
	}

	sess, err := g.registry.Create(r.Context(), session.CreateParams{
		AgentKey:         agent.Key,
		AgentID:          agent.AgentID,
		DynamicVariables: req.DynamicVariables,
		Metadata:         metadata,
	})
	if err != nil {
		g.logger.Error("failed to create session", "agent_key", agent.Key, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	g.metrics.RecordSessionCreated(agent.Key)
	g.recordSessionCounts()

	sendJSON(w, http.StatusOK, CreateSessionResponse{
		SessionID:    sess.ID,
		State:        sess.State,
		Agent:        AgentSummary{Name: agent.Name, Role: agent.Role},
		WebsocketURL: g.websocketURL(r),
	})
}

// lookupSession writes a 404 and returns nil when the path's session is unknown.
func (g *Gateway) lookupSession(w http.ResponseWriter, r *http.Request) *store.Session {
	id := r.PathValue("id")
	sess, err := g.registry.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "session not found")
		return nil
	}
	if err != nil {
		g.logger.Error("failed to load session", "session_id", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return sess
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := g.lookupSession(w, r)
	if sess == nil {
		return
	}
	sendJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess := g.lookupSession(w, r)
	if sess == nil {
		return
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []store.Message{}
	}
	sendJSON(w, http.StatusOK, TranscriptResponse{
		SessionID:    sess.ID,
		Transcript:   transcript,
		MessageCount: len(transcript),
	})
}

// handleStagedTranscript returns the enrichment's stage tags, or tags the
// current transcript on the fly while the call is still running.
func (g *Gateway) handleStagedTranscript(w http.ResponseWriter, r *http.Request) {
	sess := g.lookupSession(w, r)
	if sess == nil {
		return
	}
	var staged []store.StagedMessage
	if sess.Analytics != nil && len(sess.Analytics.Stages) > 0 {
		staged = sess.Analytics.Stages
	} else {
		staged = enrich.TagStages(sess.Transcript)
	}
	if staged == nil {
		staged = []store.StagedMessage{}
	}
	sendJSON(w, http.StatusOK, TranscriptResponse{
		SessionID:    sess.ID,
		Transcript:   staged,
		MessageCount: len(staged),
	})
}

func (g *Gateway) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	sess := g.lookupSession(w, r)
	if sess == nil {
		return
	}
	a := sess.Analytics
	if a == nil || a.EnrichedAt == nil {
		sendJSONError(w, http.StatusNotFound, "no processed data available yet")
		return
	}

	resp := CallSummaryResponse{
		SessionID:      sess.ID,
		ConversationID: sess.ExternalID,
		Status:         sess.State,
		Timestamp:      a.EnrichedAt,
		MessageCount:   len(sess.Transcript),
		AgentID:        sess.AgentID,
		Duration:       a.Duration,
		TotalCost:      a.TotalCostDollars,
		Statistics:     a.Statistics,
		Analysis:       a.Analysis,
		StageCounts:    a.StageCounts,
	}
	if a.Analysis != nil {
		resp.PatientInfo = a.Analysis.Patient
	}
	sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleReport(w http.ResponseWriter, r *http.Request) {
	sess := g.lookupSession(w, r)
	if sess == nil {
		return
	}
	md := enrich.ReportMarkdown(sess)

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, md)
	case "html":
		html, err := enrich.RenderHTML(md)
		if err != nil {
			g.logger.Error("failed to render report", "session_id", sess.ID, "error", err)
			sendJSONError(w, http.StatusInternalServerError, "failed to render report")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, html)
	default:
		sendJSONError(w, http.StatusBadRequest, "format must be markdown or html")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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
