// ABOUTME: End-to-end tests for the gateway over HTTP, signed webhooks, and the WebSocket bridge
// ABOUTME: Walks a call from session creation through completion, tampering, and inactivity expiry

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/config"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/realtime"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/webhook"
)

const testSecret = "wsec_test"

// testConfig returns a parsed config using the in-memory store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
server:
  http_addr: "127.0.0.1:0"
database:
  driver: memory
webhook:
  secret: "` + testSecret + `"
metrics:
  enabled: true
`))
	require.NoError(t, err)
	return cfg
}

type testGateway struct {
	gw     *Gateway
	server *httptest.Server
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{gw: gw, server: srv}
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(t))
}

func (tg *testGateway) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, tg.server.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (tg *testGateway) createSession(t *testing.T, agentKey string) CreateSessionResponse {
	t.Helper()
	resp, data := tg.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{AgentKey: agentKey})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var created CreateSessionResponse
	require.NoError(t, json.Unmarshal(data, &created))
	return created
}

func (tg *testGateway) getSession(t *testing.T, id string) (int, SessionResponse) {
	t.Helper()
	resp, data := tg.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	var sess SessionResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.Unmarshal(data, &sess))
	}
	return resp.StatusCode, sess
}

// postWebhook delivers body signed with sign's secret. An empty sign skips the header.
func (tg *testGateway) postWebhook(t *testing.T, body, signature string) (int, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/webhook", strings.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func sign(body string) string {
	return webhook.Sign(testSecret, []byte(body), time.Now())
}

func (tg *testGateway) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Equal(t, realtime.EventConnected, readEnvelope(t, ws).Event)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) realtime.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env realtime.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

// readUntil skips frames until one with the given event arrives.
func readUntil(t *testing.T, ws *websocket.Conn, event string) realtime.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, ws)
		if env.Event == event {
			return env
		}
	}
	t.Fatalf("no %s frame received", event)
	return realtime.Envelope{}
}

func joinSession(t *testing.T, ws *websocket.Conn, sessionID string) {
	t.Helper()
	raw, err := json.Marshal(realtime.SessionRequest{SessionID: sessionID})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(realtime.Envelope{Event: realtime.EventJoinSession, Data: raw}))
	require.Equal(t, realtime.EventSessionJoined, readEnvelope(t, ws).Event)
}

func startedBody(eventID, conversationID, sessionID string) string {
	return `{"type":"conversation_started","event_id":"` + eventID + `","data":{"conversation_id":"` + conversationID +
		`","agent_id":"agent_clara","conversation_initiation_client_data":{"dynamic_variables":{"session_id":"` + sessionID + `"}}}}`
}

const endedBody = `{"type":"post_call_transcription","event_id":"evt_end","data":{
	"conversation_id":"conv_1",
	"agent_id":"agent_clara",
	"transcript":[
		{"role":"agent","message":"Hello, this is Clara from Sunrise Home Health.","time_in_call_secs":0},
		{"role":"user","message":"Hi Clara, this is Dr. Patel.","time_in_call_secs":4},
		{"role":"agent","message":"Thank you, goodbye.","time_in_call_secs":30}
	],
	"metadata":{"call_duration_secs":45,"cost":12340,"termination_reason":"end_call tool"},
	"analysis":{"transcript_summary":"Referral confirmed.","call_successful":"success"}
}}`

func (tg *testGateway) waitForState(t *testing.T, id string, state store.SessionState) SessionResponse {
	t.Helper()
	var sess SessionResponse
	require.Eventually(t, func() bool {
		var code int
		code, sess = tg.getSession(t, id)
		return code == http.StatusOK && sess.Status == state
	}, 3*time.Second, 10*time.Millisecond, "session never reached %s", state)
	return sess
}

func TestCallLifecycle(t *testing.T) {
	tg := newTestGateway(t)

	created := tg.createSession(t, "clara")
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, store.StateCreated, created.State)
	assert.Equal(t, "Clara", created.Agent.Name)
	assert.True(t, strings.HasPrefix(created.WebsocketURL, "ws://"), created.WebsocketURL)

	ws := tg.dial(t)
	joinSession(t, ws, created.SessionID)

	code, ack := tg.postWebhook(t, startedBody("evt_start", "conv_1", created.SessionID), sign(startedBody("evt_start", "conv_1", created.SessionID)))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, webhook.StatusAccepted, ack["status"])

	env := readUntil(t, ws, realtime.EventConversationUpdate)
	var upd realtime.ConversationUpdate
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, store.StateActive, upd.Status)
	assert.Equal(t, "conv_1", upd.ConversationID)

	code, ack = tg.postWebhook(t, endedBody, sign(endedBody))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, webhook.StatusAccepted, ack["status"])
	tg.waitForState(t, created.SessionID, store.StateCompleted)

	resp, data := tg.do(t, http.MethodGet, "/api/sessions/"+created.SessionID+"/transcript", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr struct {
		Transcript   []store.Message `json:"transcript"`
		MessageCount int             `json:"message_count"`
	}
	require.NoError(t, json.Unmarshal(data, &tr))
	require.Equal(t, 3, tr.MessageCount)
	assert.Equal(t, "Hello, this is Clara from Sunrise Home Health.", tr.Transcript[0].Message)
	assert.Equal(t, "Thank you, goodbye.", tr.Transcript[2].Message)

	// same delivery again
	code, ack = tg.postWebhook(t, endedBody, sign(endedBody))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, webhook.StatusDuplicate, ack["status"])
	_, sess := tg.getSession(t, created.SessionID)
	assert.Equal(t, 3, sess.MessageCount)

	require.Eventually(t, func() bool {
		resp, _ := tg.do(t, http.MethodGet, "/api/sessions/"+created.SessionID+"/call-summary", nil)
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	resp, data = tg.do(t, http.MethodGet, "/api/sessions/"+created.SessionID+"/call-summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary CallSummaryResponse
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "conv_1", summary.ConversationID)
	assert.Equal(t, "45 seconds", summary.Duration)
	require.NotNil(t, summary.Analysis)
	assert.Equal(t, "Referral confirmed.", summary.Analysis.Summary)
	assert.NotEmpty(t, summary.StageCounts)
}

func TestTamperedWebhookLeavesSessionUntouched(t *testing.T) {
	tg := newTestGateway(t)
	created := tg.createSession(t, "clara")
	_, before := tg.getSession(t, created.SessionID)

	body := startedBody("evt_start", "conv_1", created.SessionID)
	tampered := strings.Replace(body, "conv_1", "conv_2", 1)

	code, resp := tg.postWebhook(t, tampered, sign(body))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.NotEmpty(t, resp["error"])

	code, _ = tg.postWebhook(t, body, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = tg.postWebhook(t, body, webhook.Sign("wrong-secret", []byte(body), time.Now()))
	assert.Equal(t, http.StatusUnauthorized, code)

	_, after := tg.getSession(t, created.SessionID)
	assert.Equal(t, store.StateCreated, after.Status)
	assert.Empty(t, after.ConversationID)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Zero(t, after.WebhookCount)
}

func TestInactiveSessionMarkedError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.InactivityTTL = time.Millisecond
	tg := newTestGatewayWithConfig(t, cfg)

	created := tg.createSession(t, "marcus")
	ws := tg.dial(t)
	joinSession(t, ws, created.SessionID)
	time.Sleep(10 * time.Millisecond)

	results := tg.gw.SweepOnce(context.Background())
	require.Len(t, results, 1)

	env := readUntil(t, ws, realtime.EventConversationUpdate)
	var upd realtime.ConversationUpdate
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, store.StateError, upd.Status)

	code, sess := tg.getSession(t, created.SessionID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.StateError, sess.Status)
	assert.NotEmpty(t, sess.ErrorDetail)
}

func TestInactiveSessionEvicted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.InactivityTTL = time.Millisecond
	cfg.Sessions.ExpiryPolicy = "evict"
	tg := newTestGatewayWithConfig(t, cfg)

	created := tg.createSession(t, "sarah")
	ws := tg.dial(t)
	joinSession(t, ws, created.SessionID)
	time.Sleep(10 * time.Millisecond)

	tg.gw.SweepOnce(context.Background())
	assert.Equal(t, realtime.EventSessionClosed, readUntil(t, ws, realtime.EventSessionClosed).Event)

	code, _ := tg.getSession(t, created.SessionID)
	assert.Equal(t, http.StatusNotFound, code)

	// late webhooks for an evicted session are acknowledged but ignored
	body := startedBody("evt_late", "conv_late", created.SessionID)
	code, ack := tg.postWebhook(t, body, sign(body))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, webhook.StatusIgnored, ack["status"])
}

func TestSessionsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = t.TempDir() + "/gateway.db"

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	tg := &testGateway{gw: gw, server: srv}
	created := tg.createSession(t, "david")
	srv.Close()
	require.NoError(t, gw.Shutdown(context.Background()))

	restarted := newTestGatewayWithConfig(t, cfg)
	code, sess := restarted.getSession(t, created.SessionID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "david", sess.AgentKey)
	assert.Equal(t, store.StateCreated, sess.Status)
}

func TestRunServesAndShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = addr
	gw, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
	assert.NoError(t, gw.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestNewRejectsBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.CatalogPath = t.TempDir() + "/missing.toml"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}
