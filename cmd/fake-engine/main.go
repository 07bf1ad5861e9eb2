// ABOUTME: Minimal fake conversational engine for E2E testing: plays one call as signed webhooks.
// ABOUTME: Usage: fake-engine [-url http://localhost:5000] [-agent clara] [-secret ...]
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", "http://localhost:5000", "gateway base URL")
	agentKey := flag.String("agent", "clara", "agent key to create the session for")
	sessionID := flag.String("session", "", "existing session id (created when empty)")
	secret := flag.String("secret", os.Getenv("ELEVENLABS_WEBHOOK_SECRET"), "webhook signing secret")
	delay := flag.Duration("delay", 500*time.Millisecond, "pause between webhooks")
	flag.Parse()

	if *secret == "" {
		log.Fatal("webhook secret required: pass -secret or set ELEVENLABS_WEBHOOK_SECRET")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	e := &engine{baseURL: *baseURL, secret: *secret, client: &http.Client{Timeout: 10 * time.Second}}
	if err := e.run(ctx, *agentKey, *sessionID, *delay); err != nil {
		log.Fatal(err)
	}
}

type engine struct {
	baseURL string
	secret  string
	client  *http.Client
}

// script is the call the fake engine plays back.
var script = []store.Message{
	{Role: "agent", Message: "Hello, this is Clara calling from Sunrise Home Health. Am I speaking with the referring provider?", TimeInCallSecs: 0},
	{Role: "user", Message: "Yes, this is Dr. Patel's office.", TimeInCallSecs: 5},
	{Role: "agent", Message: "I'm calling about the home health referral for your patient.", TimeInCallSecs: 9},
	{Role: "user", Message: "Sure, what do you need?", TimeInCallSecs: 14},
	{Role: "agent", Message: "Can you confirm the primary diagnosis and any comorbidities?", TimeInCallSecs: 18},
	{Role: "user", Message: "Congestive heart failure, with type 2 diabetes.", TimeInCallSecs: 24},
	{Role: "agent", Message: "Thank you. Is the best callback number still the main office line?", TimeInCallSecs: 31},
	{Role: "user", Message: "Yes, that's right.", TimeInCallSecs: 35},
	{Role: "agent", Message: "Great, thank you for your time. Goodbye.", TimeInCallSecs: 40},
}

func (e *engine) run(ctx context.Context, agentKey, sessionID string, delay time.Duration) error {
	if sessionID == "" {
		created, err := e.createSession(ctx, agentKey)
		if err != nil {
			return err
		}
		sessionID = created
	}
	log.Printf("playing call for session %s", sessionID)

	conversationID := "conv_" + uuid.NewString()[:8]
	if err := e.send(ctx, "conversation_started", map[string]any{
		"conversation_id": conversationID,
		"conversation_initiation_client_data": map[string]any{
			"dynamic_variables": map[string]string{"session_id": sessionID},
		},
	}); err != nil {
		return err
	}

	for i := 0; i < len(script); i += 2 {
		if err := sleep(ctx, delay); err != nil {
			return nil
		}
		end := min(i+2, len(script))
		if err := e.send(ctx, "transcript_update", map[string]any{
			"conversation_id": conversationID,
			"transcript":      script[i:end],
		}); err != nil {
			return err
		}
	}

	if err := sleep(ctx, delay); err != nil {
		return nil
	}
	last := script[len(script)-1].TimeInCallSecs + 3
	return e.send(ctx, "post_call_transcription", map[string]any{
		"conversation_id": conversationID,
		"transcript":      script,
		"metadata": map[string]any{
			"start_time_unix_secs": time.Now().Add(-time.Duration(last) * time.Second).Unix(),
			"call_duration_secs":   last,
			"cost":                 1850,
			"termination_reason":   "end_call tool was called.",
			"main_language":        "en",
		},
		"analysis": map[string]any{
			"transcript_summary": "Clara confirmed the referral diagnosis and callback number with Dr. Patel's office.",
			"call_successful":    "success",
			"data_collection_results": map[string]any{
				"primary_diagnosis": map[string]any{"value": "Congestive heart failure"},
				"comorbidities":     map[string]any{"value": "Type 2 diabetes"},
			},
		},
	})
}

func (e *engine) createSession(ctx context.Context, agentKey string) (string, error) {
	body, err := json.Marshal(map[string]string{"agent_key": agentKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		SessionID string `json:"session_id"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("creating session: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.SessionID, nil
}

// send signs and delivers one webhook.
func (e *engine) send(ctx context.Context, eventType string, data map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"type":            eventType,
		"event_id":        "evt_" + uuid.NewString(),
		"event_timestamp": time.Now().Unix(),
		"data":            data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(e.secret, body, time.Now()))

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s: %w", eventType, err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sending %s: status %d: %s", eventType, resp.StatusCode, bytes.TrimSpace(reply))
	}
	log.Printf("sent %s: %s", eventType, bytes.TrimSpace(reply))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
