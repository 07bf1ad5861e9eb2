// ABOUTME: Provider webhook event parsing into typed events with dedupe keys
// ABOUTME: Maps provider type aliases and extracts correlation fields and messages

package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

var (
	// ErrMalformedEvent is returned for bodies that are not a valid event envelope.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnknownEventType is returned for event types that are not recognized.
	ErrUnknownEventType = errors.New("unknown webhook event type")
)

// EventType is the normalized event type.
type EventType string

const (
	TypeConversationStarted EventType = "conversation_started"
	TypeTranscriptUpdate    EventType = "transcript_update"
	TypeConversationEnded   EventType = "conversation_ended"
	TypeError               EventType = "error"
)

// typeAliases maps provider type names onto normalized types.
var typeAliases = map[string]EventType{
	"conversation_started":    TypeConversationStarted,
	"conversation.started":    TypeConversationStarted,
	"conversation_initiation": TypeConversationStarted,
	"transcript_update":       TypeTranscriptUpdate,
	"conversation.update":     TypeTranscriptUpdate,
	"conversation_ended":      TypeConversationEnded,
	"conversation.completed":  TypeConversationEnded,
	"post_call_transcription": TypeConversationEnded,
	"error":                   TypeError,
	"conversation.error":      TypeError,
	"call_initiation_failure": TypeError,
}

// Event is a validated webhook event.
type Event struct {
	// Key is the dedupe key: the provider event id, or a hash of the body.
	Key          string
	Type         EventType
	ProviderType string
	ExternalID   string
	// SessionID is the session id echoed back through dynamic variables or metadata.
	SessionID  string
	AgentID    string
	Data       json.RawMessage
	ReceivedAt time.Time
}

type envelope struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	ID             string          `json:"id"`
	EventTimestamp int64           `json:"event_timestamp"`
	Data           json.RawMessage `json:"data"`
}

type correlationFields struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	SessionID      string `json:"session_id"`
	ClientData     struct {
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"conversation_initiation_client_data"`
	Metadata map[string]any `json:"metadata"`
}

// Parse validates body and returns the normalized event.
func Parse(body []byte, receivedAt time.Time) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	typ, ok := typeAliases[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}

	var fields correlationFields
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedEvent, err)
		}
	}

	ev := &Event{
		Key:          dedupeKey(env, body),
		Type:         typ,
		ProviderType: env.Type,
		ExternalID:   fields.ConversationID,
		AgentID:      fields.AgentID,
		Data:         env.Data,
		ReceivedAt:   receivedAt,
	}
	ev.SessionID = firstNonEmpty(
		stringField(fields.ClientData.DynamicVariables, "session_id"),
		stringField(fields.Metadata, "session_id"),
		fields.SessionID,
	)
	return ev, nil
}

func dedupeKey(env envelope, body []byte) string {
	if id := firstNonEmpty(env.EventID, env.ID); id != "" {
		return "id:" + id
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type rawMessage struct {
	Role           string  `json:"role"`
	Message        *string `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
	Interrupted    bool    `json:"interrupted"`
	SourceMedium   string  `json:"source_medium"`
}

// Messages returns the transcript messages carried by the event, in provider
// order, with empty messages dropped. It reads data.transcript, data.messages,
// or a single data.message object.
func (e *Event) Messages() ([]store.Message, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	var data struct {
		Transcript []rawMessage     `json:"transcript"`
		Messages   []rawMessage     `json:"messages"`
		Message    *json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: transcript: %v", ErrMalformedEvent, err)
	}

	raw := data.Transcript
	if len(raw) == 0 {
		raw = data.Messages
	}
	if len(raw) == 0 && data.Message != nil {
		var single rawMessage
		if err := json.Unmarshal(*data.Message, &single); err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformedEvent, err)
		}
		raw = []rawMessage{single}
	}

	msgs := make([]store.Message, 0, len(raw))
	for _, r := range raw {
		if r.Message == nil || strings.TrimSpace(*r.Message) == "" {
			continue
		}
		role := r.Role
		if role == "" {
			role = "unknown"
		}
		msgs = append(msgs, store.Message{
			Role:           role,
			Message:        *r.Message,
			TimeInCallSecs: int(r.TimeInCallSecs),
			Interrupted:    r.Interrupted,
			SourceMedium:   r.SourceMedium,
		})
	}
	return msgs, nil
}

// ErrorDetail returns the provider's error description for error events.
func (e *Event) ErrorDetail() string {
	var data map[string]any
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &data)
	}
	detail := firstNonEmpty(
		stringField(data, "error"),
		stringField(data, "message"),
		stringField(data, "failure_reason"),
		stringField(data, "reason"),
	)
	if detail == "" {
		detail = "provider reported " + e.ProviderType
	}
	return detail
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
