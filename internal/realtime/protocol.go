// ABOUTME: Wire protocol for the real-time channel: event names, envelope, and payloads
// ABOUTME: Every frame is a JSON object {"event": "...", "data": {...}}

package realtime

import (
	"encoding/json"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// Event names.
const (
	// Server to client
	EventConnected          = "connected"
	EventSessionJoined      = "session_joined"
	EventSessionLeft        = "session_left"
	EventConversationUpdate = "conversation_update"
	EventWebhookUpdate      = "webhook_update"
	EventSessionClosed      = "session_closed"
	EventError              = "error"

	// Client to server
	EventJoinSession         = "join_session"
	EventLeaveSession        = "leave_session"
	EventConversationStarted = "conversation_started"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connected greets a new connection.
type Connected struct {
	ConnectionID string `json:"connection_id"`
}

// SessionRequest is the data of join_session and leave_session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// StartRequest is the data of a client-sent conversation_started.
type StartRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
}

// SessionJoined acknowledges a join with the current snapshot.
type SessionJoined struct {
	SessionID string         `json:"session_id"`
	Session   *store.Session `json:"session"`
}

// SessionLeft acknowledges a leave.
type SessionLeft struct {
	SessionID string `json:"session_id"`
}

// ErrorMessage reports an invalid client request.
type ErrorMessage struct {
	Message string `json:"message"`
}

// ConversationUpdate announces a lifecycle change.
type ConversationUpdate struct {
	SessionID      string             `json:"session_id"`
	Status         store.SessionState `json:"status"`
	ConversationID string             `json:"conversation_id,omitempty"`
	ErrorDetail    string             `json:"error_detail,omitempty"`
	Session        *store.Session     `json:"session,omitempty"`
}

// NewConversationUpdate builds a ConversationUpdate from a snapshot.
func NewConversationUpdate(sess *store.Session) ConversationUpdate {
	return ConversationUpdate{
		SessionID:      sess.ID,
		Status:         sess.State,
		ConversationID: sess.ExternalID,
		ErrorDetail:    sess.ErrorDetail,
		Session:        sess,
	}
}

// WebhookUpdate carries the effect of one applied webhook: new transcript
// messages and, once the call has ended, the analytics summary. Version is
// the session version after the webhook was applied.
type WebhookUpdate struct {
	SessionID    string             `json:"session_id"`
	EventType    string             `json:"event_type"`
	Status       store.SessionState `json:"status"`
	Messages     []store.Message    `json:"messages,omitempty"`
	MessageCount int                `json:"message_count"`
	Summary      *store.Analytics   `json:"summary,omitempty"`
	Version      int64              `json:"version"`
}

// SessionClosed tells room members the session was evicted.
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// encode marshals an envelope. Payloads are plain structs, so failures only
// come from programming errors.
func encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
