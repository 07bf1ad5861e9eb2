// ABOUTME: Store interface and data types for voice-gateway session persistence
// ABOUTME: Defines Session, Message and analytics records plus the backend contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateExternalID is returned when two sessions claim the same external conversation id
var ErrDuplicateExternalID = errors.New("external conversation id already bound")

// SessionState is the lifecycle state of a session
type SessionState string

const (
	StateCreated   SessionState = "created"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateError     SessionState = "error"
)

// Terminal reports whether no further transitions are accepted from s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StateActive, StateCompleted, StateError:
		return true
	}
	return false
}

// Message is a single transcript turn as reported by the conversational engine
type Message struct {
	Role           string `json:"role"`
	Message        string `json:"message"`
	TimeInCallSecs int    `json:"time_in_call_secs"`
	Interrupted    bool   `json:"interrupted"`
	SourceMedium   string `json:"source_medium,omitempty"`
}

// StagedMessage is a transcript message tagged with its conversation stage
type StagedMessage struct {
	Message
	Stage string `json:"conversation_stage"`
}

// CallCosts holds call charges in dollars and in provider credits
type CallCosts struct {
	TotalDollars float64 `json:"total_cost_dollars"`
	CallDollars  float64 `json:"call_cost_dollars"`
	LLMDollars   float64 `json:"llm_cost_dollars"`
	TotalCredits float64 `json:"total_cost_credits"`
	CallCredits  float64 `json:"call_cost_credits"`
	LLMCredits   float64 `json:"llm_cost_credits"`
}

// ModelUsage aggregates LLM token usage for one model
type ModelUsage struct {
	InputTokens  int64   `json:"total_input_tokens"`
	OutputTokens int64   `json:"total_output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// CallStatistics is derived from the post-call payload metadata
type CallStatistics struct {
	DurationSecs      int                   `json:"call_duration_secs"`
	DurationFormatted string                `json:"call_duration_formatted"`
	StartTime         *time.Time            `json:"start_time,omitempty"`
	TerminationReason string                `json:"termination_reason"`
	MainLanguage      string                `json:"main_language"`
	Costs             CallCosts             `json:"costs"`
	LLMUsage          map[string]ModelUsage `json:"llm_usage,omitempty"`
	FeaturesUsed      []string              `json:"features_used"`
}

// CollectedItem is one data-collection result reported by the engine
type CollectedItem struct {
	Value       any    `json:"value"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Rationale   string `json:"rationale"`
}

// PatientInfo is the quick-reference subset of collected data
type PatientInfo struct {
	Name                 string `json:"patient_name"`
	DOB                  string `json:"patient_dob"`
	PrimaryDiagnosis     string `json:"primary_diagnosis"`
	Comorbidities        string `json:"comorbidities"`
	TransportationNeeded bool   `json:"transportation_needed"`
}

// CallAnalysis is the engine's own post-call analysis
type CallAnalysis struct {
	Summary           string                   `json:"summary"`
	CallSuccessful    string                   `json:"call_successful"`
	CollectedData     map[string]CollectedItem `json:"collected_data,omitempty"`
	EvaluationResults map[string]any           `json:"evaluation_results,omitempty"`
	Patient           *PatientInfo             `json:"patient_info,omitempty"`
}

// Analytics is the derived record attached to a session after the call ends
type Analytics struct {
	DurationSecs     int             `json:"duration_secs"`
	Duration         string          `json:"duration"`
	TotalCostDollars float64         `json:"total_cost_dollars"`
	Statistics       *CallStatistics `json:"statistics,omitempty"`
	Analysis         *CallAnalysis   `json:"analysis,omitempty"`
	Stages           []StagedMessage `json:"stages,omitempty"`
	StageCounts      map[string]int  `json:"stage_counts,omitempty"`
	EnrichedAt       *time.Time      `json:"enriched_at,omitempty"`
	ProcessingError  string          `json:"processing_error,omitempty"`
}

// Session is the system of record for one call
type Session struct {
	ID               string            `json:"session_id"`
	AgentKey         string            `json:"agent_key"`
	AgentID          string            `json:"agent_id"`
	ExternalID       string            `json:"conversation_id,omitempty"`
	State            SessionState      `json:"status"`
	ErrorDetail      string            `json:"error_detail,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Transcript       []Message         `json:"transcript,omitempty"`
	Analytics        *Analytics        `json:"analytics,omitempty"`
	WebhookCount     int               `json:"webhook_count"`
	AppliedEvents    []string          `json:"applied_events,omitempty"`
	Version          int64             `json:"version"`
}

// Clone returns a deep copy so callers can hand snapshots out without sharing state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.DynamicVariables = cloneStrings(s.DynamicVariables)
	c.Metadata = cloneStrings(s.Metadata)
	if s.Transcript != nil {
		c.Transcript = append([]Message(nil), s.Transcript...)
	}
	if s.AppliedEvents != nil {
		c.AppliedEvents = append([]string(nil), s.AppliedEvents...)
	}
	if s.Analytics != nil {
		a := *s.Analytics
		if s.Analytics.Stages != nil {
			a.Stages = append([]StagedMessage(nil), s.Analytics.Stages...)
		}
		if s.Analytics.StageCounts != nil {
			a.StageCounts = make(map[string]int, len(s.Analytics.StageCounts))
			for k, v := range s.Analytics.StageCounts {
				a.StageCounts[k] = v
			}
		}
		c.Analytics = &a
	}
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store defines the persistence contract for sessions. Backends only need
// get/set/append/expire keyed by session id; the registry keeps the
// authoritative in-process copy.
type Store interface {
	// GetSession returns the session with its full transcript
	GetSession(ctx context.Context, id string) (*Session, error)

	// PutSession upserts everything except the transcript
	PutSession(ctx context.Context, sess *Session) error

	// AppendTranscript appends messages after the ones already stored
	AppendTranscript(ctx context.Context, id string, msgs []Message) error

	// DeleteSession expires a session and its transcript
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns every stored session with transcripts
	ListSessions(ctx context.Context) ([]*Session, error)

	// Close releases any resources held by the store
	Close() error
}
