// ABOUTME: Tests for stage tagging, post-call statistics, analysis, and reports
// ABOUTME: Checks determinism of enrichment and the credit-to-dollar conversion

package enrich

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

func sampleTranscript() []store.Message {
	lines := []struct{ role, msg string }{
		{"agent", "Hello, this is Clara calling from Sunrise Health."},
		{"user", "Hi, yes, speaking."},
		{"agent", "Can you confirm the patient's date of birth?"},
		{"user", "It's March 3rd, 1950."},
		{"agent", "I'm calling about the referral for her recent surgery."},
		{"user", "She was diagnosed with heart failure and has a history of diabetes."},
		{"agent", "The authorization reference number is PA-12345, approved for 12 visits."},
		{"agent", "Please note that the signed form was submitted by fax."},
		{"user", "What's the best number to call back?"},
		{"agent", "Thank you for your time, goodbye."},
		{"user", "Hello?"},
	}
	msgs := make([]store.Message, len(lines))
	for i, l := range lines {
		msgs[i] = store.Message{Role: l.role, Message: l.msg, TimeInCallSecs: i * 7}
	}
	return msgs
}

func TestTagStages(t *testing.T) {
	staged := TagStages(sampleTranscript())
	require.Len(t, staged, 11)

	want := []string{
		StageGreeting,
		StageGreeting,
		StageVerification,
		StageVerification,
		StagePurpose,
		StageClinical,
		StageAuthorization,
		StageAdministrative,
		StageContact,
		StageClosing,
		StageClosing,
	}
	got := make([]string, len(staged))
	for i, m := range staged {
		got[i] = m.Stage
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "Hello, this is Clara calling from Sunrise Health.", staged[0].Message.Message)
}

func TestTagStages_NeverMovesBackwards(t *testing.T) {
	msgs := []store.Message{
		{Role: "agent", Message: "Hi there"},
		{Role: "agent", Message: "Your diagnosis and medication history"},
		{Role: "user", Message: "Hello, my name is Jane, calling from home"},
		{Role: "agent", Message: "Goodbye"},
		{Role: "agent", Message: "Wait, what is your date of birth?"},
	}
	staged := TagStages(msgs)
	for i := 1; i < len(staged); i++ {
		prev := indexOf(staged[i-1].Stage)
		cur := indexOf(staged[i].Stage)
		assert.GreaterOrEqual(t, cur, prev, "message %d moved backwards", i)
	}
	assert.Equal(t, StageClinical, staged[2].Stage)
	assert.Equal(t, StageClosing, staged[4].Stage)
}

func TestTagStages_Deterministic(t *testing.T) {
	first := TagStages(sampleTranscript())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, TagStages(sampleTranscript()))
	}
	assert.Nil(t, TagStages(nil))
}

func TestEnrich_Idempotent(t *testing.T) {
	base := &store.Analytics{DurationSecs: 70, Duration: "1m 10s"}
	now := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

	a := Enrich(sampleTranscript(), base, now)
	b := Enrich(sampleTranscript(), a, now.Add(time.Minute))

	assert.Equal(t, a.Stages, b.Stages)
	assert.Equal(t, a.StageCounts, b.StageCounts)
	assert.Equal(t, 70, b.DurationSecs)
	assert.Equal(t, 2, a.StageCounts[StageClosing])
	assert.Nil(t, base.Stages, "base is not modified")
}

func TestFormatDuration(t *testing.T) {
	tests := map[int]string{
		0:    "0 seconds",
		45:   "45 seconds",
		60:   "1m 0s",
		125:  "2m 5s",
		3600: "1h 0m 0s",
		3723: "1h 2m 3s",
	}
	for secs, want := range tests {
		assert.Equal(t, want, FormatDuration(secs), "secs=%d", secs)
	}
}

const postCallData = `{
	"conversation_id": "conv_123",
	"agent_id": "agent_01jz0h1rqperc8z03gsvkprmsw",
	"metadata": {
		"start_time_unix_secs": 1751364000,
		"call_duration_secs": 125,
		"cost": 12340,
		"termination_reason": "end_call tool was called",
		"main_language": "en",
		"charging": {
			"call_charge": 10000,
			"llm_charge": 2340,
			"llm_usage": {
				"irreversible_generation": {
					"model_usage": {
						"gpt-4o-mini": {
							"input": {"tokens": 1000, "price": 0.0015},
							"output_total": {"tokens": 200, "price": 0.0012}
						}
					}
				},
				"initiated_generation": {
					"model_usage": {
						"gpt-4o-mini": {
							"input": {"tokens": 500, "price": 0.00075},
							"output_total": {"tokens": 100, "price": 0.0006}
						}
					}
				}
			}
		},
		"features_usage": {
			"language_detection": {"enabled": true, "used": true},
			"transfer_to_agent": {"enabled": true, "used": false},
			"external_mcp_servers": true,
			"dtmf_tones": false
		}
	},
	"analysis": {
		"transcript_summary": "Clara confirmed the home health authorization.",
		"call_successful": "success",
		"data_collection_results": {
			"patient_name": {"value": "Jane Doe", "rationale": "stated", "json_schema": {"type": "string", "description": "Patient name"}},
			"primary_diagnosis": {"value": "Heart failure", "json_schema": {"type": "string"}},
			"transportation_assistance": {"value": "yes", "json_schema": {"type": "boolean"}},
			"visit_count": {"value": 12}
		},
		"evaluation_criteria_results": {"verified_identity": {"result": "success"}}
	}
}`

func TestStatistics(t *testing.T) {
	pc, err := ParsePostCall(json.RawMessage(postCallData))
	require.NoError(t, err)
	assert.Equal(t, "conv_123", pc.ConversationID)

	stats := Statistics(pc.Metadata)
	assert.Equal(t, 125, stats.DurationSecs)
	assert.Equal(t, "2m 5s", stats.DurationFormatted)
	require.NotNil(t, stats.StartTime)
	assert.Equal(t, int64(1751364000), stats.StartTime.Unix())
	assert.Equal(t, "end_call tool was called", stats.TerminationReason)
	assert.Equal(t, "en", stats.MainLanguage)

	assert.InDelta(t, 0.1234, stats.Costs.TotalDollars, 1e-9)
	assert.InDelta(t, 0.1, stats.Costs.CallDollars, 1e-9)
	assert.InDelta(t, 0.0234, stats.Costs.LLMDollars, 1e-9)
	assert.InDelta(t, 12340, stats.Costs.TotalCredits, 1e-9)

	usage := stats.LLMUsage["gpt-4o-mini"]
	assert.Equal(t, int64(1500), usage.InputTokens)
	assert.Equal(t, int64(300), usage.OutputTokens)
	assert.InDelta(t, 0.00405, usage.TotalCost, 1e-9)

	assert.Equal(t, []string{"External Mcp Servers", "Language Detection"}, stats.FeaturesUsed)
}

func TestStatistics_Defaults(t *testing.T) {
	stats := Statistics(CallMetadata{})
	assert.Equal(t, "0 seconds", stats.DurationFormatted)
	assert.Equal(t, "Unknown", stats.TerminationReason)
	assert.Equal(t, "Unknown", stats.MainLanguage)
	assert.Nil(t, stats.StartTime)
	assert.Empty(t, stats.FeaturesUsed)
}

func TestAnalysis(t *testing.T) {
	pc, err := ParsePostCall(json.RawMessage(postCallData))
	require.NoError(t, err)

	an := Analysis(pc.Analysis)
	assert.Equal(t, "Clara confirmed the home health authorization.", an.Summary)
	assert.Equal(t, "success", an.CallSuccessful)
	assert.Equal(t, "string", an.CollectedData["patient_name"].Type)
	assert.Equal(t, "unknown", an.CollectedData["visit_count"].Type)
	assert.Contains(t, an.EvaluationResults, "verified_identity")

	require.NotNil(t, an.Patient)
	assert.Equal(t, "Jane Doe", an.Patient.Name)
	assert.Equal(t, "Unknown", an.Patient.DOB)
	assert.Equal(t, "Heart failure", an.Patient.PrimaryDiagnosis)
	assert.Equal(t, "None", an.Patient.Comorbidities)
	assert.True(t, an.Patient.TransportationNeeded)
}

func TestAnalysis_Empty(t *testing.T) {
	an := Analysis(CallAnalysis{})
	assert.Equal(t, "unknown", an.CallSuccessful)
	assert.Nil(t, an.Patient)
}

func TestRecord(t *testing.T) {
	pc, err := ParsePostCall(json.RawMessage(postCallData))
	require.NoError(t, err)

	a := Record(pc)
	assert.Equal(t, 125, a.DurationSecs)
	assert.Equal(t, "2m 5s", a.Duration)
	assert.InDelta(t, 0.1234, a.TotalCostDollars, 1e-9)
	assert.NotNil(t, a.Statistics)
	assert.NotNil(t, a.Analysis)

	empty := Record(nil)
	assert.Equal(t, "0 seconds", empty.Duration)
}

func TestParsePostCall_Malformed(t *testing.T) {
	_, err := ParsePostCall(json.RawMessage(`{"metadata": "nope"}`))
	assert.Error(t, err)

	pc, err := ParsePostCall(nil)
	require.NoError(t, err)
	assert.Empty(t, pc.ConversationID)
}

func TestFormatTranscript(t *testing.T) {
	text := FormatTranscript([]store.Message{
		{Role: "agent", Message: "Hello", TimeInCallSecs: 0},
		{Role: "user", Message: ""},
		{Role: "user", Message: "Hi", TimeInCallSecs: 65},
	})
	assert.Equal(t, "[0 seconds] AGENT: Hello\n\n[1m 5s] USER: Hi", text)
}

func TestReport(t *testing.T) {
	pc, err := ParsePostCall(json.RawMessage(postCallData))
	require.NoError(t, err)

	sess := &store.Session{
		ID:         "s1",
		AgentKey:   "clara",
		ExternalID: "conv_123",
		State:      store.StateCompleted,
		Metadata:   map[string]string{"agent_name": "Clara", "agent_role": "Patient Intake Coordinator"},
		Transcript: sampleTranscript(),
	}
	sess.Analytics = Enrich(sess.Transcript, Record(pc), time.Now())

	md := ReportMarkdown(sess)
	assert.True(t, strings.HasPrefix(md, "# Call report s1"))
	assert.Contains(t, md, "Clara (Patient Intake Coordinator)")
	assert.Contains(t, md, "$0.1234")
	assert.Contains(t, md, "- **Name:** Jane Doe")
	assert.Contains(t, md, "| Closing | 2 |")
	assert.Contains(t, md, "[0 seconds] AGENT: Hello, this is Clara")

	html, err := RenderHTML(md)
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Call report s1</h1>")
	assert.Contains(t, html, "<h2>Transcript</h2>")
	assert.Contains(t, html, "<strong>Agent:</strong>")
}

func TestReport_NoAnalytics(t *testing.T) {
	md := ReportMarkdown(&store.Session{ID: "s2", AgentKey: "marcus", State: store.StateCreated})
	assert.Contains(t, md, "- **Agent:** marcus")
	assert.Contains(t, md, "_No messages recorded._")
}

func indexOf(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}
