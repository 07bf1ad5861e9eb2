// ABOUTME: Post-call payload decoding into call statistics and analysis records
// ABOUTME: Converts engine credits to dollars and extracts key patient information

package enrich

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// creditsPerDollar converts engine credits to dollars.
const creditsPerDollar = 100000

// PostCall is the subset of a post-call payload's data object used for
// statistics and analysis.
type PostCall struct {
	ConversationID string       `json:"conversation_id"`
	AgentID        string       `json:"agent_id"`
	Metadata       CallMetadata `json:"metadata"`
	Analysis       CallAnalysis `json:"analysis"`
}

// CallMetadata carries timing, cost, and feature usage.
type CallMetadata struct {
	StartTimeUnixSecs int64                      `json:"start_time_unix_secs"`
	CallDurationSecs  int                        `json:"call_duration_secs"`
	Cost              float64                    `json:"cost"`
	TerminationReason string                     `json:"termination_reason"`
	MainLanguage      string                     `json:"main_language"`
	Charging          Charging                   `json:"charging"`
	FeaturesUsage     map[string]json.RawMessage `json:"features_usage"`
}

// Charging splits the call cost into call and LLM charges.
type Charging struct {
	CallCharge float64                    `json:"call_charge"`
	LLMCharge  float64                    `json:"llm_charge"`
	LLMUsage   map[string]GenerationUsage `json:"llm_usage"`
}

// GenerationUsage is per-model usage for one generation type.
type GenerationUsage struct {
	ModelUsage map[string]struct {
		Input       TokenPrice `json:"input"`
		OutputTotal TokenPrice `json:"output_total"`
	} `json:"model_usage"`
}

// TokenPrice is a token count and its price.
type TokenPrice struct {
	Tokens int64   `json:"tokens"`
	Price  float64 `json:"price"`
}

// CallAnalysis is the engine's own analysis block.
type CallAnalysis struct {
	TranscriptSummary         string                    `json:"transcript_summary"`
	CallSuccessful            string                    `json:"call_successful"`
	DataCollectionResults     map[string]CollectedValue `json:"data_collection_results"`
	EvaluationCriteriaResults map[string]any            `json:"evaluation_criteria_results"`
}

// CollectedValue is one data-collection result.
type CollectedValue struct {
	Value      any    `json:"value"`
	Rationale  string `json:"rationale"`
	JSONSchema struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"json_schema"`
}

// generationTypes are the llm_usage buckets summed into per-model totals.
var generationTypes = []string{"irreversible_generation", "initiated_generation"}

// ParsePostCall decodes the data object of a post-call payload.
func ParsePostCall(data json.RawMessage) (*PostCall, error) {
	var pc PostCall
	if len(data) == 0 {
		return &pc, nil
	}
	if err := json.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("decoding post-call data: %w", err)
	}
	return &pc, nil
}

// Statistics derives call statistics from payload metadata.
func Statistics(md CallMetadata) *store.CallStatistics {
	stats := &store.CallStatistics{
		DurationSecs:      md.CallDurationSecs,
		DurationFormatted: FormatDuration(md.CallDurationSecs),
		TerminationReason: orDefault(md.TerminationReason, "Unknown"),
		MainLanguage:      orDefault(md.MainLanguage, "Unknown"),
		Costs: store.CallCosts{
			TotalDollars: creditsToDollars(md.Cost),
			CallDollars:  creditsToDollars(md.Charging.CallCharge),
			LLMDollars:   creditsToDollars(md.Charging.LLMCharge),
			TotalCredits: md.Cost,
			CallCredits:  md.Charging.CallCharge,
			LLMCredits:   md.Charging.LLMCharge,
		},
		FeaturesUsed: FeaturesUsed(md.FeaturesUsage),
	}
	if md.StartTimeUnixSecs > 0 {
		start := time.Unix(md.StartTimeUnixSecs, 0).UTC()
		stats.StartTime = &start
	}

	for _, gen := range generationTypes {
		usage, ok := md.Charging.LLMUsage[gen]
		if !ok {
			continue
		}
		for model, u := range usage.ModelUsage {
			if stats.LLMUsage == nil {
				stats.LLMUsage = make(map[string]store.ModelUsage)
			}
			agg := stats.LLMUsage[model]
			agg.InputTokens += u.Input.Tokens
			agg.OutputTokens += u.OutputTotal.Tokens
			agg.TotalCost += u.Input.Price + u.OutputTotal.Price
			stats.LLMUsage[model] = agg
		}
	}
	return stats
}

// Analysis derives the analysis record, including key patient information
// when any was collected.
func Analysis(a CallAnalysis) *store.CallAnalysis {
	out := &store.CallAnalysis{
		Summary:           a.TranscriptSummary,
		CallSuccessful:    orDefault(a.CallSuccessful, "unknown"),
		EvaluationResults: a.EvaluationCriteriaResults,
	}
	if len(a.DataCollectionResults) > 0 {
		out.CollectedData = make(map[string]store.CollectedItem, len(a.DataCollectionResults))
		for key, item := range a.DataCollectionResults {
			out.CollectedData[key] = store.CollectedItem{
				Value:       item.Value,
				Type:        orDefault(item.JSONSchema.Type, "unknown"),
				Description: item.JSONSchema.Description,
				Rationale:   item.Rationale,
			}
		}
		out.Patient = PatientInfo(out.CollectedData)
	}
	return out
}

// PatientInfo extracts the quick-reference patient fields.
func PatientInfo(collected map[string]store.CollectedItem) *store.PatientInfo {
	return &store.PatientInfo{
		Name:                 valueString(collected, "patient_name", "Unknown"),
		DOB:                  valueString(collected, "patient_dob", "Unknown"),
		PrimaryDiagnosis:     valueString(collected, "primary_diagnosis", "Unknown"),
		Comorbidities:        valueString(collected, "comorbidities", "None"),
		TransportationNeeded: valueBool(collected, "transportation_assistance"),
	}
}

// FormatDuration renders seconds as "45 seconds", "2m 5s", or "1h 2m 3s".
func FormatDuration(secs int) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%d seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
	}
}

// FeaturesUsed returns the Title Cased names of features marked used, either
// as a bare true or an object with "used": true. The result is sorted.
func FeaturesUsed(usage map[string]json.RawMessage) []string {
	var used []string
	for name, raw := range usage {
		var flag bool
		if err := json.Unmarshal(raw, &flag); err == nil {
			if flag {
				used = append(used, titleCase(name))
			}
			continue
		}
		var detail struct {
			Used bool `json:"used"`
		}
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Used {
			used = append(used, titleCase(name))
		}
	}
	sort.Strings(used)
	return used
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func creditsToDollars(credits float64) float64 {
	return math.Round(credits/creditsPerDollar*10000) / 10000
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func valueString(collected map[string]store.CollectedItem, key, def string) string {
	item, ok := collected[key]
	if !ok || item.Value == nil {
		return def
	}
	if s, ok := item.Value.(string); ok {
		return orDefault(s, def)
	}
	return fmt.Sprint(item.Value)
}

func valueBool(collected map[string]store.CollectedItem, key string) bool {
	item, ok := collected[key]
	if !ok {
		return false
	}
	switch v := item.Value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y":
			return true
		}
	}
	return false
}
