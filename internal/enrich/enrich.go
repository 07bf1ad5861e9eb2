// ABOUTME: Assembles session analytics from post-call data and the final transcript
// ABOUTME: Record runs when the call ends; Enrich runs asynchronously afterwards

package enrich

import (
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// Record builds the analytics stored when a call ends: duration, cost,
// statistics, and the engine's analysis. A nil payload yields an empty record.
func Record(pc *PostCall) *store.Analytics {
	if pc == nil {
		return &store.Analytics{Duration: FormatDuration(0)}
	}
	stats := Statistics(pc.Metadata)
	return &store.Analytics{
		DurationSecs:     stats.DurationSecs,
		Duration:         stats.DurationFormatted,
		TotalCostDollars: stats.Costs.TotalDollars,
		Statistics:       stats,
		Analysis:         Analysis(pc.Analysis),
	}
}

// Enrich returns a copy of base with stage tags derived from transcript.
// The derived tags depend only on transcript, so re-running it on an
// unchanged transcript yields the same tags.
func Enrich(transcript []store.Message, base *store.Analytics, now time.Time) *store.Analytics {
	var out store.Analytics
	if base != nil {
		out = *base
	}
	out.Stages = TagStages(transcript)
	out.StageCounts = CountStages(out.Stages)
	out.ProcessingError = ""
	enrichedAt := now.UTC()
	out.EnrichedAt = &enrichedAt
	return &out
}
