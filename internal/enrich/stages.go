// ABOUTME: Deterministic conversation-stage tagging for completed transcripts
// ABOUTME: Keyword scoring over eight stages; stages only move forward

package enrich

import (
	"strings"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// Conversation stages, in call order.
const (
	StageGreeting       = "Greeting & Identification"
	StageVerification   = "Recipient Verification"
	StagePurpose        = "Purpose of Call"
	StageClinical       = "Clinical Summary"
	StageAuthorization  = "Authorization Details"
	StageAdministrative = "Administrative Note"
	StageContact        = "Contact Confirmation"
	StageClosing        = "Closing"
)

// Stages lists every stage in call order.
var Stages = []string{
	StageGreeting,
	StageVerification,
	StagePurpose,
	StageClinical,
	StageAuthorization,
	StageAdministrative,
	StageContact,
	StageClosing,
}

// stageKeywords are matched as lowercase substrings. Order within a list
// does not matter.
var stageKeywords = [][]string{
	{"hello", "hi ", "good morning", "good afternoon", "my name is", "this is", "calling from", "speaking"},
	{"date of birth", "dob", "verify", "confirm the patient", "member id", "spell", "last name", "am i speaking"},
	{"calling about", "calling to", "reason for", "purpose", "regarding", "follow up on", "the reason"},
	{"diagnosis", "diagnosed", "condition", "symptom", "medication", "history of", "comorbid", "surgery", "treatment", "clinical"},
	{"authorization", "authorisation", "prior auth", "approved", "approval", "reference number", "cpt", "units", "visits", "length of stay", "extension"},
	{"fax", "document", "paperwork", "form", "note that", "for the record", "submit", "on file"},
	{"phone number", "call back", "callback", "reach you", "email", "contact", "best number", "extension number"},
	{"goodbye", "bye", "thank you for your time", "have a great", "have a good", "take care", "anything else"},
}

// TagStages assigns a stage to every message. The first message is always
// Greeting & Identification; afterwards a message moves the call to the
// highest-scoring stage at or after the current one, ties going to the
// earliest. Once Closing is reached it is kept. Identical input yields
// identical output.
func TagStages(msgs []store.Message) []store.StagedMessage {
	if len(msgs) == 0 {
		return nil
	}

	out := make([]store.StagedMessage, len(msgs))
	current := 0
	for i, m := range msgs {
		if i > 0 && current < len(Stages)-1 {
			if next := bestStage(strings.ToLower(m.Message), current); next > current {
				current = next
			}
		}
		out[i] = store.StagedMessage{Message: m, Stage: Stages[current]}
	}
	return out
}

// bestStage returns the index of the best-scoring stage at or after from, or
// from when nothing matches.
func bestStage(text string, from int) int {
	best, bestScore := from, 0
	for idx := from; idx < len(stageKeywords); idx++ {
		score := 0
		for _, kw := range stageKeywords[idx] {
			if strings.Contains(text, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = idx, score
		}
	}
	return best
}

// CountStages returns how many messages fall in each stage.
func CountStages(staged []store.StagedMessage) map[string]int {
	if len(staged) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, m := range staged {
		counts[m.Stage]++
	}
	return counts
}
