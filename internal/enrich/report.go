// ABOUTME: Formatted transcript text and Markdown call reports
// ABOUTME: Reports render to HTML with goldmark for the dashboard

package enrich

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// FormatTranscript renders messages as "[<time>] ROLE: message" blocks.
// Empty messages are skipped.
func FormatTranscript(msgs []store.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Message == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = "unknown"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", FormatDuration(m.TimeInCallSecs), strings.ToUpper(role), m.Message))
	}
	return strings.Join(lines, "\n\n")
}

// ReportMarkdown renders a session as a Markdown call report.
func ReportMarkdown(sess *store.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Call report %s\n\n", sess.ID)
	agent := sess.Metadata["agent_name"]
	if agent == "" {
		agent = sess.AgentKey
	}
	if role := sess.Metadata["agent_role"]; role != "" {
		agent += " (" + role + ")"
	}
	fmt.Fprintf(&b, "- **Agent:** %s\n", agent)
	fmt.Fprintf(&b, "- **Status:** %s\n", sess.State)
	if sess.ExternalID != "" {
		fmt.Fprintf(&b, "- **Conversation:** %s\n", sess.ExternalID)
	}
	if sess.ErrorDetail != "" {
		fmt.Fprintf(&b, "- **Error:** %s\n", sess.ErrorDetail)
	}

	if a := sess.Analytics; a != nil {
		fmt.Fprintf(&b, "- **Duration:** %s\n", a.Duration)
		fmt.Fprintf(&b, "- **Total cost:** $%.4f\n", a.TotalCostDollars)

		if an := a.Analysis; an != nil {
			if an.Summary != "" {
				fmt.Fprintf(&b, "\n## Summary\n\n%s\n", an.Summary)
				fmt.Fprintf(&b, "\nCall successful: **%s**\n", an.CallSuccessful)
			}
			if p := an.Patient; p != nil {
				b.WriteString("\n## Patient\n\n")
				fmt.Fprintf(&b, "- **Name:** %s\n", p.Name)
				fmt.Fprintf(&b, "- **Date of birth:** %s\n", p.DOB)
				fmt.Fprintf(&b, "- **Primary diagnosis:** %s\n", p.PrimaryDiagnosis)
				fmt.Fprintf(&b, "- **Comorbidities:** %s\n", p.Comorbidities)
				fmt.Fprintf(&b, "- **Transportation needed:** %t\n", p.TransportationNeeded)
			}
		}

		if len(a.StageCounts) > 0 {
			b.WriteString("\n## Stages\n\n| Stage | Messages |\n|---|---|\n")
			for _, stage := range Stages {
				if n := a.StageCounts[stage]; n > 0 {
					fmt.Fprintf(&b, "| %s | %d |\n", stage, n)
				}
			}
		}
	}

	b.WriteString("\n## Transcript\n\n")
	if text := FormatTranscript(sess.Transcript); text != "" {
		b.WriteString(text)
		b.WriteString("\n")
	} else {
		b.WriteString("_No messages recorded._\n")
	}
	return b.String()
}

// RenderHTML converts Markdown to HTML.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}
	return buf.String(), nil
}
