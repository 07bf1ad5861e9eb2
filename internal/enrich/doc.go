// Package enrich derives analytics from completed calls.
//
// Everything here is a pure function of its inputs: stage tagging depends
// only on the transcript, and statistics and analysis only on the post-call
// payload. Re-running enrichment on an unchanged transcript yields the same
// tags, so it is safe to re-trigger after a retried webhook.
package enrich
