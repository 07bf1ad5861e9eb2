// Package webhook receives conversational-engine callbacks.
//
// Each delivery is handled in a fixed order, and each step rejects before the
// next runs:
//
//  1. Body size limit (413)
//  2. Signature and timestamp window (401)
//  3. Event parsing and type normalization (400)
//  4. Dedupe against recently seen keys (200 duplicate)
//  5. Session resolution by external id, echoed session id, or agent fallback
//     (200 ignored when nothing resolves)
//  6. Dispatch to the correlator (200 accepted, or 503 when its queue is full)
//
// The handler never waits for the event to be applied.
package webhook
