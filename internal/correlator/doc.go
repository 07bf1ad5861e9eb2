// Package correlator applies verified webhook events to sessions.
//
// Events are hashed by session id onto a fixed set of ordered queues, one
// worker each. A session's events are therefore applied one at a time in
// arrival order, while different sessions proceed in parallel.
//
// Every event is applied inside a single registry Update: either all of its
// effects commit (binding, transcript, state, analytics, applied-ledger entry)
// or none do. Events whose key is already in the session's ledger are skipped.
// Successful changes are published to the session's real-time room, and ended
// calls are enriched in the background.
package correlator
