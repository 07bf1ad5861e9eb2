// Package session holds the registry of voice-agent sessions.
//
// # Lifecycle
//
//	created -> active -> completed
//	created | active -> error
//
// completed and error are terminal. Leaving them returns ErrTerminal and
// changes nothing; re-entering the current state is a silent no-op.
//
// # Concurrency
//
// The registry map has its own RWMutex for create and lookup. Each session
// has its own mutex, so mutations to one session are serialized while
// different sessions proceed in parallel. Update is the single mutation path:
// callbacks receive a Tx over a working copy that is persisted and swapped in
// only if the callback succeeds.
//
// # Expiry
//
// SweepExpired error-marks or evicts sessions whose last update is older than
// the inactivity window, and evicts terminal sessions after their retention.
// Operations on an evicted session fail with ErrNotFound.
package session
