// Package store persists voice-gateway sessions.
//
// # Architecture
//
// The session registry keeps the authoritative in-process copy of every
// session and writes each mutation through to a Store. Backends only need
// get/set/append/expire semantics keyed by session id:
//
//   - MemoryStore: default, process-local
//   - SQLiteStore: file-backed, pure-Go ("sqlite") or cgo ("sqlite3") driver
//   - RedisStore: shared cache with optional key TTL
//   - PostgresStore: pgx pool with JSONB columns
//
// # Data Models
//
//   - Session: one call, its lifecycle state, and its external conversation id
//   - Message: one transcript turn, stored append-only in provider order
//   - Analytics: post-call statistics, analysis, and stage tags
//
// # SQLite Configuration
//
// The SQLite store enables WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: the session does not exist
//   - ErrDuplicateExternalID: another session already holds the external id
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite. Redis and Postgres tests run only when
// VOICE_GATEWAY_TEST_REDIS_URL or VOICE_GATEWAY_TEST_POSTGRES_URL is set.
package store
