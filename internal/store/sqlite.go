// ABOUTME: SQL implementation of the Store interface for SQLite databases
// ABOUTME: Works with modernc.org/sqlite ("sqlite") and mattn/go-sqlite3 ("sqlite3")

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite is the pure-Go modernc.org/sqlite driver.
	DriverSQLite = "sqlite"
	// DriverSQLite3 is the cgo mattn/go-sqlite3 driver.
	DriverSQLite3 = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver. The schema is automatically created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverSQLite, path)
}

// NewSQLiteStoreWithDriver opens path with the named database/sql driver.
// Parent directories are created if needed.
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverSQLite && driver != DriverSQLite3 {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id             TEXT PRIMARY KEY,
			agent_key              TEXT NOT NULL,
			agent_id               TEXT NOT NULL,
			external_id            TEXT NOT NULL DEFAULT '',
			state                  TEXT NOT NULL,
			error_detail           TEXT NOT NULL DEFAULT '',
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,
			version                INTEGER NOT NULL DEFAULT 0,
			webhook_count          INTEGER NOT NULL DEFAULT 0,
			dynamic_variables_json TEXT,
			metadata_json          TEXT,
			analytics_json         TEXT,
			applied_events_json    TEXT,

			CHECK (state IN ('created', 'active', 'completed', 'error'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_external
			ON sessions(external_id) WHERE external_id != '';
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			session_id        TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			seq               INTEGER NOT NULL,
			role              TEXT NOT NULL,
			message           TEXT NOT NULL,
			time_in_call_secs INTEGER NOT NULL DEFAULT 0,
			interrupted       INTEGER NOT NULL DEFAULT 0,
			source_medium     TEXT,

			PRIMARY KEY (session_id, seq)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSession retrieves a session and its transcript by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_key, agent_id, external_id, state, error_detail,
		       created_at, updated_at, version, webhook_count,
		       dynamic_variables_json, metadata_json, analytics_json, applied_events_json
		FROM sessions
		WHERE session_id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Transcript, err = s.loadTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// PutSession upserts the session row. The transcript is written by AppendTranscript.
func (s *SQLiteStore) PutSession(ctx context.Context, sess *Session) error {
	dynVars, err := marshalJSON(sess.DynamicVariables)
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(sess.Metadata)
	if err != nil {
		return err
	}
	analytics, err := marshalJSON(sess.Analytics)
	if err != nil {
		return err
	}
	applied, err := marshalJSON(sess.AppliedEvents)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, agent_key, agent_id, external_id, state, error_detail,
			created_at, updated_at, version, webhook_count,
			dynamic_variables_json, metadata_json, analytics_json, applied_events_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_key = excluded.agent_key,
			agent_id = excluded.agent_id,
			external_id = excluded.external_id,
			state = excluded.state,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at,
			version = excluded.version,
			webhook_count = excluded.webhook_count,
			dynamic_variables_json = excluded.dynamic_variables_json,
			metadata_json = excluded.metadata_json,
			analytics_json = excluded.analytics_json,
			applied_events_json = excluded.applied_events_json
	`,
		sess.ID,
		sess.AgentKey,
		sess.AgentID,
		sess.ExternalID,
		string(sess.State),
		sess.ErrorDetail,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
		sess.Version,
		sess.WebhookCount,
		dynVars,
		metadata,
		analytics,
		applied,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// AppendTranscript appends messages after the highest stored sequence number
func (s *SQLiteStore) AppendTranscript(ctx context.Context, id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking session: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_messages WHERE session_id = ?`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("reading transcript length: %w", err)
	}

	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcript_messages (
				session_id, seq, role, message, time_in_call_secs, interrupted, source_medium
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, next+i, m.Role, m.Message, m.TimeInCallSecs, m.Interrupted, m.SourceMedium); err != nil {
			return fmt.Errorf("inserting transcript message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}

	s.logger.Debug("appended transcript", "session_id", id, "count", len(msgs))
	return nil
}

// DeleteSession removes a session and, via cascade, its transcript
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_key, agent_id, external_id, state, error_detail,
		       created_at, updated_at, version, webhook_count,
		       dynamic_variables_json, metadata_json, analytics_json, applied_events_json
		FROM sessions
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	rows.Close()

	for _, sess := range sessions {
		sess.Transcript, err = s.loadTranscript(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadTranscript(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, message, time_in_call_secs, interrupted, source_medium
		FROM transcript_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var source sql.NullString
		if err := rows.Scan(&m.Role, &m.Message, &m.TimeInCallSecs, &m.Interrupted, &source); err != nil {
			return nil, fmt.Errorf("scanning transcript message: %w", err)
		}
		m.SourceMedium = source.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var state, createdAt, updatedAt string
	var dynVars, metadata, analytics, applied sql.NullString

	err := row.Scan(
		&sess.ID,
		&sess.AgentKey,
		&sess.AgentID,
		&sess.ExternalID,
		&state,
		&sess.ErrorDetail,
		&createdAt,
		&updatedAt,
		&sess.Version,
		&sess.WebhookCount,
		&dynVars,
		&metadata,
		&analytics,
		&applied,
	)
	if err != nil {
		return nil, err
	}

	sess.State = SessionState(state)
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := unmarshalJSON(dynVars, &sess.DynamicVariables); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &sess.Metadata); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(analytics, &sess.Analytics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(applied, &sess.AppliedEvents); err != nil {
		return nil, err
	}
	return &sess, nil
}

// marshalJSON encodes v for a nullable TEXT column; nil values are stored as NULL.
func marshalJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding column: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalJSON(col sql.NullString, dst any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}
