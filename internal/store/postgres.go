// ABOUTME: Postgres implementation of the Store interface using pgx connection pools
// ABOUTME: JSON columns are JSONB and the transcript lives in its own table

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at url and creates the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "backend", "postgres")

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			agent_key         TEXT NOT NULL,
			agent_id          TEXT NOT NULL,
			external_id       TEXT NOT NULL DEFAULT '',
			state             TEXT NOT NULL CHECK (state IN ('created', 'active', 'completed', 'error')),
			error_detail      TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			version           BIGINT NOT NULL DEFAULT 0,
			webhook_count     INTEGER NOT NULL DEFAULT 0,
			dynamic_variables JSONB,
			metadata          JSONB,
			analytics         JSONB,
			applied_events    JSONB
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_external
			ON sessions(external_id) WHERE external_id <> '';
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			session_id        TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
			seq               INTEGER NOT NULL,
			role              TEXT NOT NULL,
			message           TEXT NOT NULL,
			time_in_call_secs INTEGER NOT NULL DEFAULT 0,
			interrupted       BOOLEAN NOT NULL DEFAULT FALSE,
			source_medium     TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, seq)
		);
	`)
	return err
}

const pgSessionColumns = `session_id, agent_key, agent_id, external_id, state, error_detail,
	created_at, updated_at, version, webhook_count,
	dynamic_variables, metadata, analytics, applied_events`

// GetSession retrieves a session and its transcript by ID
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE session_id = $1`, id)

	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
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

// PutSession upserts the session row.
func (s *PostgresStore) PutSession(ctx context.Context, sess *Session) error {
	dynVars, err := jsonb(sess.DynamicVariables)
	if err != nil {
		return err
	}
	metadata, err := jsonb(sess.Metadata)
	if err != nil {
		return err
	}
	analytics, err := jsonb(sess.Analytics)
	if err != nil {
		return err
	}
	applied, err := jsonb(sess.AppliedEvents)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (`+pgSessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			agent_key = EXCLUDED.agent_key,
			agent_id = EXCLUDED.agent_id,
			external_id = EXCLUDED.external_id,
			state = EXCLUDED.state,
			error_detail = EXCLUDED.error_detail,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version,
			webhook_count = EXCLUDED.webhook_count,
			dynamic_variables = EXCLUDED.dynamic_variables,
			metadata = EXCLUDED.metadata,
			analytics = EXCLUDED.analytics,
			applied_events = EXCLUDED.applied_events
	`,
		sess.ID,
		sess.AgentKey,
		sess.AgentID,
		sess.ExternalID,
		string(sess.State),
		sess.ErrorDetail,
		sess.CreatedAt.UTC(),
		sess.UpdatedAt.UTC(),
		sess.Version,
		sess.WebhookCount,
		dynVars,
		metadata,
		analytics,
		applied,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// AppendTranscript appends messages in one transaction, locking the session row
// so concurrent appends cannot interleave sequence numbers.
func (s *PostgresStore) AppendTranscript(ctx context.Context, id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM sessions WHERE session_id = $1 FOR UPDATE`, id).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("checking session: %w", err)
	}

	var next int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_messages WHERE session_id = $1`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("reading transcript length: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range msgs {
		batch.Queue(`
			INSERT INTO transcript_messages (
				session_id, seq, role, message, time_in_call_secs, interrupted, source_medium
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, next+i, m.Role, m.Message, m.TimeInCallSecs, m.Interrupted, m.SourceMedium)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting transcript messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}

	s.logger.Debug("appended transcript", "session_id", id, "count", len(msgs))
	return nil
}

// DeleteSession removes a session and its transcript
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgSessionColumns+` FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}

	var sessions []*Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	for _, sess := range sessions {
		sess.Transcript, err = s.loadTranscript(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) loadTranscript(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, message, time_in_call_secs, interrupted, source_medium
		FROM transcript_messages
		WHERE session_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Message, &m.TimeInCallSecs, &m.Interrupted, &m.SourceMedium); err != nil {
			return nil, fmt.Errorf("scanning transcript message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanPgSession(row pgx.Row) (*Session, error) {
	var sess Session
	var state string
	var dynVars, metadata, analytics, applied []byte

	err := row.Scan(
		&sess.ID,
		&sess.AgentKey,
		&sess.AgentID,
		&sess.ExternalID,
		&state,
		&sess.ErrorDetail,
		&sess.CreatedAt,
		&sess.UpdatedAt,
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
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{dynVars, &sess.DynamicVariables},
		{metadata, &sess.Metadata},
		{analytics, &sess.Analytics},
		{applied, &sess.AppliedEvents},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decoding column: %w", err)
		}
	}
	return &sess, nil
}

// jsonb encodes v for a nullable JSONB column; nil values become SQL NULL.
func jsonb(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding column: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}
