// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: Sessions are JSON values with a list per transcript; terminal sessions expire after retention

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "voicegw"

// RedisStore implements the Store interface on Redis. Each session is a JSON
// value under <prefix>:session:<id>, its transcript a list under
// <prefix>:session:<id>:transcript, and <prefix>:sessions indexes all ids.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	URL string
	// Prefix namespaces every key; defaults to "voicegw".
	Prefix string
	// Retention is the TTL set on a session's keys once it reaches a terminal
	// state. Live sessions never expire. Zero keeps keys forever.
	Retention time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, opts), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: opts.Retention,
		logger:    slog.Default().With("component", "store", "backend", "redis"),
	}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":session:" + id }
func (s *RedisStore) transcriptKey(id string) string { return s.prefix + ":session:" + id + ":transcript" }
func (s *RedisStore) externalKey(ext string) string { return s.prefix + ":external:" + ext }
func (s *RedisStore) indexKey() string { return s.prefix + ":sessions" }

// GetSession retrieves a session and its transcript by ID
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	sess.Transcript, err = s.loadTranscript(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// keyTTL returns the expiry for a session's keys: the retention period once
// the session is terminal, otherwise none.
func (s *RedisStore) keyTTL(sess *Session) time.Duration {
	if s.retention > 0 && sess.State.Terminal() {
		return s.retention
	}
	return 0
}

// PutSession stores the session JSON without its transcript.
func (s *RedisStore) PutSession(ctx context.Context, sess *Session) error {
	ttl := s.keyTTL(sess)
	if sess.ExternalID != "" {
		// SETNX claims the external id; a different owner means a conflicting bind
		claimed, err := s.client.SetNX(ctx, s.externalKey(sess.ExternalID), sess.ID, ttl).Result()
		if err != nil {
			return fmt.Errorf("claiming external id: %w", err)
		}
		if !claimed {
			owner, err := s.client.Get(ctx, s.externalKey(sess.ExternalID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("reading external id owner: %w", err)
			}
			if owner != sess.ID {
				return ErrDuplicateExternalID
			}
		}
	}

	c := sess.Clone()
	c.Transcript = nil
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)
	pipe.SAdd(ctx, s.indexKey(), sess.ID)
	if ttl > 0 {
		pipe.Expire(ctx, s.transcriptKey(sess.ID), ttl)
		if sess.ExternalID != "" {
			pipe.Expire(ctx, s.externalKey(sess.ExternalID), ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// AppendTranscript pushes messages onto the session's transcript list.
func (s *RedisStore) AppendTranscript(ctx context.Context, id string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding transcript message: %w", err)
		}
		values = append(values, data)
	}

	if err := s.client.RPush(ctx, s.transcriptKey(id), values...).Err(); err != nil {
		return fmt.Errorf("appending transcript: %w", err)
	}

	s.logger.Debug("appended transcript", "session_id", id, "count", len(msgs))
	return nil
}

// DeleteSession removes the session, its transcript, and its external id claim.
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id), s.transcriptKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	if sess.ExternalID != "" {
		pipe.Del(ctx, s.externalKey(sess.ExternalID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// ListSessions returns every indexed session, pruning ids whose keys expired.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = s.client.SRem(ctx, s.indexKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) loadTranscript(ctx context.Context, id string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, s.transcriptKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decoding transcript message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
