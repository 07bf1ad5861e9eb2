// ABOUTME: In-memory Store implementation, the default persistence backend
// ABOUTME: Keeps deep copies so callers never share state with the store

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session // keyed by session ID, transcript included
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// PutSession stores the session fields, keeping any transcript already appended.
func (m *MemoryStore) PutSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.ExternalID != "" {
		for id, other := range m.sessions {
			if id != sess.ID && other.ExternalID == sess.ExternalID {
				return ErrDuplicateExternalID
			}
		}
	}

	c := sess.Clone()
	if existing, ok := m.sessions[sess.ID]; ok {
		c.Transcript = existing.Transcript
	} else {
		c.Transcript = nil
	}
	m.sessions[sess.ID] = c
	return nil
}

// AppendTranscript appends messages to a stored session.
func (m *MemoryStore) AppendTranscript(ctx context.Context, id string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Transcript = append(sess.Transcript, msgs...)
	return nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// ListSessions returns all sessions ordered by creation time.
func (m *MemoryStore) ListSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
