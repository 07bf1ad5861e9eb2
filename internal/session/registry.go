// ABOUTME: Concurrency-safe session registry with per-session serialized mutation
// ABOUTME: Writes every committed change through to the configured store backend

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// DynamicVarSessionID is the dynamic variable carrying the session id to the
// engine, which echoes it back in webhook payloads.
const DynamicVarSessionID = "session_id"

// maxAppliedEvents bounds the per-session idempotence ledger.
const maxAppliedEvents = 512

// Registry is the authoritative in-process set of sessions.
//
// Lock order is always entry.mu before Registry.mu. Registry.mu is only held
// for map reads and writes and never while acquiring an entry lock.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	byExternal map[string]string // external conversation id -> session id

	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

type entry struct {
	mu      sync.Mutex
	sess    *store.Session
	removed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for timestamps and sweeps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry backed by st. A nil store uses an in-memory one.
func NewRegistry(st store.Store, logger *slog.Logger, opts ...Option) *Registry {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries:    make(map[string]*entry),
		byExternal: make(map[string]string),
		store:      st,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateParams describes a new session.
type CreateParams struct {
	AgentKey         string
	AgentID          string
	DynamicVariables map[string]string
	Metadata         map[string]string
}

// Create registers a new session in state created with a fresh unique id.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*store.Session, error) {
	now := r.now().UTC()
	sess := &store.Session{
		AgentKey:         p.AgentKey,
		AgentID:          p.AgentID,
		State:            store.StateCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
		DynamicVariables: make(map[string]string, len(p.DynamicVariables)+1),
		Metadata:         make(map[string]string, len(p.Metadata)),
		Version:          1,
	}
	for k, v := range p.DynamicVariables {
		sess.DynamicVariables[k] = v
	}
	for k, v := range p.Metadata {
		sess.Metadata[k] = v
	}

	// Hold the entry lock until the store write lands so no reader sees an
	// unpersisted session.
	e := &entry{sess: sess}
	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	id := uuid.NewString()
	for r.entries[id] != nil {
		id = uuid.NewString()
	}
	sess.ID = id
	sess.DynamicVariables[DynamicVarSessionID] = id
	r.entries[id] = e
	r.mu.Unlock()

	if err := r.store.PutSession(ctx, sess); err != nil {
		e.removed = true
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	r.logger.Info("session created", "session_id", id, "agent_key", p.AgentKey)
	return sess.Clone(), nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*store.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNotFound
	}
	return e.sess.Clone(), nil
}

// GetByExternalID returns the session bound to an external conversation id.
func (r *Registry) GetByExternalID(externalID string) (*store.Session, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	id, ok := r.byExternal[externalID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.Get(id)
}

// Update runs fn against a working copy of the session while holding the
// session's lock. When fn returns nil and changed something, the copy is
// persisted and becomes the new session state. When fn returns an error,
// nothing is committed.
func (r *Registry) Update(ctx context.Context, id string, fn func(tx *Tx) error) (*store.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNotFound
	}
	return r.commitLocked(ctx, e, fn)
}

// commitLocked must be called with e.mu held.
func (r *Registry) commitLocked(ctx context.Context, e *entry, fn func(tx *Tx) error) (*store.Session, error) {
	tx := &Tx{
		r:       r,
		sess:    e.sess.Clone(),
		baseLen: len(e.sess.Transcript),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if !tx.dirty {
		return e.sess.Clone(), nil
	}

	next := tx.sess
	next.Version++
	next.UpdatedAt = r.now().UTC()

	if tx.bound != "" {
		if err := r.claimExternal(tx.bound, next.ID); err != nil {
			return nil, err
		}
	}

	if err := r.store.PutSession(ctx, next); err != nil {
		if tx.bound != "" {
			r.releaseExternal(tx.bound, next.ID)
		}
		if errors.Is(err, store.ErrDuplicateExternalID) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, tx.bound)
		}
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	if delta := next.Transcript[tx.baseLen:]; len(delta) > 0 {
		if err := r.store.AppendTranscript(ctx, next.ID, delta); err != nil {
			// The row is already updated; keep memory authoritative and report it
			r.logger.Error("failed to persist transcript", "session_id", next.ID, "error", err)
		}
	}

	e.sess = next
	return next.Clone(), nil
}

// claimExternal takes the registry lock after the entry lock, per lock order.
func (r *Registry) claimExternal(externalID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.byExternal[externalID]; ok && owner != id {
		return fmt.Errorf("%w: %s already bound to another session", ErrConflict, externalID)
	}
	r.byExternal[externalID] = id
	return nil
}

func (r *Registry) releaseExternal(externalID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byExternal[externalID] == id {
		delete(r.byExternal, externalID)
	}
}

// BindExternalID binds the session to an external conversation id. Binding
// the same id again is a no-op.
func (r *Registry) BindExternalID(ctx context.Context, id, externalID string) (*store.Session, error) {
	return r.Update(ctx, id, func(tx *Tx) error {
		return tx.Bind(externalID)
	})
}

// AppendTranscript appends messages in the given order.
func (r *Registry) AppendTranscript(ctx context.Context, id string, msgs ...store.Message) (*store.Session, error) {
	return r.Update(ctx, id, func(tx *Tx) error {
		return tx.Append(msgs...)
	})
}

// SetState moves the session to state. Leaving a terminal state and edges the
// transition table does not allow are logged and returned, never applied.
func (r *Registry) SetState(ctx context.Context, id string, state store.SessionState, detail string) (*store.Session, error) {
	sess, err := r.Update(ctx, id, func(tx *Tx) error {
		_, err := tx.Transition(state, detail)
		return err
	})
	if errors.Is(err, ErrTerminal) || errors.Is(err, ErrInvalidTransition) {
		r.logger.Warn("ignored state transition", "session_id", id, "to", state, "error", err)
	}
	return sess, err
}

// SetAnalytics replaces the derived analytics record.
func (r *Registry) SetAnalytics(ctx context.Context, id string, a *store.Analytics) (*store.Session, error) {
	return r.Update(ctx, id, func(tx *Tx) error {
		tx.SetAnalytics(a)
		return nil
	})
}

// MarkApplied records key in the session's applied ledger. It returns false
// when the key was already recorded.
func (r *Registry) MarkApplied(ctx context.Context, id, key string) (bool, error) {
	first := false
	_, err := r.Update(ctx, id, func(tx *Tx) error {
		if tx.Applied(key) {
			return nil
		}
		tx.MarkApplied(key)
		first = true
		return nil
	})
	return first, err
}

// HasApplied reports whether key is in the session's applied ledger.
func (r *Registry) HasApplied(id, key string) bool {
	sess, err := r.Get(id)
	if err != nil {
		return false
	}
	return containsString(sess.AppliedEvents, key)
}

// List returns snapshots of every session ordered by creation time.
func (r *Registry) List() []*store.Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*store.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.sess.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByState returns the number of sessions in each state.
func (r *Registry) CountByState() map[store.SessionState]int {
	counts := make(map[store.SessionState]int, 4)
	for _, s := range r.List() {
		counts[s.State]++
	}
	return counts
}

// FindUnbound returns ids of non-terminal sessions for agentID that have no
// external id yet and were created at or after since, newest first.
func (r *Registry) FindUnbound(agentID string, since time.Time) []string {
	var matches []*store.Session
	for _, s := range r.List() {
		if s.AgentID != agentID || s.ExternalID != "" || s.State.Terminal() {
			continue
		}
		if s.CreatedAt.Before(since) {
			continue
		}
		matches = append(matches, s)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	ids := make([]string, len(matches))
	for i, s := range matches {
		ids[i] = s.ID
	}
	return ids
}

// Remove evicts a session. Later operations on it fail with ErrNotFound.
func (r *Registry) Remove(ctx context.Context, id string) error {
	e := r.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	return r.removeLocked(ctx, e)
}

// removeLocked must be called with e.mu held.
func (r *Registry) removeLocked(ctx context.Context, e *entry) error {
	e.removed = true
	id := e.sess.ID

	r.mu.Lock()
	delete(r.entries, id)
	if ext := e.sess.ExternalID; ext != "" && r.byExternal[ext] == id {
		delete(r.byExternal, ext)
	}
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting session: %w", err)
	}
	r.logger.Info("session evicted", "session_id", id)
	return nil
}

// Load hydrates the registry from the store. Sessions already present are kept.
func (r *Registry) Load(ctx context.Context) (int, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, s := range sessions {
		if _, exists := r.entries[s.ID]; exists {
			continue
		}
		r.entries[s.ID] = &entry{sess: s}
		if s.ExternalID != "" {
			r.byExternal[s.ExternalID] = s.ID
		}
		loaded++
	}
	r.logger.Info("sessions loaded from store", "count", loaded)
	return loaded, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Tx is the mutable view of one session handed to Update callbacks. It is
// only valid inside the callback.
type Tx struct {
	r       *Registry
	sess    *store.Session
	baseLen int
	bound   string
	dirty   bool
}

// ID returns the session id.
func (t *Tx) ID() string { return t.sess.ID }

// State returns the current working state.
func (t *Tx) State() store.SessionState { return t.sess.State }

// ExternalID returns the bound external conversation id, if any.
func (t *Tx) ExternalID() string { return t.sess.ExternalID }

// AgentID returns the engine agent id the session was created for.
func (t *Tx) AgentID() string { return t.sess.AgentID }

// TranscriptLen returns the number of messages recorded so far.
func (t *Tx) TranscriptLen() int { return len(t.sess.Transcript) }

// Snapshot returns a copy of the working session.
func (t *Tx) Snapshot() *store.Session { return t.sess.Clone() }

// Bind sets the external conversation id. Rebinding the same id is a no-op;
// a different id, or an id held by another session, is ErrConflict.
func (t *Tx) Bind(externalID string) error {
	if externalID == "" {
		return nil
	}
	if t.sess.ExternalID == externalID {
		return nil
	}
	if t.sess.ExternalID != "" {
		return fmt.Errorf("%w: session bound to %s, got %s", ErrConflict, t.sess.ExternalID, externalID)
	}
	t.r.mu.RLock()
	owner, held := t.r.byExternal[externalID]
	t.r.mu.RUnlock()
	if held && owner != t.sess.ID {
		return fmt.Errorf("%w: %s already bound to another session", ErrConflict, externalID)
	}
	t.sess.ExternalID = externalID
	t.bound = externalID
	t.dirty = true
	return nil
}

// Append adds messages after the current transcript. Terminal sessions
// accept no more messages.
func (t *Tx) Append(msgs ...store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if t.sess.State.Terminal() {
		return fmt.Errorf("%w: cannot append to %s session", ErrTerminal, t.sess.State)
	}
	t.sess.Transcript = append(t.sess.Transcript, msgs...)
	t.dirty = true
	return nil
}

// Transition moves the working state to next, recording detail when entering
// error. It reports whether the state changed.
func (t *Tx) Transition(next store.SessionState, detail string) (bool, error) {
	changed, err := CheckTransition(t.sess.State, next)
	if err != nil || !changed {
		return false, err
	}
	t.sess.State = next
	if next == store.StateError {
		t.sess.ErrorDetail = detail
	}
	t.dirty = true
	return true, nil
}

// SetAnalytics replaces the analytics record.
func (t *Tx) SetAnalytics(a *store.Analytics) {
	t.sess.Analytics = a
	t.dirty = true
}

// Applied reports whether key is already in the applied ledger.
func (t *Tx) Applied(key string) bool {
	return containsString(t.sess.AppliedEvents, key)
}

// MarkApplied records key in the applied ledger, dropping the oldest keys
// beyond the ledger bound.
func (t *Tx) MarkApplied(key string) {
	if key == "" || t.Applied(key) {
		return
	}
	t.sess.AppliedEvents = append(t.sess.AppliedEvents, key)
	if over := len(t.sess.AppliedEvents) - maxAppliedEvents; over > 0 {
		t.sess.AppliedEvents = append([]string(nil), t.sess.AppliedEvents[over:]...)
	}
	t.dirty = true
}

// CountWebhook increments the number of webhooks applied to the session.
func (t *Tx) CountWebhook() {
	t.sess.WebhookCount++
	t.dirty = true
}
