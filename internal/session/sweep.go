// ABOUTME: Inactivity sweep that error-marks or evicts sessions with no recent updates
// ABOUTME: Also evicts terminal sessions once their retention period has passed

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

// ExpiryPolicy selects what happens to an inactive, non-terminal session.
type ExpiryPolicy string

const (
	// ExpireToError moves inactive sessions to the error state.
	ExpireToError ExpiryPolicy = "error"
	// ExpireEvict removes inactive sessions from the registry and store.
	ExpireEvict ExpiryPolicy = "evict"
)

// InactivityDetail is recorded on sessions the sweep moves to error.
const InactivityDetail = "no webhook received within the inactivity window"

// SweepOptions configures SweepExpired.
type SweepOptions struct {
	// InactivityTTL is the maximum age of the last update for a live session.
	InactivityTTL time.Duration
	Policy        ExpiryPolicy
	// Retention is how long terminal sessions are kept. Zero keeps them forever.
	Retention time.Duration
}

// SweepAction describes what the sweep did to one session.
type SweepAction string

const (
	SweepErrored SweepAction = "errored"
	SweepEvicted SweepAction = "evicted"
)

// SweepResult reports one swept session. Session is the final snapshot
// (for evicted sessions, the state at eviction time).
type SweepResult struct {
	SessionID string
	Action    SweepAction
	Session   *store.Session
}

// SweepExpired scans every session once and applies opts. It returns what it
// changed so callers can notify subscribers.
func (r *Registry) SweepExpired(ctx context.Context, opts SweepOptions) ([]SweepResult, error) {
	if opts.Policy == "" {
		opts.Policy = ExpireToError
	}
	if opts.Policy != ExpireToError && opts.Policy != ExpireEvict {
		return nil, fmt.Errorf("unknown expiry policy %q", opts.Policy)
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.now()
	var results []SweepResult
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if res, ok := r.sweepEntry(ctx, e, now, opts); ok {
			results = append(results, res)
		}
	}
	return results, nil
}

func (r *Registry) sweepEntry(ctx context.Context, e *entry, now time.Time, opts SweepOptions) (SweepResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return SweepResult{}, false
	}

	id := e.sess.ID
	idle := now.Sub(e.sess.UpdatedAt)

	if e.sess.State.Terminal() {
		if opts.Retention <= 0 || idle < opts.Retention {
			return SweepResult{}, false
		}
		snap := e.sess.Clone()
		if err := r.removeLocked(ctx, e); err != nil {
			r.logger.Error("failed to evict retained session", "session_id", id, "error", err)
		}
		return SweepResult{SessionID: id, Action: SweepEvicted, Session: snap}, true
	}

	if opts.InactivityTTL <= 0 || idle < opts.InactivityTTL {
		return SweepResult{}, false
	}

	r.logger.Warn("session inactive", "session_id", id, "state", e.sess.State, "idle", idle, "policy", opts.Policy)

	if opts.Policy == ExpireEvict {
		snap := e.sess.Clone()
		if err := r.removeLocked(ctx, e); err != nil {
			r.logger.Error("failed to evict inactive session", "session_id", id, "error", err)
		}
		return SweepResult{SessionID: id, Action: SweepEvicted, Session: snap}, true
	}

	snap, err := r.commitLocked(ctx, e, func(tx *Tx) error {
		_, err := tx.Transition(store.StateError, InactivityDetail)
		return err
	})
	if err != nil {
		r.logger.Error("failed to expire session", "session_id", id, "error", err)
		return SweepResult{}, false
	}
	return SweepResult{SessionID: id, Action: SweepErrored, Session: snap}, true
}
