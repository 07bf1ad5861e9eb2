// ABOUTME: Tests for the inactivity sweep and terminal-session retention
// ABOUTME: Drives time with a test clock rather than sleeping

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

func TestSweepExpired_ErrorPolicy(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	stale := createClara(t, r)
	clock.Advance(8 * time.Minute)
	fresh := createClara(t, r)
	clock.Advance(3 * time.Minute)

	results, err := r.SweepExpired(ctx, SweepOptions{InactivityTTL: 10 * time.Minute, Policy: ExpireToError})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, stale.ID, results[0].SessionID)
	assert.Equal(t, SweepErrored, results[0].Action)
	assert.Equal(t, store.StateError, results[0].Session.State)

	got, err := r.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateError, got.State)
	assert.Equal(t, InactivityDetail, got.ErrorDetail)

	got, err = r.Get(fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCreated, got.State)

	// Sweeping again changes nothing for the errored session
	results, err = r.SweepExpired(ctx, SweepOptions{InactivityTTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSweepExpired_UpdatesResetInactivity(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()
	sess := createClara(t, r)

	clock.Advance(9 * time.Minute)
	_, err := r.SetState(ctx, sess.ID, store.StateActive, "")
	require.NoError(t, err)
	clock.Advance(9 * time.Minute)

	results, err := r.SweepExpired(ctx, SweepOptions{InactivityTTL: 10 * time.Minute})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSweepExpired_EvictPolicy(t *testing.T) {
	r, st, clock := newTestRegistry(t)
	ctx := context.Background()
	sess := createClara(t, r)

	clock.Advance(11 * time.Minute)
	results, err := r.SweepExpired(ctx, SweepOptions{InactivityTTL: 10 * time.Minute, Policy: ExpireEvict})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SweepEvicted, results[0].Action)
	assert.Equal(t, store.StateCreated, results[0].Session.State)

	_, err = r.Get(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.SetState(ctx, sess.ID, store.StateActive, "")
	assert.ErrorIs(t, err, ErrNotFound, "evicted sessions fail closed")
}

func TestSweepExpired_Retention(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	done := createClara(t, r)
	_, err := r.SetState(ctx, done.ID, store.StateActive, "")
	require.NoError(t, err)
	_, err = r.SetState(ctx, done.ID, store.StateCompleted, "")
	require.NoError(t, err)

	opts := SweepOptions{InactivityTTL: 10 * time.Minute, Retention: time.Hour}

	clock.Advance(30 * time.Minute)
	results, err := r.SweepExpired(ctx, opts)
	require.NoError(t, err)
	assert.Empty(t, results, "completed sessions are not subject to inactivity")

	clock.Advance(31 * time.Minute)
	results, err = r.SweepExpired(ctx, opts)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SweepEvicted, results[0].Action)
	assert.Equal(t, store.StateCompleted, results[0].Session.State)

	_, err = r.Get(done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpired_UnknownPolicy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.SweepExpired(context.Background(), SweepOptions{InactivityTTL: time.Minute, Policy: "archive"})
	assert.Error(t, err)
}

func TestCheckTransition(t *testing.T) {
	changed, err := CheckTransition(store.StateCreated, store.StateActive)
	assert.NoError(t, err)
	assert.True(t, changed)

	changed, err = CheckTransition(store.StateActive, store.StateActive)
	assert.NoError(t, err)
	assert.False(t, changed)

	_, err = CheckTransition(store.StateActive, "paused")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
