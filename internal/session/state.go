// ABOUTME: Session lifecycle transition table and sentinel errors
// ABOUTME: created -> active -> completed, any non-terminal -> error

package session

import (
	"errors"
	"fmt"

	"github.com/k-lakshmikanth/voice-agents-elevenlabs/internal/store"
)

var (
	// ErrNotFound is returned for unknown or evicted sessions.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when an external conversation id is already
	// bound to a different session, or the session is bound to a different id.
	ErrConflict = errors.New("external conversation id conflict")

	// ErrTerminal is returned when a transition out of completed or error is attempted.
	ErrTerminal = errors.New("session is in a terminal state")

	// ErrInvalidTransition is returned for transitions the table does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// allowed lists the forward edges of the state machine.
var allowed = map[store.SessionState][]store.SessionState{
	store.StateCreated: {store.StateActive, store.StateError},
	store.StateActive:  {store.StateCompleted, store.StateError},
}

// CheckTransition reports whether from -> to is permitted. A transition to the
// current state returns (false, nil): it is accepted and changes nothing.
func CheckTransition(from, to store.SessionState) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if from == to {
		return false, nil
	}
	if from.Terminal() {
		return false, fmt.Errorf("%w: %s -> %s", ErrTerminal, from, to)
	}
	for _, next := range allowed[from] {
		if next == to {
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
