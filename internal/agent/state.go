package agent

import (
	"errors"
	"fmt"
	"slices"

	"github.com/joescharf/flock/internal/models"
)

// ErrIllegalTransition is returned for a transition the state machine does
// not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists the allowed target states for each non-terminal state.
var transitions = map[models.AgentState][]models.AgentState{
	models.StateIdle: {
		models.StateAwaitingCompletion,
		models.StateStopped,
	},
	models.StateAwaitingUserInput: {
		models.StateAwaitingCompletion,
		models.StateStopped,
	},
	models.StateAwaitingCompletion: {
		models.StateExecutingTools,
		models.StateIdle,
		models.StateAwaitingUserInput,
		models.StateStopped,
	},
	models.StateExecutingTools: {
		models.StateAwaitingCompletion,
		models.StateIdle,
		models.StateStopped,
		models.StateCompleted,
	},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to models.AgentState) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to models.AgentState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
