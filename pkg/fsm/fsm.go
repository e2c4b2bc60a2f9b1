package fsm

import (
	"fmt"

	"github.com/stagee/engine/pkg/types"
)

// executionEdges is the allowed-transition table for the execution FSM.
// Terminal states have no entry: nothing leaves them.
var executionEdges = map[types.ExecutionStatus][]types.ExecutionStatus{
	types.ExecutionPendingApproval: {
		types.ExecutionApproved,
		types.ExecutionRejected,
		types.ExecutionCancelled,
	},
	types.ExecutionApproved: {
		types.ExecutionQueued,
		types.ExecutionCancelled,
	},
	types.ExecutionQueued: {
		types.ExecutionRunning,
		types.ExecutionCancelled,
		types.ExecutionTimeout,
	},
	types.ExecutionRunning: {
		types.ExecutionCompleted,
		types.ExecutionFailed,
		types.ExecutionPartial,
		types.ExecutionCancelled,
		types.ExecutionTimeout,
	},
}

// stepEdges is the allowed-transition table for the per-step FSM.
var stepEdges = map[types.StepStatus][]types.StepStatus{
	types.StepPending: {
		types.StepRunning,
		types.StepSkipped,
		types.StepCancelled,
	},
	types.StepRunning: {
		types.StepSucceeded,
		types.StepFailed,
		types.StepTimeout,
		types.StepCancelled,
	},
}

// stepRetryEdges lists the transitions permitted only through the
// dedicated retry operation: a failed or timed-out attempt resets to
// pending for the next attempt. These edges never apply to ordinary
// transitions.
var stepRetryEdges = map[types.StepStatus]bool{
	types.StepFailed:  true,
	types.StepTimeout: true,
}

// ExecutionCan reports whether from→to is an allowed execution transition.
func ExecutionCan(from, to types.ExecutionStatus) bool {
	for _, next := range executionEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepCan reports whether from→to is an allowed step transition.
func StepCan(from, to types.StepStatus) bool {
	for _, next := range stepEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StepCanRetry reports whether a step in the given status may be reset to
// pending for another attempt.
func StepCanRetry(from types.StepStatus) bool {
	return stepRetryEdges[from]
}

// CheckExecution returns a descriptive error when from→to is not allowed.
func CheckExecution(from, to types.ExecutionStatus) error {
	if !ExecutionCan(from, to) {
		return fmt.Errorf("invalid execution transition %s -> %s", from, to)
	}
	return nil
}

// CheckStep returns a descriptive error when from→to is not allowed.
func CheckStep(from, to types.StepStatus) error {
	if !StepCan(from, to) {
		return fmt.Errorf("invalid step transition %s -> %s", from, to)
	}
	return nil
}

// ExecutionTerminalStates returns the terminal execution states.
func ExecutionTerminalStates() []types.ExecutionStatus {
	return []types.ExecutionStatus{
		types.ExecutionCompleted,
		types.ExecutionFailed,
		types.ExecutionPartial,
		types.ExecutionTimeout,
		types.ExecutionCancelled,
		types.ExecutionRejected,
	}
}
