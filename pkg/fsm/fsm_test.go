package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stagee/engine/pkg/types"
)

func TestExecutionCan(t *testing.T) {
	tests := []struct {
		name    string
		from    types.ExecutionStatus
		to      types.ExecutionStatus
		allowed bool
	}{
		{"pending approval to approved", types.ExecutionPendingApproval, types.ExecutionApproved, true},
		{"pending approval to rejected", types.ExecutionPendingApproval, types.ExecutionRejected, true},
		{"pending approval to cancelled", types.ExecutionPendingApproval, types.ExecutionCancelled, true},
		{"pending approval to running", types.ExecutionPendingApproval, types.ExecutionRunning, false},
		{"approved to queued", types.ExecutionApproved, types.ExecutionQueued, true},
		{"approved to completed", types.ExecutionApproved, types.ExecutionCompleted, false},
		{"queued to running", types.ExecutionQueued, types.ExecutionRunning, true},
		{"queued to timeout", types.ExecutionQueued, types.ExecutionTimeout, true},
		{"queued to failed", types.ExecutionQueued, types.ExecutionFailed, false},
		{"running to completed", types.ExecutionRunning, types.ExecutionCompleted, true},
		{"running to failed", types.ExecutionRunning, types.ExecutionFailed, true},
		{"running to partial", types.ExecutionRunning, types.ExecutionPartial, true},
		{"running to cancelled", types.ExecutionRunning, types.ExecutionCancelled, true},
		{"running to timeout", types.ExecutionRunning, types.ExecutionTimeout, true},
		{"running to queued", types.ExecutionRunning, types.ExecutionQueued, false},
		{"completed is terminal", types.ExecutionCompleted, types.ExecutionRunning, false},
		{"failed is terminal", types.ExecutionFailed, types.ExecutionQueued, false},
		{"cancelled is terminal", types.ExecutionCancelled, types.ExecutionRunning, false},
		{"rejected is terminal", types.ExecutionRejected, types.ExecutionApproved, false},
		{"timeout is terminal", types.ExecutionTimeout, types.ExecutionRunning, false},
		{"partial is terminal", types.ExecutionPartial, types.ExecutionRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, ExecutionCan(tt.from, tt.to))
		})
	}
}

func TestStepCan(t *testing.T) {
	tests := []struct {
		name    string
		from    types.StepStatus
		to      types.StepStatus
		allowed bool
	}{
		{"pending to running", types.StepPending, types.StepRunning, true},
		{"pending to skipped", types.StepPending, types.StepSkipped, true},
		{"pending to cancelled", types.StepPending, types.StepCancelled, true},
		{"pending to succeeded", types.StepPending, types.StepSucceeded, false},
		{"running to succeeded", types.StepRunning, types.StepSucceeded, true},
		{"running to failed", types.StepRunning, types.StepFailed, true},
		{"running to timeout", types.StepRunning, types.StepTimeout, true},
		{"running to cancelled", types.StepRunning, types.StepCancelled, true},
		{"running to skipped", types.StepRunning, types.StepSkipped, false},
		{"succeeded is terminal", types.StepSucceeded, types.StepRunning, false},
		{"skipped is terminal", types.StepSkipped, types.StepRunning, false},
		{"failed has no ordinary edge", types.StepFailed, types.StepPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, StepCan(tt.from, tt.to))
		})
	}
}

func TestStepCanRetry(t *testing.T) {
	assert.True(t, StepCanRetry(types.StepFailed))
	assert.True(t, StepCanRetry(types.StepTimeout))
	assert.False(t, StepCanRetry(types.StepSucceeded))
	assert.False(t, StepCanRetry(types.StepCancelled))
	assert.False(t, StepCanRetry(types.StepSkipped))
	assert.False(t, StepCanRetry(types.StepPending))
	assert.False(t, StepCanRetry(types.StepRunning))
}

func TestCheckExecution(t *testing.T) {
	assert.NoError(t, CheckExecution(types.ExecutionQueued, types.ExecutionRunning))

	err := CheckExecution(types.ExecutionCompleted, types.ExecutionRunning)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid execution transition")
}

func TestCheckStep(t *testing.T) {
	assert.NoError(t, CheckStep(types.StepPending, types.StepRunning))

	err := CheckStep(types.StepSucceeded, types.StepRunning)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid step transition")
}

func TestTerminalStatesClosed(t *testing.T) {
	// No terminal state may have an outgoing edge.
	for _, st := range ExecutionTerminalStates() {
		assert.True(t, st.Terminal(), "state %s should report terminal", st)
		assert.Empty(t, executionEdges[st], "terminal state %s must have no outgoing edges", st)
	}
}
