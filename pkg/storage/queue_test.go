package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagee/engine/pkg/types"
)

func enqueueFor(t *testing.T, s *BoltStore, exec *types.Execution, priority, maxAttempts int) *types.QueueItem {
	t.Helper()
	item := &types.QueueItem{
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, s.Enqueue(item))
	return item
}

func TestEnqueueDefaults(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)

	item := enqueueFor(t, s, exec, 10, 3)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, types.QueueAvailable, item.Status)
	assert.False(t, item.EnqueuedAt.IsZero())
	assert.False(t, item.AvailableAt.IsZero())
	assert.Zero(t, item.AttemptCount)
}

func TestLeaseOrderingAndBatch(t *testing.T) {
	s := newTestStore(t)

	execLow := mustCreate(t, s, types.ExecutionQueued)
	execHigh := mustCreate(t, s, types.ExecutionQueued)
	execMid := mustCreate(t, s, types.ExecutionQueued)

	enqueueFor(t, s, execLow, 30, 3)
	high := enqueueFor(t, s, execHigh, 0, 3)
	mid := enqueueFor(t, s, execMid, 10, 3)

	leased, err := s.Lease(2, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, high.ID, leased[0].ID, "lowest priority number first")
	assert.Equal(t, mid.ID, leased[1].ID)

	for _, item := range leased {
		assert.Equal(t, types.QueueLeased, item.Status)
		assert.Equal(t, "worker-1", item.LeaseOwner)
		assert.NotEmpty(t, item.LeaseToken)
		assert.True(t, item.LeaseExpiresAt.After(time.Now()))
	}

	// Remaining item goes to the next caller; leased ones are invisible.
	rest, err := s.Lease(10, "worker-2", time.Minute)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, 30, rest[0].Priority)

	none, err := s.Lease(10, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLeaseSkipsFutureAvailability(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)

	item := &types.QueueItem{
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		AvailableAt: time.Now().Add(time.Hour),
		MaxAttempts: 3,
	}
	require.NoError(t, s.Enqueue(item))

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased, "backoff-delayed items must stay invisible")
}

func TestRenewLease(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 3)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	item := leased[0]

	renewed, err := s.RenewLease(item.ID, item.LeaseToken, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.After(item.LeaseExpiresAt))

	// Wrong token: someone else owns it now.
	_, err = s.RenewLease(item.ID, "bogus-token", time.Minute)
	assert.ErrorIs(t, err, ErrStale)
}

func TestRenewExpiredLeaseIsStale(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 3)

	leased, err := s.Lease(1, "worker-1", -time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	_, err = s.RenewLease(leased[0].ID, leased[0].LeaseToken, time.Minute)
	assert.ErrorIs(t, err, ErrStale)
}

func TestAckIdempotent(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 3)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	item := leased[0]

	require.NoError(t, s.Ack(item.ID, item.LeaseToken))
	// Re-acking after a crash-resume must be harmless.
	require.NoError(t, s.Ack(item.ID, item.LeaseToken))
	require.NoError(t, s.Ack("never-existed", "token"))

	// A completed item cannot be leased again.
	leased, err = s.Lease(1, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestNackRequeuesWithDelay(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 3)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	item := leased[0]

	requeued, dead, err := s.Nack(item.ID, item.LeaseToken, 30*time.Second, types.ErrKindTransient)
	require.NoError(t, err)
	require.Nil(t, dead)
	require.NotNil(t, requeued)
	assert.Equal(t, types.QueueAvailable, requeued.Status)
	assert.Equal(t, 1, requeued.AttemptCount)
	assert.Empty(t, requeued.LeaseOwner)
	assert.True(t, requeued.AvailableAt.After(time.Now().Add(20*time.Second)))

	// Stale token after the nack.
	_, _, err = s.Nack(item.ID, item.LeaseToken, 0, types.ErrKindTransient)
	assert.ErrorIs(t, err, ErrStale)
}

func TestNackRoutesToDLQWhenExhausted(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	_, err := s.TransitionExecution(exec.ID, types.ExecutionQueued, types.ExecutionRunning, TransitionOpts{})
	require.NoError(t, err)

	enqueueFor(t, s, exec, 10, 2)

	// Attempt 1: redelivered.
	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	requeued, dead, err := s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindWorkerException)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	require.Nil(t, dead)

	// Attempt 2 hits max_attempts: dead-lettered and the running
	// execution fails in the same write.
	leased, err = s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	requeued, dead, err = s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindWorkerException)
	require.NoError(t, err)
	require.Nil(t, requeued)
	require.NotNil(t, dead)
	assert.Equal(t, exec.ID, dead.ExecutionID)
	assert.Equal(t, 2, dead.AttemptCount)
	assert.Equal(t, types.ErrKindWorkerException, dead.Kind)
	assert.False(t, dead.Requeued)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, got.Status)
	assert.Equal(t, types.ErrKindWorkerException, got.FailureKind)

	// Queue row is gone.
	leased, err = s.Lease(1, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased)

	// The audit trail contains exactly one DLQ event and one terminal.
	evs, err := s.ListEventsSince(exec.ID, 0)
	require.NoError(t, err)
	dlqEvents, terminal := 0, 0
	for _, ev := range evs {
		if ev.Kind == types.EventDLQ {
			dlqEvents++
		}
		if types.ExecutionStatus(ev.ToStatus).Terminal() && ev.FromStatus != ev.ToStatus && ev.FromStatus != "" {
			terminal++
		}
	}
	assert.Equal(t, 1, dlqEvents)
	assert.Equal(t, 1, terminal)
}

func TestDLQFromQueuedExecutionTimesOut(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 1)

	// The single delivery never reaches a worker that survives.
	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	_, dead, err := s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindLeaseExpired)
	require.NoError(t, err)
	require.NotNil(t, dead)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionTimeout, got.Status, "never-ran executions time out rather than fail")
}

func TestReapExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 5)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	// Nothing to reap while the lease is live.
	n, err := s.ReapExpiredLeases(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	// From the future, the lease has lapsed.
	n, err = s.ReapExpiredLeases(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := s.Lease(1, "worker-2", time.Minute)
	require.NoError(t, err)
	if assert.Empty(t, items, "reaped item is backoff-delayed, not immediately available") {
		evs, err := s.ListEventsSince(exec.ID, 0)
		require.NoError(t, err)
		last := evs[len(evs)-1]
		assert.Equal(t, types.EventAudit, last.Kind)
		assert.Equal(t, string(types.ErrKindLeaseExpired), last.Payload["cause"])
	}
}

func TestPruneCompleted(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 3)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Ack(leased[0].ID, leased[0].LeaseToken))

	// Fresh completion survives a long retention window.
	n, err := s.PruneCompleted(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Zero retention prunes it.
	n, err = s.PruneCompleted(-time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRequeueFromDLQ(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	_, err := s.TransitionExecution(exec.ID, types.ExecutionQueued, types.ExecutionRunning, TransitionOpts{})
	require.NoError(t, err)

	// Run step 0 to success, fail step 1, then dead-letter.
	_, err = s.TransitionStep(exec.ID, 0, types.StepPending, types.StepRunning, StepMutation{})
	require.NoError(t, err)
	_, err = s.TransitionStep(exec.ID, 0, types.StepRunning, types.StepSucceeded, StepMutation{Artifacts: "ok"})
	require.NoError(t, err)
	_, err = s.TransitionStep(exec.ID, 1, types.StepPending, types.StepRunning, StepMutation{})
	require.NoError(t, err)
	_, err = s.TransitionStep(exec.ID, 1, types.StepRunning, types.StepFailed, StepMutation{ErrorKind: types.ErrKindPermanent, Error: "boom"})
	require.NoError(t, err)

	enqueueFor(t, s, exec, 10, 1)
	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	_, dead, err := s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindPermanent)
	require.NoError(t, err)
	require.NotNil(t, dead)

	fresh, err := s.RequeueFromDLQ(dead.ID, "sre-oncall")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, exec.ID, fresh.ExecutionID)
	assert.Equal(t, types.QueueAvailable, fresh.Status)
	assert.Zero(t, fresh.AttemptCount)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionQueued, got.Status)
	assert.Empty(t, got.FailureKind)
	assert.True(t, got.FinishedAt.IsZero())

	steps, err := s.ListSteps(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StepSucceeded, steps[0].Status, "completed work survives requeue")
	assert.Equal(t, types.StepPending, steps[1].Status, "failed step resets for the next run")
	assert.Zero(t, steps[1].Attempt)

	item, err := s.GetDLQItem(dead.ID)
	require.NoError(t, err)
	assert.True(t, item.Requeued)
	assert.False(t, item.RequeuedAt.IsZero())

	// Round two is refused.
	_, err = s.RequeueFromDLQ(dead.ID, "sre-oncall")
	assert.ErrorIs(t, err, ErrConflict)

	evs, err := s.ListEventsSince(exec.ID, 0)
	require.NoError(t, err)
	var sawRequeue bool
	for _, ev := range evs {
		if ev.Kind == types.EventRequeue {
			sawRequeue = true
			assert.Equal(t, dead.ID, ev.Payload["dlq_id"])
		}
	}
	assert.True(t, sawRequeue)
}

func TestDLQOnCancelledExecutionIsDisposalOnly(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 1)

	// Cancelled while queued; the orphaned queue item later exhausts.
	_, err := s.RequestCancel(exec.ID, "ops-user", "not needed")
	require.NoError(t, err)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	_, dead, err := s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindShutdown)
	require.NoError(t, err)
	require.NotNil(t, dead)

	// The terminal state is untouched; the DLQ row is just a record.
	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCancelled, got.Status)

	// And a cancelled execution cannot be requeued.
	_, err = s.RequeueFromDLQ(dead.ID, "sre-oncall")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestListDLQ(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, exec, 10, 1)

	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	_, dead, err := s.Nack(leased[0].ID, leased[0].LeaseToken, 0, types.ErrKindPermanent)
	require.NoError(t, err)
	require.NotNil(t, dead)

	items, err := s.ListDLQ()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, dead.ID, items[0].ID)

	_, err = s.GetDLQItem("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueExecution(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionApproved)

	item, err := s.EnqueueExecution(exec.ID, "dispatcher")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, exec.ID, item.ExecutionID)
	assert.Equal(t, exec.Priority, item.Priority)
	assert.Equal(t, types.QueueAvailable, item.Status)
	// Retry budget comes from the policy for the plan's dominant action.
	assert.Equal(t, 3, item.MaxAttempts)

	got, err := s.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionQueued, got.Status)
	assert.False(t, got.QueuedAt.IsZero())

	// Transition and queue row committed together; the item is leasable.
	leased, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, item.ID, leased[0].ID)
}

func TestEnqueueExecutionRequiresApproved(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionRunning)

	_, err := s.EnqueueExecution(exec.ID, "dispatcher")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.EnqueueExecution("missing", "dispatcher")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListQueue(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, types.ExecutionQueued)
	b := mustCreate(t, s, types.ExecutionQueued)
	enqueueFor(t, s, a, 10, 3)
	enqueueFor(t, s, b, 20, 3)

	_, err := s.Lease(1, "worker-1", time.Minute)
	require.NoError(t, err)

	items, err := s.ListQueue()
	require.NoError(t, err)
	require.Len(t, items, 2)

	byStatus := map[types.QueueStatus]int{}
	for _, item := range items {
		byStatus[item.Status]++
	}
	assert.Equal(t, 1, byStatus[types.QueueLeased])
	assert.Equal(t, 1, byStatus[types.QueueAvailable])
}

func TestSettleExecutionToDLQ(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionRunning)

	settled, dead, err := s.SettleExecutionToDLQ(exec.ID, types.ExecutionFailed, TransitionOpts{
		Reason:         "step retry budget exhausted",
		FailureKind:    types.ErrKindTransient,
		FailureMessage: "adapter kept refusing connections",
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionFailed, settled.Status)
	assert.Equal(t, types.ErrKindTransient, settled.FailureKind)

	require.NotNil(t, dead)
	assert.Equal(t, exec.ID, dead.ExecutionID)
	assert.Equal(t, 3, dead.AttemptCount)
	assert.Equal(t, exec.PlanHash, dead.PlanHash)
	assert.False(t, dead.Requeued)

	got, err := s.GetDLQItem(dead.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ErrKindTransient, got.Kind)

	// Both the terminal transition and the disposal are audited.
	evs, err := s.ListEventsSince(exec.ID, 0)
	require.NoError(t, err)
	var kinds []types.EventKind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, types.EventStateChange)
	assert.Contains(t, kinds, types.EventDLQ)

	// The settled execution can come back through the requeue path.
	fresh, err := s.RequeueFromDLQ(dead.ID, "sre-oncall")
	require.NoError(t, err)
	assert.Equal(t, exec.ID, fresh.ExecutionID)
}

func TestSettleExecutionToDLQRejectsTerminal(t *testing.T) {
	s := newTestStore(t)
	exec := mustCreate(t, s, types.ExecutionCompleted)

	_, _, err := s.SettleExecutionToDLQ(exec.ID, types.ExecutionFailed, TransitionOpts{
		FailureKind: types.ErrKindTransient,
	}, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
