package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/stagee/engine/pkg/types"
)

// Sentinel errors. Callers branch on these with errors.Is; the wrapped
// message carries the entity and identifier.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an FSM precondition fails:
	// either the from-state no longer matches or the edge is not allowed.
	// Racing writers converge through this error; the loser must re-read,
	// never blindly retry.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConflict is returned when a create collides with an existing row
	// or a guarded flag (already requeued, attempts exhausted).
	ErrConflict = errors.New("conflict")

	// ErrStale is returned by lease and lock operations when the caller's
	// token or ownership no longer holds. Non-fatal on release paths.
	ErrStale = errors.New("stale")

	// ErrBusy is returned when an asset lock is held by another owner.
	ErrBusy = errors.New("asset busy")

	// ErrExpired is returned when acting on an approval past its window.
	ErrExpired = errors.New("approval expired")

	// ErrHashMismatch is returned when the plan hash presented at approval
	// time differs from the hash frozen at submit (tamper check).
	ErrHashMismatch = errors.New("plan hash mismatch")
)

// IdempotentHitError reports that a submission with the same
// (tenant, idempotency key) already exists. It carries the existing
// execution so the caller can return it instead of creating a duplicate.
type IdempotentHitError struct {
	ExecutionID string
}

func (e *IdempotentHitError) Error() string {
	return fmt.Sprintf("idempotent hit: execution %s already exists", e.ExecutionID)
}

// TransitionOpts carries the optional fields recorded alongside an
// execution transition.
type TransitionOpts struct {
	ActorID        string
	Reason         string
	FailureKind    types.ErrorKind
	FailureMessage string
	EventKind      types.EventKind // zero value picks the kind from the target state
	Payload        map[string]string
	TimeoutAt      time.Time // absolute execution deadline, stamped when running starts
}

// StepMutation carries the result fields written when a step transitions.
type StepMutation struct {
	ExitCode  *int
	Artifacts string
	ErrorKind types.ErrorKind
	Error     string
	MutexWait time.Duration
	ActorID   string
	Reason    string
}

// Store defines the interface for durable engine state
// This is implemented by BoltDB-backed storage
type Store interface {
	// Executions
	CreateExecution(exec *types.Execution, steps []*types.Step) error
	GetExecution(id string) (*types.Execution, error)
	GetExecutionByIdempotencyKey(tenantID, key string) (*types.Execution, error)
	ListExecutions(tenantID string, statuses ...types.ExecutionStatus) ([]*types.Execution, error)
	TransitionExecution(id string, from, to types.ExecutionStatus, opts TransitionOpts) (*types.Execution, error)
	RequestCancel(id, actorID, reason string) (*types.Execution, error)

	// Steps
	GetStep(execID string, index int) (*types.Step, error)
	ListSteps(execID string) ([]*types.Step, error)
	TransitionStep(execID string, index int, from, to types.StepStatus, mut StepMutation) (*types.Step, error)
	RetryStep(execID string, index int) (*types.Step, error)

	// Events
	AppendEvent(ev *types.Event) (*types.Event, error)
	ListEventsSince(execID string, seq uint64) ([]*types.Event, error)

	// Approvals
	CreateApproval(a *types.Approval) error
	GetApprovalByExecution(execID string) (*types.Approval, error)
	DecideApproval(execID string, approve bool, actorID, planHash string) (*types.Execution, error)
	ExpireApprovals(now time.Time) (int, error)

	// Queue
	Enqueue(item *types.QueueItem) error
	EnqueueExecution(execID, actorID string) (*types.QueueItem, error)
	Lease(batch int, workerID string, ttl time.Duration) ([]*types.QueueItem, error)
	RenewLease(queueID, token string, ttl time.Duration) (*types.QueueItem, error)
	Ack(queueID, token string) error
	Nack(queueID, token string, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, error)
	ListQueue() ([]*types.QueueItem, error)
	ReapExpiredLeases(now time.Time) (int, error)
	PruneCompleted(olderThan time.Duration) (int, error)

	// DLQ
	SettleExecutionToDLQ(execID string, to types.ExecutionStatus, opts TransitionOpts, attempts int) (*types.Execution, *types.DLQItem, error)
	ListDLQ() ([]*types.DLQItem, error)
	GetDLQItem(id string) (*types.DLQItem, error)
	RequeueFromDLQ(dlqID, actorID string) (*types.QueueItem, error)

	// Asset locks
	AcquireLock(tenantID, assetID, ownerTag string, ttl time.Duration) (*types.AssetLock, error)
	HeartbeatLock(tenantID, assetID, ownerTag string) (*types.AssetLock, error)
	ReleaseLock(tenantID, assetID, ownerTag string) error
	ForceReleaseLock(lockID, actorID string) (*types.AssetLock, error)
	ListLocks() ([]*types.AssetLock, error)
	ReapExpiredLocks(now time.Time) ([]*types.AssetLock, error)

	// Timeout policies
	SeedTimeoutPolicies(rows []types.TimeoutPolicy) error
	GetTimeoutPolicy(sla types.SLAClass, action types.ActionClass) (*types.TimeoutPolicy, error)

	// Schema
	SchemaVersion() (int, error)
	SetSchemaVersion(v int) error

	// Utility
	Close() error
}
