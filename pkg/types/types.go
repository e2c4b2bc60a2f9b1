package types

import (
	"time"
)

// Execution represents one logical attempt to run a plan against remote assets.
type Execution struct {
	ID       string
	TenantID string
	ActorID  string
	TraceID  string

	// Plan is the immutable snapshot frozen at submit time.
	Plan     *PlanSnapshot
	PlanHash string

	IdempotencyKey string

	Mode     ExecutionMode
	SLAClass SLAClass
	Status   ExecutionStatus
	Priority int

	ApprovalLevel int
	ApprovalID    string

	// CancelRequested is set by the dispatcher for executions that are
	// already running; workers poll it and trip the local token.
	CancelRequested bool
	CancelReason    string

	CreatedAt  time.Time
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	TimeoutAt  time.Time

	AttemptCount  int
	StepCount     int
	StepSucceeded int
	StepFailed    int

	// EventSeq is the monotonic per-execution event counter. It is only
	// advanced inside store transactions that append an event.
	EventSeq uint64

	// FailureKind/FailureMessage summarize the first failing step for get().
	FailureKind    ErrorKind
	FailureMessage string
}

// ExecutionMode classifies how the caller expects to consume the result.
type ExecutionMode string

const (
	ModeImmediate  ExecutionMode = "immediate"
	ModeBackground ExecutionMode = "background"
)

// ExecutionStatus represents the state of an execution in its lifecycle FSM.
type ExecutionStatus string

const (
	ExecutionPendingApproval ExecutionStatus = "pending_approval"
	ExecutionApproved        ExecutionStatus = "approved"
	ExecutionQueued          ExecutionStatus = "queued"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
	ExecutionPartial         ExecutionStatus = "partial"
	ExecutionTimeout         ExecutionStatus = "timeout"
	ExecutionCancelled       ExecutionStatus = "cancelled"
	ExecutionRejected        ExecutionStatus = "rejected"
)

// Terminal reports whether no outgoing FSM edges exist from the status.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionPartial,
		ExecutionTimeout, ExecutionCancelled, ExecutionRejected:
		return true
	}
	return false
}

// SLAClass is the latency envelope a plan opts into.
type SLAClass string

const (
	SLAFast   SLAClass = "fast"
	SLAMedium SLAClass = "medium"
	SLALong   SLAClass = "long"
)

// ActionClass is the risk/cost category of a step, used for timeout lookup.
type ActionClass string

const (
	ActionRead   ActionClass = "read"
	ActionModify ActionClass = "modify"
	ActionDeploy ActionClass = "deploy"
)

// AdapterKind selects which external adapter executes a step.
type AdapterKind string

const (
	AdapterAsset      AdapterKind = "asset"
	AdapterAutomation AdapterKind = "automation"
)

// PlanSnapshot is the frozen plan as submitted. It never changes after
// submit; PlanHash detects tampering between submit and approve.
type PlanSnapshot struct {
	Name           string
	Steps          []*PlanStep
	SLAClass       SLAClass
	PartialAllowed bool

	// ExpectedDuration is the planner's estimate, used only for the
	// immediate/background classification.
	ExpectedDuration time.Duration
}

// PlanStep describes one action against one asset inside a plan.
type PlanStep struct {
	Name        string
	AssetID     string
	Adapter     AdapterKind
	ActionClass ActionClass

	// Action is the opaque structured description the adapter understands.
	Action map[string]any

	// SecretRefs are references only; values are resolved just-in-time
	// inside the worker and never stored.
	SecretRefs []string

	// ParallelGroup > 0 marks a contiguous sub-sequence of steps that may
	// run concurrently. Steps in the same group must target distinct assets.
	ParallelGroup int
}

// Step is one action against one asset, owned by an execution.
type Step struct {
	ID          string
	ExecutionID string
	TenantID    string
	Index       int
	Name        string
	AssetID     string
	Adapter     AdapterKind
	ActionClass ActionClass
	Action      map[string]any
	SecretRefs  []string

	ParallelGroup int

	Status      StepStatus
	Attempt     int
	MaxAttempts int

	ExitCode  *int
	Artifacts string
	ErrorKind ErrorKind
	Error     string

	// MutexWait records how long the step waited to acquire its asset lock.
	MutexWait time.Duration

	StartedAt  time.Time
	FinishedAt time.Time
}

// StepStatus represents the state of a step in its per-step FSM.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepTimeout   StepStatus = "timeout"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status has no outgoing edges.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepTimeout, StepCancelled, StepSkipped:
		return true
	}
	return false
}

// Approval is the optional human gate between submit and queue.
type Approval struct {
	ID          string
	ExecutionID string
	TenantID    string
	Level       int
	PlanHash    string
	State       ApprovalState
	RequestedBy string
	ActedBy     string
	Reason      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ActedAt     time.Time
}

// ApprovalState represents the state of an approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Event is an append-only audit record. Events are never updated or
// deleted, and Sequence is strictly increasing per execution.
type Event struct {
	ID          string
	ExecutionID string
	StepID      string
	Sequence    uint64
	Kind        EventKind
	FromStatus  string
	ToStatus    string
	ActorID     string
	Reason      string
	Payload     map[string]string
	Timestamp   time.Time
}

// EventKind classifies audit events.
type EventKind string

const (
	EventStateChange       EventKind = "state_change"
	EventProgress          EventKind = "progress"
	EventApprovalRequested EventKind = "approval_requested"
	EventApprovalActed     EventKind = "approval_acted"
	EventRetry             EventKind = "retry"
	EventTimeout           EventKind = "timeout"
	EventCancel            EventKind = "cancel"
	EventDLQ               EventKind = "dlq"
	EventHeartbeat         EventKind = "heartbeat"
	EventAudit             EventKind = "audit"
	EventRequeue           EventKind = "requeue"
)

// QueueItem is the unit of work leased by a worker.
type QueueItem struct {
	ID          string
	ExecutionID string
	StepID      string
	TenantID    string

	Priority    int
	EnqueuedAt  time.Time
	AvailableAt time.Time

	LeaseOwner     string
	LeaseToken     string
	LeaseExpiresAt time.Time

	AttemptCount int
	MaxAttempts  int

	Status      QueueStatus
	CompletedAt time.Time
}

// QueueStatus represents the delivery state of a queue item.
type QueueStatus string

const (
	QueueAvailable QueueStatus = "available"
	QueueLeased    QueueStatus = "leased"
	QueueCompleted QueueStatus = "completed"
)

// DLQItem records poisoned work after retries are exhausted. Items stay
// until requeued or purged by an operator.
type DLQItem struct {
	ID           string
	ExecutionID  string
	TenantID     string
	Kind         ErrorKind
	Message      string
	AttemptCount int
	FailedAt     time.Time
	PlanHash     string
	Requeued     bool
	RequeuedAt   time.Time
}

// AssetLock is the exclusive, expirable mutex over one (tenant, asset) pair.
type AssetLock struct {
	ID              string
	TenantID        string
	AssetID         string
	OwnerTag        string
	TTL             time.Duration
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
}

// Live reports whether the lock still excludes other owners at now.
// A lock is live while unexpired and heartbeated within two TTLs.
func (l *AssetLock) Live(now time.Time) bool {
	return l.ExpiresAt.After(now) && l.LastHeartbeatAt.After(now.Add(-2*l.TTL))
}

// TimeoutPolicy is the timeout row for one (SLA class, action class) pair.
type TimeoutPolicy struct {
	SLAClass     SLAClass
	ActionClass  ActionClass
	StepTimeout  time.Duration
	ExecTimeout  time.Duration
	LeaseTimeout time.Duration
	MaxAttempts  int
}

// SubmitOptions carries the caller-controlled knobs of a submission.
type SubmitOptions struct {
	IdempotencyKey string
	ApprovalLevel  int
	Priority       *int
	PartialAllowed *bool
	SLAOverride    SLAClass
	TraceID        string
}

// StepResult is the adapter's response for one executed step.
type StepResult struct {
	ExitStatus ExitStatus
	ExitCode   *int
	Artifacts  string
	Logs       string
	ErrorKind  ErrorKind
	Message    string
}

// ExitStatus is the adapter-reported outcome of a step invocation.
type ExitStatus string

const (
	ExitOK   ExitStatus = "ok"
	ExitFail ExitStatus = "fail"
)
