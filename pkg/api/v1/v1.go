// Package v1 defines the JSON wire types of the engine's admin API. The
// server converts storage rows into these, the CLI client decodes them,
// and plan files unmarshal into the same Plan shape from YAML.
package v1

import (
	"fmt"
	"time"

	"github.com/stagee/engine/pkg/types"
)

// Plan is the wire form of a plan snapshot.
type Plan struct {
	Name           string `json:"name" yaml:"name"`
	SLAClass       string `json:"sla_class" yaml:"slaClass"`
	PartialAllowed bool   `json:"partial_allowed,omitempty" yaml:"partialAllowed,omitempty"`

	// ExpectedDuration is a Go duration string, e.g. "5s".
	ExpectedDuration string `json:"expected_duration,omitempty" yaml:"expectedDuration,omitempty"`

	Steps []PlanStep `json:"steps" yaml:"steps"`
}

// PlanStep is one step of a wire plan.
type PlanStep struct {
	Name          string         `json:"name" yaml:"name"`
	AssetID       string         `json:"asset_id" yaml:"asset"`
	Adapter       string         `json:"adapter" yaml:"adapter"`
	ActionClass   string         `json:"action_class" yaml:"actionClass"`
	Action        map[string]any `json:"action,omitempty" yaml:"action,omitempty"`
	SecretRefs    []string       `json:"secret_refs,omitempty" yaml:"secretRefs,omitempty"`
	ParallelGroup int            `json:"parallel_group,omitempty" yaml:"parallelGroup,omitempty"`
}

// ToSnapshot converts the wire plan to the engine's snapshot form.
// Structural validation happens at submit, not here; only the duration
// string can fail.
func (p *Plan) ToSnapshot() (*types.PlanSnapshot, error) {
	var expected time.Duration
	if p.ExpectedDuration != "" {
		d, err := time.ParseDuration(p.ExpectedDuration)
		if err != nil {
			return nil, fmt.Errorf("expected_duration: %w", err)
		}
		expected = d
	}
	snap := &types.PlanSnapshot{
		Name:             p.Name,
		SLAClass:         types.SLAClass(p.SLAClass),
		PartialAllowed:   p.PartialAllowed,
		ExpectedDuration: expected,
	}
	for _, ps := range p.Steps {
		snap.Steps = append(snap.Steps, &types.PlanStep{
			Name:          ps.Name,
			AssetID:       ps.AssetID,
			Adapter:       types.AdapterKind(ps.Adapter),
			ActionClass:   types.ActionClass(ps.ActionClass),
			Action:        ps.Action,
			SecretRefs:    ps.SecretRefs,
			ParallelGroup: ps.ParallelGroup,
		})
	}
	return snap, nil
}

// Execution is the wire form of one execution row.
type Execution struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	ActorID        string `json:"actor_id"`
	TraceID        string `json:"trace_id,omitempty"`
	PlanName       string `json:"plan_name,omitempty"`
	PlanHash       string `json:"plan_hash"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Mode     string `json:"mode"`
	SLAClass string `json:"sla_class"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`

	ApprovalLevel int    `json:"approval_level,omitempty"`
	ApprovalID    string `json:"approval_id,omitempty"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TimeoutAt  time.Time `json:"timeout_at"`

	AttemptCount  int `json:"attempt_count"`
	StepCount     int `json:"step_count"`
	StepSucceeded int `json:"step_succeeded"`
	StepFailed    int `json:"step_failed"`

	FailureKind    string `json:"failure_kind,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

// FromExecution converts a storage row to its wire form.
func FromExecution(e *types.Execution) *Execution {
	out := &Execution{
		ID:              e.ID,
		TenantID:        e.TenantID,
		ActorID:         e.ActorID,
		TraceID:         e.TraceID,
		PlanHash:        e.PlanHash,
		IdempotencyKey:  e.IdempotencyKey,
		Mode:            string(e.Mode),
		SLAClass:        string(e.SLAClass),
		Status:          string(e.Status),
		Priority:        e.Priority,
		ApprovalLevel:   e.ApprovalLevel,
		ApprovalID:      e.ApprovalID,
		CancelRequested: e.CancelRequested,
		CancelReason:    e.CancelReason,
		CreatedAt:       e.CreatedAt,
		QueuedAt:        e.QueuedAt,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
		TimeoutAt:       e.TimeoutAt,
		AttemptCount:    e.AttemptCount,
		StepCount:       e.StepCount,
		StepSucceeded:   e.StepSucceeded,
		StepFailed:      e.StepFailed,
		FailureKind:     string(e.FailureKind),
		FailureMessage:  e.FailureMessage,
	}
	if e.Plan != nil {
		out.PlanName = e.Plan.Name
	}
	return out
}

// Step is the wire form of one step row.
type Step struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	AssetID     string `json:"asset_id"`
	Adapter     string `json:"adapter"`
	ActionClass string `json:"action_class"`

	ParallelGroup int `json:"parallel_group,omitempty"`

	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`

	ExitCode  *int   `json:"exit_code,omitempty"`
	Artifacts string `json:"artifacts,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	MutexWaitMS int64 `json:"mutex_wait_ms,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FromStep converts a storage row to its wire form.
func FromStep(s *types.Step) *Step {
	return &Step{
		ID:            s.ID,
		ExecutionID:   s.ExecutionID,
		Index:         s.Index,
		Name:          s.Name,
		AssetID:       s.AssetID,
		Adapter:       string(s.Adapter),
		ActionClass:   string(s.ActionClass),
		ParallelGroup: s.ParallelGroup,
		Status:        string(s.Status),
		Attempt:       s.Attempt,
		MaxAttempts:   s.MaxAttempts,
		ExitCode:      s.ExitCode,
		Artifacts:     s.Artifacts,
		ErrorKind:     string(s.ErrorKind),
		Error:         s.Error,
		MutexWaitMS:   s.MutexWait.Milliseconds(),
		StartedAt:     s.StartedAt,
		FinishedAt:    s.FinishedAt,
	}
}

// Event is the wire form of one audit event.
type Event struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id,omitempty"`
	Sequence    uint64            `json:"sequence"`
	Kind        string            `json:"kind"`
	FromStatus  string            `json:"from_status,omitempty"`
	ToStatus    string            `json:"to_status,omitempty"`
	ActorID     string            `json:"actor_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// FromEvent converts a storage row to its wire form.
func FromEvent(e *types.Event) *Event {
	return &Event{
		ID:          e.ID,
		ExecutionID: e.ExecutionID,
		StepID:      e.StepID,
		Sequence:    e.Sequence,
		Kind:        string(e.Kind),
		FromStatus:  e.FromStatus,
		ToStatus:    e.ToStatus,
		ActorID:     e.ActorID,
		Reason:      e.Reason,
		Payload:     e.Payload,
		Timestamp:   e.Timestamp,
	}
}

// DLQItem is the wire form of one dead-letter row.
type DLQItem struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id"`
	TenantID     string    `json:"tenant_id"`
	Kind         string    `json:"kind"`
	Message      string    `json:"message,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	FailedAt     time.Time `json:"failed_at"`
	PlanHash     string    `json:"plan_hash,omitempty"`
	Requeued     bool      `json:"requeued,omitempty"`
	RequeuedAt   time.Time `json:"requeued_at"`
}

// FromDLQItem converts a storage row to its wire form.
func FromDLQItem(d *types.DLQItem) *DLQItem {
	return &DLQItem{
		ID:           d.ID,
		ExecutionID:  d.ExecutionID,
		TenantID:     d.TenantID,
		Kind:         string(d.Kind),
		Message:      d.Message,
		AttemptCount: d.AttemptCount,
		FailedAt:     d.FailedAt,
		PlanHash:     d.PlanHash,
		Requeued:     d.Requeued,
		RequeuedAt:   d.RequeuedAt,
	}
}

// Lock is the wire form of one asset lock.
type Lock struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	AssetID         string    `json:"asset_id"`
	OwnerTag        string    `json:"owner_tag"`
	TTLMS           int64     `json:"ttl_ms"`
	AcquiredAt      time.Time `json:"acquired_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// FromLock converts a storage row to its wire form.
func FromLock(l *types.AssetLock) *Lock {
	return &Lock{
		ID:              l.ID,
		TenantID:        l.TenantID,
		AssetID:         l.AssetID,
		OwnerTag:        l.OwnerTag,
		TTLMS:           l.TTL.Milliseconds(),
		AcquiredAt:      l.AcquiredAt,
		ExpiresAt:       l.ExpiresAt,
		LastHeartbeatAt: l.LastHeartbeatAt,
	}
}

// Worker reports one worker's occupation.
type Worker struct {
	ID          string    `json:"id"`
	Busy        bool      `json:"busy"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Processed   uint64    `json:"processed"`
}

// --- Requests ---

// SubmitRequest asks the engine to run a plan.
type SubmitRequest struct {
	TenantID string        `json:"tenant_id"`
	ActorID  string        `json:"actor_id"`
	Plan     *Plan         `json:"plan"`
	Options  SubmitOptions `json:"options"`

	// WaitMS holds the request open up to this many milliseconds waiting
	// for an immediate-mode execution to settle. 0 returns right away.
	WaitMS int `json:"wait_ms,omitempty"`
}

// SubmitOptions are the caller-controlled submit knobs.
type SubmitOptions struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	ApprovalLevel  int    `json:"approval_level,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	PartialAllowed *bool  `json:"partial_allowed,omitempty"`
	SLAOverride    string `json:"sla_override,omitempty"`
}

// ApproveRequest acts on a pending approval gate.
type ApproveRequest struct {
	ActorID  string `json:"actor_id"`
	PlanHash string `json:"plan_hash"`
	Decision string `json:"decision"` // "approve" or "reject"
}

// CancelRequest asks for cooperative cancellation.
type CancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason,omitempty"`
}

// RequeueRequest replays a dead-lettered execution.
type RequeueRequest struct {
	ActorID string `json:"actor_id"`
}

// --- Responses ---

// SubmitResponse reports the routed execution. Settled is only meaningful
// when the request asked to wait.
type SubmitResponse struct {
	Execution     *Execution `json:"execution"`
	IdempotentHit bool       `json:"idempotent_hit,omitempty"`
	Settled       bool       `json:"settled,omitempty"`
}

// ExecutionDetail is an execution with its steps.
type ExecutionDetail struct {
	Execution *Execution `json:"execution"`
	Steps     []*Step    `json:"steps"`
}

// ExecutionList wraps a list query result.
type ExecutionList struct {
	Executions []*Execution `json:"executions"`
}

// EventList wraps an events_since result.
type EventList struct {
	Events []*Event `json:"events"`
}

// DLQList wraps the dead letter queue listing.
type DLQList struct {
	Items []*DLQItem `json:"items"`
}

// LockList wraps the asset lock listing.
type LockList struct {
	Locks []*Lock `json:"locks"`
}

// WorkerList wraps the worker status listing.
type WorkerList struct {
	Workers []*Worker `json:"workers"`
}

// StatusResponse summarizes one engine instance for the CLI.
type StatusResponse struct {
	Version    string         `json:"version"`
	Executions map[string]int `json:"executions"`
	QueueDepth int            `json:"queue_depth"`
	DLQSize    int            `json:"dlq_size"`
	LocksHeld  int            `json:"locks_held"`
	Workers    []*Worker      `json:"workers"`
}

// VersionResponse reports build information.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// ErrorResponse is the wire form of any API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
