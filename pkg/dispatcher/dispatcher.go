// Package dispatcher is the engine's front door. It freezes submitted
// plans into executions, gates them behind approvals, classifies the
// immediate path and hands approved work to the queue. Everything past
// this boundary speaks execution IDs; plans never change after submit.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/idempotency"
	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

// MaxApprovalLevel is the highest approval level a submission may request.
const MaxApprovalLevel = 3

// waitPollInterval backs up the broker during a terminal wait. The broker
// drops events on slow subscribers; a periodic re-read cannot be dropped.
const waitPollInterval = 500 * time.Millisecond

// ErrInvalidPlan is returned when a submitted plan or its options fail
// validation. The wrapped message names the offending field.
var ErrInvalidPlan = errors.New("invalid plan")

// Deps are the collaborators a Dispatcher needs. Broker and Registry may
// be nil on instances that neither stream events nor run workers; the
// terminal wait then degrades to polling and local token tripping is
// skipped.
type Deps struct {
	Store    storage.Store
	Broker   *events.Broker
	Registry *cancel.Registry
}

// Dispatcher accepts plans and turns them into queued executions.
type Dispatcher struct {
	store     storage.Store
	broker    *events.Broker
	registry  *cancel.Registry
	guard     *idempotency.Guard
	threshold time.Duration
	logger    zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithImmediateThreshold overrides the expected-duration cutoff below
// which a fast-class plan takes the immediate path.
func WithImmediateThreshold(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.threshold = d
		}
	}
}

// New creates a dispatcher over the given collaborators.
func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     deps.Store,
		broker:    deps.Broker,
		registry:  deps.Registry,
		guard:     idempotency.New(deps.Store),
		threshold: policy.DefaultImmediateThreshold,
		logger:    log.WithComponent("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SubmitOptions carries the caller-controlled knobs on submit. The zero
// value submits pre-approved with everything derived from the plan.
type SubmitOptions struct {
	// IdempotencyKey makes the submission replay-safe per tenant. Empty
	// opts out of the guard.
	IdempotencyKey string

	// ApprovalLevel 1..3 parks the execution behind an approval gate
	// with a per-level window. 0 submits pre-approved.
	ApprovalLevel int

	// Priority overrides the queue priority when non-zero; otherwise it
	// derives from the execution mode and SLA class.
	Priority int

	// PartialAllowed overrides the plan's own setting when non-nil.
	PartialAllowed *bool

	// SLAOverride replaces the plan's SLA class before it is frozen.
	SLAOverride types.SLAClass
}

// SubmitResult reports what submit did. On an idempotent hit Execution is
// the earlier submission bound to the same key, not a new one.
type SubmitResult struct {
	Execution     *types.Execution
	IdempotentHit bool
}

// Submit freezes the plan into an execution and routes it. Ungated
// submissions go straight onto the queue; gated ones park in pending
// approval until Approve acts or the window expires. The returned
// execution reflects the post-routing state.
func (d *Dispatcher) Submit(plan *types.PlanSnapshot, actorID, tenantID string, opts SubmitOptions) (*SubmitResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if tenantID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: tenant and actor are required", ErrInvalidPlan)
	}
	if opts.ApprovalLevel < 0 || opts.ApprovalLevel > MaxApprovalLevel {
		return nil, fmt.Errorf("%w: approval level %d out of range 0..%d", ErrInvalidPlan, opts.ApprovalLevel, MaxApprovalLevel)
	}

	// Fold the caller's overrides into the snapshot before hashing: the
	// hash must cover exactly what will run.
	frozen := *plan
	if opts.SLAOverride != "" {
		frozen.SLAClass = opts.SLAOverride
	}
	if opts.PartialAllowed != nil {
		frozen.PartialAllowed = *opts.PartialAllowed
	}
	if err := frozen.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	hash := frozen.Hash()

	if existing, err := d.guard.Lookup(tenantID, opts.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return &SubmitResult{Execution: existing, IdempotentHit: true}, nil
	}

	mode := d.classify(&frozen)
	exec := &types.Execution{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		ActorID:        actorID,
		TraceID:        uuid.New().String(),
		Plan:           &frozen,
		PlanHash:       hash,
		IdempotencyKey: opts.IdempotencyKey,
		Mode:           mode,
		SLAClass:       frozen.SLAClass,
		Status:         types.ExecutionApproved,
		Priority:       opts.Priority,
		ApprovalLevel:  opts.ApprovalLevel,
	}
	if exec.Priority == 0 {
		exec.Priority = policy.PriorityFor(mode, frozen.SLAClass)
	}
	if opts.ApprovalLevel > 0 {
		exec.Status = types.ExecutionPendingApproval
		exec.ApprovalID = uuid.New().String()
	}

	if err := d.store.CreateExecution(exec, stepsFromPlan(&frozen)); err != nil {
		var hit *storage.IdempotentHitError
		if errors.As(err, &hit) {
			// Lost the claim race to a concurrent submit on the same key.
			existing, gerr := d.store.GetExecution(hit.ExecutionID)
			if gerr != nil {
				return nil, gerr
			}
			return &SubmitResult{Execution: existing, IdempotentHit: true}, nil
		}
		return nil, err
	}

	if opts.ApprovalLevel > 0 {
		err := d.store.CreateApproval(&types.Approval{
			ID:          exec.ApprovalID,
			ExecutionID: exec.ID,
			TenantID:    tenantID,
			Level:       opts.ApprovalLevel,
			PlanHash:    hash,
			RequestedBy: actorID,
			ExpiresAt:   time.Now().Add(policy.ApprovalWindow(opts.ApprovalLevel)),
		})
		if err != nil {
			return nil, err
		}
		parked, err := d.store.GetExecution(exec.ID)
		if err != nil {
			return nil, err
		}
		d.logger.Info().
			Str("execution_id", exec.ID).
			Str("tenant_id", tenantID).
			Int("approval_level", opts.ApprovalLevel).
			Msg("Execution parked pending approval")
		return &SubmitResult{Execution: parked}, nil
	}

	if _, err := d.store.EnqueueExecution(exec.ID, actorID); err != nil {
		return nil, err
	}
	queued, err := d.store.GetExecution(exec.ID)
	if err != nil {
		return nil, err
	}
	d.logger.Info().
		Str("execution_id", exec.ID).
		Str("tenant_id", tenantID).
		Str("mode", string(mode)).
		Int("priority", queued.Priority).
		Int("steps", queued.StepCount).
		Msg("Execution queued")
	return &SubmitResult{Execution: queued}, nil
}

// Approve acts on a pending approval gate. planHash must equal the hash
// frozen at submit; approve false rejects. A successful approval puts the
// execution on the queue in the same call.
func (d *Dispatcher) Approve(execID, planHash, actorID string, approve bool) (*types.Execution, error) {
	exec, err := d.store.DecideApproval(execID, approve, actorID, planHash)
	if err != nil {
		return exec, err
	}
	if !approve {
		d.logger.Info().
			Str("execution_id", execID).
			Str("actor_id", actorID).
			Msg("Execution rejected by approver")
		return exec, nil
	}
	if _, err := d.store.EnqueueExecution(execID, actorID); err != nil {
		return exec, err
	}
	queued, err := d.store.GetExecution(execID)
	if err != nil {
		return exec, err
	}
	d.logger.Info().
		Str("execution_id", execID).
		Str("actor_id", actorID).
		Msg("Execution approved and queued")
	return queued, nil
}

// Cancel requests cancellation. Parked executions settle cancelled right
// away; a running one gets the cooperative flag, and the local token is
// tripped so an in-process worker aborts without waiting for the poll.
func (d *Dispatcher) Cancel(execID, actorID, reason string) (*types.Execution, error) {
	if reason == "" {
		reason = "cancelled by " + actorID
	}
	exec, err := d.store.RequestCancel(execID, actorID, reason)
	if err != nil {
		return nil, err
	}
	if d.registry != nil {
		d.registry.Cancel(execID, reason)
	}
	metrics.CancellationsTotal.Inc()
	d.logger.Info().
		Str("execution_id", execID).
		Str("actor_id", actorID).
		Str("status", string(exec.Status)).
		Msg("Cancellation requested")
	return exec, nil
}

// Detail is the read model for get: the execution row plus its steps,
// masked the way they were written.
type Detail struct {
	Execution *types.Execution
	Steps     []*types.Step
}

// Get returns one execution with its steps.
func (d *Dispatcher) Get(execID string) (*Detail, error) {
	exec, err := d.store.GetExecution(execID)
	if err != nil {
		return nil, err
	}
	steps, err := d.store.ListSteps(execID)
	if err != nil {
		return nil, err
	}
	return &Detail{Execution: exec, Steps: steps}, nil
}

// EventsSince returns the execution's events with sequence greater than
// seq, oldest first. A missing execution reports not found, distinct from
// an execution that simply has no events past seq.
func (d *Dispatcher) EventsSince(execID string, seq uint64) ([]*types.Event, error) {
	if _, err := d.store.GetExecution(execID); err != nil {
		return nil, err
	}
	return d.store.ListEventsSince(execID, seq)
}

// WaitForTerminal blocks until the execution settles, the wait window
// elapses, or ctx is cancelled. It powers the immediate path: the caller
// holds the request open for a short window and falls back to background
// semantics when the window closes first. The bool reports whether the
// returned execution is terminal.
func (d *Dispatcher) WaitForTerminal(ctx context.Context, execID string, wait time.Duration) (*types.Execution, bool, error) {
	var sub events.Subscriber
	if d.broker != nil {
		sub = d.broker.Subscribe(execID)
		defer d.broker.Unsubscribe(sub)
	}

	exec, err := d.store.GetExecution(execID)
	if err != nil {
		return nil, false, err
	}
	if exec.Status.Terminal() {
		return exec, true, nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(waitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return exec, false, ctx.Err()
		case <-deadline.C:
			return exec, false, nil
		case <-poll.C:
		case <-sub:
		}
		exec, err = d.store.GetExecution(execID)
		if err != nil {
			return nil, false, err
		}
		if exec.Status.Terminal() {
			return exec, true, nil
		}
	}
}

// classify picks the delivery path: fast-class plans expected to finish
// inside the threshold run immediate, everything else is background.
func (d *Dispatcher) classify(plan *types.PlanSnapshot) types.ExecutionMode {
	if plan.SLAClass == types.SLAFast && plan.ExpectedDuration <= d.threshold {
		return types.ModeImmediate
	}
	return types.ModeBackground
}

// stepsFromPlan expands the frozen snapshot into step rows. Retry budgets
// come from the timeout policy for the step's SLA and action class.
func stepsFromPlan(plan *types.PlanSnapshot) []*types.Step {
	steps := make([]*types.Step, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = &types.Step{
			Index:         i,
			Name:          ps.Name,
			AssetID:       ps.AssetID,
			Adapter:       ps.Adapter,
			ActionClass:   ps.ActionClass,
			Action:        ps.Action,
			SecretRefs:    ps.SecretRefs,
			ParallelGroup: ps.ParallelGroup,
			Status:        types.StepPending,
			MaxAttempts:   policy.StepMaxAttempts(plan.SLAClass, ps.ActionClass),
		}
	}
	return steps
}
