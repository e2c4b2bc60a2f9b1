// Package engine drives one leased execution end to end: claim the FSM,
// walk the plan's steps through authorization, asset locks, just-in-time
// secrets and the adapter call, classify every outcome against the retry
// taxonomy, and settle the execution on exactly one terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/mutex"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/rbac"
	"github.com/stagee/engine/pkg/secrets"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

// DefaultCancelPollInterval is how often a running execution re-reads its
// store row to pick up cancel requests landed on other instances.
const DefaultCancelPollInterval = time.Second

// maxArtifactBytes caps stored step artifacts. Oversize output is
// truncated with a marker, never silently grown.
const maxArtifactBytes = 10 * 1024

// Deps are the collaborators an Engine needs. All of them are required
// except Masker, which defaults to an empty masker.
type Deps struct {
	Store    storage.Store
	Locks    *mutex.Service
	Access   *rbac.Validator
	Secrets  secrets.Store
	Adapters *adapters.Set
	Registry *cancel.Registry
	Masker   *masking.Masker
}

// Engine runs executions that a worker has leased from the queue. It is
// stateless between runs; everything durable lives in the store, so any
// instance can resume any execution.
type Engine struct {
	store      storage.Store
	locks      *mutex.Service
	access     *rbac.Validator
	secrets    secrets.Store
	adapters   *adapters.Set
	registry   *cancel.Registry
	masker     *masking.Masker
	cancelPoll time.Duration
	logger     zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithCancelPollInterval overrides how often the cancel flag is polled.
func WithCancelPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cancelPoll = d
		}
	}
}

// New creates an engine over the given collaborators.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		store:      deps.Store,
		locks:      deps.Locks,
		access:     deps.Access,
		secrets:    deps.Secrets,
		adapters:   deps.Adapters,
		registry:   deps.Registry,
		masker:     deps.Masker,
		cancelPoll: DefaultCancelPollInterval,
		logger:     log.WithComponent("engine"),
	}
	if e.masker == nil {
		e.masker = masking.NewMasker()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome tells the worker how to settle the queue item that carried the
// execution: ack it, or nack it with a delay so the queue redelivers and a
// reset step gets its next attempt.
type Outcome struct {
	Execution *types.Execution
	Requeue   bool
	Delay     time.Duration
	Reason    types.ErrorKind
}

// Run drives the leased execution until it settles or suspends. The queue
// lease guarantees this instance is the only driver; renewing that lease
// is the caller's job. A returned error means the run was interrupted by
// infrastructure (store failure, shutdown) and the item should be nacked
// without a step reset.
func (e *Engine) Run(ctx context.Context, item *types.QueueItem, workerID string) (*Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunDuration)

	exec, err := e.store.GetExecution(item.ExecutionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn().
				Str("queue_id", item.ID).
				Str("execution_id", item.ExecutionID).
				Msg("leased item points at a missing execution, dropping")
			return &Outcome{}, nil
		}
		return nil, err
	}
	if exec.Status.Terminal() {
		return &Outcome{Execution: exec}, nil
	}

	pol := e.executionPolicy(exec)
	exec, err = e.claim(exec, pol, workerID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		// Cancelled between enqueue and lease.
		return &Outcome{Execution: exec}, nil
	}

	tok := e.registry.Register(exec.ID)
	defer e.registry.Release(exec.ID)
	if exec.CancelRequested {
		e.registry.Cancel(exec.ID, exec.CancelReason)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-tok.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()
	go e.pollCancel(runCtx, exec.ID)

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("tenant_id", exec.TenantID).
		Str("worker_id", workerID).
		Int("attempt", exec.AttemptCount).
		Time("timeout_at", exec.TimeoutAt).
		Msg("driving execution")

	steps, err := e.store.ListSteps(exec.ID)
	if err != nil {
		return nil, err
	}

	var (
		execTimedOut bool
		requeue      bool
		requeueDelay time.Duration
		requeueKind  types.ErrorKind
	)
	for idx := 0; idx < len(steps); {
		if tok.Tripped() {
			if err := e.skipPending(exec, steps[idx:], workerID, tok.Reason(), types.ErrKindCancelled); err != nil {
				return nil, err
			}
			break
		}
		if !exec.TimeoutAt.IsZero() && !time.Now().Before(exec.TimeoutAt) {
			// The next step would start past the execution deadline.
			execTimedOut = true
			if err := e.skipPending(exec, steps[idx:], workerID, "execution deadline exceeded", types.ErrKindExecTimeout); err != nil {
				return nil, err
			}
			break
		}

		end := batchEnd(steps, idx)
		if err := e.runBatch(runCtx, exec, tok, workerID, steps[idx:end]); err != nil {
			return nil, err
		}
		for _, st := range steps[idx:end] {
			e.emitProgress(exec, st, steps)
		}

		hardFailed := false
		for _, st := range steps[idx:end] {
			if st.Status == types.StepTimeout {
				hardFailed = true
				continue
			}
			if st.Status != types.StepFailed {
				continue
			}
			if !st.ErrorKind.Retryable() {
				hardFailed = true
				continue
			}
			if _, err := e.store.RetryStep(exec.ID, st.Index); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					// Retry budget exhausted; the failure stands.
					hardFailed = true
					continue
				}
				return nil, err
			}
			metrics.StepRetriesTotal.Inc()
			requeue = true
			requeueKind = st.ErrorKind
			if d := policy.QueueBackoff(st.Attempt); d > requeueDelay {
				requeueDelay = d
			}
			e.logger.Info().
				Str("execution_id", exec.ID).
				Int("step_index", st.Index).
				Int("attempt", st.Attempt).
				Int("max_attempts", st.MaxAttempts).
				Str("kind", string(st.ErrorKind)).
				Msg("step reset for retry")
		}
		if requeue {
			break
		}
		if hardFailed && (exec.Plan == nil || !exec.Plan.PartialAllowed) {
			if err := e.skipPending(exec, steps[end:], workerID, "prior step failed", types.ErrKindPermanent); err != nil {
				return nil, err
			}
			break
		}
		idx = end
	}

	if requeue {
		return &Outcome{Execution: exec, Requeue: true, Delay: requeueDelay, Reason: requeueKind}, nil
	}
	return e.settle(exec, item, tok, workerID, execTimedOut)
}

// claim moves the execution into RUNNING, or adopts a run left RUNNING by
// an expired lease. The original claim stamps the absolute execution
// deadline; a resume keeps it ticking.
func (e *Engine) claim(exec *types.Execution, pol types.TimeoutPolicy, workerID string) (*types.Execution, error) {
	switch exec.Status {
	case types.ExecutionRunning:
		return exec, nil
	case types.ExecutionQueued:
		claimed, err := e.store.TransitionExecution(exec.ID, types.ExecutionQueued, types.ExecutionRunning, storage.TransitionOpts{
			ActorID:   workerID,
			TimeoutAt: time.Now().Add(pol.ExecTimeout),
		})
		if err == nil {
			return claimed, nil
		}
		if !errors.Is(err, storage.ErrInvalidTransition) {
			return nil, err
		}
		cur, gerr := e.store.GetExecution(exec.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Status.Terminal() || cur.Status == types.ExecutionRunning {
			return cur, nil
		}
		return nil, fmt.Errorf("execution %s: claim lost to %s: %w", exec.ID, cur.Status, storage.ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("execution %s is not runnable from %s", exec.ID, exec.Status)
	}
}

// pollCancel mirrors the store's cancel flag into the process-local token
// so a cancel accepted by any instance reaches this run within one poll.
func (e *Engine) pollCancel(ctx context.Context, execID string) {
	t := time.NewTicker(e.cancelPoll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cur, err := e.store.GetExecution(execID)
		if err != nil {
			continue
		}
		if cur.CancelRequested {
			e.registry.Cancel(execID, cur.CancelReason)
			return
		}
		if cur.Status.Terminal() {
			return
		}
	}
}

// runBatch executes one sequential step or one parallel group. Parallel
// steps target distinct assets, so lock acquisition across the goroutines
// cannot deadlock.
func (e *Engine) runBatch(ctx context.Context, exec *types.Execution, tok *cancel.Token, workerID string, batch []*types.Step) error {
	if len(batch) == 1 {
		st, err := e.runStep(ctx, exec, tok, workerID, batch[0])
		if st != nil {
			batch[0] = st
		}
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(batch))
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := e.runStep(ctx, exec, tok, workerID, batch[i])
			if st != nil {
				batch[i] = st
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// runStep takes one step from pending to a terminal status and returns the
// updated row. A returned error leaves the step where it was (pending, or
// running for an aborted adapter call) so the next delivery can pick it
// up; every business outcome is recorded on the row instead.
func (e *Engine) runStep(ctx context.Context, exec *types.Execution, tok *cancel.Token, workerID string, step *types.Step) (*types.Step, error) {
	logger := e.logger.With().
		Str("execution_id", exec.ID).
		Str("step_id", step.ID).
		Int("step_index", step.Index).
		Str("asset_id", step.AssetID).
		Logger()

	switch {
	case step.Status.Terminal():
		return step, nil
	case step.Status == types.StepRunning:
		// A previous lease died mid flight and the adapter outcome is
		// unknown. Record the interruption; the retry budget decides
		// whether the step runs again.
		logger.Warn().Msg("reclaiming step left running by an expired lease")
		return e.store.TransitionStep(exec.ID, step.Index, types.StepRunning, types.StepFailed, storage.StepMutation{
			ErrorKind: types.ErrKindTransient,
			Error:     "worker lease expired mid step",
			ActorID:   workerID,
		})
	}

	if tok.Tripped() {
		return e.store.TransitionStep(exec.ID, step.Index, types.StepPending, types.StepSkipped, storage.StepMutation{
			ActorID: workerID,
			Error:   cancelMessage(tok),
			Reason:  tok.Reason(),
		})
	}

	pol := e.stepPolicy(exec, step)

	// Authorization first: a denied actor must not consume locks or
	// touch the secret store.
	decision, err := e.access.Check(ctx, rbac.CheckRequest{
		ActorID:     exec.ActorID,
		TenantID:    exec.TenantID,
		AssetID:     step.AssetID,
		ActionClass: step.ActionClass,
	})
	if err != nil {
		if ctx.Err() != nil && !tok.Tripped() {
			return step, fmt.Errorf("step %s interrupted during rbac check: %w", step.ID, err)
		}
		return e.failFromPending(exec, step, workerID, types.ErrKindTransient, "rbac oracle unavailable: "+err.Error())
	}
	e.auditDecision(exec, step, decision)
	if !decision.Allowed {
		logger.Warn().Str("actor_id", exec.ActorID).Str("reason", decision.Reason).Msg("step denied by RBAC")
		msg := decision.Reason
		if msg == "" {
			msg = fmt.Sprintf("actor %s may not %s on %s", exec.ActorID, step.ActionClass, step.AssetID)
		}
		return e.failFromPending(exec, step, workerID, types.ErrKindAuthDenied, msg)
	}

	lockTTL := policy.LeaseTimeout(pol.StepTimeout, 0)
	handle, err := e.locks.Acquire(ctx, exec.TenantID, storage.OwnerTag(exec.ID, workerID), lockTTL, step.AssetID)
	if err != nil {
		switch {
		case tok.Tripped():
			return e.store.TransitionStep(exec.ID, step.Index, types.StepPending, types.StepSkipped, storage.StepMutation{
				ActorID: workerID,
				Error:   cancelMessage(tok),
				Reason:  tok.Reason(),
			})
		case ctx.Err() != nil:
			return step, fmt.Errorf("step %s interrupted waiting for asset lock: %w", step.ID, err)
		case errors.Is(err, storage.ErrBusy):
			return e.failFromPending(exec, step, workerID, types.ErrKindAssetBusy,
				fmt.Sprintf("asset %s is locked by another execution", step.AssetID))
		default:
			return e.failFromPending(exec, step, workerID, types.ErrKindTransient, "lock acquire: "+err.Error())
		}
	}
	defer handle.Release()

	bundle, err := secrets.ResolveAll(ctx, e.secrets, e.masker, step.SecretRefs, secrets.ResolveRequest{
		ActorID:     exec.ActorID,
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Purpose:     "step execution",
	})
	if err != nil {
		switch {
		case tok.Tripped():
			return e.store.TransitionStep(exec.ID, step.Index, types.StepPending, types.StepSkipped, storage.StepMutation{
				ActorID: workerID,
				Error:   cancelMessage(tok),
				Reason:  tok.Reason(),
			})
		case ctx.Err() != nil:
			return step, fmt.Errorf("step %s interrupted resolving secrets: %w", step.ID, err)
		case errors.Is(err, secrets.ErrNotFound):
			return e.failFromPending(exec, step, workerID, types.ErrKindSecretNotFound, err.Error())
		case errors.Is(err, secrets.ErrForbidden):
			return e.failFromPending(exec, step, workerID, types.ErrKindSecretForbidden, err.Error())
		default:
			return e.failFromPending(exec, step, workerID, types.ErrKindSecretUnavailable, err.Error())
		}
	}
	defer bundle.Close()

	step, err = e.store.TransitionStep(exec.ID, step.Index, types.StepPending, types.StepRunning, storage.StepMutation{
		ActorID:   workerID,
		MutexWait: handle.Wait(),
	})
	if err != nil {
		return step, err
	}

	stopHeartbeat := handle.StartHeartbeat(ctx)
	defer stopHeartbeat()

	deadline := time.Now().Add(pol.StepTimeout)
	execBound := false
	if !exec.TimeoutAt.IsZero() && exec.TimeoutAt.Before(deadline) {
		deadline = exec.TimeoutAt
		execBound = true
	}
	stepCtx, cancelStep := context.WithDeadline(ctx, deadline)
	defer cancelStep()

	client, err := e.adapters.For(step.Adapter)
	if err != nil {
		return e.finishStep(exec, step, types.StepFailed, storage.StepMutation{
			ErrorKind: types.ErrKindPermanent,
			Error:     err.Error(),
			ActorID:   workerID,
		})
	}

	logger.Debug().
		Str("adapter", string(step.Adapter)).
		Int("attempt", step.Attempt).
		Time("deadline", deadline).
		Msg("invoking adapter")

	timer := metrics.NewTimer()
	res, err := client.ExecuteStep(stepCtx, adapters.ExecuteRequest{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		TenantID:    exec.TenantID,
		AssetID:     step.AssetID,
		Name:        step.Name,
		ActionClass: step.ActionClass,
		Action:      step.Action,
		Secrets:     bundle.Values(),
		Attempt:     step.Attempt,
		DeadlineAt:  deadline,
		TraceID:     exec.TraceID,
	})
	timer.ObserveDurationVec(metrics.StepDuration, string(step.ActionClass))

	if err != nil {
		switch {
		case tok.Tripped():
			return e.finishStep(exec, step, types.StepCancelled, storage.StepMutation{
				ErrorKind: types.ErrKindCancelled,
				Error:     cancelMessage(tok),
				ActorID:   workerID,
				Reason:    tok.Reason(),
			})
		case ctx.Err() != nil:
			// Worker shutdown, not a step outcome. Leave the step
			// running; the next delivery reclaims it.
			return step, fmt.Errorf("step %s aborted by shutdown: %w", step.ID, err)
		case errors.Is(err, context.DeadlineExceeded):
			msg := fmt.Sprintf("step deadline of %s exceeded", pol.StepTimeout)
			if execBound {
				msg = "execution deadline exceeded mid step"
			}
			return e.finishStep(exec, step, types.StepTimeout, storage.StepMutation{
				ErrorKind: types.ErrKindStepTimeout,
				Error:     msg,
				ActorID:   workerID,
			})
		case errors.Is(err, adapters.ErrBadRequest):
			return e.finishStep(exec, step, types.StepFailed, storage.StepMutation{
				ErrorKind: types.ErrKindPermanent,
				Error:     err.Error(),
				ActorID:   workerID,
			})
		default:
			return e.finishStep(exec, step, types.StepFailed, storage.StepMutation{
				ErrorKind: types.ErrKindTransient,
				Error:     err.Error(),
				ActorID:   workerID,
			})
		}
	}

	if res.ExitStatus == types.ExitOK {
		return e.finishStep(exec, step, types.StepSucceeded, storage.StepMutation{
			ExitCode:  res.ExitCode,
			Artifacts: capArtifacts(res.Artifacts),
			ActorID:   workerID,
		})
	}

	kind := res.ErrorKind
	if kind == types.ErrKindNone {
		kind = types.ErrKindPermanent
	}
	to := types.StepFailed
	if kind == types.ErrKindStepTimeout {
		to = types.StepTimeout
	}
	return e.finishStep(exec, step, to, storage.StepMutation{
		ExitCode:  res.ExitCode,
		Artifacts: capArtifacts(res.Artifacts),
		ErrorKind: kind,
		Error:     res.Message,
		ActorID:   workerID,
	})
}

// finishStep settles a running step. A cancel that raced the adapter's
// completion loses to whatever terminal the row reached first.
func (e *Engine) finishStep(exec *types.Execution, step *types.Step, to types.StepStatus, mut storage.StepMutation) (*types.Step, error) {
	st, err := e.store.TransitionStep(exec.ID, step.Index, types.StepRunning, to, mut)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return e.store.GetStep(exec.ID, step.Index)
		}
		return step, err
	}
	return st, nil
}

// failFromPending records a failure for a step that never reached its
// adapter call. The step FSM has no pending->failed edge, so the attempt
// is started and immediately settled; the attempt counter reflects that
// it was consumed.
func (e *Engine) failFromPending(exec *types.Execution, step *types.Step, workerID string, kind types.ErrorKind, msg string) (*types.Step, error) {
	st, err := e.store.TransitionStep(exec.ID, step.Index, types.StepPending, types.StepRunning, storage.StepMutation{ActorID: workerID})
	if err != nil {
		return step, err
	}
	return e.store.TransitionStep(exec.ID, st.Index, types.StepRunning, types.StepFailed, storage.StepMutation{
		ErrorKind: kind,
		Error:     msg,
		ActorID:   workerID,
	})
}

// skipPending settles every non-terminal step in tail: pending rows are
// skipped, and a row left running by an expired lease is closed with the
// gate's kind so no step stays running past its execution.
func (e *Engine) skipPending(exec *types.Execution, tail []*types.Step, workerID, reason string, kind types.ErrorKind) error {
	for i, st := range tail {
		var (
			settled *types.Step
			err     error
		)
		switch st.Status {
		case types.StepPending:
			settled, err = e.store.TransitionStep(exec.ID, st.Index, types.StepPending, types.StepSkipped, storage.StepMutation{
				ActorID: workerID,
				Error:   reason,
				Reason:  reason,
			})
		case types.StepRunning:
			to := types.StepCancelled
			if kind == types.ErrKindExecTimeout {
				to = types.StepTimeout
			}
			settled, err = e.store.TransitionStep(exec.ID, st.Index, types.StepRunning, to, storage.StepMutation{
				ErrorKind: kind,
				Error:     reason,
				ActorID:   workerID,
			})
		default:
			continue
		}
		if err != nil {
			if errors.Is(err, storage.ErrInvalidTransition) {
				continue
			}
			return err
		}
		tail[i] = settled
	}
	return nil
}

// settle aggregates step outcomes into the execution's terminal state and
// persists it. Failed and timed-out terminals carry a dead letter row in
// the same transaction so operators can requeue them.
func (e *Engine) settle(exec *types.Execution, item *types.QueueItem, tok *cancel.Token, workerID string, execTimedOut bool) (*Outcome, error) {
	steps, err := e.store.ListSteps(exec.ID)
	if err != nil {
		return nil, err
	}

	var succeeded, failed, cancelled, skipped int
	var firstKind types.ErrorKind
	var firstMsg string
	for _, st := range steps {
		switch st.Status {
		case types.StepSucceeded:
			succeeded++
		case types.StepCancelled:
			cancelled++
		case types.StepSkipped:
			skipped++
		case types.StepFailed, types.StepTimeout:
			failed++
			if firstKind == types.ErrKindNone {
				firstKind = st.ErrorKind
				firstMsg = st.Error
			}
		}
	}

	if !execTimedOut && !exec.TimeoutAt.IsZero() && !time.Now().Before(exec.TimeoutAt) {
		// The deadline passed mid step rather than at a batch boundary.
		execTimedOut = true
	}

	var to types.ExecutionStatus
	switch {
	case tok.Tripped():
		to = types.ExecutionCancelled
	case succeeded == len(steps):
		to = types.ExecutionCompleted
	case execTimedOut && succeeded == 0:
		to = types.ExecutionTimeout
	case succeeded > 0 && exec.Plan != nil && exec.Plan.PartialAllowed:
		to = types.ExecutionPartial
	default:
		to = types.ExecutionFailed
	}

	opts := storage.TransitionOpts{
		ActorID:        workerID,
		FailureKind:    firstKind,
		FailureMessage: firstMsg,
	}
	switch to {
	case types.ExecutionCancelled:
		opts.Reason = tok.Reason()
		opts.FailureKind = types.ErrKindCancelled
		if opts.FailureMessage == "" {
			opts.FailureMessage = cancelMessage(tok)
		}
	case types.ExecutionTimeout:
		opts.FailureKind = types.ErrKindExecTimeout
		if opts.FailureMessage == "" {
			opts.FailureMessage = "execution deadline exceeded"
		}
	}

	var settled *types.Execution
	switch to {
	case types.ExecutionFailed, types.ExecutionTimeout:
		var dead *types.DLQItem
		settled, dead, err = e.store.SettleExecutionToDLQ(exec.ID, to, opts, item.AttemptCount+1)
		if err == nil && dead != nil {
			e.logger.Warn().
				Str("execution_id", exec.ID).
				Str("dlq_id", dead.ID).
				Str("kind", string(dead.Kind)).
				Int("attempts", dead.AttemptCount).
				Msg("execution parked in dead letter queue")
		}
	default:
		settled, err = e.store.TransitionExecution(exec.ID, types.ExecutionRunning, to, opts)
	}
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			cur, gerr := e.store.GetExecution(exec.ID)
			if gerr == nil && cur.Status.Terminal() {
				// Another writer settled first; this run's work stands.
				return &Outcome{Execution: cur}, nil
			}
		}
		return nil, err
	}

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("status", string(to)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("cancelled", cancelled).
		Int("skipped", skipped).
		Msg("execution settled")
	return &Outcome{Execution: settled}, nil
}

// emitProgress appends one PROGRESS event for a settled step: index,
// status, aggregate counters, and a crude upper-bound ETA for the rest.
func (e *Engine) emitProgress(exec *types.Execution, st *types.Step, steps []*types.Step) {
	var succeeded, failed, pending int
	for _, s := range steps {
		switch s.Status {
		case types.StepSucceeded:
			succeeded++
		case types.StepFailed, types.StepTimeout:
			failed++
		case types.StepPending, types.StepRunning:
			pending++
		}
	}
	eta := time.Duration(pending) * e.stepPolicy(exec, st).StepTimeout

	if _, err := e.store.AppendEvent(&types.Event{
		ExecutionID: exec.ID,
		StepID:      st.ID,
		Kind:        types.EventProgress,
		ToStatus:    string(st.Status),
		Payload: map[string]string{
			"step_index":  strconv.Itoa(st.Index),
			"succeeded":   strconv.Itoa(succeeded),
			"failed":      strconv.Itoa(failed),
			"pending":     strconv.Itoa(pending),
			"eta_seconds": strconv.FormatFloat(eta.Seconds(), 'f', 0, 64),
		},
	}); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("failed to append progress event")
	}
}

// auditDecision leaves the authorization verdict in the audit trail, both
// for grants and denials.
func (e *Engine) auditDecision(exec *types.Execution, step *types.Step, d rbac.Decision) {
	if _, err := e.store.AppendEvent(&types.Event{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Kind:        types.EventAudit,
		ActorID:     exec.ActorID,
		Reason:      d.Reason,
		Payload: map[string]string{
			"asset_id":     step.AssetID,
			"action_class": string(step.ActionClass),
			"allowed":      strconv.FormatBool(d.Allowed),
		},
	}); err != nil {
		e.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("failed to append rbac audit event")
	}
}

// executionPolicy resolves the timeout row that governs the execution
// deadline, keyed by the plan's dominant action class.
func (e *Engine) executionPolicy(exec *types.Execution) types.TimeoutPolicy {
	action := types.ActionModify
	if exec.Plan != nil {
		action = exec.Plan.DominantAction()
	}
	if pol, ok := e.lookupPolicy(exec.SLAClass, action); ok {
		return pol
	}
	pol, _ := policy.Lookup(types.SLAMedium, types.ActionModify)
	return pol
}

// stepPolicy resolves the timeout row for one step, keyed by the step's
// own action class.
func (e *Engine) stepPolicy(exec *types.Execution, step *types.Step) types.TimeoutPolicy {
	if pol, ok := e.lookupPolicy(exec.SLAClass, step.ActionClass); ok {
		return pol
	}
	return e.executionPolicy(exec)
}

// lookupPolicy prefers the seeded store matrix, which operators may tune,
// over the built-in one. A store miss or error falls back silently; the
// built-in matrix is always complete.
func (e *Engine) lookupPolicy(sla types.SLAClass, action types.ActionClass) (types.TimeoutPolicy, bool) {
	if pol, err := e.store.GetTimeoutPolicy(sla, action); err == nil {
		return *pol, true
	}
	return policy.Lookup(sla, action)
}

func cancelMessage(tok *cancel.Token) string {
	if r := tok.Reason(); r != "" {
		return r
	}
	return "cancelled"
}

// batchEnd returns the exclusive end of the batch starting at i: the
// contiguous run sharing the same non-zero parallel group, or the single
// step itself.
func batchEnd(steps []*types.Step, i int) int {
	g := steps[i].ParallelGroup
	if g == 0 {
		return i + 1
	}
	j := i + 1
	for j < len(steps) && steps[j].ParallelGroup == g {
		j++
	}
	return j
}

// capArtifacts bounds step output at the storage cap, cutting on a rune
// boundary and appending a marker naming how much was dropped.
func capArtifacts(s string) string {
	if len(s) <= maxArtifactBytes {
		return s
	}
	cut := maxArtifactBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("[truncated %d bytes]", len(s)-cut)
}
