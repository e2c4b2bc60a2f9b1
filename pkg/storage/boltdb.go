package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/fsm"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/types"
)

var (
	// Bucket names
	bucketExecutions  = []byte("executions")
	bucketSteps       = []byte("steps")
	bucketEvents      = []byte("events")
	bucketQueue       = []byte("queue")
	bucketDLQ         = []byte("dlq")
	bucketLocks       = []byte("locks")
	bucketApprovals   = []byte("approvals")
	bucketIdempotency = []byte("idempotency")
	bucketPolicies    = []byte("policies")
	bucketMeta        = []byte("meta")
)

var schemaVersionKey = []byte("schema_version")

// SchemaVersionCurrent is the store layout this build reads and writes.
// A fresh store is initialized to it; an older store must be brought
// forward by engine-migrate before serving.
const SchemaVersionCurrent = 1

// BoltStore implements Store using BoltDB. Every mutation runs in a single
// write transaction, so an execution transition, its audit event, and any
// sibling rows (queue, DLQ, approval) commit or roll back together.
type BoltStore struct {
	db     *bolt.DB
	masker *masking.Masker
	broker *events.Broker
}

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithMasker scrubs event reasons, payloads, failure messages, and step
// artifacts before they are written. All engine processes set this.
func WithMasker(m *masking.Masker) Option {
	return func(s *BoltStore) { s.masker = m }
}

// WithBroker publishes every appended event to the live broker after its
// transaction commits. Publication is fire-and-forget; the durable log in
// the events bucket is the source of truth.
func WithBroker(b *events.Broker) Option {
	return func(s *BoltStore) { s.broker = b }
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketExecutions,
			bucketSteps,
			bucketEvents,
			bucketQueue,
			bucketDLQ,
			bucketLocks,
			bucketApprovals,
			bucketIdempotency,
			bucketPolicies,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	s := &BoltStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Keys ---

// Step keys are execID/0001 so a prefix cursor walks a plan in order.
func stepKey(execID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%04d", execID, index))
}

// Event keys are execID/00000001; the zero-padded sequence keeps bolt's
// byte order equal to the per-execution event order.
func eventKey(execID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s/%08d", execID, seq))
}

func idemKey(tenantID, key string) []byte {
	return []byte(tenantID + "|" + key)
}

func lockKey(tenantID, assetID string) []byte {
	return []byte(tenantID + "|" + assetID)
}

func policyKey(sla types.SLAClass, action types.ActionClass) []byte {
	return []byte(string(sla) + "|" + string(action))
}

// --- Masking and publishing ---

func (s *BoltStore) mask(v string) string {
	if s.masker == nil {
		return v
	}
	return s.masker.MaskString(v)
}

func (s *BoltStore) maskPayload(p map[string]string) map[string]string {
	if s.masker == nil || p == nil {
		return p
	}
	return s.masker.MaskPayload(p)
}

func (s *BoltStore) publish(evs ...*types.Event) {
	if s.broker == nil {
		return
	}
	for _, ev := range evs {
		s.broker.Publish(ev)
	}
}

// --- Transaction helpers ---

func (s *BoltStore) getExecutionTx(tx *bolt.Tx, id string) (*types.Execution, error) {
	data := tx.Bucket(bucketExecutions).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	var exec types.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *BoltStore) putExecutionTx(tx *bolt.Tx, exec *types.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution %s: %w", exec.ID, err)
	}
	return tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data)
}

func (s *BoltStore) getStepTx(tx *bolt.Tx, execID string, index int) (*types.Step, error) {
	data := tx.Bucket(bucketSteps).Get(stepKey(execID, index))
	if data == nil {
		return nil, fmt.Errorf("step %s/%d: %w", execID, index, ErrNotFound)
	}
	var step types.Step
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("failed to decode step %s/%d: %w", execID, index, err)
	}
	return &step, nil
}

func (s *BoltStore) putStepTx(tx *bolt.Tx, step *types.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("failed to encode step %s: %w", step.ID, err)
	}
	return tx.Bucket(bucketSteps).Put(stepKey(step.ExecutionID, step.Index), data)
}

func (s *BoltStore) listStepsTx(tx *bolt.Tx, execID string) ([]*types.Step, error) {
	var steps []*types.Step
	prefix := []byte(execID + "/")
	c := tx.Bucket(bucketSteps).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var step types.Step
		if err := json.Unmarshal(v, &step); err != nil {
			return nil, fmt.Errorf("failed to decode step %s: %w", k, err)
		}
		steps = append(steps, &step)
	}
	return steps, nil
}

// appendEventTx assigns the next per-execution sequence, masks the event,
// and writes it. The caller owns putting the mutated execution row in the
// same transaction; that is what makes the sequence monotonic under
// concurrent writers.
func (s *BoltStore) appendEventTx(tx *bolt.Tx, exec *types.Execution, ev *types.Event) error {
	exec.EventSeq++
	ev.ID = uuid.New().String()
	ev.ExecutionID = exec.ID
	ev.Sequence = exec.EventSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Reason = s.mask(ev.Reason)
	ev.Payload = s.maskPayload(ev.Payload)

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return tx.Bucket(bucketEvents).Put(eventKey(exec.ID, ev.Sequence), data)
}

// eventKindFor maps a target state to its audit kind unless the caller
// overrides it.
func eventKindFor(to types.ExecutionStatus, override types.EventKind) types.EventKind {
	if override != "" {
		return override
	}
	switch to {
	case types.ExecutionTimeout:
		return types.EventTimeout
	case types.ExecutionCancelled:
		return types.EventCancel
	default:
		return types.EventStateChange
	}
}

func stepEventKindFor(to types.StepStatus) types.EventKind {
	switch to {
	case types.StepTimeout:
		return types.EventTimeout
	case types.StepCancelled:
		return types.EventCancel
	default:
		return types.EventStateChange
	}
}

// transitionExecutionTx applies the edge exec.Status -> to, stamps
// timestamps and failure fields, appends the audit event, and writes the
// execution row. Callers have already verified the from-state they care
// about.
func (s *BoltStore) transitionExecutionTx(tx *bolt.Tx, exec *types.Execution, to types.ExecutionStatus, opts TransitionOpts) (*types.Event, error) {
	from := exec.Status
	if err := fsm.CheckExecution(from, to); err != nil {
		return nil, fmt.Errorf("execution %s: %v: %w", exec.ID, err, ErrInvalidTransition)
	}

	now := time.Now()
	exec.Status = to
	switch to {
	case types.ExecutionQueued:
		if exec.QueuedAt.IsZero() {
			exec.QueuedAt = now
		}
	case types.ExecutionRunning:
		exec.AttemptCount++
		if exec.StartedAt.IsZero() {
			exec.StartedAt = now
		}
	}
	if !opts.TimeoutAt.IsZero() {
		exec.TimeoutAt = opts.TimeoutAt
	}
	if to.Terminal() {
		exec.FinishedAt = now
		if opts.FailureKind != "" {
			exec.FailureKind = opts.FailureKind
		}
		if opts.FailureMessage != "" {
			exec.FailureMessage = s.mask(opts.FailureMessage)
		}
		metrics.ExecutionsSettledTotal.WithLabelValues(string(to)).Inc()
	}

	ev := &types.Event{
		Kind:       eventKindFor(to, opts.EventKind),
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    opts.ActorID,
		Reason:     opts.Reason,
		Payload:    opts.Payload,
		Timestamp:  now,
	}
	if err := s.appendEventTx(tx, exec, ev); err != nil {
		return nil, err
	}
	if err := s.putExecutionTx(tx, exec); err != nil {
		return nil, err
	}
	return ev, nil
}

// --- Executions ---

// CreateExecution writes the execution, its steps, its idempotency claim,
// and the creation event in one transaction. A duplicate
// (tenant, idempotency key) returns *IdempotentHitError carrying the
// existing execution ID, unless the prior execution settled more than an
// idempotency window ago, in which case the key recycles onto this one.
func (s *BoltStore) CreateExecution(exec *types.Execution, steps []*types.Step) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketExecutions).Get([]byte(exec.ID)) != nil {
			return fmt.Errorf("execution %s already exists: %w", exec.ID, ErrConflict)
		}

		now := time.Now()

		if exec.IdempotencyKey != "" {
			idem := tx.Bucket(bucketIdempotency)
			key := idemKey(exec.TenantID, exec.IdempotencyKey)
			if existing := idem.Get(key); existing != nil {
				if !s.idemRecyclableTx(tx, string(existing), now) {
					return &IdempotentHitError{ExecutionID: string(existing)}
				}
			}
			if err := idem.Put(key, []byte(exec.ID)); err != nil {
				return err
			}
		}

		if exec.CreatedAt.IsZero() {
			exec.CreatedAt = now
		}
		exec.StepCount = len(steps)

		for i, st := range steps {
			st.ExecutionID = exec.ID
			st.TenantID = exec.TenantID
			st.Index = i
			if st.ID == "" {
				st.ID = fmt.Sprintf("%s/%04d", exec.ID, i)
			}
			if st.Status == "" {
				st.Status = types.StepPending
			}
			if err := s.putStepTx(tx, st); err != nil {
				return err
			}
		}

		ev := &types.Event{
			Kind:      types.EventStateChange,
			ToStatus:  string(exec.Status),
			ActorID:   exec.ActorID,
			Timestamp: now,
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return err
	}
	s.publish(staged...)
	return nil
}

// idemRecyclableTx reports whether the execution holding an idempotency
// claim settled long enough ago for the key to bind a new submission. A
// dangling claim whose execution row is gone also recycles.
func (s *BoltStore) idemRecyclableTx(tx *bolt.Tx, execID string, now time.Time) bool {
	prior, err := s.getExecutionTx(tx, execID)
	if err != nil {
		return true
	}
	return prior.Status.Terminal() && !prior.FinishedAt.IsZero() &&
		now.Sub(prior.FinishedAt) > policy.IdempotencyWindow
}

func (s *BoltStore) GetExecution(id string) (*types.Execution, error) {
	var exec *types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		exec, err = s.getExecutionTx(tx, id)
		return err
	})
	return exec, err
}

func (s *BoltStore) GetExecutionByIdempotencyKey(tenantID, key string) (*types.Execution, error) {
	var exec *types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketIdempotency).Get(idemKey(tenantID, key))
		if id == nil {
			return fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
		}
		var err error
		exec, err = s.getExecutionTx(tx, string(id))
		return err
	})
	return exec, err
}

// ListExecutions returns executions for a tenant (all tenants when empty),
// optionally filtered to the given statuses.
func (s *BoltStore) ListExecutions(tenantID string, statuses ...types.ExecutionStatus) ([]*types.Execution, error) {
	wanted := make(map[types.ExecutionStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if tenantID != "" && exec.TenantID != tenantID {
				return nil
			}
			if len(wanted) > 0 && !wanted[exec.Status] {
				return nil
			}
			execs = append(execs, &exec)
			return nil
		})
	})
	return execs, err
}

// TransitionExecution applies from -> to with FSM validation. The from
// precondition is how racing writers converge: the loser observes a
// different current state and gets ErrInvalidTransition.
func (s *BoltStore) TransitionExecution(id string, from, to types.ExecutionStatus, opts TransitionOpts) (*types.Execution, error) {
	var exec *types.Execution
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		exec, err = s.getExecutionTx(tx, id)
		if err != nil {
			return err
		}
		if exec.Status != from {
			return fmt.Errorf("execution %s is %s, expected %s: %w", id, exec.Status, from, ErrInvalidTransition)
		}
		ev, err := s.transitionExecutionTx(tx, exec, to, opts)
		if err != nil {
			return err
		}
		staged = append(staged, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return exec, nil
}

// RequestCancel cancels an execution. Parked states (pending approval,
// approved, queued) transition to cancelled directly; a running execution
// gets the cooperative flag and keeps running until a worker observes it.
// Terminal executions return ErrInvalidTransition.
func (s *BoltStore) RequestCancel(id, actorID, reason string) (*types.Execution, error) {
	var exec *types.Execution
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		exec, err = s.getExecutionTx(tx, id)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("execution %s already %s: %w", id, exec.Status, ErrInvalidTransition)
		}

		exec.CancelRequested = true
		exec.CancelReason = s.mask(reason)

		if exec.Status == types.ExecutionRunning {
			// Cooperative path: flag only, the running worker finalizes.
			ev := &types.Event{
				Kind:       types.EventCancel,
				FromStatus: string(types.ExecutionRunning),
				ToStatus:   string(types.ExecutionRunning),
				ActorID:    actorID,
				Reason:     reason,
			}
			if err := s.appendEventTx(tx, exec, ev); err != nil {
				return err
			}
			staged = append(staged, ev)
			return s.putExecutionTx(tx, exec)
		}

		ev, err := s.transitionExecutionTx(tx, exec, types.ExecutionCancelled, TransitionOpts{
			ActorID:     actorID,
			Reason:      reason,
			FailureKind: types.ErrKindCancelled,
		})
		if err != nil {
			return err
		}
		staged = append(staged, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return exec, nil
}

// --- Steps ---

func (s *BoltStore) GetStep(execID string, index int) (*types.Step, error) {
	var step *types.Step
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		step, err = s.getStepTx(tx, execID, index)
		return err
	})
	return step, err
}

func (s *BoltStore) ListSteps(execID string) ([]*types.Step, error) {
	var steps []*types.Step
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		steps, err = s.listStepsTx(tx, execID)
		return err
	})
	return steps, err
}

// TransitionStep applies from -> to on one step, records the attempt's
// result fields, refreshes the parent's step counters, and appends the
// audit event, all in one transaction.
func (s *BoltStore) TransitionStep(execID string, index int, from, to types.StepStatus, mut StepMutation) (*types.Step, error) {
	var step *types.Step
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		step, err = s.getStepTx(tx, execID, index)
		if err != nil {
			return err
		}
		if step.Status != from {
			return fmt.Errorf("step %s is %s, expected %s: %w", step.ID, step.Status, from, ErrInvalidTransition)
		}
		if err := fsm.CheckStep(from, to); err != nil {
			return fmt.Errorf("step %s: %v: %w", step.ID, err, ErrInvalidTransition)
		}

		now := time.Now()
		step.Status = to
		switch {
		case to == types.StepRunning:
			step.Attempt++
			step.StartedAt = now
			step.FinishedAt = time.Time{}
		case to.Terminal():
			step.FinishedAt = now
		}

		if mut.ExitCode != nil {
			step.ExitCode = mut.ExitCode
		}
		if mut.Artifacts != "" {
			step.Artifacts = s.mask(mut.Artifacts)
		}
		if mut.ErrorKind != "" {
			step.ErrorKind = mut.ErrorKind
		}
		if mut.Error != "" {
			step.Error = s.mask(mut.Error)
		}
		if mut.MutexWait > 0 {
			step.MutexWait = mut.MutexWait
		}

		if err := s.putStepTx(tx, step); err != nil {
			return err
		}

		exec, err := s.getExecutionTx(tx, execID)
		if err != nil {
			return err
		}
		if to.Terminal() {
			steps, err := s.listStepsTx(tx, execID)
			if err != nil {
				return err
			}
			succeeded, failed := 0, 0
			for _, st := range steps {
				switch st.Status {
				case types.StepSucceeded:
					succeeded++
				case types.StepFailed, types.StepTimeout:
					failed++
				}
			}
			exec.StepSucceeded, exec.StepFailed = succeeded, failed
		}

		ev := &types.Event{
			StepID:     step.ID,
			Kind:       stepEventKindFor(to),
			FromStatus: string(from),
			ToStatus:   string(to),
			ActorID:    mut.ActorID,
			Reason:     mut.Reason,
			Payload:    map[string]string{"attempt": strconv.Itoa(step.Attempt)},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return step, nil
}

// RetryStep resets a failed or timed-out step to pending for its next
// attempt and emits the retry event. The attempt counter advances when the
// step next enters running. Exhausted budgets return ErrConflict.
func (s *BoltStore) RetryStep(execID string, index int) (*types.Step, error) {
	var step *types.Step
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		step, err = s.getStepTx(tx, execID, index)
		if err != nil {
			return err
		}
		if !fsm.StepCanRetry(step.Status) {
			return fmt.Errorf("step %s is %s, not retryable: %w", step.ID, step.Status, ErrInvalidTransition)
		}
		if step.MaxAttempts > 0 && step.Attempt >= step.MaxAttempts {
			return fmt.Errorf("step %s attempts exhausted (%d/%d): %w", step.ID, step.Attempt, step.MaxAttempts, ErrConflict)
		}

		lastKind := step.ErrorKind
		step.Status = types.StepPending
		step.ExitCode = nil
		step.Artifacts = ""
		step.Error = ""
		step.ErrorKind = ""
		step.StartedAt = time.Time{}
		step.FinishedAt = time.Time{}

		if err := s.putStepTx(tx, step); err != nil {
			return err
		}

		exec, err := s.getExecutionTx(tx, execID)
		if err != nil {
			return err
		}
		ev := &types.Event{
			StepID: step.ID,
			Kind:   types.EventRetry,
			Payload: map[string]string{
				"attempt":      strconv.Itoa(step.Attempt),
				"max_attempts": strconv.Itoa(step.MaxAttempts),
				"last_error":   string(lastKind),
				"exhausted":    "false",
			},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return step, nil
}

// --- Events ---

// AppendEvent assigns the next sequence for the event's execution and
// writes it. Used for progress, heartbeat, and audit records that are not
// tied to a state transition.
func (s *BoltStore) AppendEvent(ev *types.Event) (*types.Event, error) {
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		exec, err := s.getExecutionTx(tx, ev.ExecutionID)
		if err != nil {
			return err
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return ev, nil
}

// ListEventsSince returns the execution's events with sequence > seq in
// sequence order. seq 0 returns everything.
func (s *BoltStore) ListEventsSince(execID string, seq uint64) ([]*types.Event, error) {
	var evs []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(execID + "/")
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(eventKey(execID, seq+1)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev types.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			evs = append(evs, &ev)
		}
		return nil
	})
	return evs, err
}

// --- Approvals ---

// CreateApproval stores the approval gate and appends the request event.
// One live approval per execution, keyed by execution ID.
func (s *BoltStore) CreateApproval(a *types.Approval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		if b.Get([]byte(a.ExecutionID)) != nil {
			return fmt.Errorf("approval for execution %s already exists: %w", a.ExecutionID, ErrConflict)
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now()
		}
		if a.State == "" {
			a.State = types.ApprovalPending
		}
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode approval: %w", err)
		}
		if err := b.Put([]byte(a.ExecutionID), data); err != nil {
			return err
		}

		exec, err := s.getExecutionTx(tx, a.ExecutionID)
		if err != nil {
			return err
		}
		ev := &types.Event{
			Kind:    types.EventApprovalRequested,
			ActorID: a.RequestedBy,
			Payload: map[string]string{
				"approval_id": a.ID,
				"level":       strconv.Itoa(a.Level),
				"expires_at":  a.ExpiresAt.Format(time.RFC3339),
			},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return err
	}
	s.publish(staged...)
	return nil
}

func (s *BoltStore) GetApprovalByExecution(execID string) (*types.Approval, error) {
	var a types.Approval
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApprovals).Get([]byte(execID))
		if data == nil {
			return fmt.Errorf("approval for execution %s: %w", execID, ErrNotFound)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// DecideApproval validates and applies an approve/reject decision:
// the approval must be pending and inside its window, and planHash must
// equal the hash frozen at submit. A mismatched hash commits an audit
// event and returns ErrHashMismatch; a late decision commits the expiry
// and returns ErrExpired.
func (s *BoltStore) DecideApproval(execID string, approve bool, actorID, planHash string) (*types.Execution, error) {
	var exec *types.Execution
	var staged []*types.Event
	var expired, mismatched bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		data := b.Get([]byte(execID))
		if data == nil {
			return fmt.Errorf("approval for execution %s: %w", execID, ErrNotFound)
		}
		var a types.Approval
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to decode approval: %w", err)
		}

		var err error
		exec, err = s.getExecutionTx(tx, execID)
		if err != nil {
			return err
		}
		if a.State != types.ApprovalPending {
			return fmt.Errorf("approval for execution %s already %s: %w", execID, a.State, ErrInvalidTransition)
		}

		now := time.Now()
		putApproval := func() error {
			data, err := json.Marshal(&a)
			if err != nil {
				return fmt.Errorf("failed to encode approval: %w", err)
			}
			return b.Put([]byte(execID), data)
		}

		if now.After(a.ExpiresAt) {
			expired = true
			a.State = types.ApprovalExpired
			a.ActedAt = now
			if err := putApproval(); err != nil {
				return err
			}
			ev, err := s.transitionExecutionTx(tx, exec, types.ExecutionRejected, TransitionOpts{
				ActorID:     actorID,
				Reason:      "approval window expired",
				FailureKind: types.ErrKindApprovalExpired,
				EventKind:   types.EventApprovalActed,
			})
			if err != nil {
				return err
			}
			staged = append(staged, ev)
			return nil
		}

		if planHash != a.PlanHash {
			// Tamper check failed: leave the approval pending, record the
			// attempt, surface the error.
			mismatched = true
			ev := &types.Event{
				Kind:    types.EventAudit,
				ActorID: actorID,
				Reason:  "plan hash mismatch at approval",
			}
			if err := s.appendEventTx(tx, exec, ev); err != nil {
				return err
			}
			staged = append(staged, ev)
			return s.putExecutionTx(tx, exec)
		}

		a.ActedBy = actorID
		a.ActedAt = now
		to := types.ExecutionApproved
		if approve {
			a.State = types.ApprovalApproved
		} else {
			a.State = types.ApprovalRejected
			to = types.ExecutionRejected
		}
		if err := putApproval(); err != nil {
			return err
		}

		opts := TransitionOpts{ActorID: actorID, EventKind: types.EventApprovalActed}
		if !approve {
			opts.Reason = "rejected by approver"
			opts.FailureKind = types.ErrKindNotAuthorized
		}
		ev, err := s.transitionExecutionTx(tx, exec, to, opts)
		if err != nil {
			return err
		}
		staged = append(staged, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)

	if expired {
		return exec, fmt.Errorf("execution %s: %w", execID, ErrExpired)
	}
	if mismatched {
		return exec, fmt.Errorf("execution %s: %w", execID, ErrHashMismatch)
	}
	return exec, nil
}

// ExpireApprovals sweeps pending approvals whose window has passed and
// rejects their executions. Returns how many were expired.
func (s *BoltStore) ExpireApprovals(now time.Time) (int, error) {
	var count int
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApprovals)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a types.Approval
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.State != types.ApprovalPending || a.ExpiresAt.After(now) {
				continue
			}

			a.State = types.ApprovalExpired
			a.ActedAt = now
			data, err := json.Marshal(&a)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}

			exec, err := s.getExecutionTx(tx, a.ExecutionID)
			if err != nil {
				return err
			}
			if exec.Status != types.ExecutionPendingApproval {
				continue
			}
			ev, err := s.transitionExecutionTx(tx, exec, types.ExecutionRejected, TransitionOpts{
				Reason:      "approval window expired",
				FailureKind: types.ErrKindApprovalExpired,
				EventKind:   types.EventApprovalActed,
			})
			if err != nil {
				return err
			}
			staged = append(staged, ev)
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(staged...)
	return count, nil
}

// --- Timeout policies ---

// SeedTimeoutPolicies writes the policy matrix. Existing rows are
// overwritten; the migrate tool owns calling this.
func (s *BoltStore) SeedTimeoutPolicies(rows []types.TimeoutPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPolicies)
		for _, row := range rows {
			data, err := json.Marshal(&row)
			if err != nil {
				return fmt.Errorf("failed to encode policy: %w", err)
			}
			if err := b.Put(policyKey(row.SLAClass, row.ActionClass), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTimeoutPolicy(sla types.SLAClass, action types.ActionClass) (*types.TimeoutPolicy, error) {
	var p types.TimeoutPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPolicies).Get(policyKey(sla, action))
		if data == nil {
			return fmt.Errorf("timeout policy %s/%s: %w", sla, action, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// --- Schema ---

func (s *BoltStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(schemaVersionKey)
		if data == nil {
			return nil
		}
		var err error
		v, err = strconv.Atoi(string(data))
		return err
	})
	return v, err
}

func (s *BoltStore) SetSchemaVersion(v int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(schemaVersionKey, []byte(strconv.Itoa(v)))
	})
}
