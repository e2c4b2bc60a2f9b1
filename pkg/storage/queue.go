package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/types"
)

func (s *BoltStore) getQueueItemTx(tx *bolt.Tx, id string) (*types.QueueItem, error) {
	data := tx.Bucket(bucketQueue).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	var item types.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode queue item %s: %w", id, err)
	}
	return &item, nil
}

func (s *BoltStore) putQueueItemTx(tx *bolt.Tx, item *types.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue item %s: %w", item.ID, err)
	}
	return tx.Bucket(bucketQueue).Put([]byte(item.ID), data)
}

// EnqueueExecution moves an approved execution onto the work queue. The
// approved -> queued transition and the queue row commit together, so a
// crash cannot strand a queued execution without a work item.
func (s *BoltStore) EnqueueExecution(execID, actorID string) (*types.QueueItem, error) {
	var item *types.QueueItem
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		exec, err := s.getExecutionTx(tx, execID)
		if err != nil {
			return err
		}
		if exec.Status != types.ExecutionApproved {
			return fmt.Errorf("execution %s is %s, expected %s: %w", execID, exec.Status, types.ExecutionApproved, ErrInvalidTransition)
		}

		now := time.Now()
		item = &types.QueueItem{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			TenantID:    exec.TenantID,
			Priority:    exec.Priority,
			EnqueuedAt:  now,
			AvailableAt: now,
			MaxAttempts: policy.StepMaxAttempts(exec.SLAClass, exec.Plan.DominantAction()),
			Status:      types.QueueAvailable,
		}
		if err := s.putQueueItemTx(tx, item); err != nil {
			return err
		}

		ev, err := s.transitionExecutionTx(tx, exec, types.ExecutionQueued, TransitionOpts{
			ActorID: actorID,
			Payload: map[string]string{
				"queue_id": item.ID,
				"priority": strconv.Itoa(item.Priority),
			},
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
	return item, nil
}

// Enqueue inserts a new work item. Missing fields get their defaults:
// fresh ID, available immediately, zero attempts.
func (s *BoltStore) Enqueue(item *types.QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = now
	}
	if item.Status == "" {
		item.Status = types.QueueAvailable
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketQueue).Get([]byte(item.ID)) != nil {
			return fmt.Errorf("queue item %s already exists: %w", item.ID, ErrConflict)
		}
		return s.putQueueItemTx(tx, item)
	})
}

// Lease atomically claims up to batch available items for workerID,
// ordered by (priority asc, available_at asc). Each claimed item gets a
// fresh lease token; ownership holds until lease_expires_at.
func (s *BoltStore) Lease(batch int, workerID string, ttl time.Duration) ([]*types.QueueItem, error) {
	if batch <= 0 {
		return nil, nil
	}
	var leased []*types.QueueItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		var candidates []*types.QueueItem
		err := tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status != types.QueueAvailable || item.AvailableAt.After(now) {
				return nil
			}
			candidates = append(candidates, &item)
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
		})
		if len(candidates) > batch {
			candidates = candidates[:batch]
		}

		for _, item := range candidates {
			item.Status = types.QueueLeased
			item.LeaseOwner = workerID
			item.LeaseToken = uuid.New().String()
			item.LeaseExpiresAt = now.Add(ttl)
			if err := s.putQueueItemTx(tx, item); err != nil {
				return err
			}
			leased = append(leased, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewLease extends the caller's lease iff the token still matches and
// the lease has not lapsed. Anything else is ErrStale: the item belongs to
// someone else now.
func (s *BoltStore) RenewLease(queueID, token string, ttl time.Duration) (*types.QueueItem, error) {
	var item *types.QueueItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		item, err = s.getQueueItemTx(tx, queueID)
		if err != nil {
			return err
		}
		now := time.Now()
		if item.Status != types.QueueLeased || item.LeaseToken != token || !item.LeaseExpiresAt.After(now) {
			return fmt.Errorf("lease on %s: %w", queueID, ErrStale)
		}
		item.LeaseExpiresAt = now.Add(ttl)
		return s.putQueueItemTx(tx, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Ack marks the item completed. Acking is idempotent: a second ack of a
// completed or pruned item is a no-op, which is what makes crash-resumed
// finishes safe.
func (s *BoltStore) Ack(queueID, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		item, err := s.getQueueItemTx(tx, queueID)
		if err != nil {
			return nil // already pruned
		}
		if item.Status == types.QueueCompleted {
			return nil
		}
		if item.LeaseToken != token {
			return fmt.Errorf("ack on %s: %w", queueID, ErrStale)
		}
		item.Status = types.QueueCompleted
		item.CompletedAt = time.Now()
		return s.putQueueItemTx(tx, item)
	})
}

// Nack returns a leased item to the queue after a failed attempt, or
// routes it to the DLQ once attempts are exhausted. A negative delay asks
// for the standard backoff derived from the attempt count. Exactly one of
// the returned item/DLQ pointers is non-nil on success.
func (s *BoltStore) Nack(queueID, token string, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, error) {
	var (
		requeued *types.QueueItem
		dead     *types.DLQItem
		staged   []*types.Event
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := s.getQueueItemTx(tx, queueID)
		if err != nil {
			return err
		}
		if item.Status != types.QueueLeased || item.LeaseToken != token {
			return fmt.Errorf("nack on %s: %w", queueID, ErrStale)
		}
		requeued, dead, staged, err = s.nackItemTx(tx, item, delay, reason)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if dead != nil {
		metrics.DLQRoutedTotal.Inc()
	}
	s.publish(staged...)
	return requeued, dead, nil
}

// nackItemTx is the shared redelivery path for Nack and the lease reaper.
func (s *BoltStore) nackItemTx(tx *bolt.Tx, item *types.QueueItem, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, []*types.Event, error) {
	now := time.Now()
	item.AttemptCount++

	if item.MaxAttempts > 0 && item.AttemptCount >= item.MaxAttempts {
		dead, evs, err := s.routeToDLQTx(tx, item, reason, now)
		return nil, dead, evs, err
	}

	if delay < 0 {
		delay = policy.QueueBackoff(item.AttemptCount)
	}
	item.Status = types.QueueAvailable
	item.AvailableAt = now.Add(delay)
	item.LeaseOwner = ""
	item.LeaseToken = ""
	item.LeaseExpiresAt = time.Time{}
	if err := s.putQueueItemTx(tx, item); err != nil {
		return nil, nil, nil, err
	}

	var staged []*types.Event
	if exec, err := s.getExecutionTx(tx, item.ExecutionID); err == nil {
		ev := &types.Event{
			Kind:   types.EventAudit,
			Reason: "queue item returned for redelivery",
			Payload: map[string]string{
				"queue_id":     item.ID,
				"attempt":      strconv.Itoa(item.AttemptCount),
				"cause":        string(reason),
				"available_at": item.AvailableAt.Format(time.RFC3339),
			},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return nil, nil, nil, err
		}
		if err := s.putExecutionTx(tx, exec); err != nil {
			return nil, nil, nil, err
		}
		staged = append(staged, ev)
	}
	return item, nil, staged, nil
}

// routeToDLQTx moves an exhausted item to the dead-letter bucket and
// settles its execution: a queued execution that never ran times out, a
// running one fails. Already-terminal executions only get the disposal
// record.
func (s *BoltStore) routeToDLQTx(tx *bolt.Tx, item *types.QueueItem, reason types.ErrorKind, now time.Time) (*types.DLQItem, []*types.Event, error) {
	var staged []*types.Event

	exec, err := s.getExecutionTx(tx, item.ExecutionID)
	if err != nil {
		return nil, nil, err
	}

	dead := &types.DLQItem{
		ID:           item.ID,
		ExecutionID:  item.ExecutionID,
		TenantID:     item.TenantID,
		Kind:         reason,
		Message:      s.mask(fmt.Sprintf("attempts exhausted after %d deliveries: %s", item.AttemptCount, reason)),
		AttemptCount: item.AttemptCount,
		FailedAt:     now,
		PlanHash:     exec.PlanHash,
	}
	data, err := json.Marshal(dead)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode dlq item: %w", err)
	}
	if err := tx.Bucket(bucketDLQ).Put([]byte(dead.ID), data); err != nil {
		return nil, nil, err
	}
	if err := tx.Bucket(bucketQueue).Delete([]byte(item.ID)); err != nil {
		return nil, nil, err
	}

	ev := &types.Event{
		Kind:   types.EventDLQ,
		Reason: string(reason),
		Payload: map[string]string{
			"queue_id": item.ID,
			"attempts": strconv.Itoa(item.AttemptCount),
		},
	}
	if err := s.appendEventTx(tx, exec, ev); err != nil {
		return nil, nil, err
	}
	if err := s.putExecutionTx(tx, exec); err != nil {
		return nil, nil, err
	}
	staged = append(staged, ev)

	switch exec.Status {
	case types.ExecutionQueued:
		// Never got to run: the execution's time is up.
		sev, err := s.transitionExecutionTx(tx, exec, types.ExecutionTimeout, TransitionOpts{
			Reason:         "work item dead-lettered before running",
			FailureKind:    reason,
			FailureMessage: dead.Message,
		})
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, sev)
	case types.ExecutionRunning:
		sev, err := s.transitionExecutionTx(tx, exec, types.ExecutionFailed, TransitionOpts{
			Reason:         "work item dead-lettered",
			FailureKind:    reason,
			FailureMessage: dead.Message,
		})
		if err != nil {
			return nil, nil, err
		}
		staged = append(staged, sev)
	}
	return dead, staged, nil
}

// ReapExpiredLeases returns every lapsed lease to the queue (or the DLQ
// when exhausted) with the standard backoff. The queue's liveness after a
// worker crash rests on this sweep.
func (s *BoltStore) ReapExpiredLeases(now time.Time) (int, error) {
	var count, dead int
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var expired []*types.QueueItem
		err := tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == types.QueueLeased && !item.LeaseExpiresAt.After(now) {
				expired = append(expired, &item)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, item := range expired {
			_, d, evs, err := s.nackItemTx(tx, item, -1, types.ErrKindLeaseExpired)
			if err != nil {
				return err
			}
			if d != nil {
				dead++
			}
			staged = append(staged, evs...)
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.QueueLeasesExpiredTotal.Add(float64(count))
	metrics.DLQRoutedTotal.Add(float64(dead))
	s.publish(staged...)
	return count, nil
}

// PruneCompleted deletes completed queue rows older than the retention
// window. Returns how many were removed.
func (s *BoltStore) PruneCompleted(olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.Status == types.QueueCompleted && item.CompletedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListQueue returns every queue row, whatever its delivery state. Metrics
// and the admin surface read this; workers only ever see items via Lease.
func (s *BoltStore) ListQueue() ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(k, v []byte) error {
			var item types.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// --- DLQ ---

func (s *BoltStore) ListDLQ() ([]*types.DLQItem, error) {
	var items []*types.DLQItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDLQ).ForEach(func(k, v []byte) error {
			var item types.DLQItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, &item)
			return nil
		})
	})
	return items, err
}

// SettleExecutionToDLQ commits a terminal failure and its dead letter
// record in one transaction. The engine calls this when a step exhausts
// its retry budget while the execution is still leased; the worker acks
// the queue item afterward, so the disposal row, not the queue row, is
// what survives for operators to requeue.
func (s *BoltStore) SettleExecutionToDLQ(execID string, to types.ExecutionStatus, opts TransitionOpts, attempts int) (*types.Execution, *types.DLQItem, error) {
	var exec *types.Execution
	var dead *types.DLQItem
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		exec, err = s.getExecutionTx(tx, execID)
		if err != nil {
			return err
		}
		ev, err := s.transitionExecutionTx(tx, exec, to, opts)
		if err != nil {
			return err
		}
		staged = append(staged, ev)

		dead = &types.DLQItem{
			ID:           uuid.New().String(),
			ExecutionID:  exec.ID,
			TenantID:     exec.TenantID,
			Kind:         opts.FailureKind,
			Message:      s.mask(opts.FailureMessage),
			AttemptCount: attempts,
			FailedAt:     time.Now(),
			PlanHash:     exec.PlanHash,
		}
		data, err := json.Marshal(dead)
		if err != nil {
			return fmt.Errorf("failed to encode dlq item: %w", err)
		}
		if err := tx.Bucket(bucketDLQ).Put([]byte(dead.ID), data); err != nil {
			return err
		}

		dev := &types.Event{
			Kind:   types.EventDLQ,
			Reason: string(opts.FailureKind),
			Payload: map[string]string{
				"dlq_id":   dead.ID,
				"attempts": strconv.Itoa(attempts),
			},
		}
		if err := s.appendEventTx(tx, exec, dev); err != nil {
			return err
		}
		staged = append(staged, dev)
		return s.putExecutionTx(tx, exec)
	})
	if err != nil {
		return nil, nil, err
	}
	metrics.DLQRoutedTotal.Inc()
	s.publish(staged...)
	return exec, dead, nil
}

func (s *BoltStore) GetDLQItem(id string) (*types.DLQItem, error) {
	var item types.DLQItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDLQ).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dlq item %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// RequeueFromDLQ puts a dead-lettered execution back on the queue: the
// terminal failed/timeout execution resets to queued with a fresh retry
// budget, failed steps reset to pending (succeeded steps keep their
// results), and the disposal record is marked requeued. This is the one
// audited path that leaves a terminal state.
func (s *BoltStore) RequeueFromDLQ(dlqID, actorID string) (*types.QueueItem, error) {
	var fresh *types.QueueItem
	var staged []*types.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDLQ)
		data := b.Get([]byte(dlqID))
		if data == nil {
			return fmt.Errorf("dlq item %s: %w", dlqID, ErrNotFound)
		}
		var dead types.DLQItem
		if err := json.Unmarshal(data, &dead); err != nil {
			return fmt.Errorf("failed to decode dlq item %s: %w", dlqID, err)
		}
		if dead.Requeued {
			return fmt.Errorf("dlq item %s already requeued: %w", dlqID, ErrConflict)
		}

		exec, err := s.getExecutionTx(tx, dead.ExecutionID)
		if err != nil {
			return err
		}
		if exec.Status != types.ExecutionFailed && exec.Status != types.ExecutionTimeout {
			return fmt.Errorf("execution %s is %s, only failed or timeout can requeue: %w", exec.ID, exec.Status, ErrInvalidTransition)
		}

		now := time.Now()
		prior := exec.Status

		// Reset failed attempts; completed work stays completed so the
		// next run resumes past it.
		steps, err := s.listStepsTx(tx, exec.ID)
		if err != nil {
			return err
		}
		for _, st := range steps {
			switch st.Status {
			case types.StepFailed, types.StepTimeout, types.StepCancelled, types.StepSkipped:
				st.Status = types.StepPending
				st.Attempt = 0
				st.ExitCode = nil
				st.Artifacts = ""
				st.Error = ""
				st.ErrorKind = ""
				st.StartedAt = time.Time{}
				st.FinishedAt = time.Time{}
				if err := s.putStepTx(tx, st); err != nil {
					return err
				}
			}
		}

		exec.Status = types.ExecutionQueued
		exec.QueuedAt = now
		exec.FinishedAt = time.Time{}
		exec.TimeoutAt = time.Time{}
		exec.FailureKind = ""
		exec.FailureMessage = ""
		exec.CancelRequested = false
		exec.CancelReason = ""

		fresh = &types.QueueItem{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			TenantID:    exec.TenantID,
			Priority:    exec.Priority,
			EnqueuedAt:  now,
			AvailableAt: now,
			MaxAttempts: policy.StepMaxAttempts(exec.SLAClass, exec.Plan.DominantAction()),
			Status:      types.QueueAvailable,
		}
		if err := s.putQueueItemTx(tx, fresh); err != nil {
			return err
		}

		ev := &types.Event{
			Kind:       types.EventRequeue,
			FromStatus: string(prior),
			ToStatus:   string(types.ExecutionQueued),
			ActorID:    actorID,
			Reason:     "requeued from dead letter queue",
			Payload: map[string]string{
				"dlq_id":   dlqID,
				"queue_id": fresh.ID,
			},
		}
		if err := s.appendEventTx(tx, exec, ev); err != nil {
			return err
		}
		staged = append(staged, ev)
		if err := s.putExecutionTx(tx, exec); err != nil {
			return err
		}

		dead.Requeued = true
		dead.RequeuedAt = now
		data, err = json.Marshal(&dead)
		if err != nil {
			return fmt.Errorf("failed to encode dlq item: %w", err)
		}
		return b.Put([]byte(dlqID), data)
	})
	if err != nil {
		return nil, err
	}
	s.publish(staged...)
	return fresh, nil
}
