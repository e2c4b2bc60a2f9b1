package queue

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

// Lease and housekeeping defaults. The reaper must run at no more than
// half the lease TTL so a crashed worker's items come back within one
// lease period.
const (
	DefaultLeaseTTL   = 30 * time.Second
	DefaultPruneAfter = time.Hour

	pruneInterval = 5 * time.Minute
)

// Store is the slice of the storage layer the queue drives.
type Store interface {
	EnqueueExecution(execID, actorID string) (*types.QueueItem, error)
	Lease(batch int, workerID string, ttl time.Duration) ([]*types.QueueItem, error)
	RenewLease(queueID, token string, ttl time.Duration) (*types.QueueItem, error)
	Ack(queueID, token string) error
	Nack(queueID, token string, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, error)
	ReapExpiredLeases(now time.Time) (int, error)
	PruneCompleted(olderThan time.Duration) (int, error)
}

var _ Store = storage.Store(nil)

// Queue is the worker-facing face of the durable work queue: lease-based
// delivery plus the background reaper and pruner that keep it live. All
// ordering, token, and DLQ semantics live in the store; the queue binds
// them to one lease TTL.
type Queue struct {
	store      Store
	ttl        time.Duration
	reapEvery  time.Duration
	pruneAfter time.Duration
	logger     zerolog.Logger
	stopCh     chan struct{}
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLeaseTTL overrides the lease duration handed to workers.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.ttl = d
		}
	}
}

// WithReapInterval overrides the expired-lease sweep cadence. It is capped
// at half the lease TTL.
func WithReapInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.reapEvery = d
		}
	}
}

// WithPruneAfter overrides how long completed queue rows are retained.
func WithPruneAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pruneAfter = d
		}
	}
}

// New creates a queue over the given store. Start must be called for the
// reaper and pruner to run.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		ttl:        DefaultLeaseTTL,
		pruneAfter: DefaultPruneAfter,
		logger:     log.WithComponent("queue"),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.reapEvery == 0 || q.reapEvery > q.ttl/2 {
		q.reapEvery = q.ttl / 2
	}
	return q
}

// LeaseTTL returns the lease duration items are handed out with.
func (q *Queue) LeaseTTL() time.Duration {
	return q.ttl
}

// Enqueue moves an approved execution onto the queue.
func (q *Queue) Enqueue(execID, actorID string) (*types.QueueItem, error) {
	return q.store.EnqueueExecution(execID, actorID)
}

// Lease claims up to batch items for workerID under the queue's TTL.
func (q *Queue) Lease(workerID string, batch int) ([]*types.QueueItem, error) {
	return q.store.Lease(batch, workerID, q.ttl)
}

// Renew extends the worker's lease on an item it still owns.
func (q *Queue) Renew(queueID, token string) (*types.QueueItem, error) {
	return q.store.RenewLease(queueID, token, q.ttl)
}

// Ack marks an item done. Duplicate acks are no-ops.
func (q *Queue) Ack(queueID, token string) error {
	return q.store.Ack(queueID, token)
}

// Nack returns an item for redelivery after delay, or routes it to the DLQ
// when attempts are exhausted. A negative delay asks for the standard
// backoff derived from the attempt count.
func (q *Queue) Nack(queueID, token string, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, error) {
	return q.store.Nack(queueID, token, delay, reason)
}

// ReapOnce sweeps expired leases immediately, returning how many items
// were redelivered or dead-lettered.
func (q *Queue) ReapOnce(now time.Time) (int, error) {
	return q.store.ReapExpiredLeases(now)
}

// PruneOnce deletes completed rows older than the retention window.
func (q *Queue) PruneOnce() (int, error) {
	return q.store.PruneCompleted(q.pruneAfter)
}

// Start launches the reaper and pruner loops.
func (q *Queue) Start() {
	q.logger.Info().
		Dur("lease_ttl", q.ttl).
		Dur("reap_interval", q.reapEvery).
		Msg("Starting queue housekeeping")

	go func() {
		reap := time.NewTicker(q.reapEvery)
		defer reap.Stop()
		prune := time.NewTicker(pruneInterval)
		defer prune.Stop()

		for {
			select {
			case <-q.stopCh:
				return
			case <-reap.C:
				n, err := q.ReapOnce(time.Now())
				if err != nil {
					q.logger.Error().Err(err).Msg("lease reap failed")
					continue
				}
				if n > 0 {
					q.logger.Info().Int("count", n).Msg("reaped expired leases")
				}
			case <-prune.C:
				n, err := q.PruneOnce()
				if err != nil {
					q.logger.Error().Err(err).Msg("queue prune failed")
					continue
				}
				if n > 0 {
					q.logger.Debug().Int("count", n).Msg("pruned completed queue rows")
				}
			}
		}
	}()
}

// Stop halts the background loops.
func (q *Queue) Stop() {
	close(q.stopCh)
}
