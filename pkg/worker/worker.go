// Package worker runs the pool that pulls leased executions off the work
// queue and drives them through the engine. Each worker holds at most one
// item, renews its lease for as long as the run takes, and settles the
// item according to the engine's outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/engine"
	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/queue"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers = 4

	// DefaultIdlePoll is how long an idle worker waits before asking the
	// queue again.
	DefaultIdlePoll = 500 * time.Millisecond

	// Leases are renewed at a third of their TTL, so two renewals can
	// fail before the reaper may hand the item to someone else.
	renewDivisor = 3
)

// errPanic marks runs that died to a recovered panic, so the nack carries
// WORKER_EXCEPTION instead of a plain transient kind.
var errPanic = errors.New("worker panicked")

// Runner drives one leased execution to an outcome. Implemented by
// engine.Engine; tests plug in fakes.
type Runner interface {
	Run(ctx context.Context, item *types.QueueItem, workerID string) (*engine.Outcome, error)
}

// Source is the queue surface the pool consumes.
type Source interface {
	Lease(workerID string, batch int) ([]*types.QueueItem, error)
	Renew(queueID, token string) (*types.QueueItem, error)
	Ack(queueID, token string) error
	Nack(queueID, token string, delay time.Duration, reason types.ErrorKind) (*types.QueueItem, *types.DLQItem, error)
	LeaseTTL() time.Duration
}

var _ Source = (*queue.Queue)(nil)

// Status reports one worker's occupation for the admin API and CLI.
type Status struct {
	ID          string    `json:"id"`
	Busy        bool      `json:"busy"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Processed   uint64    `json:"processed"`
}

// Pool is a fixed-size set of worker goroutines over one queue.
type Pool struct {
	queue  Source
	runner Runner

	workers  int
	batch    int
	idlePoll time.Duration
	prefix   string

	logger zerolog.Logger

	mu     sync.RWMutex
	status map[string]*Status

	runCtx   context.Context
	hardStop context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes a Pool.
type Option func(*Pool)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithIdlePoll sets how long an empty lease call backs off.
func WithIdlePoll(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idlePoll = d
		}
	}
}

// WithLeaseBatch sets how many items one worker claims per queue poll.
// Items beyond the first wait their turn under their own lease; each is
// re-verified before it runs, so a reaped lease is skipped, not raced.
func WithLeaseBatch(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithIDPrefix sets the worker ID prefix, which lands in lease owner tags,
// step actor IDs, and logs. Defaults to "worker".
func WithIDPrefix(prefix string) Option {
	return func(p *Pool) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// New creates a pool over the queue and runner. Start launches it.
func New(q Source, runner Runner, opts ...Option) *Pool {
	p := &Pool{
		queue:    q,
		runner:   runner,
		workers:  DefaultWorkers,
		batch:    1,
		idlePoll: DefaultIdlePoll,
		prefix:   "worker",
		status:   make(map[string]*Status),
		logger:   log.WithComponent("worker"),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.runCtx, p.hardStop = context.WithCancel(context.Background())
	metrics.RegisterComponent("workers", true, fmt.Sprintf("%d workers", p.workers))
	p.logger.Info().Int("workers", p.workers).Msg("Starting worker pool")

	for i := 1; i <= p.workers; i++ {
		id := fmt.Sprintf("%s-%d", p.prefix, i)
		p.mu.Lock()
		p.status[id] = &Status{ID: id}
		p.mu.Unlock()

		p.wg.Add(1)
		go p.run(id)
	}
}

// Stop drains the pool. No new items are leased; in-flight runs get until
// ctx expires to finish, after which they are aborted and their items
// return to the queue as SHUTDOWN nacks for redelivery.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	metrics.UpdateComponent("workers", false, "draining")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn().Msg("drain deadline reached, aborting in-flight runs")
		p.hardStop()
		<-done
		return ctx.Err()
	}
}

// Status returns a snapshot of every worker, ordered by ID.
func (p *Pool) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Status, 0, len(p.status))
	for _, s := range p.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) run(id string) {
	defer p.wg.Done()
	metrics.WorkersAlive.Inc()
	defer metrics.WorkersAlive.Dec()
	logger := p.logger.With().Str("worker_id", id).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		items, err := p.queue.Lease(id, p.batch)
		if err != nil {
			logger.Error().Err(err).Msg("queue lease failed")
			p.idle()
			continue
		}
		if len(items) == 0 {
			p.idle()
			continue
		}
		for i, item := range items {
			select {
			case <-p.stopCh:
				// Unstarted items go straight back for redelivery.
				p.nack(logger, item, 0, types.ErrKindShutdown)
				continue
			default:
			}
			// An item that sat behind a long run may have been reaped and
			// re-leased elsewhere. Renewing proves the lease still holds.
			if i > 0 {
				if _, err := p.queue.Renew(item.ID, item.LeaseToken); err != nil {
					logger.Debug().
						Str("queue_id", item.ID).
						Str("execution_id", item.ExecutionID).
						Msg("lease lost while queued behind the batch, skipping")
					continue
				}
			}
			p.process(logger, id, item)
		}
	}
}

// idle waits out the poll interval, or returns early on stop.
func (p *Pool) idle() {
	select {
	case <-p.stopCh:
	case <-time.After(p.idlePoll):
	}
}

func (p *Pool) process(logger zerolog.Logger, id string, item *types.QueueItem) {
	p.setBusy(id, item.ExecutionID)
	defer p.setIdle(id)

	itemCtx, abandon := context.WithCancel(p.runCtx)
	defer abandon()
	stopRenew := p.startRenewal(logger, item, abandon)
	defer stopRenew()

	out, err := p.runGuarded(itemCtx, logger, item, id)
	switch {
	case err != nil:
		reason := types.ErrKindTransient
		switch {
		case errors.Is(err, errPanic):
			reason = types.ErrKindWorkerException
		case p.runCtx.Err() != nil:
			reason = types.ErrKindShutdown
		}
		logger.Warn().
			Err(err).
			Str("execution_id", item.ExecutionID).
			Str("reason", string(reason)).
			Msg("run interrupted, returning item to the queue")
		p.nack(logger, item, -1, reason)
	case out.Requeue:
		logger.Info().
			Str("execution_id", item.ExecutionID).
			Dur("delay", out.Delay).
			Str("reason", string(out.Reason)).
			Msg("requeueing execution for its next attempt")
		p.nack(logger, item, out.Delay, out.Reason)
	default:
		if err := p.queue.Ack(item.ID, item.LeaseToken); err != nil && !errors.Is(err, storage.ErrStale) {
			logger.Error().Err(err).Str("queue_id", item.ID).Msg("ack failed")
		}
	}
}

// runGuarded invokes the runner with panic containment. One poisoned
// execution must not take its worker goroutine down with it.
func (p *Pool) runGuarded(ctx context.Context, logger zerolog.Logger, item *types.QueueItem, id string) (out *engine.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanicsTotal.Inc()
			logger.Error().
				Str("execution_id", item.ExecutionID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered in worker")
			out = nil
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return p.runner.Run(ctx, item, id)
}

// startRenewal keeps the item's lease alive at a third of its TTL. A
// failed renewal means exclusivity is gone, so the run is abandoned and
// the current step is left for the next lease holder to reclaim.
func (p *Pool) startRenewal(logger zerolog.Logger, item *types.QueueItem, lost context.CancelFunc) func() {
	interval := p.queue.LeaseTTL() / renewDivisor
	if interval <= 0 {
		interval = time.Second
	}
	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-t.C:
			}
			if _, err := p.queue.Renew(item.ID, item.LeaseToken); err != nil {
				logger.Error().
					Err(err).
					Str("queue_id", item.ID).
					Str("execution_id", item.ExecutionID).
					Msg("lease renewal failed, abandoning run")
				lost()
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stopCh) }) }
}

func (p *Pool) nack(logger zerolog.Logger, item *types.QueueItem, delay time.Duration, reason types.ErrorKind) {
	_, dead, err := p.queue.Nack(item.ID, item.LeaseToken, delay, reason)
	if err != nil {
		if !errors.Is(err, storage.ErrStale) && !errors.Is(err, storage.ErrNotFound) {
			logger.Error().Err(err).Str("queue_id", item.ID).Msg("nack failed")
		}
		return
	}
	if dead != nil {
		logger.Warn().
			Str("execution_id", item.ExecutionID).
			Str("dlq_id", dead.ID).
			Str("kind", string(dead.Kind)).
			Int("attempts", dead.AttemptCount).
			Msg("delivery attempts exhausted, item dead lettered")
	}
}

func (p *Pool) setBusy(id, execID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[id]; ok {
		s.Busy = true
		s.ExecutionID = execID
		s.Since = time.Now()
	}
}

func (p *Pool) setIdle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[id]; ok {
		s.Busy = false
		s.ExecutionID = ""
		s.Since = time.Time{}
		s.Processed++
	}
}
