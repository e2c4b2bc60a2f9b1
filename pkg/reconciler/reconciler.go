package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/mutex"
	"github.com/stagee/engine/pkg/storage"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 10 * time.Second

// LockReaper releases asset locks whose owner stopped heartbeating.
// Implemented by mutex.Service.
type LockReaper interface {
	ReapOnce(now time.Time) (int, error)
}

var _ LockReaper = (*mutex.Service)(nil)

// ApprovalExpirer rejects executions whose approval window lapsed.
// Implemented by the store.
type ApprovalExpirer interface {
	ExpireApprovals(now time.Time) (int, error)
}

var _ ApprovalExpirer = storage.Store(nil)

// Reconciler ensures stored state matches the engine's time-based rules:
// no lock outlives its owner's heartbeats, no approval waits past its
// window. The queue's lease reaper runs separately in pkg/queue because
// its cadence is bound to the lease TTL; everything on a fixed operator
// cadence sweeps here.
type Reconciler struct {
	locks     LockReaper
	approvals ApprovalExpirer
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// New creates a reconciler over the lock and approval sweeps.
func New(locks LockReaper, approvals ApprovalExpirer, opts ...Option) *Reconciler {
	r := &Reconciler{
		locks:     locks,
		approvals: approvals,
		interval:  DefaultInterval,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the sweep loop.
func (r *Reconciler) Start() {
	r.logger.Info().Dur("interval", r.interval).Msg("Starting reconciler")
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.SweepOnce(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

// SweepOnce runs every sweep immediately. Sweeps are independent; one
// failing never stops the others.
func (r *Reconciler) SweepOnce(now time.Time) {
	r.sweepLocks(now)
	r.sweepApprovals(now)
}

func (r *Reconciler) sweepLocks(now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.SweepDuration, "locks")
		metrics.SweepCyclesTotal.WithLabelValues("locks").Inc()
	}()

	if _, err := r.locks.ReapOnce(now); err != nil {
		r.logger.Error().Err(err).Msg("lock sweep failed")
	}
}

func (r *Reconciler) sweepApprovals(now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.SweepDuration, "approvals")
		metrics.SweepCyclesTotal.WithLabelValues("approvals").Inc()
	}()

	n, err := r.approvals.ExpireApprovals(now)
	if err != nil {
		r.logger.Error().Err(err).Msg("approval sweep failed")
		return
	}
	if n > 0 {
		metrics.ApprovalsExpiredTotal.Add(float64(n))
		r.logger.Info().Int("count", n).Msg("rejected executions with lapsed approval windows")
	}
}
