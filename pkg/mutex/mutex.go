package mutex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

// DefaultMaxWait bounds how long Acquire keeps retrying contended locks
// before giving up with ErrBusy. The step deadline on the context can
// shorten it further.
const DefaultMaxWait = 10 * time.Second

// Heartbeats run at ttl/3. Three consecutive heartbeat failures mean the
// owner can no longer trust its exclusivity and must treat the locks as
// lost.
const (
	heartbeatDivisor   = 3
	maxHeartbeatMisses = 3
)

// Locker is the slice of the store the lock service drives.
type Locker interface {
	AcquireLock(tenantID, assetID, ownerTag string, ttl time.Duration) (*types.AssetLock, error)
	HeartbeatLock(tenantID, assetID, ownerTag string) (*types.AssetLock, error)
	ReleaseLock(tenantID, assetID, ownerTag string) error
	ReapExpiredLocks(now time.Time) ([]*types.AssetLock, error)
}

var _ Locker = storage.Store(nil)

// Service coordinates per-asset exclusive locks for running steps. A step
// acquires every asset it touches before calling the adapter and releases
// them when the call returns; concurrent steps in a parallel group contend
// here, not inside the adapters.
type Service struct {
	locker  Locker
	maxWait time.Duration
	logger  zerolog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithMaxWait overrides the acquisition wait budget.
func WithMaxWait(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// NewService creates a lock service over the given store.
func NewService(locker Locker, opts ...Option) *Service {
	s := &Service{
		locker:  locker,
		maxWait: DefaultMaxWait,
		logger:  log.WithComponent("mutex"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire claims every listed asset for ownerTag, retrying contended locks
// with capped backoff until the wait budget or the context runs out. Assets
// are deduplicated and claimed in ascending order so two executions wanting
// the same set cannot deadlock. On failure every lock already claimed is
// released and the returned error wraps storage.ErrBusy for contention or
// the context error for cancellation.
func (s *Service) Acquire(ctx context.Context, tenantID, ownerTag string, ttl time.Duration, assetIDs ...string) (*Handle, error) {
	if len(assetIDs) == 0 {
		return nil, fmt.Errorf("no assets to lock for %s", ownerTag)
	}
	assets := normalize(assetIDs)
	start := time.Now()

	held := make([]string, 0, len(assets))
	for _, asset := range assets {
		if err := s.acquireOne(ctx, tenantID, asset, ownerTag, ttl, start); err != nil {
			s.releaseAll(tenantID, ownerTag, held)
			return nil, err
		}
		held = append(held, asset)
	}

	wait := time.Since(start)
	metrics.LockWaitDuration.Observe(wait.Seconds())
	s.logger.Debug().
		Str("tenant_id", tenantID).
		Str("owner_tag", ownerTag).
		Strs("assets", assets).
		Dur("wait", wait).
		Msg("asset locks acquired")

	return &Handle{
		svc:      s,
		tenantID: tenantID,
		ownerTag: ownerTag,
		ttl:      ttl,
		assets:   assets,
		wait:     wait,
	}, nil
}

func (s *Service) acquireOne(ctx context.Context, tenantID, assetID, ownerTag string, ttl time.Duration, start time.Time) error {
	// Each asset gets whatever is left of the shared budget. The floor
	// guarantees one attempt even when earlier assets burned it all,
	// because a zero MaxElapsedTime would retry forever.
	remaining := s.maxWait - time.Since(start)
	if remaining < time.Millisecond {
		remaining = time.Millisecond
	}
	op := func() error {
		_, err := s.locker.AcquireLock(tenantID, assetID, ownerTag, ttl)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(policy.NewLockBackOff(remaining), ctx))
}

func (s *Service) releaseAll(tenantID, ownerTag string, assets []string) {
	for i := len(assets) - 1; i >= 0; i-- {
		err := s.locker.ReleaseLock(tenantID, assets[i], ownerTag)
		if err != nil && !errors.Is(err, storage.ErrStale) {
			s.logger.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("asset_id", assets[i]).
				Msg("failed to release asset lock")
		}
	}
}

// ReapOnce releases every expired lock and returns how many were dropped.
// The reconciler calls this on its sweep cadence.
func (s *Service) ReapOnce(now time.Time) (int, error) {
	reaped, err := s.locker.ReapExpiredLocks(now)
	if err != nil {
		return 0, err
	}
	if n := len(reaped); n > 0 {
		metrics.LocksReapedTotal.Add(float64(n))
		s.logger.Info().Int("count", n).Msg("reaped stale asset locks")
	}
	return len(reaped), nil
}

// Handle represents a set of held asset locks. It is valid until Release
// or until Stale reports true, after which the owner must stop relying on
// exclusivity.
type Handle struct {
	svc      *Service
	tenantID string
	ownerTag string
	ttl      time.Duration
	assets   []string
	wait     time.Duration

	mu       sync.Mutex
	misses   int
	stale    bool
	released bool
}

// Wait reports how long acquisition took, for the step's mutex_wait record.
func (h *Handle) Wait() time.Duration {
	return h.wait
}

// Assets returns the locked asset IDs in acquisition order.
func (h *Handle) Assets() []string {
	out := make([]string, len(h.assets))
	copy(out, h.assets)
	return out
}

// Heartbeat refreshes every held lock. A stale response means another
// owner took over and the handle is dead immediately; transient failures
// accumulate, and the handle goes stale after three misses in a row.
func (h *Handle) Heartbeat() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.stale {
		return fmt.Errorf("locks for %s: %w", h.ownerTag, storage.ErrStale)
	}
	for _, asset := range h.assets {
		if _, err := h.svc.locker.HeartbeatLock(h.tenantID, asset, h.ownerTag); err != nil {
			if errors.Is(err, storage.ErrStale) {
				h.stale = true
				return err
			}
			h.misses++
			if h.misses >= maxHeartbeatMisses {
				h.stale = true
			}
			return err
		}
	}
	h.misses = 0
	return nil
}

// Stale reports whether the handle has lost its exclusivity guarantee.
func (h *Handle) Stale() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stale
}

// Release drops every held lock. Safe to call more than once; stale
// responses are expected on late release and ignored.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()
	h.svc.releaseAll(h.tenantID, h.ownerTag, h.assets)
}

// StartHeartbeat refreshes the handle at ttl/3 until the context ends, the
// returned stop function runs, or the locks go stale. The stop function is
// safe to call more than once.
func (h *Handle) StartHeartbeat(ctx context.Context) (stop func()) {
	cadence := h.ttl / heartbeatDivisor
	if cadence <= 0 {
		cadence = time.Second
	}
	stopCh := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if err := h.Heartbeat(); err != nil {
					h.svc.logger.Warn().
						Err(err).
						Str("owner_tag", h.ownerTag).
						Msg("asset lock heartbeat failed")
					if h.Stale() {
						return
					}
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stopCh) }) }
}

func normalize(assetIDs []string) []string {
	seen := make(map[string]struct{}, len(assetIDs))
	out := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
