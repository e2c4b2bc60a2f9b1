package policy

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stagee/engine/pkg/types"
)

// Lease buffer keeps the queue lease alive past the step deadline so a
// timed-out step is recorded by its owner, not re-leased mid-flight.
const (
	minLeaseBuffer   = 2 * time.Second
	leaseBufferRatio = 0.2
)

// Queue backoff bounds: min(base·2^(n−1), cap) scaled by U(0.5, 1.5).
const (
	queueBackoffBase = 30 * time.Second
	queueBackoffCap  = 10 * time.Minute
)

// DefaultImmediateThreshold is the expected-duration cutoff below which a
// fast-class execution runs on the immediate path.
const DefaultImmediateThreshold = 10 * time.Second

// IdempotencyWindow is how long a (tenant, idempotency key) claim stays
// binding after its execution settles. A resubmit inside the window gets
// the existing execution; past it, the key recycles onto a fresh one.
const IdempotencyWindow = 24 * time.Hour

type matrixKey struct {
	sla    types.SLAClass
	action types.ActionClass
}

// matrix is the seeded timeout policy, unique per (sla, action). It is
// read-only at runtime; the migrate tool writes it into the store so
// operators can inspect what a deployment runs with.
var matrix = map[matrixKey]types.TimeoutPolicy{
	{types.SLAFast, types.ActionRead}:     {SLAClass: types.SLAFast, ActionClass: types.ActionRead, StepTimeout: 5 * time.Second, ExecTimeout: 10 * time.Second, MaxAttempts: 3},
	{types.SLAFast, types.ActionModify}:   {SLAClass: types.SLAFast, ActionClass: types.ActionModify, StepTimeout: 8 * time.Second, ExecTimeout: 15 * time.Second, MaxAttempts: 3},
	{types.SLAFast, types.ActionDeploy}:   {SLAClass: types.SLAFast, ActionClass: types.ActionDeploy, StepTimeout: 10 * time.Second, ExecTimeout: 20 * time.Second, MaxAttempts: 3},
	{types.SLAMedium, types.ActionRead}:   {SLAClass: types.SLAMedium, ActionClass: types.ActionRead, StepTimeout: 15 * time.Second, ExecTimeout: 30 * time.Second, MaxAttempts: 5},
	{types.SLAMedium, types.ActionModify}: {SLAClass: types.SLAMedium, ActionClass: types.ActionModify, StepTimeout: 20 * time.Second, ExecTimeout: 45 * time.Second, MaxAttempts: 5},
	{types.SLAMedium, types.ActionDeploy}: {SLAClass: types.SLAMedium, ActionClass: types.ActionDeploy, StepTimeout: 30 * time.Second, ExecTimeout: 60 * time.Second, MaxAttempts: 5},
	{types.SLALong, types.ActionRead}:     {SLAClass: types.SLALong, ActionClass: types.ActionRead, StepTimeout: 60 * time.Second, ExecTimeout: 300 * time.Second, MaxAttempts: 3},
	{types.SLALong, types.ActionModify}:   {SLAClass: types.SLALong, ActionClass: types.ActionModify, StepTimeout: 120 * time.Second, ExecTimeout: 600 * time.Second, MaxAttempts: 3},
	{types.SLALong, types.ActionDeploy}:   {SLAClass: types.SLALong, ActionClass: types.ActionDeploy, StepTimeout: 300 * time.Second, ExecTimeout: 1800 * time.Second, MaxAttempts: 3},
}

// Lookup returns the seeded policy for (sla, action). The lease timeout is
// computed on the way out with a zero p95 observation; callers tracking a
// live p95 recompute via LeaseTimeout.
func Lookup(sla types.SLAClass, action types.ActionClass) (types.TimeoutPolicy, bool) {
	p, ok := matrix[matrixKey{sla, action}]
	if !ok {
		return types.TimeoutPolicy{}, false
	}
	p.LeaseTimeout = LeaseTimeout(p.StepTimeout, 0)
	return p, true
}

// All returns every seeded policy row, for the migrate tool and admin
// listing. Order is unspecified.
func All() []types.TimeoutPolicy {
	out := make([]types.TimeoutPolicy, 0, len(matrix))
	for _, p := range matrix {
		p.LeaseTimeout = LeaseTimeout(p.StepTimeout, 0)
		out = append(out, p)
	}
	return out
}

// Buffer returns the lease buffer for a step timeout:
// max(0.2 × step_timeout, 2 s).
func Buffer(stepTimeout time.Duration) time.Duration {
	b := time.Duration(float64(stepTimeout) * leaseBufferRatio)
	if b < minLeaseBuffer {
		b = minLeaseBuffer
	}
	return b
}

// LeaseTimeout computes the queue lease for a step:
// max(step_timeout + buffer, 2 × p95 step duration).
func LeaseTimeout(stepTimeout, p95 time.Duration) time.Duration {
	lease := stepTimeout + Buffer(stepTimeout)
	if twice := 2 * p95; twice > lease {
		lease = twice
	}
	return lease
}

// QueueBackoff returns the delay before attempt n (1-based) becomes
// available again: min(30s · 2^(n−1), 10min) scaled by a uniform factor
// in [0.5, 1.5). Attempts below 1 are treated as 1.
func QueueBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := queueBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= queueBackoffCap {
			d = queueBackoffCap
			break
		}
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

// NewTransportBackOff builds the retry schedule for adapter transport
// errors: short exponential with jitter, bounded so total retry time stays
// inside the step deadline headroom.
func NewTransportBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// NewLockBackOff builds the retry schedule for contended asset locks. The
// first retry comes quickly and the interval settles at one-second probes
// until the caller's wait budget runs out.
func NewLockBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 1.8
	b.RandomizationFactor = 0.3
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// Priority bands. Lower is more urgent. Immediate-path executions jump
// every background band; background priority follows the SLA class unless
// the submitter overrides it.
const (
	PriorityImmediate = 0
	PriorityFast      = 10
	PriorityMedium    = 20
	PriorityLong      = 30
)

// PriorityFor returns the default queue priority for a mode and SLA class.
func PriorityFor(mode types.ExecutionMode, sla types.SLAClass) int {
	if mode == types.ModeImmediate {
		return PriorityImmediate
	}
	switch sla {
	case types.SLAFast:
		return PriorityFast
	case types.SLAMedium:
		return PriorityMedium
	default:
		return PriorityLong
	}
}

// ApprovalWindow returns how long an approval request stays actionable for
// the given level. Level 0 needs no approval and returns zero.
func ApprovalWindow(level int) time.Duration {
	switch level {
	case 1:
		return 5 * time.Minute
	case 2:
		return 15 * time.Minute
	case 3:
		return 30 * time.Minute
	default:
		return 0
	}
}

// StepMaxAttempts returns the per-step retry budget for (sla, action),
// falling back to 3 when the pair is unknown.
func StepMaxAttempts(sla types.SLAClass, action types.ActionClass) int {
	if p, ok := Lookup(sla, action); ok {
		return p.MaxAttempts
	}
	return 3
}
