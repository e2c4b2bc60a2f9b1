package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/types"
)

// ErrUnavailable is returned when the oracle cannot answer. The caller
// treats it as transient; a denial is never an error, it is a Decision.
var ErrUnavailable = errors.New("rbac oracle unavailable")

// Cache bounds. Entries are keyed by the full check tuple, so staleness is
// bounded by the TTL and a revoked permission bites within a minute.
const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 60 * time.Second
)

// Decision is an authorization verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CheckRequest identifies one authorization check: may actor perform
// action_class against asset in tenant.
type CheckRequest struct {
	ActorID     string
	TenantID    string
	AssetID     string
	ActionClass types.ActionClass
}

func (r CheckRequest) cacheKey() string {
	return r.ActorID + "|" + r.TenantID + "|" + r.AssetID + "|" + string(r.ActionClass)
}

// Oracle answers authorization checks. The production oracle is the
// external permission service; tests plug in fakes.
type Oracle interface {
	Check(ctx context.Context, req CheckRequest) (Decision, error)
}

// Validator fronts the oracle with a read-through expiring LRU. It runs in
// every worker; a cache hit keeps the hot path off the network.
type Validator struct {
	oracle Oracle
	cache  *expirable.LRU[string, Decision]
	size   int
	ttl    time.Duration
	logger zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithCacheSize bounds the number of cached decisions.
func WithCacheSize(n int) Option {
	return func(v *Validator) { v.size = n }
}

// WithCacheTTL bounds how long a cached decision may serve. Values above
// a minute are clamped; revocation latency is capped at the TTL.
func WithCacheTTL(d time.Duration) Option {
	return func(v *Validator) {
		if d > DefaultCacheTTL {
			d = DefaultCacheTTL
		}
		v.ttl = d
	}
}

// NewValidator creates a validator over the given oracle.
func NewValidator(oracle Oracle, opts ...Option) *Validator {
	v := &Validator{
		oracle: oracle,
		size:   DefaultCacheSize,
		ttl:    DefaultCacheTTL,
		logger: log.WithComponent("rbac"),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.cache = expirable.NewLRU[string, Decision](v.size, nil, v.ttl)
	return v
}

// Check returns the decision for req, from cache when fresh. Denials are
// cached like approvals; both age out at the TTL.
func (v *Validator) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	key := req.cacheKey()
	if d, ok := v.cache.Get(key); ok {
		metrics.RBACCacheHitsTotal.Inc()
		return d, nil
	}
	metrics.RBACCacheMissesTotal.Inc()

	d, err := v.oracle.Check(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("rbac check for %s on %s/%s: %w", req.ActorID, req.TenantID, req.AssetID, err)
	}
	v.cache.Add(key, d)

	evt := v.logger.Debug()
	if !d.Allowed {
		metrics.RBACDeniedTotal.Inc()
		evt = v.logger.Warn()
	}
	evt.Str("actor_id", req.ActorID).
		Str("tenant_id", req.TenantID).
		Str("asset_id", req.AssetID).
		Str("action_class", string(req.ActionClass)).
		Bool("allowed", d.Allowed).
		Str("reason", d.Reason).
		Msg("RBAC decision")

	return d, nil
}

// Invalidate drops every cached decision. Used when an operator knows
// permissions changed and a minute is too long to wait.
func (v *Validator) Invalidate() {
	v.cache.Purge()
}

// CacheLen reports how many decisions are currently cached.
func (v *Validator) CacheLen() int {
	return v.cache.Len()
}
