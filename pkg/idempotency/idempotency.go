// Package idempotency resolves duplicate submissions. A (tenant, key)
// pair binds to one execution; resubmitting with the same pair returns
// that execution instead of creating a new one, until the binding has
// been terminal for longer than the recycle window.
package idempotency

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/types"
)

// Store is the slice of the storage layer the guard reads.
type Store interface {
	GetExecutionByIdempotencyKey(tenantID, key string) (*types.Execution, error)
}

var _ Store = storage.Store(nil)

// Guard answers "does this submission already exist". The authoritative
// claim happens inside the store's create transaction; the guard is the
// read path in front of it, so lookups and the claim apply the same
// recycle window.
type Guard struct {
	store  Store
	logger zerolog.Logger
}

// New creates a guard over the store.
func New(store Store) *Guard {
	return &Guard{
		store:  store,
		logger: log.WithComponent("idempotency"),
	}
}

// Lookup returns the execution bound to (tenantID, key), or nil when the
// key is empty, unbound, or its binding has recycled.
func (g *Guard) Lookup(tenantID, key string) (*types.Execution, error) {
	if key == "" {
		return nil, nil
	}
	exec, err := g.store.GetExecutionByIdempotencyKey(tenantID, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if Recyclable(exec, time.Now()) {
		g.logger.Debug().
			Str("tenant_id", tenantID).
			Str("execution_id", exec.ID).
			Msg("idempotency binding past its window, treating key as free")
		return nil, nil
	}
	return exec, nil
}

// Recyclable reports whether the execution holding a key has been terminal
// long enough for the key to bind a new submission.
func Recyclable(exec *types.Execution, now time.Time) bool {
	return exec.Status.Terminal() && !exec.FinishedAt.IsZero() &&
		now.Sub(exec.FinishedAt) > policy.IdempotencyWindow
}
