// Package framework boots a complete engine in-process for integration
// tests: a real bbolt store in a temp dir, the queue and worker pool,
// the dispatcher, and the admin API on an ephemeral listener, with
// scripted stand-ins for the RBAC, secret store, and adapter endpoints.
package framework

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/api"
	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/client"
	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/engine"
	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/mutex"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/queue"
	"github.com/stagee/engine/pkg/rbac"
	"github.com/stagee/engine/pkg/secrets"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/worker"
)

// Config shapes a test engine. Zero values get defaults tuned for fast
// tests, not production.
type Config struct {
	Workers      int           // pool size, default 2
	LeaseTTL     time.Duration // queue visibility lease, default 2s
	ReapInterval time.Duration // queue reaper cadence, default 100ms
	IdlePoll     time.Duration // worker idle poll, default 25ms
	CancelPoll   time.Duration // engine cancel poll, default 25ms
	MutexWait    time.Duration // lock acquisition budget, default 5s

	// NoWorkers skips the pool so queued work sits untouched; tests that
	// drive the queue by hand or assert on pre-run state use this.
	NoWorkers bool
}

func (c *Config) defaults() {
	if c.Workers == 0 {
		c.Workers = 2
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 2 * time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 100 * time.Millisecond
	}
	if c.IdlePoll == 0 {
		c.IdlePoll = 25 * time.Millisecond
	}
	if c.CancelPoll == 0 {
		c.CancelPoll = 25 * time.Millisecond
	}
	if c.MutexWait == 0 {
		c.MutexWait = 5 * time.Second
	}
}

// Harness is one running test engine plus its scripted collaborators.
type Harness struct {
	t *testing.T

	Store      *storage.BoltStore
	Queue      *queue.Queue
	Pool       *worker.Pool
	Engine     *engine.Engine
	Dispatcher *dispatcher.Dispatcher
	Broker     *events.Broker
	Locks      *mutex.Service
	Masker     *masking.Masker

	RBAC       *RBACStub
	Secrets    *SecretsStub
	Asset      *AdapterStub
	Automation *AdapterStub

	API    *httptest.Server
	Client *client.Client

	stopOnce sync.Once
}

// New boots a harness. Everything is torn down via t.Cleanup, so tests
// only call Stop themselves when they need a mid-test shutdown.
func New(t *testing.T, cfg Config) *Harness {
	t.Helper()
	cfg.defaults()

	h := &Harness{t: t}
	h.Masker = masking.NewMasker()
	h.Broker = events.NewBroker()
	h.Broker.Start()

	store, err := storage.NewBoltStore(
		filepath.Join(t.TempDir(), "engine.db"),
		storage.WithMasker(h.Masker),
		storage.WithBroker(h.Broker),
	)
	require.NoError(t, err, "open store")
	h.Store = store
	require.NoError(t, store.SeedTimeoutPolicies(policy.All()), "seed policies")
	require.NoError(t, store.SetSchemaVersion(storage.SchemaVersionCurrent), "set schema version")

	h.RBAC = NewRBACStub()
	h.Secrets = NewSecretsStub()
	h.Asset = NewAdapterStub()
	h.Automation = NewAdapterStub()

	h.Queue = queue.New(store,
		queue.WithLeaseTTL(cfg.LeaseTTL),
		queue.WithReapInterval(cfg.ReapInterval),
	)
	h.Queue.Start()

	h.Locks = mutex.NewService(store, mutex.WithMaxWait(cfg.MutexWait))
	registry := cancel.NewRegistry()

	h.Engine = engine.New(engine.Deps{
		Store:    store,
		Locks:    h.Locks,
		Access:   rbac.NewValidator(rbac.NewClient(h.RBAC.URL())),
		Secrets:  secrets.NewClient(h.Secrets.URL()),
		Adapters: adapters.NewSet(h.Asset.URL(), h.Automation.URL(), h.Masker),
		Registry: registry,
		Masker:   h.Masker,
	}, engine.WithCancelPollInterval(cfg.CancelPoll))

	if !cfg.NoWorkers {
		h.Pool = worker.New(h.Queue, h.Engine,
			worker.WithWorkers(cfg.Workers),
			worker.WithIdlePoll(cfg.IdlePoll),
		)
		h.Pool.Start()
	}

	h.Dispatcher = dispatcher.New(dispatcher.Deps{
		Store:    store,
		Broker:   h.Broker,
		Registry: registry,
	})

	srv := api.NewServer(api.Deps{
		Dispatcher: h.Dispatcher,
		Store:      store,
		Broker:     h.Broker,
		Pool:       h.Pool,
	}, api.WithVersion("test"))
	h.API = httptest.NewServer(srv.Handler())
	h.Client = client.NewClient(h.API.URL)

	t.Cleanup(h.Stop)
	return h
}

// Stop tears the engine down in dependency order. Safe to call twice.
func (h *Harness) Stop() {
	h.stopOnce.Do(func() {
		h.API.Close()
		if h.Pool != nil {
			ctx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelStop()
			_ = h.Pool.Stop(ctx)
		}
		h.Queue.Stop()
		h.Broker.Stop()
		_ = h.Store.Close()

		h.RBAC.Close()
		h.Secrets.Close()
		h.Asset.Close()
		h.Automation.Close()
	})
}
