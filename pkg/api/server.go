// Package api serves the engine's admin surface over HTTP: the JSON
// endpoints the CLI drives, plus health, readiness and Prometheus
// metrics. It is an operator surface, not a public façade; authentication
// belongs to whatever fronts it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/worker"
)

// maxWait caps how long a submit request may block on the immediate path.
const maxWait = 30 * time.Second

// followResync is how often a follow stream re-reads the event log to
// cover events the broker dropped.
const followResync = 2 * time.Second

// Deps are the collaborators the server exposes. Pool may be nil on
// instances that only dispatch; the worker endpoints then report empty.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Store      storage.Store
	Broker     *events.Broker
	Pool       *worker.Pool
}

// Server is the admin HTTP server.
type Server struct {
	disp    *dispatcher.Dispatcher
	store   storage.Store
	broker  *events.Broker
	pool    *worker.Pool
	version string

	mux     *http.ServeMux
	httpSrv *http.Server
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version string reported by /v1/version.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// NewServer creates the admin server and registers its routes.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		disp:    deps.Dispatcher,
		store:   deps.Store,
		broker:  deps.Broker,
		pool:    deps.Pool,
		version: "dev",
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("POST /v1/executions", s.instrument("submit", s.handleSubmit))
	s.mux.Handle("GET /v1/executions", s.instrument("list_executions", s.handleListExecutions))
	s.mux.Handle("GET /v1/executions/{id}", s.instrument("get_execution", s.handleGetExecution))
	s.mux.Handle("POST /v1/executions/{id}/approve", s.instrument("approve", s.handleApprove))
	s.mux.Handle("POST /v1/executions/{id}/cancel", s.instrument("cancel", s.handleCancel))
	s.mux.Handle("GET /v1/executions/{id}/events", s.instrument("events", s.handleEvents))
	s.mux.Handle("GET /v1/dlq", s.instrument("list_dlq", s.handleListDLQ))
	s.mux.Handle("POST /v1/dlq/{id}/requeue", s.instrument("requeue_dlq", s.handleRequeueDLQ))
	s.mux.Handle("GET /v1/locks", s.instrument("list_locks", s.handleListLocks))
	s.mux.Handle("POST /v1/locks/release", s.instrument("release_lock", s.handleReleaseLock))
	s.mux.Handle("GET /v1/workers", s.instrument("workers", s.handleWorkers))
	s.mux.Handle("GET /v1/status", s.instrument("status", s.handleStatus))
	s.mux.Handle("GET /v1/version", s.instrument("version", s.handleVersion))

	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the server's routes for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop or a listener error. Write timeouts stay off;
// follow streams hold a response open indefinitely.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("Admin API listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
