// Package adaptertest provides scriptable in-process adapter servers for
// engine, worker, and scenario tests. A Server speaks the same wire
// contract as a real adapter; tests script responses per step name and
// inspect the requests the engine sent.
package adaptertest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/types"
)

// HandlerFunc scripts the response for one step invocation. The context is
// the request context; it ends when the engine abandons the call.
type HandlerFunc func(ctx context.Context, req adapters.ExecuteRequest) adapters.ExecuteResponse

// Server is a fake adapter. The zero value is not usable; create one with
// New.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	requests []adapters.ExecuteRequest

	failNext   int
	failStatus int
}

// New starts a fake adapter that succeeds every step until scripted
// otherwise. It shuts down with the test.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		fallback: func(context.Context, adapters.ExecuteRequest) adapters.ExecuteResponse {
			return OK("")
		},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server's base URL for adapter client construction.
func (s *Server) URL() string {
	return s.srv.URL
}

// Handle scripts the response for steps with the given name.
func (s *Server) Handle(stepName string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stepName] = fn
}

// HandleDefault scripts the response for steps with no per-name handler.
func (s *Server) HandleDefault(fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
}

// FailNext makes the next n requests answer with the given HTTP status
// before any handler runs, to exercise transport retry paths.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// Requests returns a copy of every execute request seen so far.
func (s *Server) Requests() []adapters.ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adapters.ExecuteRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount returns how many execute requests the server has seen.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/execute" {
		http.NotFound(w, r)
		return
	}
	var req adapters.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if s.failNext > 0 {
		s.failNext--
		status := s.failStatus
		s.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	fn, ok := s.handlers[req.Name]
	if !ok {
		fn = s.fallback
	}
	s.mu.Unlock()

	resp := fn(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// OK builds a successful response carrying the given artifacts.
func OK(artifacts string) adapters.ExecuteResponse {
	code := 0
	return adapters.ExecuteResponse{
		ExitStatus: types.ExitOK,
		ExitCode:   &code,
		Artifacts:  artifacts,
	}
}

// Fail builds a failed response with the given error kind and message.
func Fail(kind types.ErrorKind, msg string) adapters.ExecuteResponse {
	code := 1
	return adapters.ExecuteResponse{
		ExitStatus: types.ExitFail,
		ExitCode:   &code,
		ErrorKind:  kind,
		Message:    msg,
	}
}

// Hang returns a handler that waits d (or until the engine abandons the
// call) before answering, for timeout and cancellation tests.
func Hang(d time.Duration, resp adapters.ExecuteResponse) HandlerFunc {
	return func(ctx context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return resp
	}
}

// Script returns a handler that answers with each response in turn, then
// keeps repeating the last one. Useful for retry sequences.
func Script(responses ...adapters.ExecuteResponse) HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(_ context.Context, _ adapters.ExecuteRequest) adapters.ExecuteResponse {
		mu.Lock()
		defer mu.Unlock()
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		return resp
	}
}
