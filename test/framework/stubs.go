package framework

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/types"
)

// StepReply scripts one adapter answer. A zero Status means HTTP 200
// with Body as the payload; any other status sends an empty body.
type StepReply struct {
	Status int
	Body   adapters.ExecuteResponse
	Delay  time.Duration
}

// OK is a successful step reply carrying artifacts.
func OK(artifacts string) StepReply {
	return StepReply{Body: adapters.ExecuteResponse{
		ExitStatus: types.ExitOK,
		Artifacts:  artifacts,
	}}
}

// FailTransient is a business failure the engine retries per policy.
func FailTransient(msg string) StepReply {
	return StepReply{Body: adapters.ExecuteResponse{
		ExitStatus: types.ExitFail,
		ErrorKind:  types.ErrKindTransient,
		Message:    msg,
	}}
}

// FailPermanent is a business failure the engine never retries.
func FailPermanent(msg string) StepReply {
	return StepReply{Body: adapters.ExecuteResponse{
		ExitStatus: types.ExitFail,
		ErrorKind:  types.ErrKindPermanent,
		Message:    msg,
	}}
}

// Unavailable makes the adapter answer 503, which the transport retries.
func Unavailable() StepReply {
	return StepReply{Status: http.StatusServiceUnavailable}
}

// Slow succeeds after holding the call open for d.
func Slow(d time.Duration) StepReply {
	r := OK("")
	r.Delay = d
	return r
}

// AdapterStub stands in for an asset or automation adapter. Replies are
// scripted per step name and consumed in order; when a script runs out
// its last reply repeats, and unscripted steps succeed. Every request is
// recorded so tests can assert on attempts and payloads.
type AdapterStub struct {
	srv *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]StepReply
	consumed map[string]int
	requests []adapters.ExecuteRequest
}

// NewAdapterStub starts the stub server. Close it via Close (the harness
// does this on cleanup).
func NewAdapterStub() *AdapterStub {
	a := &AdapterStub{
		scripts:  make(map[string][]StepReply),
		consumed: make(map[string]int),
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	return a
}

// URL is the stub's base URL for adapter clients.
func (a *AdapterStub) URL() string { return a.srv.URL }

// Close shuts the stub down.
func (a *AdapterStub) Close() { a.srv.Close() }

// Script queues replies for a step name, consumed one per invocation.
func (a *AdapterStub) Script(step string, replies ...StepReply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[step] = append(a.scripts[step], replies...)
}

// Calls counts how many invocations a step received.
func (a *AdapterStub) Calls(step string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.requests {
		if r.Name == step {
			n++
		}
	}
	return n
}

// Requests returns every recorded invocation of a step, oldest first.
func (a *AdapterStub) Requests(step string) []adapters.ExecuteRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []adapters.ExecuteRequest
	for _, r := range a.requests {
		if r.Name == step {
			out = append(out, r)
		}
	}
	return out
}

func (a *AdapterStub) handle(w http.ResponseWriter, r *http.Request) {
	var req adapters.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	a.requests = append(a.requests, req)
	reply := OK("")
	if script := a.scripts[req.Name]; len(script) > 0 {
		i := a.consumed[req.Name]
		if i >= len(script) {
			i = len(script) - 1
		}
		reply = script[i]
		a.consumed[req.Name]++
	}
	a.mu.Unlock()

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.Status != 0 && reply.Status != http.StatusOK {
		w.WriteHeader(reply.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reply.Body)
}

// RBACStub stands in for the permission service. Everything is allowed
// unless a (actor, asset) pair was denied or the stub was taken down.
type RBACStub struct {
	srv *httptest.Server

	mu     sync.Mutex
	denied map[string]string
	down   bool
	checks int
}

// NewRBACStub starts the stub with an allow-all policy.
func NewRBACStub() *RBACStub {
	s := &RBACStub{denied: make(map[string]string)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the stub's base URL.
func (s *RBACStub) URL() string { return s.srv.URL }

// Close shuts the stub down.
func (s *RBACStub) Close() { s.srv.Close() }

// Deny makes checks for actor on asset come back disallowed.
func (s *RBACStub) Deny(actorID, assetID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[actorID+"|"+assetID] = reason
}

// SetDown makes the service answer 503 until called with false.
func (s *RBACStub) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Checks counts oracle round-trips, which excludes validator cache hits.
func (s *RBACStub) Checks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func (s *RBACStub) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		AssetID string `json:"asset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.checks++
	down := s.down
	reason, deny := s.denied[req.ActorID+"|"+req.AssetID]
	s.mu.Unlock()

	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"allowed": !deny,
		"reason":  reason,
	})
}

// SecretsStub stands in for the secret store. References must be set
// explicitly; unknown refs answer 404 and forbidden ones 403.
type SecretsStub struct {
	srv *httptest.Server

	mu        sync.Mutex
	values    map[string]string
	forbidden map[string]bool
	down      bool
	resolves  []string
}

// NewSecretsStub starts an empty stub.
func NewSecretsStub() *SecretsStub {
	s := &SecretsStub{
		values:    make(map[string]string),
		forbidden: make(map[string]bool),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL is the stub's base URL.
func (s *SecretsStub) URL() string { return s.srv.URL }

// Close shuts the stub down.
func (s *SecretsStub) Close() { s.srv.Close() }

// Set stores a resolvable reference.
func (s *SecretsStub) Set(ref, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[ref] = value
}

// Forbid makes a reference answer 403.
func (s *SecretsStub) Forbid(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forbidden[ref] = true
}

// SetDown makes the store answer 503 until called with false.
func (s *SecretsStub) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Resolves returns every reference resolved so far, in order.
func (s *SecretsStub) Resolves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resolves...)
}

func (s *SecretsStub) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	down := s.down
	forbidden := s.forbidden[req.Ref]
	value, ok := s.values[req.Ref]
	if !down && !forbidden && ok {
		s.resolves = append(s.resolves, req.Ref)
	}
	s.mu.Unlock()

	switch {
	case down:
		w.WriteHeader(http.StatusServiceUnavailable)
	case forbidden:
		w.WriteHeader(http.StatusForbidden)
	case !ok:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"kind":  "token",
			"value": value,
		})
	}
}
