package cancel

import (
	"sync"
	"time"
)

// Token is the process-local cancellation flag for one execution. Workers
// poll Tripped at suspension points and select on Done during blocking
// waits. A token trips once and stays tripped.
type Token struct {
	mu        sync.Mutex
	done      chan struct{}
	tripped   bool
	reason    string
	trippedAt time.Time
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Done returns a channel that is closed when the token trips.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Tripped reports whether cancellation has been requested.
func (t *Token) Tripped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped
}

// Reason returns why the token tripped; empty until then.
func (t *Token) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// trip marks the token cancelled. Only the first call records the reason.
func (t *Token) trip(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tripped {
		return
	}
	t.tripped = true
	t.reason = reason
	t.trippedAt = time.Now()
	close(t.done)
}

// Registry hands out cancellation tokens keyed by execution ID. Any
// component holding the registry can trip a token; the worker driving the
// execution observes it at its next suspension point. Tokens are process
// local: each engine instance polls the store's cancel flag and trips its
// own copy.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register returns the execution's token, creating it on first use.
func (r *Registry) Register(executionID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[executionID]
	if !ok {
		tok = newToken()
		r.tokens[executionID] = tok
	}
	return tok
}

// Lookup returns the execution's token if one is registered.
func (r *Registry) Lookup(executionID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[executionID]
	return tok, ok
}

// Cancel trips the execution's token, creating it if needed so a cancel
// racing registration still lands. Idempotent.
func (r *Registry) Cancel(executionID, reason string) {
	r.Register(executionID).trip(reason)
}

// Release drops the token after its execution reaches a terminal state.
// A released token stays usable by holders; it is simply no longer
// reachable through the registry.
func (r *Registry) Release(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, executionID)
}

// Len reports how many executions currently hold tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
