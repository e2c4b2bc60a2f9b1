package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagee/engine/pkg/masking"
)

// Sentinel errors mapping onto the step failure taxonomy. NotFound and
// Forbidden fail the step permanently; Unavailable is retried per policy.
var (
	ErrNotFound    = errors.New("secret not found")
	ErrForbidden   = errors.New("secret access forbidden")
	ErrUnavailable = errors.New("secret store unavailable")
)

// Secret is a just-in-time resolved secret value. The cleartext is
// reachable only through Reveal; every other rendering (fmt verbs, JSON
// encoding, string conversion) emits the mask token, so a Secret that
// strays into a log line or payload redacts itself.
type Secret struct {
	ref   string
	kind  string
	value string
}

// NewSecret wraps a resolved cleartext value. Kind defaults to "secret".
func NewSecret(ref, kind, value string) Secret {
	if kind == "" {
		kind = "secret"
	}
	return Secret{ref: ref, kind: kind, value: value}
}

// Ref returns the reference the secret was resolved from.
func (s Secret) Ref() string { return s.ref }

// Kind returns the secret's kind, used in its mask token.
func (s Secret) Kind() string { return s.kind }

// Reveal returns the cleartext. Callers hand the result to adapters and
// nothing else; the value must never reach a sink that outlives the step.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string   { return masking.Token(s.kind) }
func (s Secret) GoString() string { return masking.Token(s.kind) }

// MarshalJSON encodes the mask token, never the value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", masking.Token(s.kind))), nil
}

// ResolveRequest identifies one secret resolution for auditing on the
// store side.
type ResolveRequest struct {
	Ref         string
	ActorID     string
	ExecutionID string
	StepID      string
	Purpose     string
}

// Store is the engine's view of the external secret store.
type Store interface {
	Resolve(ctx context.Context, req ResolveRequest) (Secret, error)
}

// Bundle holds the secrets resolved for one step. Creating a bundle
// registers every cleartext with the masker; Close unregisters them, so a
// value is only matched by the redaction pass while its step is in flight.
type Bundle struct {
	secrets map[string]Secret
	cleanup []func()
}

// ResolveAll resolves every reference for a step and registers the values
// with the masker. On any failure the partial bundle is closed and the
// first error is returned.
func ResolveAll(ctx context.Context, store Store, masker *masking.Masker, refs []string, req ResolveRequest) (*Bundle, error) {
	b := &Bundle{secrets: make(map[string]Secret, len(refs))}
	for _, ref := range refs {
		r := req
		r.Ref = ref
		sec, err := store.Resolve(ctx, r)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		b.secrets[ref] = sec
		if masker != nil {
			b.cleanup = append(b.cleanup, masker.AddSecret(sec.Reveal(), sec.Kind()))
		}
	}
	return b, nil
}

// Get returns the secret resolved for ref.
func (b *Bundle) Get(ref string) (Secret, bool) {
	s, ok := b.secrets[ref]
	return s, ok
}

// Len reports how many secrets the bundle holds.
func (b *Bundle) Len() int { return len(b.secrets) }

// Values returns cleartext keyed by reference, the shape adapter requests
// carry. The map is freshly allocated; callers must not retain it past the
// adapter call.
func (b *Bundle) Values() map[string]string {
	out := make(map[string]string, len(b.secrets))
	for ref, s := range b.secrets {
		out[ref] = s.Reveal()
	}
	return out
}

// Close drops the bundle's masker registrations and its cleartext. Safe to
// call more than once.
func (b *Bundle) Close() {
	for _, fn := range b.cleanup {
		fn()
	}
	b.cleanup = nil
	b.secrets = make(map[string]Secret)
}
