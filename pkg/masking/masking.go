package masking

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/stagee/engine/pkg/metrics"
)

// Token returns the replacement marker for a masked value of the given kind.
// The guillemet delimiters keep markers out of the character classes used by
// the detection patterns, so masking is idempotent.
func Token(kind string) string {
	return "«REDACTED:" + kind + "»"
}

// pattern couples a credential detector with the replacement it emits.
// Replacements may reference capture groups to preserve non-sensitive
// context (key names, URL schemes).
type pattern struct {
	kind        string
	re          *regexp.Regexp
	replacement string
}

var patterns = []pattern{
	// PEM-armored key material, including JSON-escaped newlines.
	{
		kind:        "pem",
		re:          regexp.MustCompile(`-----BEGIN [A-Z0-9 ]+-----(?s:.*?)-----END [A-Z0-9 ]+-----`),
		replacement: Token("pem"),
	},
	// Authorization header schemes carrying an opaque credential.
	{
		kind:        "authorization",
		re:          regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9+/._=-]{8,}`),
		replacement: Token("authorization"),
	},
	// Compact JWS/JWT: three base64url segments, first decoding to '{"'.
	{
		kind:        "jwt",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]+`),
		replacement: Token("jwt"),
	},
	// Credentials embedded in URL userinfo. The username survives, the
	// password never does.
	{
		kind:        "url-credential",
		re:          regexp.MustCompile(`\b([a-z][a-z0-9+.-]*://[^/\s:@]+):([^@/\s]+)@`),
		replacement: "${1}:" + Token("url-credential") + "@",
	},
	// Credential-like keys in key=value or key: value form, quoted or not.
	{
		kind:        "credential",
		re:          regexp.MustCompile(`(?i)("?(?:password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential)s?"?\s*[:=]\s*)("[^"]*"|[^\s,;&"]+)`),
		replacement: "${1}" + Token("credential"),
	},
}

// Masker rewrites credential material out of strings before they reach
// logs, persisted events, or step artifacts. Detection combines the static
// patterns above with literal secret values registered for the lifetime of
// a step.
type Masker struct {
	mu       sync.RWMutex
	literals map[string]string // value -> kind
}

// NewMasker creates a masker with the static pattern set and no
// registered literals.
func NewMasker() *Masker {
	return &Masker{
		literals: make(map[string]string),
	}
}

// AddSecret registers a literal value so every occurrence is replaced with
// the kind's token. The returned function removes the registration; callers
// defer it so a secret is only matched while the step that resolved it is
// in flight. Values shorter than 4 bytes are ignored: masking them would
// shred ordinary output.
func (m *Masker) AddSecret(value, kind string) func() {
	if len(value) < 4 {
		return func() {}
	}
	if kind == "" {
		kind = "secret"
	}

	m.mu.Lock()
	m.literals[value] = kind
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.literals, value)
		m.mu.Unlock()
	}
}

// MaskString returns s with all registered literals and pattern matches
// replaced by their tokens. Literals are replaced longest-first so a secret
// that contains another secret cannot leave a fragment behind.
func (m *Masker) MaskString(s string) string {
	if s == "" {
		return s
	}
	in := s

	m.mu.RLock()
	if len(m.literals) > 0 {
		values := make([]string, 0, len(m.literals))
		for v := range m.literals {
			values = append(values, v)
		}
		sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
		for _, v := range values {
			s = strings.ReplaceAll(s, v, Token(m.literals[v]))
		}
	}
	m.mu.RUnlock()

	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	if s != in {
		metrics.MaskHitsTotal.Inc()
	}
	return s
}

// MaskBytes is MaskString for byte slices. The input is never modified.
func (m *Masker) MaskBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(m.MaskString(string(b)))
}

// MaskPayload masks every value of a string map in place and returns it.
// Keys that name credentials get their value replaced outright, whatever
// it looks like.
func (m *Masker) MaskPayload(payload map[string]string) map[string]string {
	for k, v := range payload {
		if sensitiveKey(k) {
			payload[k] = Token("credential")
			continue
		}
		payload[k] = m.MaskString(v)
	}
	return payload
}

// MaskValue walks an arbitrary decoded-JSON shape (maps, slices, strings)
// and masks every string it finds. Map entries under credential-like keys
// are replaced wholesale. Non-string scalars pass through untouched.
func (m *Masker) MaskValue(v any) any {
	switch val := v.(type) {
	case string:
		return m.MaskString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				out[k] = Token("credential")
				continue
			}
			out[k] = m.MaskValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = m.MaskValue(inner)
		}
		return out
	default:
		return v
	}
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credential)s?$`)

func sensitiveKey(k string) bool {
	return sensitiveKeyRe.MatchString(k)
}

// Describe reports how many literals are currently registered. Used by
// readiness output and tests; never the values themselves.
func (m *Masker) Describe() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("%d registered literals, %d patterns", len(m.literals), len(patterns))
}
