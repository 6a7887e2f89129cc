// Package identity mints and checks per-session access tokens for agents,
// the human-assist mediator, and one-shot connection tests.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/tony-jang/ai-review/internal/fault"
)

// NewToken returns an opaque random token. Tokens are never derivable from
// model IDs.
func NewToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot mint identities at all.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Match compares tokens in constant time.
func Match(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// Authorize checks an inbound token against the binding for the claimed
// model ID.
func Authorize(bindings map[string]string, modelID, token string) error {
	if !Match(bindings[modelID], token) {
		return fault.New(fault.Auth, "access key does not match model %q", modelID)
	}
	return nil
}

// ProbeTokens tracks short-lived single-use connection-test tokens.
type ProbeTokens struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	ttl    time.Duration
}

// NewProbeTokens creates a probe token registry with the given lifetime.
func NewProbeTokens(ttl time.Duration) *ProbeTokens {
	return &ProbeTokens{tokens: make(map[string]time.Time), ttl: ttl}
}

// Issue mints a single-use probe token.
func (p *ProbeTokens) Issue() string {
	token := NewToken()
	p.mu.Lock()
	p.tokens[token] = time.Now().Add(p.ttl)
	p.mu.Unlock()
	return token
}

// Consume redeems a probe token. A token can be consumed once; expired or
// unknown tokens fail.
func (p *ProbeTokens) Consume(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline, ok := p.tokens[token]
	if !ok {
		return fault.New(fault.Auth, "unknown connection-test token")
	}
	delete(p.tokens, token)
	if time.Now().After(deadline) {
		return fault.New(fault.Auth, "connection-test token expired")
	}
	return nil
}
