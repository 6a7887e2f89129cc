package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/internal/fault"
)

func TestNewTokenIsOpaqueAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		assert.Len(t, tok, 48)
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}

func TestMatch(t *testing.T) {
	tok := NewToken()
	assert.True(t, Match(tok, tok))
	assert.False(t, Match(tok, NewToken()))
	assert.False(t, Match("", ""), "empty tokens never match")
	assert.False(t, Match(tok, ""))
}

func TestAuthorize(t *testing.T) {
	bindings := map[string]string{"gpt": "tok-1", "claude": "tok-2"}

	assert.NoError(t, Authorize(bindings, "gpt", "tok-1"))

	err := Authorize(bindings, "gpt", "tok-2")
	require.Error(t, err, "token for a different model must not authorize")
	assert.True(t, fault.Is(err, fault.Auth))

	err = Authorize(bindings, "unknown", "tok-1")
	assert.True(t, fault.Is(err, fault.Auth))
}

func TestProbeTokenSingleUse(t *testing.T) {
	probes := NewProbeTokens(time.Minute)
	tok := probes.Issue()

	require.NoError(t, probes.Consume(tok))
	err := probes.Consume(tok)
	require.Error(t, err, "second consume must fail")
	assert.True(t, fault.Is(err, fault.Auth))
}

func TestProbeTokenExpiry(t *testing.T) {
	probes := NewProbeTokens(-time.Second) // already expired
	tok := probes.Issue()
	err := probes.Consume(tok)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Auth))
}

func TestProbeUnknownToken(t *testing.T) {
	probes := NewProbeTokens(time.Minute)
	assert.Error(t, probes.Consume("bogus"))
}
