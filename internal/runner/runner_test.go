package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/pkg/models"
)

func TestRingBufferShortWrites(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte("hello"))
	assert.Equal(t, "hello", rb.String())
	assert.Equal(t, 5, rb.Len())
}

func TestRingBufferKeepsTail(t *testing.T) {
	rb := NewRingBuffer(8)
	rb.Write([]byte("abcdefgh"))
	rb.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", rb.String())
	assert.Equal(t, 8, rb.Len())
}

func TestRingBufferOversizeWrite(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write([]byte("0123456789"))
	assert.Equal(t, "6789", rb.String())
}

func TestRingBufferManySmallWrites(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 100; i++ {
		rb.Write([]byte{byte('a' + i%26)})
	}
	out := rb.String()
	assert.Len(t, out, 10)
	assert.True(t, strings.HasSuffix(out, string(byte('a'+99%26))))
}

func TestBuildCommandClaudeCode(t *testing.T) {
	name, args, err := BuildCommand(LaunchSpec{
		Agent:  models.AgentConfig{ID: "a", ClientKind: models.ClientClaudeCode, Model: "opus"},
		Prompt: "review this",
	})
	require.NoError(t, err)
	assert.Equal(t, "claude", name)
	assert.Contains(t, args, "--print")
	assert.Contains(t, args, "opus")
	assert.Equal(t, "review this", args[len(args)-1])
}

func TestBuildCommandCodex(t *testing.T) {
	name, args, err := BuildCommand(LaunchSpec{
		Agent:  models.AgentConfig{ID: "a", ClientKind: models.ClientCodex},
		Prompt: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "codex", name)
	assert.Contains(t, args, "--json")
	assert.Contains(t, args, "--full-auto")
}

func TestBuildCommandGemini(t *testing.T) {
	name, args, err := BuildCommand(LaunchSpec{
		Agent:  models.AgentConfig{ID: "a", ClientKind: models.ClientGemini},
		Prompt: "p",
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini", name)
	assert.Contains(t, args, "yolo")
}

func TestBuildCommandUnknownKind(t *testing.T) {
	_, _, err := BuildCommand(LaunchSpec{
		Agent: models.AgentConfig{ID: "a", ClientKind: "mystery"},
	})
	assert.Error(t, err)
}

func TestLaunchSpecEnv(t *testing.T) {
	spec := LaunchSpec{
		SessionID: "s1",
		Agent:     models.AgentConfig{ID: "gpt"},
		APIBase:   "http://localhost:3000",
		AgentKey:  "tok",
	}
	env := spec.env()
	assert.Contains(t, env, "ARV_BASE=http://localhost:3000")
	assert.Contains(t, env, "ARV_MODEL=gpt")
	assert.Contains(t, env, "ARV_SESSION=s1")
	assert.Contains(t, env, "ARV_KEY=tok")
}

func TestActivityBufferBoundedDropOldest(t *testing.T) {
	buf := newActivityBuffer(50)
	base := time.Now()
	for i := 0; i < 60; i++ {
		added := buf.Add(models.AgentActivity{
			ModelID:   "a",
			Action:    "read",
			Target:    strings.Repeat("x", i+1), // unique targets defeat dedup
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		assert.True(t, added)
	}
	snapshot := buf.Snapshot()
	require.Len(t, snapshot, 50)
	assert.Equal(t, strings.Repeat("x", 60), snapshot[len(snapshot)-1].Target)
	assert.Equal(t, strings.Repeat("x", 11), snapshot[0].Target, "oldest ten dropped")
}

func TestActivityBufferSuppressesDuplicates(t *testing.T) {
	buf := newActivityBuffer(50)
	base := time.Now()
	require.True(t, buf.Add(models.AgentActivity{ModelID: "a", Action: "read", Target: "f.go", Timestamp: base}))
	assert.False(t, buf.Add(models.AgentActivity{ModelID: "a", Action: "read", Target: "f.go", Timestamp: base.Add(time.Second)}))
	assert.True(t, buf.Add(models.AgentActivity{ModelID: "a", Action: "read", Target: "f.go", Timestamp: base.Add(15 * time.Second)}),
		"same pair after the window is a fresh activity")
}
