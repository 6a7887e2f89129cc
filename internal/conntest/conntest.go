// Package conntest probes reviewer client liveness: it launches the chosen
// client with a one-shot token and a prompt telling it to call back, then
// waits for the callback or a timeout. Nothing here touches the session
// store.
package conntest

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/identity"
	"github.com/tony-jang/ai-review/internal/prompts"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Event is one frame of the streaming probe response.
type Event struct {
	Type   string `json:"type"` // started | trigger_done | result
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Tester runs connection probes.
type Tester struct {
	apiBase string
	timeout time.Duration
	probes  *identity.ProbeTokens

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// New creates a tester issuing callbacks under apiBase.
func New(apiBase string, timeout time.Duration) *Tester {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Tester{
		apiBase: apiBase,
		timeout: timeout,
		probes:  identity.NewProbeTokens(2 * timeout),
		waiters: make(map[string]chan struct{}),
	}
}

// Callback redeems a probe token. Returns false for unknown, expired, or
// already-used tokens.
func (t *Tester) Callback(token string) bool {
	if err := t.probes.Consume(token); err != nil {
		return false
	}
	t.mu.Lock()
	ch, ok := t.waiters[token]
	delete(t.waiters, token)
	t.mu.Unlock()
	if ok {
		close(ch)
	}
	return true
}

// Run launches one probe and streams events. The channel closes after the
// terminal result event.
func (t *Tester) Run(ctx context.Context, kind models.ClientKind, model string) <-chan Event {
	out := make(chan Event, 4)

	token := t.probes.Issue()
	called := make(chan struct{})
	t.mu.Lock()
	t.waiters[token] = called
	t.mu.Unlock()

	callbackURL := t.apiBase + "/api/agents/connection-test/callback/" + token
	prompt := prompts.BuildConnectionTest(callbackURL, token)

	spec := runner.LaunchSpec{
		Agent:  models.AgentConfig{ID: "connection-test", ClientKind: kind, Model: model},
		Prompt: prompt,
	}
	name, args, err := runner.BuildCommand(spec)
	if err != nil {
		out <- Event{Type: "result", Status: "error", Reason: err.Error()}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			delete(t.waiters, token)
			t.mu.Unlock()
		}()

		runCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		cmd := exec.CommandContext(runCtx, name, args...)
		if err := cmd.Start(); err != nil {
			out <- Event{Type: "result", Status: "error", Reason: "launch failed: " + err.Error()}
			return
		}
		out <- Event{Type: "started"}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-called:
			out <- Event{Type: "result", Status: "ok"}
			// The probe did its job; reap the process in the background.
			go func() { <-done }()
		case err := <-done:
			out <- Event{Type: "trigger_done"}
			// Process exited; give a short grace for an in-flight callback.
			select {
			case <-called:
				out <- Event{Type: "result", Status: "ok"}
			case <-time.After(2 * time.Second):
				reason := "client exited without calling back"
				if err != nil {
					reason = "client failed: " + err.Error()
				}
				out <- Event{Type: "result", Status: "failed", Reason: reason}
			}
		case <-runCtx.Done():
			log.Warn().Str("client", string(kind)).Msg("connection test timed out")
			out <- Event{Type: "result", Status: "timeout", Reason: "no callback within deadline"}
			go func() { <-done }()
		}
	}()
	return out
}
