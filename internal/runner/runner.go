// Package runner launches and supervises reviewer subprocesses. A launch that
// starts a run produces at most one subprocess and exactly one terminal
// outcome; a launch for an agent whose run is still in flight starts nothing. The
// runner never interprets reviewer output beyond activity extraction — all
// semantic submission flows through the session API.
package runner

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Outcome is a launch's terminal state.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"  // process exited zero
	OutcomeFailed    Outcome = "failed"    // nonzero exit, launch error, or deadline
	OutcomeCancelled Outcome = "cancelled" // Stop was requested
)

// Result describes how one reviewer run ended.
type Result struct {
	Outcome  Outcome
	Reason   string
	ExitCode int
	Duration time.Duration
}

// Runtime is a snapshot of a run's retained output.
type Runtime struct {
	Running    bool                   `json:"running"`
	Stdout     string                 `json:"stdout"`
	Stderr     string                 `json:"stderr"`
	Activities []models.AgentActivity `json:"activities"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
}

// Options tunes runner behavior.
type Options struct {
	Deadline        time.Duration
	StopGrace       time.Duration
	MaxProcesses    int64
	RingBufferBytes int
	ActivityLimit   int
}

type proc struct {
	spec       LaunchSpec
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	cancelled  bool
	stdout     *RingBuffer
	stderr     *RingBuffer
	activities *activityBuffer
	startedAt  time.Time
	mu         sync.Mutex
}

// Runner supervises reviewer subprocesses across sessions.
type Runner struct {
	opts Options
	bus  *events.Bus
	sem  *semaphore.Weighted

	mu    sync.Mutex
	procs map[string]*proc // session_id + "/" + model_id
	// terminated runs keep their buffers for the runtime query
	finished map[string]*proc
}

// New creates a runner publishing activity to bus.
func New(opts Options, bus *events.Bus) *Runner {
	if opts.Deadline <= 0 {
		opts.Deadline = 20 * time.Minute
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 8
	}
	if opts.ActivityLimit < 50 {
		opts.ActivityLimit = 50
	}
	return &Runner{
		opts:     opts,
		bus:      bus,
		sem:      semaphore.NewWeighted(opts.MaxProcesses),
		procs:    make(map[string]*proc),
		finished: make(map[string]*proc),
	}
}

func key(sessionID, modelID string) string { return sessionID + "/" + modelID }

// Launch starts one reviewer subprocess and invokes onExit exactly once when
// it reaches a terminal outcome. Launch itself never blocks on the process.
// If a run for the same session and agent is already in flight, Launch starts
// nothing, returns nil and never calls onExit.
func (r *Runner) Launch(ctx context.Context, spec LaunchSpec, onExit func(Result)) error {
	name, args, err := BuildCommand(spec)
	if err != nil {
		return err
	}

	k := key(spec.SessionID, spec.Agent.ID)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &proc{
		spec:       spec,
		cancel:     cancel,
		stdout:     NewRingBuffer(r.opts.RingBufferBytes),
		stderr:     NewRingBuffer(r.opts.RingBufferBytes),
		activities: newActivityBuffer(r.opts.ActivityLimit),
		startedAt:  time.Now(),
	}

	r.mu.Lock()
	if _, exists := r.procs[k]; exists {
		r.mu.Unlock()
		cancel()
		return nil // a run for this agent is already in flight
	}
	r.procs[k] = p
	r.mu.Unlock()

	go r.run(runCtx, k, p, name, args, onExit)
	return nil
}

func (r *Runner) run(ctx context.Context, k string, p *proc, name string, args []string, onExit func(Result)) {
	defer p.cancel()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.finish(k, p, Result{Outcome: OutcomeCancelled, Reason: "cancelled before start"}, onExit)
		return
	}
	defer r.sem.Release(1)

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, r.opts.Deadline)
	defer cancelDeadline()

	cmd := exec.CommandContext(deadlineCtx, name, args...)
	cmd.Dir = p.spec.WorkDir
	cmd.Env = append(os.Environ(), p.spec.env()...)
	cmd.Stderr = p.stderr
	// Reviewer CLIs fork helpers; a process group lets Stop reap the tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.opts.StopGrace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		r.finish(k, p, Result{Outcome: OutcomeFailed, Reason: "stdout pipe: " + err.Error()}, onExit)
		return
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		reason := "launch failed: " + err.Error()
		if _, ok := err.(*exec.Error); ok {
			reason = name + " CLI not found"
		}
		r.finish(k, p, Result{Outcome: OutcomeFailed, Reason: reason}, onExit)
		return
	}

	log.Info().
		Str("session_id", p.spec.SessionID).
		Str("model_id", p.spec.Agent.ID).
		Str("client", name).
		Int("pid", cmd.Process.Pid).
		Msg("reviewer subprocess started")

	// Stream stdout through the activity scanner into the ring buffer.
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.stdout.Write(append(line, '\n'))
		r.scanActivity(p, line)
	}

	waitErr := cmd.Wait()
	duration := time.Since(p.startedAt)

	result := Result{Duration: duration}
	switch {
	case p.wasCancelled():
		result.Outcome = OutcomeCancelled
		result.Reason = "stopped"
	case deadlineCtx.Err() == context.DeadlineExceeded:
		result.Outcome = OutcomeFailed
		result.Reason = "deadline exceeded"
		result.ExitCode = -1
	case waitErr != nil:
		result.Outcome = OutcomeFailed
		result.Reason = "exited with error: " + waitErr.Error()
		if ee, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = ee.ExitCode()
			result.Reason = "nonzero exit"
		}
	default:
		result.Outcome = OutcomeFinished
	}
	r.finish(k, p, result, onExit)
}

func (p *proc) wasCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (r *Runner) finish(k string, p *proc, result Result, onExit func(Result)) {
	r.mu.Lock()
	delete(r.procs, k)
	r.finished[k] = p
	r.mu.Unlock()

	log.Info().
		Str("session_id", p.spec.SessionID).
		Str("model_id", p.spec.Agent.ID).
		Str("outcome", string(result.Outcome)).
		Str("reason", result.Reason).
		Dur("duration", result.Duration).
		Msg("reviewer subprocess finished")

	if onExit != nil {
		onExit(result)
	}
}

// Stop cancels a running agent. SIGTERM goes to the process group; WaitDelay
// escalates to SIGKILL after the grace period.
func (r *Runner) Stop(sessionID, modelID string) {
	r.mu.Lock()
	p := r.procs[key(sessionID, modelID)]
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

// StopSession cancels every running agent of a session.
func (r *Runner) StopSession(sessionID string) {
	r.mu.Lock()
	var toStop []*proc
	for _, p := range r.procs {
		if p.spec.SessionID == sessionID {
			toStop = append(toStop, p)
		}
	}
	r.mu.Unlock()
	for _, p := range toStop {
		p.mu.Lock()
		p.cancelled = true
		p.mu.Unlock()
		p.cancel()
	}
}

// Running reports whether an agent has a live subprocess.
func (r *Runner) Running(sessionID, modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[key(sessionID, modelID)]
	return ok
}

// RunningCount returns the number of live subprocesses for a session.
func (r *Runner) RunningCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if p.spec.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Runtime returns the retained output of an agent's latest run.
func (r *Runner) Runtime(sessionID, modelID string) (Runtime, bool) {
	k := key(sessionID, modelID)
	r.mu.Lock()
	p, running := r.procs[k]
	if p == nil {
		p = r.finished[k]
	}
	r.mu.Unlock()
	if p == nil {
		return Runtime{}, false
	}
	started := p.startedAt
	return Runtime{
		Running:    running,
		Stdout:     p.stdout.String(),
		Stderr:     p.stderr.String(),
		Activities: p.activities.Snapshot(),
		StartedAt:  &started,
	}, true
}

// scanActivity extracts activity events from structured reviewer output.
// Codex emits JSONL items; other engines surface activity through the API.
func (r *Runner) scanActivity(p *proc, line []byte) {
	if p.spec.Agent.ClientKind != models.ClientCodex {
		return
	}
	var event struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Command string `json:"command"`
		} `json:"item"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		return
	}
	if event.Type != "item.started" || event.Item.Type != "command_execution" || event.Item.Command == "" {
		return
	}
	activity := models.AgentActivity{
		ModelID:   p.spec.Agent.ID,
		Action:    "run",
		Target:    event.Item.Command,
		Timestamp: time.Now(),
	}
	if !p.activities.Add(activity) {
		return
	}
	r.bus.Publish(p.spec.SessionID, events.KindAgentActivity, map[string]any{
		"model_id": activity.ModelID,
		"action":   activity.Action,
		"target":   activity.Target,
	})
}

// RecordActivity records an externally-reported activity (file reads,
// searches) for an agent and publishes it. Duplicate (action, target) pairs
// within a short window are suppressed.
func (r *Runner) RecordActivity(sessionID, modelID, action, target string) bool {
	k := key(sessionID, modelID)
	r.mu.Lock()
	p := r.procs[k]
	if p == nil {
		p = r.finished[k]
	}
	r.mu.Unlock()
	if p == nil {
		return false
	}
	activity := models.AgentActivity{
		ModelID:   modelID,
		Action:    action,
		Target:    target,
		Timestamp: time.Now(),
	}
	if !p.activities.Add(activity) {
		return false
	}
	r.bus.Publish(sessionID, events.KindAgentActivity, map[string]any{
		"model_id": modelID,
		"action":   action,
		"target":   target,
	})
	return true
}

// activityBuffer retains the most recent activities, bounded, with
// short-window duplicate suppression.
type activityBuffer struct {
	mu     sync.Mutex
	items  []models.AgentActivity
	limit  int
	window time.Duration
}

func newActivityBuffer(limit int) *activityBuffer {
	return &activityBuffer{limit: limit, window: 10 * time.Second}
}

// Add appends an activity, dropping the oldest beyond the limit. Returns
// false when suppressed as a duplicate.
func (b *activityBuffer) Add(a models.AgentActivity) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.items) - 1; i >= 0; i-- {
		prev := b.items[i]
		if prev.Action == a.Action && prev.Target == a.Target {
			if a.Timestamp.Sub(prev.Timestamp) < b.window {
				return false
			}
			break
		}
	}
	b.items = append(b.items, a)
	if len(b.items) > b.limit {
		b.items = b.items[len(b.items)-b.limit:]
	}
	return true
}

// Snapshot returns a copy of the retained activities.
func (b *activityBuffer) Snapshot() []models.AgentActivity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.AgentActivity(nil), b.items...)
}
