package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/internal/config"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/gitdiff"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/internal/store"
	"github.com/tony-jang/ai-review/pkg/models"
)

// stubScheduler records launches without spawning anything; tests drive
// terminal outcomes by hand through the manager's exit path.
type stubScheduler struct {
	mu       sync.Mutex
	launches []runner.LaunchSpec
}

func (s *stubScheduler) Launch(_ context.Context, spec runner.LaunchSpec, _ func(runner.Result)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launches = append(s.launches, spec)
	return nil
}

func (s *stubScheduler) Stop(string, string)         {}
func (s *stubScheduler) StopSession(string)          {}
func (s *stubScheduler) Running(string, string) bool { return false }
func (s *stubScheduler) RunningCount(string) int     { return 0 }
func (s *stubScheduler) Runtime(string, string) (runner.Runtime, bool) {
	return runner.Runtime{}, false
}
func (s *stubScheduler) RecordActivity(string, string, string, string) bool { return true }

func (s *stubScheduler) launchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.launches)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return cfg
}

// seedAgents is the default two-reviewer roster used across tests.
func seedAgents() []models.AgentConfig {
	return []models.AgentConfig{
		{ID: "A", ClientKind: models.ClientClaudeCode, Strictness: models.StrictnessStrict, Enabled: true},
		{ID: "B", ClientKind: models.ClientCodex, Strictness: models.StrictnessBalanced, Enabled: true},
	}
}

// seedSession writes a session fixture directly to the store so tests can
// restore it through NewManager without touching git.
func seedSession(t *testing.T, st *store.Store, phase models.Phase, agents []models.AgentConfig) *models.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &models.Session{
		ID:                 models.NewID(),
		RepoPath:           t.TempDir(),
		Base:               "main",
		Head:               "feature",
		Phase:              phase,
		CreatedAt:          now,
		UpdatedAt:          now,
		Agents:             agents,
		AgentStates:        make(map[string]*models.AgentState),
		Diff:               []models.DiffFile{{Path: "src/x.y", Status: "modified", Additions: 3, Deletions: 1}},
		MaxTurns:           3,
		ConsensusThreshold: 2.0,
		NextDisplayNumber:  1,
	}
	tokens := store.Tokens{Agents: map[string]string{}}
	for _, agent := range agents {
		sess.AgentStates[agent.ID] = &models.AgentState{
			ModelID:  agent.ID,
			Status:   models.AgentIdle,
			TaskType: models.TaskReview,
		}
		tokens.Agents[agent.ID] = "tok-" + agent.ID
	}
	require.NoError(t, st.SaveSession(sess))
	require.NoError(t, st.SaveTokens(sess.ID, tokens))
	return sess
}

// newTestManager restores a manager over the given store.
func newTestManager(t *testing.T, cfg *config.Config, st *store.Store) (*Manager, *stubScheduler, *events.Bus) {
	t.Helper()
	bus := events.NewBus(256, 8)
	sched := &stubScheduler{}
	m, err := NewManager(cfg, st, bus, sched, gitdiff.NewReader())
	require.NoError(t, err)
	return m, sched, bus
}

// setupReviewing seeds one reviewing-phase session and a manager over it.
func setupReviewing(t *testing.T, agents []models.AgentConfig) (*Manager, *stubScheduler, *events.Bus, string) {
	t.Helper()
	cfg := testConfig(t)
	st, err := store.New(cfg.DataDir)
	require.NoError(t, err)
	sess := seedSession(t, st, models.PhaseReviewing, agents)
	m, sched, bus := newTestManager(t, cfg, st)
	return m, sched, bus, sess.ID
}

func report(t *testing.T, m *Manager, sid, model, title, file string, line int, severity models.Severity) *models.Issue {
	t.Helper()
	issue, err := m.SubmitReport(sid, model, models.RawIssue{
		Title:       title,
		Severity:    severity,
		File:        file,
		Line:        &line,
		Description: "found during review",
	})
	require.NoError(t, err)
	return issue
}

func markAgentReviewing(t *testing.T, m *Manager, sid, modelID string) {
	t.Helper()
	e, err := m.entryOf(sid)
	require.NoError(t, err)
	e.mu.Lock()
	e.sess.AgentStates[modelID].Status = models.AgentReviewing
	e.mu.Unlock()
}

func sessionPhase(t *testing.T, m *Manager, sid string) models.Phase {
	t.Helper()
	e, err := m.entryOf(sid)
	require.NoError(t, err)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Phase
}
