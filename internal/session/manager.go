// Package session owns the review-session lifecycle: the state machine, the
// scheduler driving reviewer subprocesses, deliberation turns, and the
// fix/verify loop. All external state transitions for a session are
// serialized by a per-session mutex; read-only queries work on snapshots.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/config"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/gitdiff"
	"github.com/tony-jang/ai-review/internal/identity"
	"github.com/tony-jang/ai-review/internal/knowledge"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/internal/store"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Scheduler is the runner surface the manager drives. The production
// implementation is runner.Runner; tests substitute a stub.
type Scheduler interface {
	Launch(ctx context.Context, spec runner.LaunchSpec, onExit func(runner.Result)) error
	Stop(sessionID, modelID string)
	StopSession(sessionID string)
	Running(sessionID, modelID string) bool
	RunningCount(sessionID string) int
	Runtime(sessionID, modelID string) (runner.Runtime, bool)
	RecordActivity(sessionID, modelID, action, target string) bool
}

// entry pairs a session with its lock and token bindings.
type entry struct {
	mu     sync.Mutex
	sess   *models.Session
	tokens store.Tokens
}

// Manager coordinates all sessions in the process.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	bus    *events.Bus
	runner Scheduler
	reader *gitdiff.Reader

	mu      sync.Mutex
	entries map[string]*entry
	current string

	presetsMu sync.Mutex
	presets   map[string]models.AgentConfig
}

// NewManager builds a manager and restores persisted state from the store.
func NewManager(cfg *config.Config, st *store.Store, bus *events.Bus, run Scheduler, reader *gitdiff.Reader) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		bus:     bus,
		runner:  run,
		reader:  reader,
		entries: make(map[string]*entry),
		presets: make(map[string]models.AgentConfig),
	}
	if err := m.restore(); err != nil {
		return nil, err
	}
	m.ensureDefaultPresets()
	return m, nil
}

// restore loads persisted sessions and applies restart recovery: agents left
// reviewing are failed, and non-terminal sessions fall back to a phase that
// can make progress without live runners.
func (m *Manager) restore() error {
	ids, err := m.store.ListSessionIDs()
	if err != nil {
		return err
	}
	for _, sid := range ids {
		sess, err := m.store.LoadSession(sid)
		if err != nil {
			log.Warn().Str("session_id", sid).Err(err).Msg("skipping unreadable session")
			continue
		}
		sess.Issues, err = m.store.LoadIssues(sid)
		if err != nil {
			return err
		}
		sess.Reviews, err = m.store.LoadReviews(sid)
		if err != nil {
			return err
		}
		tokens, err := m.store.LoadTokens(sid)
		if err != nil {
			return err
		}

		if sess.AgentStates == nil {
			sess.AgentStates = make(map[string]*models.AgentState)
		}

		now := time.Now()
		for _, state := range sess.AgentStates {
			if state.Status == models.AgentReviewing {
				state.Status = models.AgentFailed
				state.LastReason = "interrupted: server restarted"
				state.UpdatedAt = &now
				if state.SubmittedAt == nil {
					state.SubmittedAt = &now
				}
			}
		}
		switch sess.Phase {
		case models.PhaseCollecting, models.PhaseReviewing, models.PhaseDedup:
			if len(sess.Reviews) > 0 || len(sess.Issues) > 0 {
				sess.Phase = models.PhaseDeliberating
			} else {
				sess.Phase = models.PhaseReviewing
			}
		case models.PhaseDeliberating, models.PhaseFixing, models.PhaseVerifying, models.PhaseComplete, models.PhaseIdle:
			// Keep as-is: these phases do not depend on live runners.
		}
		if err := m.store.SaveSession(sess); err != nil {
			return err
		}
		m.entries[sid] = &entry{sess: sess, tokens: tokens}
		log.Info().Str("session_id", sid).Str("phase", string(sess.Phase)).Msg("session restored")
	}

	presets, err := m.store.LoadPresets()
	if err != nil {
		return err
	}
	for _, p := range presets {
		m.presets[p.ID] = p
	}
	return nil
}

func (m *Manager) entryOf(sid string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sid]
	if !ok {
		return nil, fault.New(fault.NotFound, "session not found: %s", sid)
	}
	return e, nil
}

// FindIssue locates the session that owns an issue ID.
func (m *Manager) FindIssue(issueID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, e := range m.entries {
		if e.sess.IssueByID(issueID) != nil {
			return sid, nil
		}
	}
	return "", fault.New(fault.NotFound, "issue not found: %s", issueID)
}

// persist writes the session record; issue and review writes happen at their
// mutation sites. Called with the entry lock held.
func (m *Manager) persist(e *entry) {
	e.sess.UpdatedAt = time.Now()
	if err := m.store.SaveSession(e.sess); err != nil {
		log.Error().Str("session_id", e.sess.ID).Err(err).Msg("persist session failed")
	}
}

func (m *Manager) persistIssue(e *entry, issue *models.Issue) {
	issue.UpdatedAt = time.Now()
	if err := m.store.SaveIssue(e.sess.ID, issue); err != nil {
		log.Error().Str("session_id", e.sess.ID).Str("issue_id", issue.ID).Err(err).Msg("persist issue failed")
	}
}

func (m *Manager) persistReviews(e *entry) {
	if err := m.store.SaveReviews(e.sess.ID, e.sess.Reviews); err != nil {
		log.Error().Str("session_id", e.sess.ID).Err(err).Msg("persist reviews failed")
	}
}

// CreateRequest is the payload for creating a session.
type CreateRequest struct {
	RepoPath              string
	Base                  string
	Head                  string
	PresetIDs             []string
	ImplementationContext *models.ImplementationContext
}

// Create registers a new idle session with its reviewer roster and tokens.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	if req.RepoPath == "" {
		return nil, fault.New(fault.Validation, "repo_path is required")
	}
	if req.Base == "" || req.Head == "" {
		return nil, fault.New(fault.Validation, "base and head are required")
	}
	info, err := m.reader.Validate(ctx, req.RepoPath)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &models.Session{
		ID:                 models.NewID(),
		RepoPath:           info.Root,
		Base:               req.Base,
		Head:               req.Head,
		Phase:              models.PhaseIdle,
		CreatedAt:          now,
		UpdatedAt:          now,
		AgentStates:        make(map[string]*models.AgentState),
		MaxTurns:           m.cfg.MaxTurns,
		ConsensusThreshold: m.cfg.ConsensusThreshold,
		NextDisplayNumber:  1,
	}
	if req.ImplementationContext != nil {
		ic := *req.ImplementationContext
		ic.SubmittedAt = now
		sess.ImplementationContext = &ic
	}

	// Roster resolution: explicit presets win, then repo config, then all
	// enabled process presets.
	repoCfg, err := knowledge.LoadConfig(info.Root)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable .ai-review/config.yaml")
	}
	if repoCfg.MaxTurns > 0 {
		sess.MaxTurns = repoCfg.MaxTurns
	}
	if repoCfg.ConsensusThreshold > 0 {
		sess.ConsensusThreshold = repoCfg.ConsensusThreshold
	}

	switch {
	case len(req.PresetIDs) > 0:
		m.presetsMu.Lock()
		var missing []string
		for _, pid := range req.PresetIDs {
			preset, ok := m.presets[pid]
			if !ok {
				missing = append(missing, pid)
				continue
			}
			sess.Agents = append(sess.Agents, preset)
		}
		m.presetsMu.Unlock()
		if len(missing) > 0 {
			return nil, fault.New(fault.Validation, "unknown preset ids").With("missing", missing)
		}
	case len(repoCfg.Models) > 0:
		sess.Agents = repoCfg.Models
	default:
		m.presetsMu.Lock()
		var ids []string
		for id := range m.presets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if p := m.presets[id]; p.Enabled {
				sess.Agents = append(sess.Agents, p)
			}
		}
		m.presetsMu.Unlock()
	}
	for i := range sess.Agents {
		if sess.Agents[i].Strictness == "" {
			sess.Agents[i].Strictness = models.StrictnessBalanced
		}
	}

	tokens := store.Tokens{Agents: make(map[string]string)}
	for _, agent := range sess.Agents {
		tokens.Agents[agent.ID] = identity.NewToken()
		sess.AgentStates[agent.ID] = &models.AgentState{
			ModelID:  agent.ID,
			Status:   models.AgentIdle,
			TaskType: models.TaskReview,
		}
	}

	e := &entry{sess: sess, tokens: tokens}
	m.mu.Lock()
	m.entries[sess.ID] = e
	m.current = sess.ID
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.store.SaveTokens(sess.ID, tokens); err != nil {
		return nil, err
	}
	m.persist(e)
	log.Info().Str("session_id", sess.ID).Int("agents", len(sess.Agents)).Msg("session created")
	return sess, nil
}

// Activate binds the "current" session alias.
func (m *Manager) Activate(sid string) error {
	if _, err := m.entryOf(sid); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = sid
	m.mu.Unlock()
	return nil
}

// CurrentSessionID returns the active session alias, if any.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Delete stops all runners of a session and removes its state.
func (m *Manager) Delete(sid string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	m.runner.StopSession(sid)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.store.DeleteSession(sid); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, sid)
	if m.current == sid {
		m.current = ""
	}
	m.mu.Unlock()
	m.bus.DropSession(sid)
	log.Info().Str("session_id", sid).Msg("session deleted")
	return nil
}

// List summarizes all sessions, newest first.
func (m *Manager) List() []map[string]any {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sess.CreatedAt.After(entries[j].sess.CreatedAt)
	})
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sess := e.sess
		out = append(out, map[string]any{
			"session_id":    sess.ID,
			"phase":         sess.Phase,
			"base":          sess.Base,
			"head":          sess.Head,
			"repo_path":     sess.RepoPath,
			"review_count":  len(sess.Reviews),
			"issue_count":   len(sess.Issues),
			"files_changed": len(sess.Diff),
			"created_at":    sess.CreatedAt,
		})
		e.mu.Unlock()
	}
	return out
}

// AgentKey returns (minting if needed) the access token for one agent.
func (m *Manager) AgentKey(sid, modelID string) (string, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.AgentByID(modelID) == nil {
		return "", fault.New(fault.NotFound, "agent not found: %s", modelID)
	}
	tok, ok := e.tokens.Agents[modelID]
	if !ok {
		tok = identity.NewToken()
		e.tokens.Agents[modelID] = tok
		if err := m.store.SaveTokens(sid, e.tokens); err != nil {
			return "", err
		}
	}
	return tok, nil
}

// HumanAssistKey rotates and returns the human-assist token.
func (m *Manager) HumanAssistKey(sid string) (string, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens.HumanAssist = identity.NewToken()
	if err := m.store.SaveTokens(sid, e.tokens); err != nil {
		return "", err
	}
	return e.tokens.HumanAssist, nil
}

// Authorize validates an inbound agent key against the claimed model ID.
func (m *Manager) Authorize(sid, modelID, key string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return identity.Authorize(e.tokens.Agents, modelID, key)
}

// AuthorizeAssist validates the human-assist token.
func (m *Manager) AuthorizeAssist(sid, key string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !identity.Match(e.tokens.HumanAssist, key) {
		return fault.New(fault.Auth, "invalid assist access key")
	}
	return nil
}

// ResolveModelID reverse-looks-up the model bound to an agent key.
func (m *Manager) ResolveModelID(sid, key string) (string, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for modelID, tok := range e.tokens.Agents {
		if identity.Match(tok, key) {
			return modelID, nil
		}
	}
	return "", fault.New(fault.Auth, "unknown access key")
}
