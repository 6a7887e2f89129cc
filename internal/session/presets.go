package session

import (
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/identity"
	"github.com/tony-jang/ai-review/internal/watcher"
	"github.com/tony-jang/ai-review/pkg/models"
)

// defaultPresets seeds the process on first run so a fresh install can
// start a review without any setup.
var defaultPresets = []models.AgentConfig{
	{ID: "preset-claude-code", ClientKind: models.ClientClaudeCode, Strictness: models.StrictnessBalanced, Color: "#8B5CF6", Enabled: true},
	{ID: "preset-codex", ClientKind: models.ClientCodex, Strictness: models.StrictnessBalanced, Color: "#22C55E", Enabled: true},
	{ID: "preset-gemini", ClientKind: models.ClientGemini, Strictness: models.StrictnessBalanced, Color: "#3B82F6", Enabled: true},
}

func (m *Manager) ensureDefaultPresets() {
	m.presetsMu.Lock()
	defer m.presetsMu.Unlock()
	if len(m.presets) > 0 {
		return
	}
	for _, p := range defaultPresets {
		m.presets[p.ID] = p
	}
	m.savePresetsLocked()
}

// savePresetsLocked persists presets sorted by ID. Called with presetsMu held.
func (m *Manager) savePresetsLocked() {
	out := make([]models.AgentConfig, 0, len(m.presets))
	for _, p := range m.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if err := m.store.SavePresets(out); err != nil {
		log.Error().Err(err).Msg("persist presets failed")
	}
}

// ListPresets returns presets sorted by ID.
func (m *Manager) ListPresets() []models.AgentConfig {
	m.presetsMu.Lock()
	defer m.presetsMu.Unlock()
	out := make([]models.AgentConfig, 0, len(m.presets))
	for _, p := range m.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddPreset registers a new preset.
func (m *Manager) AddPreset(p models.AgentConfig) error {
	if p.ID == "" {
		return fault.New(fault.Validation, "preset id is required")
	}
	if p.Strictness == "" {
		p.Strictness = models.StrictnessBalanced
	}
	if p.ClientKind == "" {
		p.ClientKind = models.ClientClaudeCode
	}
	m.presetsMu.Lock()
	defer m.presetsMu.Unlock()
	if _, exists := m.presets[p.ID]; exists {
		return fault.New(fault.Conflict, "preset already exists: %s", p.ID)
	}
	m.presets[p.ID] = p
	m.savePresetsLocked()
	return nil
}

// UpdatePreset replaces mutable fields of an existing preset.
func (m *Manager) UpdatePreset(id string, update models.AgentConfig) (models.AgentConfig, error) {
	m.presetsMu.Lock()
	defer m.presetsMu.Unlock()
	existing, ok := m.presets[id]
	if !ok {
		return models.AgentConfig{}, fault.New(fault.NotFound, "preset not found: %s", id)
	}
	update.ID = existing.ID // the ID is immutable
	if update.ClientKind == "" {
		update.ClientKind = existing.ClientKind
	}
	if update.Strictness == "" {
		update.Strictness = existing.Strictness
	}
	m.presets[id] = update
	m.savePresetsLocked()
	return update, nil
}

// RemovePreset deletes a preset.
func (m *Manager) RemovePreset(id string) error {
	m.presetsMu.Lock()
	defer m.presetsMu.Unlock()
	if _, ok := m.presets[id]; !ok {
		return fault.New(fault.NotFound, "preset not found: %s", id)
	}
	delete(m.presets, id)
	m.savePresetsLocked()
	return nil
}

// WatchPresets hot-reloads presets when the file changes outside the API.
func (m *Manager) WatchPresets() (*watcher.Watcher, error) {
	w, err := watcher.New(m.store.PresetsPath(), func() {
		presets, err := m.store.LoadPresets()
		if err != nil {
			log.Warn().Err(err).Msg("presets reload failed")
			return
		}
		m.presetsMu.Lock()
		m.presets = make(map[string]models.AgentConfig, len(presets))
		for _, p := range presets {
			m.presets[p.ID] = p
		}
		m.presetsMu.Unlock()
		log.Info().Int("count", len(presets)).Msg("presets reloaded from disk")
	})
	if err != nil {
		return nil, err
	}
	return w, w.Start()
}

// AddAgent binds a new reviewer to a session mid-flight.
func (m *Manager) AddAgent(sid string, agent models.AgentConfig) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess
	if agent.ID == "" {
		return fault.New(fault.Validation, "agent id is required")
	}
	if sess.AgentByID(agent.ID) != nil {
		return fault.New(fault.Conflict, "agent already exists: %s", agent.ID)
	}
	if agent.Strictness == "" {
		agent.Strictness = models.StrictnessBalanced
	}
	if agent.ClientKind == "" {
		agent.ClientKind = models.ClientClaudeCode
	}
	sess.Agents = append(sess.Agents, agent)
	sess.AgentStates[agent.ID] = &models.AgentState{
		ModelID:  agent.ID,
		Status:   models.AgentIdle,
		TaskType: models.TaskReview,
	}
	e.tokens.Agents[agent.ID] = identity.NewToken()
	if err := m.store.SaveTokens(sid, e.tokens); err != nil {
		return err
	}
	m.bus.Publish(sid, events.KindAgentConfigChanged, map[string]any{
		"model_id": agent.ID,
		"change":   "added",
	})
	m.persist(e)

	// A reviewer joining mid-phase picks up the current work immediately.
	switch sess.Phase {
	case models.PhaseReviewing:
		if agent.Enabled {
			m.launchReview(e, agent)
		}
	case models.PhaseDeliberating:
		m.triggerDeliberationLocked(e)
	}
	return nil
}

// UpdateAgent mutates a session agent's configuration.
func (m *Manager) UpdateAgent(sid, modelID string, update models.AgentConfig) (models.AgentConfig, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return models.AgentConfig{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	agent := e.sess.AgentByID(modelID)
	if agent == nil {
		return models.AgentConfig{}, fault.New(fault.NotFound, "agent not found: %s", modelID)
	}
	update.ID = agent.ID
	if update.ClientKind == "" {
		update.ClientKind = agent.ClientKind
	}
	if update.Strictness == "" {
		update.Strictness = agent.Strictness
	}
	*agent = update
	m.bus.Publish(sid, events.KindAgentConfigChanged, map[string]any{
		"model_id": modelID,
		"change":   "updated",
	})
	m.persist(e)
	return *agent, nil
}

// RemoveAgent drops a reviewer from the roster and stops its subprocess.
func (m *Manager) RemoveAgent(sid, modelID string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	sess := e.sess
	found := false
	for i, a := range sess.Agents {
		if a.ID == modelID {
			sess.Agents = append(sess.Agents[:i:i], sess.Agents[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return fault.New(fault.NotFound, "agent not found: %s", modelID)
	}
	delete(sess.AgentStates, modelID)
	delete(e.tokens.Agents, modelID)
	if err := m.store.SaveTokens(sid, e.tokens); err != nil {
		e.mu.Unlock()
		return err
	}
	m.bus.Publish(sid, events.KindAgentConfigChanged, map[string]any{
		"model_id": modelID,
		"change":   "removed",
	})
	m.persist(e)
	m.maybeAdvanceLocked(e)
	e.mu.Unlock()

	m.runner.Stop(sid, modelID)
	return nil
}
