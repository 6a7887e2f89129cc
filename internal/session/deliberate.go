package session

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/consensus"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/prompts"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/pkg/models"
)

func phaseFault(sess *models.Session, op string, expected ...models.Phase) error {
	want := make([]string, len(expected))
	for i, p := range expected {
		want[i] = string(p)
	}
	return fault.New(fault.State, "cannot %s in %s phase", op, sess.Phase).
		With("phase", string(sess.Phase)).
		With("expected", want)
}

// publishPhase announces a committed phase. Events fire only after the new
// phase is written to the store.
func (m *Manager) publishPhase(e *entry) {
	m.persist(e)
	m.bus.Publish(e.sess.ID, events.KindPhaseChange, map[string]any{
		"phase": e.sess.Phase,
		"turn":  e.sess.Turn,
	})
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// extractMentions pulls @model references out of free-form reasoning,
// keeping only configured roster IDs.
func extractMentions(text string, sess *models.Session) []string {
	if text == "" {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		id := match[1]
		if seen[id] || sess.AgentByID(id) == nil {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OpinionRequest is the payload for submitting an opinion.
type OpinionRequest struct {
	IssueID           string
	ModelID           string
	Action            string
	Reasoning         string
	SuggestedSeverity string
	Confidence        *float64
	Mentions          []string
}

// SubmitOpinion appends one opinion to an issue thread and re-evaluates the
// session. Role rules: false_positive is forbidden from the raiser, withdraw
// is permitted only from the raiser, and closed issues accept nothing.
func (m *Manager) SubmitOpinion(sid string, req OpinionRequest) (*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	issue := sess.IssueByID(req.IssueID)
	if issue == nil {
		return nil, fault.New(fault.NotFound, "issue not found: %s", req.IssueID)
	}

	action, ok := models.ParseAction(req.Action)
	if !ok || action == models.ActionRaise || action == models.ActionStatusChange {
		return nil, fault.New(fault.Validation, "invalid action %q", req.Action)
	}

	isHuman := req.ModelID == "human" || req.ModelID == "human-assist"
	humanReopen := isHuman && sess.Phase == models.PhaseComplete
	switch sess.Phase {
	case models.PhaseReviewing, models.PhaseDeliberating, models.PhaseVerifying:
	case models.PhaseFixing:
		// A raiser may still retract a confirmed issue while the author
		// works; everything else waits for verification.
		if action != models.ActionWithdraw {
			return nil, phaseFault(sess, "submit opinion",
				models.PhaseReviewing, models.PhaseDeliberating, models.PhaseVerifying)
		}
	default:
		if !humanReopen {
			return nil, phaseFault(sess, "submit opinion",
				models.PhaseReviewing, models.PhaseDeliberating, models.PhaseVerifying)
		}
	}
	if !isHuman && sess.AgentByID(req.ModelID) == nil {
		return nil, fault.New(fault.NotFound, "agent not found: %s", req.ModelID)
	}

	if issue.Closed() {
		return nil, fault.New(fault.State, "issue is closed").With("issue_id", issue.ID)
	}
	if action == models.ActionFalsePositive && req.ModelID == issue.RaisedBy {
		return nil, fault.New(fault.Validation, "raiser cannot mark own issue false_positive")
	}
	if action == models.ActionWithdraw && req.ModelID != issue.RaisedBy {
		return nil, fault.New(fault.Validation, "only the raiser can withdraw an issue")
	}

	var severity models.Severity
	if req.SuggestedSeverity != "" {
		severity = models.Severity(req.SuggestedSeverity)
		if !severity.Valid() {
			return nil, fault.New(fault.Validation, "invalid severity %q", req.SuggestedSeverity)
		}
	}

	// A human opinion opens a new turn so every agent reconsiders. The
	// session turn follows so no opinion ever sits above it.
	if isHuman {
		issue.Turn++
		if issue.Turn > sess.Turn {
			sess.Turn = issue.Turn
		}
		issue.Consensus = nil
		issue.ConsensusType = ""
		issue.FinalSeverity = ""
	}

	// One opinion per (model, turn); withdraw bypasses since the raiser
	// already holds the turn-0 raise.
	if !isHuman && action != models.ActionWithdraw {
		for _, op := range issue.Thread {
			if op.ModelID == req.ModelID && op.Turn == issue.Turn && op.Action != models.ActionRaise {
				return nil, fault.New(fault.Conflict, "duplicate opinion for turn %d", issue.Turn).
					With("model_id", req.ModelID)
			}
		}
	}

	opinion := models.Opinion{
		ID:                models.NewID(),
		ModelID:           req.ModelID,
		Action:            action,
		Reasoning:         req.Reasoning,
		SuggestedSeverity: severity,
		Confidence:        clampConfidence(req.Confidence),
		Turn:              issue.Turn,
		Timestamp:         time.Now(),
		Mentions:          mergeMentions(req.Mentions, extractMentions(req.Reasoning, sess)),
	}
	issue.Thread = append(issue.Thread, opinion)

	if action == models.ActionWithdraw {
		closed := true
		issue.Consensus = &closed
		issue.ConsensusType = models.ConsensusClosed
		issue.FinalSeverity = models.SeverityDismissed
	}

	m.persistIssue(e, issue)
	m.bus.Publish(sid, events.KindOpinionSubmitted, map[string]any{
		"issue_id": issue.ID,
		"model_id": req.ModelID,
		"action":   action,
		"turn":     opinion.Turn,
	})

	if humanReopen {
		sess.Phase = models.PhaseDeliberating
		m.publishPhase(e)
	}

	switch sess.Phase {
	case models.PhaseVerifying:
		m.checkVerificationLocked(e)
	case models.PhaseDeliberating:
		m.checkAndAdvanceLocked(e)
	case models.PhaseFixing:
		// A withdraw may have cleared the last unresolved issue.
		if action == models.ActionWithdraw && len(unresolvedLocked(sess)) == 0 {
			m.completeLocked(e)
		}
	}
	m.persist(e)
	return issue, nil
}

func clampConfidence(c *float64) *float64 {
	if c == nil {
		return nil
	}
	v := *c
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

func mergeMentions(explicit, extracted []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{explicit, extracted} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// PendingIssues lists undecided issues the model has not yet opined on in
// their current turn.
func (m *Manager) PendingIssues(sid, modelID string) ([]*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return pendingFor(e.sess, modelID), nil
}

func pendingFor(sess *models.Session, modelID string) []*models.Issue {
	var pending []*models.Issue
	for _, issue := range sess.Issues {
		if issue.Consensus != nil && *issue.Consensus {
			continue
		}
		if issue.RaisedBy == modelID && issue.Turn == 0 {
			continue // the raise already speaks for turn 0
		}
		latest := -1
		for _, op := range issue.Thread {
			if op.ModelID == modelID && op.Turn > latest {
				latest = op.Turn
			}
		}
		if latest < issue.Turn {
			pending = append(pending, issue)
		}
	}
	return pending
}

// allDecidedLocked reports whether every issue has reached a verdict.
func (m *Manager) allDecidedLocked(e *entry) bool {
	for _, issue := range e.sess.Issues {
		if issue.Consensus == nil || !*issue.Consensus {
			return false
		}
	}
	return true
}

// checkAndAdvanceLocked re-applies consensus after an opinion and either
// finishes deliberation, advances the turn, or keeps the round open.
func (m *Manager) checkAndAdvanceLocked(e *entry) {
	sess := e.sess
	consensus.Apply(sess.Issues, sess.Agents, sess.ConsensusThreshold)
	for _, issue := range sess.Issues {
		m.persistIssue(e, issue)
	}

	if m.allDecidedLocked(e) || sess.Turn >= sess.MaxTurns {
		m.freezeUndecidedLocked(e)
		m.closeDeliberationLocked(e)
		return
	}

	// Round complete when every enabled agent has no pending issues or was
	// skipped after failing this round.
	for _, agent := range sess.EnabledAgents() {
		state := sess.AgentStates[agent.ID]
		if state != nil && state.Status == models.AgentFailed {
			continue
		}
		if len(pendingFor(sess, agent.ID)) > 0 {
			m.triggerDeliberationLocked(e)
			return
		}
	}

	// Turn advancement: undecided issues get another round, and agents
	// skipped last round get another chance.
	sess.Turn++
	for _, issue := range sess.Issues {
		if issue.Consensus == nil || !*issue.Consensus {
			issue.Turn = sess.Turn
			m.persistIssue(e, issue)
		}
	}
	for _, state := range sess.AgentStates {
		if state.Status == models.AgentFailed {
			state.Status = models.AgentIdle
		}
	}
	if err := transition(sess, models.PhaseDeliberating); err == nil {
		m.publishPhase(e)
	}

	consensus.Apply(sess.Issues, sess.Agents, sess.ConsensusThreshold)
	if m.allDecidedLocked(e) || sess.Turn >= sess.MaxTurns {
		m.freezeUndecidedLocked(e)
		m.closeDeliberationLocked(e)
		return
	}
	m.triggerDeliberationLocked(e)
}

// freezeUndecidedLocked pins unreached issues as undecided for the operator.
func (m *Manager) freezeUndecidedLocked(e *entry) {
	for _, issue := range e.sess.Issues {
		if issue.Consensus == nil || !*issue.Consensus {
			reached := false
			issue.Consensus = &reached
			issue.ConsensusType = models.ConsensusUndecided
			m.persistIssue(e, issue)
		}
	}
}

// closeDeliberationLocked is the author gate: unresolved fix_required issues
// send the session to fixing; otherwise it completes.
func (m *Manager) closeDeliberationLocked(e *entry) {
	sess := e.sess
	hasFixRequired := false
	for _, issue := range sess.Issues {
		if issue.ConsensusType == models.ConsensusFixRequired {
			hasFixRequired = true
			break
		}
	}
	if hasFixRequired {
		if err := transition(sess, models.PhaseFixing); err == nil {
			m.publishPhase(e)
		}
		return
	}
	m.completeLocked(e)
}

func (m *Manager) completeLocked(e *entry) {
	if e.sess.Phase == models.PhaseComplete {
		return
	}
	if err := transition(e.sess, models.PhaseComplete); err != nil {
		log.Warn().Str("session_id", e.sess.ID).Err(err).Msg("complete transition rejected")
		return
	}
	m.publishPhase(e)
	log.Info().Str("session_id", e.sess.ID).Msg("session complete")
}

// triggerDeliberationLocked launches a deliberation run for every enabled
// agent that still has pending issues and is not already busy.
func (m *Manager) triggerDeliberationLocked(e *entry) {
	sess := e.sess
	for _, agent := range sess.EnabledAgents() {
		pending := pendingFor(sess, agent.ID)
		if len(pending) == 0 {
			continue
		}
		if m.runner.Running(sess.ID, agent.ID) {
			continue
		}
		if state := sess.AgentStates[agent.ID]; state != nil && state.Status == models.AgentFailed {
			continue // skipped for this round; the next turn resets it
		}
		ids := make([]string, len(pending))
		maxTurn := 0
		for i, issue := range pending {
			ids[i] = issue.ID
			if issue.Turn > maxTurn {
				maxTurn = issue.Turn
			}
		}
		key := e.tokens.Agents[agent.ID]
		prompt := prompts.BuildDeliberation(prompts.DeliberationInput{
			SessionID: sess.ID,
			Agent:     agent,
			APIBase:   m.cfg.Host,
			AgentKey:  key,
			IssueIDs:  ids,
			Turn:      maxTurn,
		})
		m.markReviewing(e, agent.ID, models.TaskDeliberation, prompt)
		spec := runner.LaunchSpec{
			SessionID: sess.ID,
			Agent:     agent,
			TaskType:  models.TaskDeliberation,
			Prompt:    prompt,
			APIBase:   m.cfg.Host,
			AgentKey:  key,
			WorkDir:   sess.RepoPath,
		}
		sid, modelID := sess.ID, agent.ID
		if err := m.runner.Launch(context.Background(), spec, func(res runner.Result) {
			m.onRunnerExit(sid, modelID, res)
		}); err != nil {
			m.failAgentLocked(e, agent.ID, "launch rejected: "+err.Error())
		}
	}
	m.persist(e)
}

// Process manually advances deliberation: it runs dedup when reviews are
// still raw, re-applies consensus, and opens the next round.
func (m *Manager) Process(sid string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	switch sess.Phase {
	case models.PhaseReviewing:
		m.advanceToDeliberationLocked(e)
		return nil
	case models.PhaseDeliberating:
		m.checkAndAdvanceLocked(e)
		m.persist(e)
		return nil
	default:
		return phaseFault(sess, "process", models.PhaseReviewing, models.PhaseDeliberating)
	}
}

// StopAgent cancels one agent's running subprocess.
func (m *Manager) StopAgent(sid, modelID string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.sess.AgentByID(modelID) == nil {
		e.mu.Unlock()
		return fault.New(fault.NotFound, "agent not found: %s", modelID)
	}
	e.mu.Unlock()
	// The runner's exit callback re-acquires the session lock.
	m.runner.Stop(sid, modelID)
	return nil
}
