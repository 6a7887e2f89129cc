package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/consensus"
	"github.com/tony-jang/ai-review/internal/dedup"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/knowledge"
	"github.com/tony-jang/ai-review/internal/prompts"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Start moves an idle session through collecting into reviewing and spawns
// one reviewer subprocess per enabled agent.
func (m *Manager) Start(ctx context.Context, sid string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if err := transition(sess, models.PhaseCollecting); err != nil {
		return err
	}
	m.publishPhase(e)

	files, err := m.reader.Files(ctx, sess.RepoPath, sess.Base, sess.Head)
	if err != nil {
		// Collection failed; the session stays collectable rather than wedged.
		sess.Phase = models.PhaseIdle
		m.persist(e)
		return err
	}
	sess.Diff = files
	sess.Knowledge = knowledge.Load(sess.RepoPath)

	if err := transition(sess, models.PhaseReviewing); err != nil {
		return err
	}
	m.publishPhase(e)
	m.persist(e)

	for _, agent := range sess.EnabledAgents() {
		m.launchReview(e, agent)
	}
	log.Info().Str("session_id", sid).Int("reviewers", len(sess.EnabledAgents())).Msg("review started")
	return nil
}

// launchReview fires one reviewer subprocess. Called with the entry lock
// held; the launch itself never blocks.
func (m *Manager) launchReview(e *entry, agent models.AgentConfig) {
	sess := e.sess
	key := e.tokens.Agents[agent.ID]
	prompt := prompts.BuildReview(prompts.ReviewInput{
		SessionID:             sess.ID,
		Agent:                 agent,
		APIBase:               m.cfg.Host,
		AgentKey:              key,
		ImplementationContext: sess.ImplementationContext,
		Knowledge:             sess.Knowledge,
	})
	m.markReviewing(e, agent.ID, models.TaskReview, prompt)

	spec := runner.LaunchSpec{
		SessionID: sess.ID,
		Agent:     agent,
		TaskType:  models.TaskReview,
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

// markReviewing flips an agent into the reviewing state and announces it.
// Called with the entry lock held.
func (m *Manager) markReviewing(e *entry, modelID string, task models.TaskType, prompt string) {
	now := time.Now()
	state := e.sess.AgentStates[modelID]
	if state == nil {
		state = &models.AgentState{ModelID: modelID}
		e.sess.AgentStates[modelID] = state
	}
	state.Status = models.AgentReviewing
	state.TaskType = task
	state.StartedAt = &now
	state.SubmittedAt = nil
	state.UpdatedAt = &now
	state.LastReason = string(task) + " started"
	preview := prompt
	if len(preview) > 200 {
		preview = preview[:200]
	}
	state.PromptPreview = preview

	m.bus.Publish(e.sess.ID, events.KindAgentStatus, map[string]any{
		"model_id":  modelID,
		"status":    models.AgentReviewing,
		"task_type": task,
	})
}

// onRunnerExit records a subprocess outcome. An agent that already submitted
// keeps its submission; a clean exit without one is a failure.
func (m *Manager) onRunnerExit(sid, modelID string, res runner.Result) {
	e, err := m.entryOf(sid)
	if err != nil {
		return // session deleted while the process was draining
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.sess.AgentStates[modelID]
	if state == nil || state.Status != models.AgentReviewing {
		return
	}
	switch res.Outcome {
	case runner.OutcomeFinished:
		if state.TaskType == models.TaskReview {
			m.failAgentLocked(e, modelID, "completed without submitting review")
		} else {
			// Deliberation/verification rounds submit through the API; a
			// clean exit simply ends this agent's round.
			m.settleAgentLocked(e, modelID, string(state.TaskType)+" run finished")
		}
	case runner.OutcomeCancelled:
		m.failAgentLocked(e, modelID, "cancelled: "+res.Reason)
	default:
		m.failAgentLocked(e, modelID, res.Reason)
	}
}

// failAgentLocked marks an agent failed and lets the phase advance past it.
func (m *Manager) failAgentLocked(e *entry, modelID, reason string) {
	now := time.Now()
	state := e.sess.AgentStates[modelID]
	if state == nil {
		return
	}
	state.Status = models.AgentFailed
	state.LastReason = reason
	state.SubmittedAt = &now
	state.UpdatedAt = &now
	m.bus.Publish(e.sess.ID, events.KindAgentStatus, map[string]any{
		"model_id": modelID,
		"status":   models.AgentFailed,
		"reason":   reason,
	})
	m.persist(e)
	switch e.sess.Phase {
	case models.PhaseReviewing:
		m.maybeAdvanceLocked(e)
	case models.PhaseDeliberating:
		m.checkAndAdvanceLocked(e)
	case models.PhaseVerifying:
		m.checkVerificationLocked(e)
	}
}

// settleAgentLocked returns an agent to idle after a non-review round run.
func (m *Manager) settleAgentLocked(e *entry, modelID, reason string) {
	now := time.Now()
	state := e.sess.AgentStates[modelID]
	if state == nil {
		return
	}
	state.Status = models.AgentIdle
	state.LastReason = reason
	state.UpdatedAt = &now
	m.persist(e)
	if e.sess.Phase == models.PhaseVerifying {
		m.checkVerificationLocked(e)
	}
}

// SubmitReport accepts one reviewer-reported issue. Issues are created
// exclusively here (and by the human operator as a synthetic reviewer).
func (m *Manager) SubmitReport(sid, modelID string, raw models.RawIssue) (*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if sess.Phase != models.PhaseReviewing && sess.Phase != models.PhaseDeliberating {
		return nil, phaseFault(sess, "report", models.PhaseReviewing, models.PhaseDeliberating)
	}
	if modelID != "human" && sess.AgentByID(modelID) == nil {
		return nil, fault.New(fault.NotFound, "agent not found: %s", modelID)
	}
	if raw.Title == "" || raw.File == "" {
		return nil, fault.New(fault.Validation, "title and file are required")
	}
	if !raw.Severity.Valid() || raw.Severity == models.SeverityDismissed {
		return nil, fault.New(fault.Validation, "invalid severity %q", raw.Severity)
	}

	now := time.Now()
	issue := &models.Issue{
		ID:             models.NewID(),
		Title:          raw.Title,
		Severity:       raw.Severity,
		File:           raw.File,
		Line:           raw.Line,
		LineStart:      raw.LineStart,
		LineEnd:        raw.LineEnd,
		Description:    raw.Description,
		Suggestion:     raw.Suggestion,
		RaisedBy:       modelID,
		Turn:           0,
		CreatedAt:      now,
		UpdatedAt:      now,
		ProgressStatus: models.ProgressReported,
		Thread: []models.Opinion{{
			ID:                models.NewID(),
			ModelID:           modelID,
			Action:            models.ActionRaise,
			Reasoning:         raw.Description,
			SuggestedSeverity: raw.Severity,
			Turn:              0,
			Timestamp:         now,
		}},
	}
	issue.NormalizeLines()
	issue.GroupKey = dedup.GroupKey(issue.Title)

	// Issues raised after dedup (manual or late deliberation raises) get
	// their display number immediately; turn-0 raises are numbered by dedup.
	if sess.Phase == models.PhaseDeliberating {
		issue.DisplayNumber = sess.NextDisplayNumber
		sess.NextDisplayNumber++
	}

	sess.Issues = append(sess.Issues, issue)
	m.persistIssue(e, issue)
	m.persist(e)

	m.bus.Publish(sid, events.KindIssueCreated, map[string]any{
		"issue_id": issue.ID,
		"title":    issue.Title,
		"model_id": modelID,
	})
	return issue, nil
}

// SubmitSummary completes a reviewer's round: it records the Review and
// marks the agent submitted. At most one review exists per (model, turn).
func (m *Manager) SubmitSummary(sid, modelID, summary string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if sess.Phase != models.PhaseReviewing {
		return phaseFault(sess, "summary", models.PhaseReviewing)
	}
	if sess.AgentByID(modelID) == nil {
		return fault.New(fault.NotFound, "agent not found: %s", modelID)
	}

	issueCount := 0
	for _, issue := range sess.Issues {
		if issue.RaisedBy == modelID {
			issueCount++
		}
	}

	found := false
	for idx := range sess.Reviews {
		if sess.Reviews[idx].ModelID == modelID && sess.Reviews[idx].Turn == sess.Turn {
			sess.Reviews[idx].Summary = summary
			sess.Reviews[idx].IssueCount = issueCount
			sess.Reviews[idx].SubmittedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		sess.Reviews = append(sess.Reviews, models.Review{
			ModelID:     modelID,
			Turn:        sess.Turn,
			SubmittedAt: time.Now(),
			Summary:     summary,
			IssueCount:  issueCount,
		})
	}
	m.persistReviews(e)

	now := time.Now()
	if state := sess.AgentStates[modelID]; state != nil {
		state.Status = models.AgentSubmitted
		state.SubmittedAt = &now
		state.UpdatedAt = &now
		state.LastReason = "review submitted"
	}
	m.bus.Publish(sid, events.KindReviewSubmitted, map[string]any{
		"model_id":    modelID,
		"issue_count": issueCount,
	})
	m.bus.Publish(sid, events.KindAgentStatus, map[string]any{
		"model_id": modelID,
		"status":   models.AgentSubmitted,
	})
	m.persist(e)
	m.maybeAdvanceLocked(e)
	return nil
}

// maybeAdvanceLocked moves reviewing -> dedup -> deliberating once every
// enabled reviewer is terminal. Reviewers with no submission at that point
// count as empty reviews.
func (m *Manager) maybeAdvanceLocked(e *entry) {
	sess := e.sess
	if sess.Phase != models.PhaseReviewing {
		return
	}
	enabled := sess.EnabledAgents()
	if len(enabled) == 0 {
		return
	}
	for _, agent := range enabled {
		state := sess.AgentStates[agent.ID]
		if state == nil || (state.Status != models.AgentSubmitted && state.Status != models.AgentFailed) {
			return
		}
	}
	m.advanceToDeliberationLocked(e)
}

// advanceToDeliberationLocked runs dedup, applies consensus, and opens the
// first deliberation round (or finishes when nothing is undecided).
func (m *Manager) advanceToDeliberationLocked(e *entry) {
	sess := e.sess
	if err := transition(sess, models.PhaseDedup); err != nil {
		return
	}
	m.publishPhase(e)

	result := dedup.Deduplicate(sess.Issues, m.cfg.DedupProximityLines)
	for _, removed := range result.RemovedIDs {
		if err := m.store.DeleteIssue(sess.ID, removed); err != nil {
			log.Error().Str("issue_id", removed).Err(err).Msg("delete merged issue failed")
		}
	}
	sess.Issues = result.Canonical
	sess.NextDisplayNumber = len(result.Canonical) + 1
	for _, issue := range sess.Issues {
		m.persistIssue(e, issue)
	}

	consensus.Apply(sess.Issues, sess.Agents, sess.ConsensusThreshold)
	for _, issue := range sess.Issues {
		m.persistIssue(e, issue)
	}

	if err := transition(sess, models.PhaseDeliberating); err != nil {
		return
	}
	m.publishPhase(e)
	m.persist(e)

	if m.allDecidedLocked(e) {
		m.closeDeliberationLocked(e)
		return
	}
	m.triggerDeliberationLocked(e)
}
