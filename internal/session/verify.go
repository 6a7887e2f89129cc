package session

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/prompts"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/pkg/models"
)

// unresolvedLocked lists fix_required issues that still need author action:
// not completed, not wont_fix, not operator-dismissed.
func unresolvedLocked(sess *models.Session) []*models.Issue {
	dismissed := make(map[string]bool, len(sess.Dismissals))
	for _, d := range sess.Dismissals {
		dismissed[d.IssueID] = true
	}
	var out []*models.Issue
	for _, issue := range sess.Issues {
		if issue.ConsensusType != models.ConsensusFixRequired {
			continue
		}
		if issue.ProgressStatus == models.ProgressCompleted || issue.ProgressStatus == models.ProgressWontFix {
			continue
		}
		if dismissed[issue.ID] {
			continue
		}
		out = append(out, issue)
	}
	return out
}

// Finish closes a session. Without force it is a gate: unresolved
// fix_required issues produce a conflict carrying their IDs.
func (m *Manager) Finish(sid string, force bool) ([]*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	switch sess.Phase {
	case models.PhaseDeliberating, models.PhaseFixing, models.PhaseVerifying:
	case models.PhaseComplete:
		return nil, nil
	default:
		return nil, phaseFault(sess, "finish",
			models.PhaseDeliberating, models.PhaseFixing, models.PhaseVerifying)
	}

	unresolved := unresolvedLocked(sess)
	if len(unresolved) > 0 && !force {
		err := fault.New(fault.Conflict, "unresolved issues remain")
		ids := make([]string, len(unresolved))
		for i, issue := range unresolved {
			ids[i] = issue.ID
		}
		return unresolved, err.With("unresolved_issues", ids)
	}

	m.runner.StopSession(sid)
	if force {
		for _, issue := range unresolved {
			reached := false
			issue.Consensus = &reached
			issue.ConsensusType = models.ConsensusUndecided
			m.persistIssue(e, issue)
		}
	}
	m.completeLocked(e)
	return nil, nil
}

// FixComplete records an author fix commit, computes the delta diff, and
// moves fixing -> verifying, notifying raisers.
func (m *Manager) FixComplete(ctx context.Context, sid, commit string, issueIDs []string, submittedBy string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if sess.Phase != models.PhaseFixing {
		return nil, phaseFault(sess, "fix-complete", models.PhaseFixing)
	}
	if commit == "" {
		return nil, fault.New(fault.Validation, "commit is required")
	}

	pending := unresolvedLocked(sess)
	pendingIDs := make(map[string]*models.Issue, len(pending))
	for _, issue := range pending {
		pendingIDs[issue.ID] = issue
	}
	if len(issueIDs) == 0 {
		for id := range pendingIDs {
			issueIDs = append(issueIDs, id)
		}
		sort.Strings(issueIDs)
	} else {
		for _, id := range issueIDs {
			if pendingIDs[id] == nil {
				return nil, fault.New(fault.NotFound, "issue not found or not fix_required: %s", id)
			}
		}
	}

	sess.FixCommits = append(sess.FixCommits, models.FixCommit{
		CommitHash:      commit,
		IssuesAddressed: issueIDs,
		SubmittedBy:     submittedBy,
		SubmittedAt:     time.Now(),
	})

	// File-scoped delta between the previous head and the fix commit.
	var paths []string
	seen := make(map[string]bool)
	for _, id := range issueIDs {
		if issue := pendingIDs[id]; issue != nil && !seen[issue.File] {
			seen[issue.File] = true
			paths = append(paths, issue.File)
		}
	}
	sort.Strings(paths)
	delta, _, err := m.reader.Delta(ctx, sess.RepoPath, sess.Head, commit, paths)
	if err != nil {
		log.Warn().Str("session_id", sid).Err(err).Msg("delta diff collection failed")
		delta = nil
	}
	sess.DeltaDiff = delta
	sess.Head = commit
	sess.VerificationRound++

	// Verification opinions land on a fresh turn.
	sess.Turn++
	for _, id := range issueIDs {
		if issue := pendingIDs[id]; issue != nil {
			issue.Turn = sess.Turn
			if issue.ProgressStatus == models.ProgressReported {
				issue.ProgressStatus = models.ProgressFixed
				m.recordStatusChange(e, issue, string(models.ProgressReported), string(models.ProgressFixed), submittedBy)
			}
			m.persistIssue(e, issue)
		}
	}

	if err := transition(sess, models.PhaseVerifying); err != nil {
		return nil, err
	}
	m.publishPhase(e)
	m.startVerificationLocked(e, issueIDs, pendingIDs)
	m.persist(e)

	return map[string]any{
		"status":              "accepted",
		"commit_hash":         commit,
		"issues_addressed":    issueIDs,
		"delta_files_changed": len(delta),
		"verification_round":  sess.VerificationRound,
	}, nil
}

// startVerificationLocked launches one verification run per raiser whose
// issues were addressed.
func (m *Manager) startVerificationLocked(e *entry, issueIDs []string, byID map[string]*models.Issue) {
	sess := e.sess
	perRaiser := make(map[string][]string)
	for _, id := range issueIDs {
		issue := byID[id]
		if issue == nil {
			continue
		}
		perRaiser[issue.RaisedBy] = append(perRaiser[issue.RaisedBy], id)
	}

	raisers := make([]string, 0, len(perRaiser))
	for raiser := range perRaiser {
		raisers = append(raisers, raiser)
	}
	sort.Strings(raisers)

	for _, raiser := range raisers {
		agent := sess.AgentByID(raiser)
		if agent == nil || !agent.Enabled {
			continue // human-raised issues are verified by the operator
		}
		key := e.tokens.Agents[agent.ID]
		prompt := prompts.BuildVerification(prompts.VerificationInput{
			SessionID: sess.ID,
			Agent:     *agent,
			APIBase:   m.cfg.Host,
			AgentKey:  key,
			Round:     sess.VerificationRound,
			IssueIDs:  perRaiser[raiser],
		})
		m.markReviewing(e, agent.ID, models.TaskVerification, prompt)
		spec := runner.LaunchSpec{
			SessionID: sess.ID,
			Agent:     *agent,
			TaskType:  models.TaskVerification,
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
}

// Respond records a raiser's verdict on the delta diff for one issue.
func (m *Manager) Respond(sid, issueID, action, reasoning, submittedBy string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if sess.Phase != models.PhaseVerifying {
		return phaseFault(sess, "respond", models.PhaseVerifying)
	}
	switch action {
	case "accept", "dispute", "partial":
	default:
		return fault.New(fault.Validation, "invalid response action %q", action)
	}
	issue := sess.IssueByID(issueID)
	if issue == nil {
		return fault.New(fault.NotFound, "issue not found: %s", issueID)
	}
	if issue.ConsensusType != models.ConsensusFixRequired {
		return fault.New(fault.State, "issue is not fix_required").With("issue_id", issueID)
	}
	for _, r := range sess.Responses {
		if r.IssueID == issueID && r.Round == sess.VerificationRound {
			return fault.New(fault.Conflict, "duplicate response for issue %s", issueID)
		}
	}

	sess.Responses = append(sess.Responses, models.IssueResponse{
		IssueID:     issueID,
		Action:      action,
		Reasoning:   reasoning,
		SubmittedBy: submittedBy,
		SubmittedAt: time.Now(),
		Round:       sess.VerificationRound,
	})

	if action == "accept" {
		prev := issue.ProgressStatus
		issue.ProgressStatus = models.ProgressCompleted
		m.recordStatusChange(e, issue, string(prev), string(models.ProgressCompleted), submittedBy)
		m.persistIssue(e, issue)
	}

	m.bus.Publish(sid, events.KindIssueResponse, map[string]any{
		"issue_id": issueID,
		"action":   action,
		"by":       submittedBy,
	})
	m.persist(e)
	m.checkVerificationLocked(e)
	return nil
}

// checkVerificationLocked decides the verification round once every pending
// fix_required issue has a verdict: all accepted completes the session, any
// dispute inside the round cap goes back to fixing, and at the cap the
// disputed remainder is frozen undecided.
func (m *Manager) checkVerificationLocked(e *entry) {
	sess := e.sess
	if sess.Phase != models.PhaseVerifying {
		return
	}

	pending := unresolvedLocked(sess)
	verdicts := make(map[string]string)
	for _, r := range sess.Responses {
		if r.Round == sess.VerificationRound {
			verdicts[r.IssueID] = r.Action
		}
	}

	// The gate is responses, not subprocess state: a failed raiser run just
	// means the verdict arrives from the operator (or finish --force).
	anyDispute := false
	for _, issue := range pending {
		verdict, ok := verdicts[issue.ID]
		if !ok {
			return
		}
		if verdict != "accept" {
			anyDispute = true
		}
	}

	if !anyDispute {
		m.completeLocked(e)
		return
	}
	if sess.VerificationRound >= m.cfg.MaxVerificationRounds {
		for _, issue := range pending {
			if verdicts[issue.ID] == "accept" {
				continue
			}
			reached := false
			issue.Consensus = &reached
			issue.ConsensusType = models.ConsensusUndecided
			m.persistIssue(e, issue)
		}
		m.completeLocked(e)
		return
	}
	if err := transition(sess, models.PhaseFixing); err == nil {
		m.publishPhase(e)
	}
}

// recordStatusChange appends a status_change entry to the issue thread.
func (m *Manager) recordStatusChange(e *entry, issue *models.Issue, previous, value, by string) {
	if by == "" {
		by = "author"
	}
	issue.Thread = append(issue.Thread, models.Opinion{
		ID:             models.NewID(),
		ModelID:        by,
		Action:         models.ActionStatusChange,
		Turn:           issue.Turn,
		Timestamp:      time.Now(),
		PreviousStatus: previous,
		StatusValue:    value,
	})
	m.bus.Publish(e.sess.ID, events.KindIssueStatusChanged, map[string]any{
		"issue_id": issue.ID,
		"from":     previous,
		"to":       value,
	})
}

// SetStatus updates an issue's progress status from the author side.
// completed is reachable only through a verification accept.
func (m *Manager) SetStatus(sid, issueID, status, reasoning, by string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	issue := sess.IssueByID(issueID)
	if issue == nil {
		return fault.New(fault.NotFound, "issue not found: %s", issueID)
	}
	target := models.ProgressStatus(status)
	switch target {
	case models.ProgressFixed, models.ProgressWontFix:
		if sess.Phase != models.PhaseFixing && sess.Phase != models.PhaseVerifying {
			return phaseFault(sess, "set status", models.PhaseFixing, models.PhaseVerifying)
		}
	case models.ProgressCompleted:
		return fault.New(fault.State, "completed requires a verification accept").
			With("issue_id", issueID)
	default:
		return fault.New(fault.Validation, "invalid status %q", status)
	}

	prev := issue.ProgressStatus
	if prev == target {
		return nil
	}
	issue.ProgressStatus = target
	m.recordStatusChange(e, issue, string(prev), string(target), by)
	if reasoning != "" {
		issue.Thread[len(issue.Thread)-1].Reasoning = reasoning
	}
	m.persistIssue(e, issue)
	m.persist(e)
	return nil
}

// Dismiss lets the operator waive a fix_required issue during fixing.
func (m *Manager) Dismiss(sid, issueID, reasoning, by string) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	if sess.Phase != models.PhaseFixing {
		return phaseFault(sess, "dismiss", models.PhaseFixing)
	}
	issue := sess.IssueByID(issueID)
	if issue == nil {
		return fault.New(fault.NotFound, "issue not found: %s", issueID)
	}
	if issue.ConsensusType != models.ConsensusFixRequired {
		return fault.New(fault.State, "only fix_required issues can be dismissed")
	}
	for _, d := range sess.Dismissals {
		if d.IssueID == issueID {
			return fault.New(fault.Conflict, "already dismissed: %s", issueID)
		}
	}
	sess.Dismissals = append(sess.Dismissals, models.IssueDismissal{
		IssueID:     issueID,
		Reasoning:   reasoning,
		DismissedBy: by,
		DismissedAt: time.Now(),
	})
	m.bus.Publish(sid, events.KindIssueDismissed, map[string]any{"issue_id": issueID})
	m.persist(e)
	return nil
}
