package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/gitdiff"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Status returns the session rollup: phase, turn, counts, per-agent state,
// implementation context, and reviews. It reads a consistent snapshot.
func (m *Manager) Status(sid string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess
	now := time.Now()

	agents := make([]map[string]any, 0, len(sess.Agents))
	for _, agent := range sess.Agents {
		state := sess.AgentStates[agent.ID]
		if state == nil {
			state = &models.AgentState{ModelID: agent.ID, Status: models.AgentIdle, TaskType: models.TaskReview}
		}
		entry := map[string]any{
			"model_id":    agent.ID,
			"client_kind": agent.ClientKind,
			"strictness":  agent.Strictness,
			"enabled":     agent.Enabled,
			"color":       agent.Color,
			"status":      state.Status,
			"task_type":   state.TaskType,
			"last_reason": state.LastReason,
		}
		if secs := state.ElapsedSeconds(now); secs != nil {
			entry["elapsed_seconds"] = *secs
		}
		agents = append(agents, entry)
	}

	counts := map[string]int{}
	for _, issue := range sess.Issues {
		counts[string(issue.ConsensusType)]++
	}

	files := make([]map[string]any, 0, len(sess.Diff))
	for _, f := range sess.Diff {
		files = append(files, map[string]any{
			"path":      f.Path,
			"status":    f.Status,
			"additions": f.Additions,
			"deletions": f.Deletions,
		})
	}

	out := map[string]any{
		"session_id":         sess.ID,
		"phase":              sess.Phase,
		"turn":               sess.Turn,
		"base":               sess.Base,
		"head":               sess.Head,
		"repo_path":          sess.RepoPath,
		"review_count":       len(sess.Reviews),
		"issue_count":        len(sess.Issues),
		"issue_counts":       counts,
		"files_changed":      len(sess.Diff),
		"files":              files,
		"agents":             agents,
		"reviews":            sess.Reviews,
		"verification_round": sess.VerificationRound,
		"created_at":         sess.CreatedAt,
		"updated_at":         sess.UpdatedAt,
	}
	if sess.ImplementationContext != nil {
		out["implementation_context"] = sess.ImplementationContext
	}
	return out, nil
}

// Issues returns a snapshot of the full issue set in insertion order.
func (m *Manager) Issues(sid string) ([]*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Issue, len(e.sess.Issues))
	for i, issue := range e.sess.Issues {
		copied := *issue
		copied.Thread = append([]models.Opinion(nil), issue.Thread...)
		copied.AssistThread = append([]models.AssistMessage(nil), issue.AssistThread...)
		out[i] = &copied
	}
	return out, nil
}

// Issue returns a snapshot of one issue.
func (m *Manager) Issue(sid, issueID string) (*models.Issue, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	issue := e.sess.IssueByID(issueID)
	if issue == nil {
		return nil, fault.New(fault.NotFound, "issue not found: %s", issueID)
	}
	copied := *issue
	copied.Thread = append([]models.Opinion(nil), issue.Thread...)
	copied.AssistThread = append([]models.AssistMessage(nil), issue.AssistThread...)
	return &copied, nil
}

// Diff returns the unified diff for one changed file.
func (m *Manager) Diff(ctx context.Context, sid, path string) (string, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	root, base, head := e.sess.RepoPath, e.sess.Base, e.sess.Head
	e.mu.Unlock()
	return m.reader.Diff(ctx, root, base, head, path)
}

// FileRange reads an inclusive line range from the head revision.
func (m *Manager) FileRange(ctx context.Context, sid, path string, start, end int) ([]gitdiff.Line, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	root, head := e.sess.RepoPath, e.sess.Head
	e.mu.Unlock()
	return m.reader.Read(ctx, root, head, path, start, end)
}

// Index returns the lightweight per-file exploration index with hunk ranges.
func (m *Manager) Index(ctx context.Context, sid string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	sess := e.sess
	root, base, head := sess.RepoPath, sess.Base, sess.Head
	diff := append([]models.DiffFile(nil), sess.Diff...)
	e.mu.Unlock()

	files := make([]map[string]any, 0, len(diff))
	for _, f := range diff {
		entry := map[string]any{
			"path":      f.Path,
			"status":    f.Status,
			"additions": f.Additions,
			"deletions": f.Deletions,
		}
		if raw, err := m.reader.Diff(ctx, root, base, head, f.Path); err == nil {
			entry["hunks"] = gitdiff.Hunks(raw)
		}
		files = append(files, entry)
	}
	return map[string]any{
		"session_id": sid,
		"base":       base,
		"head":       head,
		"files":      files,
	}, nil
}

// DeltaContext returns the verification context: the delta diff plus the
// confirmed issues under inspection.
func (m *Manager) DeltaContext(sid string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	var confirmed []map[string]any
	for _, issue := range sess.Issues {
		if issue.ConsensusType != models.ConsensusFixRequired {
			continue
		}
		confirmed = append(confirmed, map[string]any{
			"id":          issue.ID,
			"title":       issue.Title,
			"severity":    issue.Severity,
			"file":        issue.File,
			"description": issue.Description,
			"progress":    issue.ProgressStatus,
		})
	}
	return map[string]any{
		"session_id":         sid,
		"delta_diff":         sess.DeltaDiff,
		"verification_round": sess.VerificationRound,
		"fix_commits":        sess.FixCommits,
		"original_issues":    confirmed,
	}, nil
}

// AgentRuntime returns the retained stdout/stderr and activity for an agent.
func (m *Manager) AgentRuntime(sid, modelID string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	sess := e.sess
	agent := sess.AgentByID(modelID)
	state := sess.AgentStates[modelID]
	var pending []string
	for _, issue := range pendingFor(sess, modelID) {
		pending = append(pending, issue.ID)
	}
	e.mu.Unlock()
	if agent == nil {
		return nil, fault.New(fault.NotFound, "agent not found: %s", modelID)
	}

	out := map[string]any{
		"model_id":          modelID,
		"pending_issue_ids": pending,
	}
	if state != nil {
		out["status"] = state.Status
		out["task_type"] = state.TaskType
		out["prompt_preview"] = state.PromptPreview
		out["last_reason"] = state.LastReason
		if secs := state.ElapsedSeconds(time.Now()); secs != nil {
			out["elapsed_seconds"] = *secs
		}
	}
	if rt, ok := m.runner.Runtime(sid, modelID); ok {
		out["running"] = rt.Running
		out["stdout"] = rt.Stdout
		out["stderr"] = rt.Stderr
		out["activities"] = rt.Activities
	}
	return out, nil
}

// SubmitImplementationContext attaches the author's prose to the session.
// Allowed only while idle, collecting or reviewing.
func (m *Manager) SubmitImplementationContext(sid string, ic models.ImplementationContext) error {
	e, err := m.entryOf(sid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess
	if sess.Phase != models.PhaseIdle && sess.Phase != models.PhaseCollecting && sess.Phase != models.PhaseReviewing {
		return phaseFault(sess, "submit implementation context",
			models.PhaseCollecting, models.PhaseReviewing)
	}
	ic.SubmittedAt = time.Now()
	sess.ImplementationContext = &ic
	m.bus.Publish(sid, events.KindContextSubmitted, map[string]any{
		"submitted_by": ic.SubmittedBy,
	})
	m.persist(e)
	return nil
}

// Report assembles the final report.
func (m *Manager) Report(sid string) (map[string]any, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	fixRequired, dismissed := 0, 0
	issues := make([]map[string]any, 0, len(sess.Issues))
	for _, issue := range sess.Issues {
		final := issue.FinalSeverity
		if final == "" {
			final = issue.Severity
		}
		issues = append(issues, map[string]any{
			"id":              issue.ID,
			"display_number":  issue.DisplayNumber,
			"title":           issue.Title,
			"final_severity":  final,
			"consensus":       issue.Consensus,
			"consensus_type":  issue.ConsensusType,
			"progress_status": issue.ProgressStatus,
			"file":            issue.File,
			"line_start":      issue.LineStart,
			"line_end":        issue.LineEnd,
			"description":     issue.Description,
			"suggestion":      issue.Suggestion,
			"thread_summary":  fmt.Sprintf("%d opinions", len(issue.Thread)),
		})
		switch issue.ConsensusType {
		case models.ConsensusFixRequired:
			fixRequired++
		case models.ConsensusDismissed:
			dismissed++
		}
	}

	totalRaw := 0
	for _, r := range sess.Reviews {
		totalRaw += r.IssueCount
	}

	return map[string]any{
		"session_id":         sess.ID,
		"phase":              sess.Phase,
		"issues":             issues,
		"issue_responses":    sess.Responses,
		"fix_commits":        sess.FixCommits,
		"dismissals":         sess.Dismissals,
		"verification_round": sess.VerificationRound,
		"stats": map[string]any{
			"total_issues_found": totalRaw,
			"after_dedup":        len(sess.Issues),
			"consensus_reached":  fixRequired + dismissed,
			"fix_required":       fixRequired,
			"dismissed":          dismissed,
		},
	}, nil
}

// PRMarkdown renders the final report as a PR description.
func (m *Manager) PRMarkdown(sid string) (string, error) {
	e, err := m.entryOf(sid)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sess := e.sess

	fixRequired, dismissed := 0, 0
	for _, issue := range sess.Issues {
		switch issue.ConsensusType {
		case models.ConsensusFixRequired:
			fixRequired++
		case models.ConsensusDismissed:
			dismissed++
		}
	}

	var sb strings.Builder
	sb.WriteString("## AI Review Summary\n\n")
	fmt.Fprintf(&sb, "### Issues Found: %d (Fix Required: %d, Dismissed: %d)\n\n",
		len(sess.Issues), fixRequired, dismissed)

	if len(sess.Issues) > 0 {
		sb.WriteString("| # | Severity | File | Title | Status |\n")
		sb.WriteString("|---|----------|------|-------|--------|\n")
		for _, issue := range sess.Issues {
			final := issue.FinalSeverity
			if final == "" {
				final = issue.Severity
			}
			status := string(issue.ConsensusType)
			if status == "" {
				status = "pending"
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s |\n",
				issue.DisplayNumber, final, issue.File, issue.Title, status)
		}
		sb.WriteString("\n")
	}

	if len(sess.FixCommits) > 0 {
		sb.WriteString("### Fix Commits\n")
		for _, fc := range sess.FixCommits {
			short := fc.CommitHash
			if len(short) > 7 {
				short = short[:7]
			}
			by := fc.SubmittedBy
			if by == "" {
				by = "unknown"
			}
			var files []string
			seen := map[string]bool{}
			for _, id := range fc.IssuesAddressed {
				if issue := sess.IssueByID(id); issue != nil && !seen[issue.File] {
					seen[issue.File] = true
					files = append(files, issue.File)
				}
			}
			scope := "general"
			if len(files) > 0 {
				scope = strings.Join(files, ", ")
			}
			fmt.Fprintf(&sb, "- `%s` - %s (by %s)\n", short, scope, by)
		}
		sb.WriteString("\n")
	}

	if sess.VerificationRound > 0 {
		sb.WriteString("### Verification\n")
		fmt.Fprintf(&sb, "- Rounds: %d\n", sess.VerificationRound)
		if len(unresolvedLocked(sess)) == 0 {
			sb.WriteString("- Result: All issues resolved\n")
		} else {
			sb.WriteString("- Result: Some issues remain unresolved\n")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// RecordActivity forwards an externally-reported agent activity.
func (m *Manager) RecordActivity(sid, modelID, action, target string) bool {
	return m.runner.RecordActivity(sid, modelID, action, target)
}

// Runner exposes the scheduler, mainly for diagnostics.
func (m *Manager) Runner() Scheduler { return m.runner }
