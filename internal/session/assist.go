package session

import (
	"context"
	"time"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

// AppendAssistMessage adds one turn to an issue's helper conversation and
// returns the updated transcript. Assist transcripts never affect consensus.
func (m *Manager) AppendAssistMessage(sid, issueID, role, content string) ([]models.AssistMessage, error) {
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
	issue.AssistThread = append(issue.AssistThread, models.AssistMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	m.persistIssue(e, issue)
	return append([]models.AssistMessage(nil), issue.AssistThread...), nil
}

// IssueDiff returns the unified diff scoped to an issue's file.
func (m *Manager) IssueDiff(ctx context.Context, sid, issueID string) (string, error) {
	issue, err := m.Issue(sid, issueID)
	if err != nil {
		return "", err
	}
	diff, err := m.Diff(ctx, sid, issue.File)
	if err != nil {
		return "", nil // assist degrades gracefully without diff context
	}
	return diff, nil
}
