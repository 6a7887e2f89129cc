package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tony-jang/ai-review/pkg/models"
)

func intp(n int) *int { return &n }

func TestBuildReviewCarriesEssentials(t *testing.T) {
	prompt := BuildReview(ReviewInput{
		SessionID: "abc123",
		Agent: models.AgentConfig{
			ID:           "claude",
			SystemPrompt: "Prefer small diffs.",
			Focus:        []string{"concurrency", "error handling"},
		},
		APIBase:  "http://localhost:3000",
		AgentKey: "tok-1",
		ImplementationContext: &models.ImplementationContext{
			Summary:   "Reworked the scheduler.",
			Decisions: []string{"kept the old queue"},
		},
		Knowledge: models.Knowledge{Conventions: "wrap errors with context"},
	})

	assert.Contains(t, prompt, "claude")
	assert.Contains(t, prompt, "concurrency, error handling")
	assert.Contains(t, prompt, "Prefer small diffs.")
	assert.Contains(t, prompt, "http://localhost:3000/api/sessions/abc123/index")
	assert.Contains(t, prompt, "X-Agent-Key: tok-1")
	assert.Contains(t, prompt, "arv report")
	assert.Contains(t, prompt, "arv summary")
	assert.Contains(t, prompt, "Reworked the scheduler.")
	assert.Contains(t, prompt, "wrap errors with context")
	assert.Contains(t, prompt, "Session ID: abc123")
}

func TestBuildDeliberationListsIssues(t *testing.T) {
	prompt := BuildDeliberation(DeliberationInput{
		SessionID: "abc123",
		Agent:     models.AgentConfig{ID: "codex"},
		APIBase:   "http://localhost:3000",
		AgentKey:  "tok-2",
		IssueIDs:  []string{"i-1", "i-2"},
		Turn:      2,
	})
	assert.Contains(t, prompt, "round 2")
	assert.Contains(t, prompt, "i-1")
	assert.Contains(t, prompt, "i-2")
	assert.Contains(t, prompt, "arv opinion")
	assert.Contains(t, prompt, "withdraw only on issues you raised")
}

func TestBuildVerification(t *testing.T) {
	prompt := BuildVerification(VerificationInput{
		SessionID: "abc123",
		Agent:     models.AgentConfig{ID: "gemini"},
		APIBase:   "http://localhost:3000",
		AgentKey:  "tok-3",
		Round:     1,
		IssueIDs:  []string{"i-9"},
	})
	assert.Contains(t, prompt, "round 1")
	assert.Contains(t, prompt, "i-9")
	assert.Contains(t, prompt, "arv respond")
	assert.Contains(t, prompt, "/api/sessions/abc123/delta")
}

func TestLocationText(t *testing.T) {
	issue := &models.Issue{File: "p.go"}
	assert.Equal(t, "p.go", LocationText(issue))

	issue.LineStart, issue.LineEnd = intp(10), intp(10)
	assert.Equal(t, "p.go:10", LocationText(issue))

	issue.LineEnd = intp(14)
	assert.Equal(t, "p.go:10-14", LocationText(issue))
}

func TestBuildAssistIncludesThreadAndDiff(t *testing.T) {
	issue := &models.Issue{
		Title:       "null deref",
		Severity:    models.SeverityHigh,
		File:        "p.go",
		Description: "b is nil",
		Thread: []models.Opinion{
			{ModelID: "claude", Action: models.ActionRaise, Reasoning: "b is nil"},
			{ModelID: "codex", Action: models.ActionFixRequired, Reasoning: "agreed"},
		},
		AssistThread: []models.AssistMessage{
			{Role: "user", Content: "how bad is this?"},
		},
	}
	prompt := BuildAssist(AssistInput{Issue: issue, DiffContent: "+ b := 2", UserMessage: "suggest a fix"})
	assert.Contains(t, prompt, "null deref")
	assert.Contains(t, prompt, "codex (fix_required): agreed")
	assert.Contains(t, prompt, "+ b := 2")
	assert.Contains(t, prompt, "how bad is this?")
	assert.Contains(t, prompt, "suggest a fix")
}

func TestBuildConnectionTest(t *testing.T) {
	prompt := BuildConnectionTest("http://localhost:3000/api/agents/connection-test/callback/tok", "tok")
	assert.Contains(t, prompt, "curl")
	assert.Contains(t, prompt, "callback/tok")
}
