// Package assist runs per-issue helper conversations with a side model.
// Transcripts live on the issue and are isolated from the opinion thread
// until explicitly submitted as a synthetic opinion.
package assist

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/prompts"
	"github.com/tony-jang/ai-review/internal/session"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Engine drives assist conversations through a helper CLI model.
type Engine struct {
	manager *session.Manager
	timeout time.Duration
}

// NewEngine creates an assist engine over the session manager.
func NewEngine(manager *session.Manager) *Engine {
	return &Engine{manager: manager, timeout: 2 * time.Minute}
}

// runHelper invokes the helper model once and returns its text output.
func (e *Engine) runHelper(ctx context.Context, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "claude", "--print", "--output-format", "text", "-p", prompt)
	out, err := cmd.Output()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fault.New(fault.Subprocess, "assist helper timed out")
	}
	if err != nil {
		return "", fault.Wrap(fault.Subprocess, err, "assist helper failed")
	}
	return strings.TrimSpace(string(out)), nil
}

// ChatResult is the outcome of one assist exchange.
type ChatResult struct {
	Response   string                 `json:"response"`
	CLICommand string                 `json:"cli_command"`
	Messages   []models.AssistMessage `json:"messages"`
}

// Chat appends the user message, asks the helper model, and stores its
// reply. On helper failure the transcript keeps the user turn and the error
// is surfaced as the assistant reply.
func (e *Engine) Chat(ctx context.Context, sid, issueID, message string) (*ChatResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fault.New(fault.Validation, "message is required")
	}
	issue, err := e.manager.Issue(sid, issueID)
	if err != nil {
		return nil, err
	}
	diff, _ := e.manager.IssueDiff(ctx, sid, issueID)

	if _, err := e.manager.AppendAssistMessage(sid, issueID, "user", message); err != nil {
		return nil, err
	}

	prompt := prompts.BuildAssist(prompts.AssistInput{
		Issue:       issue,
		DiffContent: diff,
		UserMessage: message,
	})
	response, err := e.runHelper(ctx, prompt)
	if err != nil {
		log.Warn().Str("issue_id", issueID).Err(err).Msg("assist helper run failed")
		response = "Helper unavailable: " + err.Error() +
			"\nResolve directly from the CLI:\n\n  " + prompts.CLICommand(issue)
	}

	messages, err := e.manager.AppendAssistMessage(sid, issueID, "assistant", response)
	if err != nil {
		return nil, err
	}
	return &ChatResult{
		Response:   response,
		CLICommand: prompts.CLICommand(issue),
		Messages:   messages,
	}, nil
}

// opinionPayload is the JSON shape the helper model must emit.
type opinionPayload struct {
	Action            string `json:"action"`
	Reasoning         string `json:"reasoning"`
	SuggestedSeverity string `json:"suggested_severity"`
}

// parseOpinion extracts the JSON opinion from possibly noisy model output.
func parseOpinion(text string) (opinionPayload, error) {
	var payload opinionPayload
	raw := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(raw), &payload); err == nil {
		return payload, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err == nil {
			return payload, nil
		}
	}
	return payload, fault.New(fault.Subprocess, "assist opinion parse failed")
}

// SubmitOpinion asks the helper model for a mediator verdict and submits it
// on behalf of the human pseudo-reviewer. Requires a valid assist token,
// checked by the adapter.
func (e *Engine) SubmitOpinion(ctx context.Context, sid, issueID, instruction string) (*models.Issue, error) {
	issue, err := e.manager.Issue(sid, issueID)
	if err != nil {
		return nil, err
	}
	diff, _ := e.manager.IssueDiff(ctx, sid, issueID)

	prompt := prompts.BuildAssistOpinion(issue, diff, instruction)
	output, err := e.runHelper(ctx, prompt)
	if err != nil {
		return nil, err
	}
	payload, err := parseOpinion(output)
	if err != nil {
		return nil, err
	}
	switch payload.Action {
	case "fix_required", "no_fix", "comment":
	default:
		return nil, fault.New(fault.Validation, "helper returned invalid action %q", payload.Action)
	}
	severity := payload.SuggestedSeverity
	if severity == "null" {
		severity = ""
	}
	return e.manager.SubmitOpinion(sid, session.OpinionRequest{
		IssueID:           issueID,
		ModelID:           "human",
		Action:            payload.Action,
		Reasoning:         payload.Reasoning,
		SuggestedSeverity: severity,
	})
}
