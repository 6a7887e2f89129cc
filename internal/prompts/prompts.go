// Package prompts builds the instructions handed to reviewer subprocesses.
// Reviewers talk back through the arv CLI (or raw curl) against the session
// API; prompts carry everything needed to do that unattended.
package prompts

import (
	"fmt"
	"strings"

	"github.com/tony-jang/ai-review/pkg/models"
)

// ReviewInput parameterizes the initial independent-review prompt.
type ReviewInput struct {
	SessionID             string
	Agent                 models.AgentConfig
	APIBase               string
	AgentKey              string
	ImplementationContext *models.ImplementationContext
	Knowledge             models.Knowledge
}

// BuildReview renders the turn-0 review prompt.
func BuildReview(in ReviewInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an independent code reviewer (model: %s).\n", in.Agent.ID)
	if in.Agent.SystemPrompt != "" {
		sb.WriteString(in.Agent.SystemPrompt + "\n")
	}
	if len(in.Agent.Focus) > 0 {
		fmt.Fprintf(&sb, "Your review focus: %s\n", strings.Join(in.Agent.Focus, ", "))
	}
	sb.WriteString("\n## Instructions\n\n")
	sb.WriteString("Follow these steps exactly:\n\n")
	fmt.Fprintf(&sb, "1. Retrieve the change index first:\n   curl -H \"X-Agent-Key: %s\" %s/api/sessions/%s/index\n", in.AgentKey, in.APIBase, in.SessionID)
	sb.WriteString("2. Inspect only the necessary files and line ranges with local tools or:\n")
	fmt.Fprintf(&sb, "   curl -H \"X-Agent-Key: %s\" \"%s/api/sessions/%s/diff/<path>\"\n", in.AgentKey, in.APIBase, in.SessionID)
	sb.WriteString("3. Review the changes thoroughly within your focus area.\n")
	sb.WriteString("4. Report each issue you find:\n")
	fmt.Fprintf(&sb, "   arv report --title <t> --severity <critical|high|medium|low> --file <path> --line-start <n> --line-end <n> --description <d> --suggestion <s>\n")
	sb.WriteString("5. When done, submit your round summary:\n")
	sb.WriteString("   arv summary --text <overall assessment>\n")

	if ic := in.ImplementationContext; ic != nil {
		sb.WriteString("\n## Implementation context from the author\n\n")
		sb.WriteString(ic.Summary + "\n")
		for _, d := range ic.Decisions {
			fmt.Fprintf(&sb, "- decision: %s\n", d)
		}
		for _, t := range ic.Tradeoffs {
			fmt.Fprintf(&sb, "- tradeoff: %s\n", t)
		}
	}
	writeKnowledge(&sb, in.Knowledge)

	sb.WriteString("\n## Important\n\n")
	sb.WriteString("- Review independently. Do not ask for human input.\n")
	sb.WriteString("- Be specific: include file paths and line numbers.\n")
	sb.WriteString("- Only report real issues. Do not fabricate problems.\n")
	sb.WriteString("- If you find no issues you MUST still submit a summary.\n")
	sb.WriteString("- Complete the review in a single run.\n")
	fmt.Fprintf(&sb, "- Session ID: %s\n", in.SessionID)
	return sb.String()
}

func writeKnowledge(sb *strings.Builder, k models.Knowledge) {
	if k.Conventions == "" && k.Decisions == "" && k.IgnoreRules == "" && k.ReviewExamples == "" {
		return
	}
	sb.WriteString("\n## Project knowledge\n\n")
	if k.Conventions != "" {
		sb.WriteString("### Conventions\n" + k.Conventions + "\n")
	}
	if k.Decisions != "" {
		sb.WriteString("### Decisions\n" + k.Decisions + "\n")
	}
	if k.IgnoreRules != "" {
		sb.WriteString("### Ignore rules\n" + k.IgnoreRules + "\n")
	}
	if k.ReviewExamples != "" {
		sb.WriteString("### Review examples\n" + k.ReviewExamples + "\n")
	}
}

// DeliberationInput parameterizes a deliberation-round prompt.
type DeliberationInput struct {
	SessionID string
	Agent     models.AgentConfig
	APIBase   string
	AgentKey  string
	IssueIDs  []string
	Turn      int
}

// BuildDeliberation renders the prompt for one deliberation round.
func BuildDeliberation(in DeliberationInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a code reviewer (model: %s) in deliberation round %d.\n\n", in.Agent.ID, in.Turn)
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("Other reviewers have raised issues. Review each one and vote.\n\n")
	sb.WriteString("For each issue ID listed below:\n\n")
	fmt.Fprintf(&sb, "1. Retrieve the issue thread:\n   curl -H \"X-Agent-Key: %s\" %s/api/issues/{issue_id}\n", in.AgentKey, in.APIBase)
	sb.WriteString("2. Analyze the code context, severity, and the other opinions.\n")
	sb.WriteString("3. Submit your opinion:\n")
	sb.WriteString("   arv opinion --issue {issue_id} --action <fix_required|no_fix|false_positive|comment> \\\n")
	sb.WriteString("     --reasoning <analysis> --severity <suggested> --confidence <0.0-1.0>\n")
	sb.WriteString("   Use withdraw only on issues you raised yourself.\n")
	sb.WriteString("\n## Pending issue IDs\n\n")
	for _, id := range in.IssueIDs {
		fmt.Fprintf(&sb, "  - %s\n", id)
	}
	sb.WriteString("\n## Important\n\n")
	sb.WriteString("- Process ALL listed issues.\n")
	sb.WriteString("- Deliberate independently. Do not ask for human input.\n")
	sb.WriteString("- Be concise but substantive in your reasoning.\n")
	fmt.Fprintf(&sb, "- Session ID: %s\n", in.SessionID)
	return sb.String()
}

// VerificationInput parameterizes a fix-verification prompt.
type VerificationInput struct {
	SessionID string
	Agent     models.AgentConfig
	APIBase   string
	AgentKey  string
	Round     int
	IssueIDs  []string
}

// BuildVerification renders the prompt asking a raiser to inspect the delta
// diff after a fix commit.
func BuildVerification(in VerificationInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a code reviewer (model: %s) verifying fixes, round %d.\n\n", in.Agent.ID, in.Round)
	sb.WriteString("The author has committed fixes. Confirm whether the issues you raised are resolved.\n\n")
	sb.WriteString("## Instructions\n\n")
	fmt.Fprintf(&sb, "1. Retrieve the delta diff:\n   curl -H \"X-Agent-Key: %s\" %s/api/sessions/%s/delta\n", in.AgentKey, in.APIBase, in.SessionID)
	sb.WriteString("2. For each of your issues below, judge the fix against the delta.\n")
	sb.WriteString("3. Respond per issue:\n")
	sb.WriteString("   arv respond --issue {issue_id} --action <accept|dispute|partial> --reasoning <why>\n")
	sb.WriteString("\n## Issues to verify\n\n")
	for _, id := range in.IssueIDs {
		fmt.Fprintf(&sb, "  - %s\n", id)
	}
	sb.WriteString("\n## Important\n\n")
	sb.WriteString("- accept only when the delta actually fixes the issue.\n")
	sb.WriteString("- dispute with a concrete reason when it does not.\n")
	fmt.Fprintf(&sb, "- Session ID: %s\n", in.SessionID)
	return sb.String()
}

// AssistInput parameterizes the per-issue helper conversation prompt.
type AssistInput struct {
	Issue       *models.Issue
	DiffContent string
	UserMessage string
}

// BuildAssist renders the helper-conversation prompt for one issue.
func BuildAssist(in AssistInput) string {
	issue := in.Issue
	var sb strings.Builder
	sb.WriteString("You are a senior developer helping resolve a code-review issue.\n\n")
	sb.WriteString("## Issue\n")
	fmt.Fprintf(&sb, "- Title: %s\n", issue.Title)
	fmt.Fprintf(&sb, "- Severity: %s\n", issue.Severity)
	fmt.Fprintf(&sb, "- Location: %s\n", LocationText(issue))
	fmt.Fprintf(&sb, "- Description: %s\n", issue.Description)
	if issue.Suggestion != "" {
		fmt.Fprintf(&sb, "- Suggestion: %s\n", issue.Suggestion)
	}
	if len(issue.Thread) > 0 {
		sb.WriteString("\n## Reviewer discussion\n")
		for _, op := range issue.Thread {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", op.ModelID, op.Action, op.Reasoning)
		}
	}
	if in.DiffContent != "" {
		sb.WriteString("\n## Related diff\n```diff\n" + in.DiffContent + "\n```\n")
	}
	if len(issue.AssistThread) > 0 {
		sb.WriteString("\n## Previous conversation\n")
		for _, msg := range issue.AssistThread {
			fmt.Fprintf(&sb, "**%s**: %s\n", msg.Role, msg.Content)
		}
	}
	fmt.Fprintf(&sb, "\n**user**: %s\n\n", in.UserMessage)
	sb.WriteString("Provide concrete code where a fix is needed. If the change spans multiple files, suggest a CLI command to apply it directly.\n")
	return sb.String()
}

// BuildAssistOpinion renders the prompt asking the helper model for a
// JSON-only mediator opinion.
func BuildAssistOpinion(issue *models.Issue, diffContent, userMessage string) string {
	var sb strings.Builder
	sb.WriteString("You are a code-review mediator.\n")
	sb.WriteString("Write exactly one JSON object as your opinion on the issue below.\n\n")
	sb.WriteString("Output format (JSON only):\n")
	sb.WriteString(`{"action":"fix_required|no_fix|comment","reasoning":"...","suggested_severity":"critical|high|medium|low|null"}` + "\n\n")
	fmt.Fprintf(&sb, "- Title: %s\n", issue.Title)
	fmt.Fprintf(&sb, "- Location: %s\n", LocationText(issue))
	fmt.Fprintf(&sb, "- Description: %s\n", issue.Description)
	if len(issue.Thread) > 0 {
		sb.WriteString("\nExisting discussion:\n")
		for _, op := range issue.Thread {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", op.ModelID, op.Action, op.Reasoning)
		}
	}
	if diffContent != "" {
		sb.WriteString("\nRelated diff:\n```diff\n" + diffContent + "\n```\n")
	}
	if userMessage != "" {
		fmt.Fprintf(&sb, "\nOperator instruction: %s\n", userMessage)
	}
	sb.WriteString("\nDo not output anything except the JSON object.\n")
	return sb.String()
}

// LocationText formats an issue location as file, file:line, or
// file:start-end.
func LocationText(issue *models.Issue) string {
	start, end := issue.LineStart, issue.LineEnd
	if start == nil {
		start = issue.Line
	}
	if start == nil {
		return issue.File
	}
	if end != nil && *end != *start {
		return fmt.Sprintf("%s:%d-%d", issue.File, *start, *end)
	}
	return fmt.Sprintf("%s:%d", issue.File, *start)
}

// CLICommand returns a copy-pasteable helper command for resolving an issue
// outside the assist conversation.
func CLICommand(issue *models.Issue) string {
	return fmt.Sprintf("claude -p %q", fmt.Sprintf("Fix the issue in %s: %s. %s", issue.File, issue.Title, issue.Description))
}

// BuildConnectionTest renders the probe prompt for a connection test.
func BuildConnectionTest(callbackURL, token string) string {
	var sb strings.Builder
	sb.WriteString("This is a connectivity probe. Perform exactly one action:\n\n")
	fmt.Fprintf(&sb, "  curl -s -X POST %s -H \"X-Agent-Key: %s\"\n\n", callbackURL, token)
	sb.WriteString("Then reply with the single word: done\n")
	return sb.String()
}
