package runner

import (
	"fmt"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

// LaunchSpec is everything needed to start one reviewer subprocess.
type LaunchSpec struct {
	SessionID string
	Agent     models.AgentConfig
	TaskType  models.TaskType
	Prompt    string
	// APIBase and AgentKey are exported to the subprocess environment so the
	// arv CLI inside it can talk back.
	APIBase  string
	AgentKey string
	WorkDir  string
}

// BuildCommand maps a client kind to its CLI invocation. Each engine runs
// headless with just enough tool access to call back into the session API.
// The connection tester reuses it for its one-shot probes.
func BuildCommand(spec LaunchSpec) (name string, args []string, err error) {
	agent := spec.Agent
	switch agent.ClientKind {
	case models.ClientClaudeCode:
		args = []string{
			"--print",
			"--output-format", "text",
			"--allowedTools", "Bash(arv:*) Bash(curl:*) Read",
		}
		if agent.Model != "" {
			args = append(args, "--model", agent.Model)
		}
		args = append(args, "-p", spec.Prompt)
		return "claude", args, nil

	case models.ClientCodex:
		args = []string{
			"exec",
			"--skip-git-repo-check",
			"--full-auto",
			"--json",
			"-c", "sandbox_workspace_write.network_access=true",
		}
		if agent.Model != "" {
			args = append(args, "--model", agent.Model)
		}
		args = append(args, spec.Prompt)
		return "codex", args, nil

	case models.ClientGemini:
		args = []string{
			"--approval-mode", "yolo",
			"--allowed-tools", "run_shell_command(arv)",
			"--allowed-tools", "run_shell_command(curl)",
		}
		if agent.Model != "" {
			args = append(args, "--model", agent.Model)
		}
		args = append(args, "-p", spec.Prompt, "--output-format", "json")
		return "gemini", args, nil

	case models.ClientOpenCode:
		args = []string{"run", "--print-logs"}
		if agent.Provider != "" && agent.Model != "" {
			args = append(args, "--model", fmt.Sprintf("%s/%s", agent.Provider, agent.Model))
		}
		args = append(args, spec.Prompt)
		return "opencode", args, nil
	}
	return "", nil, fault.New(fault.Validation, "unknown client kind %q", agent.ClientKind)
}

// env returns the subprocess environment additions for a launch.
func (s LaunchSpec) env() []string {
	env := []string{
		"ARV_BASE=" + s.APIBase,
		"ARV_MODEL=" + s.Agent.ID,
		"ARV_SESSION=" + s.SessionID,
	}
	if s.AgentKey != "" {
		env = append(env, "ARV_KEY="+s.AgentKey)
	}
	return env
}
