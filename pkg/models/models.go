// Package models contains domain models for ai-review.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns a 12-hex-character opaque identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Severity classifies how serious an issue is.
type Severity string

const (
	SeverityCritical  Severity = "critical"
	SeverityHigh      Severity = "high"
	SeverityMedium    Severity = "medium"
	SeverityLow       Severity = "low"
	SeverityDismissed Severity = "dismissed"
)

// severityRank orders severities for comparisons. Higher is more severe.
var severityRank = map[Severity]int{
	SeverityDismissed: -1,
	SeverityLow:       0,
	SeverityMedium:    1,
	SeverityHigh:      2,
	SeverityCritical:  3,
}

// Rank returns the ordering rank of a severity. Unknown severities rank lowest.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -2
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Phase is a review session's lifecycle phase.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseCollecting   Phase = "collecting"
	PhaseReviewing    Phase = "reviewing"
	PhaseDedup        Phase = "dedup"
	PhaseDeliberating Phase = "deliberating"
	PhaseFixing       Phase = "fixing"
	PhaseVerifying    Phase = "verifying"
	PhaseComplete     Phase = "complete"
)

// OpinionAction is the closed set of actions an opinion can carry.
type OpinionAction string

const (
	ActionRaise         OpinionAction = "raise"
	ActionFixRequired   OpinionAction = "fix_required"
	ActionNoFix         OpinionAction = "no_fix"
	ActionFalsePositive OpinionAction = "false_positive"
	ActionWithdraw      OpinionAction = "withdraw"
	ActionComment       OpinionAction = "comment"
	ActionStatusChange  OpinionAction = "status_change"
)

// ParseAction normalizes an action string to its variant. The bool is false
// for unknown values; callers reject those at the adapter.
func ParseAction(s string) (OpinionAction, bool) {
	switch a := OpinionAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionRaise, ActionFixRequired, ActionNoFix, ActionFalsePositive,
		ActionWithdraw, ActionComment, ActionStatusChange:
		return a, true
	}
	return "", false
}

// VoteBearing reports whether the action counts in a consensus tally.
// The initial raise counts as the raiser's fix-side vote.
func (a OpinionAction) VoteBearing() bool {
	switch a {
	case ActionRaise, ActionFixRequired, ActionNoFix, ActionFalsePositive:
		return true
	}
	return false
}

// ConsensusType is the engine's verdict for an issue.
type ConsensusType string

const (
	ConsensusFixRequired ConsensusType = "fix_required"
	ConsensusDismissed   ConsensusType = "dismissed"
	ConsensusUndecided   ConsensusType = "undecided"
	ConsensusClosed      ConsensusType = "closed"
)

// ProgressStatus tracks an issue through the fix workflow.
type ProgressStatus string

const (
	ProgressReported  ProgressStatus = "reported"
	ProgressWontFix   ProgressStatus = "wont_fix"
	ProgressFixed     ProgressStatus = "fixed"
	ProgressCompleted ProgressStatus = "completed"
)

// Strictness controls an agent's default vote weight.
type Strictness string

const (
	StrictnessStrict   Strictness = "strict"
	StrictnessBalanced Strictness = "balanced"
	StrictnessLenient  Strictness = "lenient"
)

// Weight returns the vote weight for an agent with this strictness.
func (s Strictness) Weight() float64 {
	switch s {
	case StrictnessStrict:
		return 1.0
	case StrictnessLenient:
		return 0.4
	default:
		return 0.7
	}
}

// ClientKind identifies which CLI-backed engine runs a reviewer.
type ClientKind string

const (
	ClientClaudeCode ClientKind = "claude-code"
	ClientCodex      ClientKind = "codex"
	ClientGemini     ClientKind = "gemini"
	ClientOpenCode   ClientKind = "opencode"
)

// KnownClientKinds lists the supported reviewer client engines.
var KnownClientKinds = []ClientKind{ClientClaudeCode, ClientCodex, ClientGemini, ClientOpenCode}

// AgentStatus is a reviewer's runtime status within a session.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentReviewing AgentStatus = "reviewing"
	AgentSubmitted AgentStatus = "submitted"
	AgentFailed    AgentStatus = "failed"
)

// TaskType is what a reviewer run is for.
type TaskType string

const (
	TaskReview       TaskType = "review"
	TaskDeliberation TaskType = "deliberation"
	TaskVerification TaskType = "verification"
)

// AgentConfig is a configured reviewer bound to a session, or a preset.
type AgentConfig struct {
	ID           string     `json:"id"`
	ClientKind   ClientKind `json:"client_kind"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Strictness   Strictness `json:"strictness,omitempty"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Temperature  *float64   `json:"temperature,omitempty"`
	Focus        []string   `json:"focus,omitempty"`
	Color        string     `json:"color,omitempty"`
	Description  string     `json:"description,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// AgentState is a reviewer's mutable runtime record.
type AgentState struct {
	ModelID       string      `json:"model_id"`
	Status        AgentStatus `json:"status"`
	TaskType      TaskType    `json:"task_type"`
	PromptPreview string      `json:"prompt_preview,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	SubmittedAt   *time.Time  `json:"submitted_at,omitempty"`
	UpdatedAt     *time.Time  `json:"updated_at,omitempty"`
	LastReason    string      `json:"last_reason,omitempty"`
}

// ElapsedSeconds computes time spent on the current task run. While reviewing
// the clock keeps ticking; terminal states freeze at the terminal timestamp.
func (a *AgentState) ElapsedSeconds(now time.Time) *float64 {
	if a.StartedAt == nil {
		return nil
	}
	end := now
	if a.Status != AgentReviewing {
		switch {
		case a.SubmittedAt != nil:
			end = *a.SubmittedAt
		case a.UpdatedAt != nil:
			end = *a.UpdatedAt
		default:
			end = *a.StartedAt
		}
	}
	secs := end.Sub(*a.StartedAt).Seconds()
	if secs < 0 {
		secs = 0
	}
	return &secs
}

// Opinion is one entry in an issue's thread.
type Opinion struct {
	ID                string        `json:"id"`
	ModelID           string        `json:"model_id"`
	Action            OpinionAction `json:"action"`
	Reasoning         string        `json:"reasoning"`
	SuggestedSeverity Severity      `json:"suggested_severity,omitempty"`
	Confidence        *float64      `json:"confidence,omitempty"`
	Turn              int           `json:"turn"`
	Timestamp         time.Time     `json:"timestamp"`
	Mentions          []string      `json:"mentions,omitempty"`
	PreviousStatus    string        `json:"previous_status,omitempty"`
	StatusValue       string        `json:"status_value,omitempty"`
}

// AssistMessage is one turn of an issue's helper conversation.
type AssistMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Issue is a problem report with a stable identity and an opinion thread.
type Issue struct {
	ID             string          `json:"id"`
	DisplayNumber  int             `json:"display_number"`
	Title          string          `json:"title"`
	Severity       Severity        `json:"severity"`
	File           string          `json:"file"`
	Line           *int            `json:"line,omitempty"`
	LineStart      *int            `json:"line_start,omitempty"`
	LineEnd        *int            `json:"line_end,omitempty"`
	Description    string          `json:"description"`
	Suggestion     string          `json:"suggestion,omitempty"`
	RaisedBy       string          `json:"raised_by"`
	Turn           int             `json:"turn"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Consensus      *bool           `json:"consensus"`
	ConsensusType  ConsensusType   `json:"consensus_type,omitempty"`
	FinalSeverity  Severity        `json:"final_severity,omitempty"`
	ProgressStatus ProgressStatus  `json:"progress_status"`
	GroupKey       string          `json:"group_key,omitempty"`
	Thread         []Opinion       `json:"thread"`
	AssistThread   []AssistMessage `json:"assist_thread,omitempty"`
}

// Closed reports whether the issue was terminally closed via withdraw.
func (i *Issue) Closed() bool {
	return i.ConsensusType == ConsensusClosed
}

// NormalizeLines reconciles line/line_start/line_end so start <= end and the
// single-line field stays populated for older clients.
func (i *Issue) NormalizeLines() {
	start, end := i.LineStart, i.LineEnd
	if start == nil {
		start = i.Line
	}
	if end == nil {
		end = start
	}
	if start == nil && end != nil {
		start = end
	}
	if start != nil && end != nil && *end < *start {
		start, end = end, start
	}
	i.LineStart, i.LineEnd = start, end
	if i.Line == nil {
		i.Line = start
	}
}

// Review is one reviewer's round-level submission record.
type Review struct {
	ModelID     string    `json:"model_id"`
	Turn        int       `json:"turn"`
	SubmittedAt time.Time `json:"submitted_at"`
	Summary     string    `json:"summary,omitempty"`
	IssueCount  int       `json:"issue_count"`
}

// RawIssue is the wire shape of a reviewer-reported issue before it becomes
// a canonical Issue.
type RawIssue struct {
	Title       string   `json:"title"`
	Severity    Severity `json:"severity"`
	File        string   `json:"file"`
	Line        *int     `json:"line,omitempty"`
	LineStart   *int     `json:"line_start,omitempty"`
	LineEnd     *int     `json:"line_end,omitempty"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
}

// ImplementationContext is the author's optional prose about the change.
type ImplementationContext struct {
	Summary     string    `json:"summary"`
	Decisions   []string  `json:"decisions,omitempty"`
	Tradeoffs   []string  `json:"tradeoffs,omitempty"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// FixCommit records one author fix-up commit.
type FixCommit struct {
	CommitHash      string    `json:"commit_hash"`
	IssuesAddressed []string  `json:"issues_addressed,omitempty"`
	SubmittedBy     string    `json:"submitted_by,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// IssueResponse is a raiser's verdict on a delta diff during verification.
type IssueResponse struct {
	IssueID     string    `json:"issue_id"`
	Action      string    `json:"action"` // accept | dispute | partial
	Reasoning   string    `json:"reasoning,omitempty"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	Round       int       `json:"round"`
}

// IssueDismissal records an operator dismissing a fix_required issue.
type IssueDismissal struct {
	IssueID     string    `json:"issue_id"`
	Reasoning   string    `json:"reasoning,omitempty"`
	DismissedBy string    `json:"dismissed_by,omitempty"`
	DismissedAt time.Time `json:"dismissed_at"`
}

// DiffFile is one changed file within a session's diff.
type DiffFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"` // added | modified | deleted | renamed
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// AgentActivity is a single streamed reviewer activity event.
type AgentActivity struct {
	ModelID   string    `json:"model_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Knowledge is reviewer guidance loaded from the repository.
type Knowledge struct {
	Conventions    string            `json:"conventions,omitempty"`
	Decisions      string            `json:"decisions,omitempty"`
	IgnoreRules    string            `json:"ignore_rules,omitempty"`
	ReviewExamples string            `json:"review_examples,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Session is a single code-review job over a (base, head) pair.
//
// Issues and reviews are persisted separately (one file per issue); they are
// carried here for in-memory aggregation only.
type Session struct {
	ID                    string                 `json:"id"`
	RepoPath              string                 `json:"repo_path"`
	Base                  string                 `json:"base"`
	Head                  string                 `json:"head"`
	Phase                 Phase                  `json:"phase"`
	Turn                  int                    `json:"turn"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	Agents                []AgentConfig          `json:"agents"`
	AgentStates           map[string]*AgentState `json:"agent_states"`
	Diff                  []DiffFile             `json:"diff,omitempty"`
	DeltaDiff             []DiffFile             `json:"delta_diff,omitempty"`
	Knowledge             Knowledge              `json:"knowledge,omitempty"`
	ImplementationContext *ImplementationContext `json:"implementation_context,omitempty"`
	FixCommits            []FixCommit            `json:"fix_commits,omitempty"`
	Responses             []IssueResponse        `json:"issue_responses,omitempty"`
	Dismissals            []IssueDismissal       `json:"dismissals,omitempty"`
	VerificationRound     int                    `json:"verification_round"`
	MaxTurns              int                    `json:"max_turns"`
	ConsensusThreshold    float64                `json:"consensus_threshold"`
	NextDisplayNumber     int                    `json:"next_display_number"`

	Issues  []*Issue `json:"-"`
	Reviews []Review `json:"-"`
}

// AgentByID returns the configured agent with the given model ID, or nil.
func (s *Session) AgentByID(modelID string) *AgentConfig {
	for idx := range s.Agents {
		if s.Agents[idx].ID == modelID {
			return &s.Agents[idx]
		}
	}
	return nil
}

// EnabledAgents returns the enabled subset of the roster.
func (s *Session) EnabledAgents() []AgentConfig {
	out := make([]AgentConfig, 0, len(s.Agents))
	for _, a := range s.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// IssueByID returns the issue with the given ID, or nil.
func (s *Session) IssueByID(issueID string) *Issue {
	for _, issue := range s.Issues {
		if issue.ID == issueID {
			return issue
		}
	}
	return nil
}
