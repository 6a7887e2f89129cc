package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/runner"
	"github.com/tony-jang/ai-review/internal/store"
	"github.com/tony-jang/ai-review/pkg/models"
)

func ptr(f float64) *float64 { return &f }

// Two reviewers, one issue, consensus fix: the session walks reviewing ->
// dedup -> deliberating -> fixing, finish gates on the unresolved issue,
// and a withdraw closes it for good.
func TestReviewToConsensusFixFlow(t *testing.T) {
	m, sched, _, sid := setupReviewing(t, seedAgents())

	issue := report(t, m, sid, "A", "off-by-one in loop", "src/x.y", 10, models.SeverityHigh)
	require.NoError(t, m.SubmitSummary(sid, "A", "one finding"))
	assert.Equal(t, models.PhaseReviewing, sessionPhase(t, m, sid), "waits for B")

	require.NoError(t, m.SubmitSummary(sid, "B", "nothing found"))
	assert.Equal(t, models.PhaseDeliberating, sessionPhase(t, m, sid))
	assert.Positive(t, sched.launchCount(), "B gets a deliberation run")

	_, err := m.SubmitOpinion(sid, OpinionRequest{
		IssueID:    issue.ID,
		ModelID:    "B",
		Action:     "fix_required",
		Reasoning:  "confirmed",
		Confidence: ptr(0.8),
	})
	require.NoError(t, err)

	assert.Equal(t, models.PhaseFixing, sessionPhase(t, m, sid), "author gate reached")
	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Consensus)
	assert.True(t, *got.Consensus)
	assert.Equal(t, models.ConsensusFixRequired, got.ConsensusType)
	assert.Equal(t, models.SeverityHigh, got.FinalSeverity)
	assert.Equal(t, 1, got.DisplayNumber)

	// finish without fixes gates with the unresolved issue.
	unresolved, err := m.Finish(sid, false)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
	require.Len(t, unresolved, 1)
	assert.Equal(t, issue.ID, unresolved[0].ID)

	// withdraw by the raiser closes immediately and completes the session.
	_, err = m.SubmitOpinion(sid, OpinionRequest{
		IssueID:   issue.ID,
		ModelID:   "A",
		Action:    "withdraw",
		Reasoning: "retracted",
	})
	require.NoError(t, err)
	got, err = m.Issue(sid, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsensusClosed, got.ConsensusType)
	assert.Equal(t, 1, got.DisplayNumber, "display number survives the close")
	assert.Equal(t, models.PhaseComplete, sessionPhase(t, m, sid))

	// further opinions on the closed issue are rejected with a state error.
	_, err = m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "comment", Reasoning: "too late",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.State))
}

// Dedup collapses near-duplicate reports from different reviewers into one
// canonical issue carrying both raises.
func TestDedupCollapsesDuplicates(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())

	report(t, m, sid, "A", "null deref in parse", "p.go", 40, models.SeverityHigh)
	report(t, m, sid, "B", "possible null pointer in parse", "p.go", 41, models.SeverityHigh)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))

	issues, err := m.Issues(sid)
	require.NoError(t, err)
	require.Len(t, issues, 1, "one canonical issue")
	canonical := issues[0]
	assert.Equal(t, 1, canonical.DisplayNumber)
	assert.Equal(t, "A", canonical.RaisedBy)
	require.Len(t, canonical.Thread, 2, "duplicate raiser folded into the thread")
	assert.Equal(t, "B", canonical.Thread[1].ModelID)

	// Both reviewers stand behind the finding, so it decides right away.
	assert.Equal(t, models.ConsensusFixRequired, canonical.ConsensusType)
}

// A reviewer that submits the same report twice in one turn yields a single
// canonical issue.
func TestDoubleReportSameReviewer(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())

	report(t, m, sid, "A", "null deref in parse", "p.go", 40, models.SeverityHigh)
	report(t, m, sid, "A", "null deref in parse", "p.go", 40, models.SeverityHigh)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))

	issues, err := m.Issues(sid)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Len(t, issues[0].Thread, 1, "no synthetic self-vote")
}

// Deadlock bypass: low-confidence unanimity decides by majority once every
// eligible voter has spoken.
func TestDeadlockBypassMajority(t *testing.T) {
	agents := []models.AgentConfig{
		{ID: "A", ClientKind: models.ClientClaudeCode, Strictness: models.StrictnessBalanced, Enabled: true},
		{ID: "B", ClientKind: models.ClientCodex, Strictness: models.StrictnessBalanced, Enabled: true},
		{ID: "C", ClientKind: models.ClientGemini, Strictness: models.StrictnessBalanced, Enabled: true},
	}
	m, _, _, sid := setupReviewing(t, agents)

	issue := report(t, m, sid, "A", "race on counter", "c.go", 7, models.SeverityMedium)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, m.SubmitSummary(sid, id, ""))
	}
	require.Equal(t, models.PhaseDeliberating, sessionPhase(t, m, sid))

	for _, id := range []string{"B", "C"} {
		_, err := m.SubmitOpinion(sid, OpinionRequest{
			IssueID:    issue.ID,
			ModelID:    id,
			Action:     "fix_required",
			Reasoning:  "agree",
			Confidence: ptr(0.3),
		})
		require.NoError(t, err)
	}

	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Consensus)
	assert.True(t, *got.Consensus)
	assert.Equal(t, models.ConsensusFixRequired, got.ConsensusType)
}

// Fix/verify loop: dispute sends the session back to fixing once, a second
// commit plus accept completes it.
func TestFixVerifyLoop(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	ctx := context.Background()

	issue := report(t, m, sid, "A", "off-by-one in loop", "src/x.y", 10, models.SeverityHigh)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))
	_, err := m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "fix_required", Reasoning: "yes", Confidence: ptr(0.9),
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseFixing, sessionPhase(t, m, sid))

	require.NoError(t, m.SetStatus(sid, issue.ID, "fixed", "patched", "author"))

	result, err := m.FixComplete(ctx, sid, "abc1234", nil, "author")
	require.NoError(t, err)
	assert.Equal(t, 1, result["verification_round"])
	assert.Equal(t, models.PhaseVerifying, sessionPhase(t, m, sid))

	// Raiser disputes: back to fixing for round two.
	require.NoError(t, m.Respond(sid, issue.ID, "dispute", "still wrong", "A"))
	assert.Equal(t, models.PhaseFixing, sessionPhase(t, m, sid))

	_, err = m.FixComplete(ctx, sid, "def5678", nil, "author")
	require.NoError(t, err)
	require.NoError(t, m.Respond(sid, issue.ID, "accept", "fixed now", "A"))

	assert.Equal(t, models.PhaseComplete, sessionPhase(t, m, sid))
	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressCompleted, got.ProgressStatus)
}

// Verification round cap: a dispute at the cap completes the session with
// the issue frozen undecided.
func TestVerificationRoundCap(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	ctx := context.Background()

	issue := report(t, m, sid, "A", "broken invariant", "inv.go", 3, models.SeverityHigh)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))
	_, err := m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "fix_required", Reasoning: "yes", Confidence: ptr(1.0),
	})
	require.NoError(t, err)

	for round := 1; round <= 2; round++ {
		_, err = m.FixComplete(ctx, sid, "commit", nil, "author")
		require.NoError(t, err)
		require.NoError(t, m.Respond(sid, issue.ID, "dispute", "no", "A"))
	}
	assert.Equal(t, models.PhaseComplete, sessionPhase(t, m, sid))
	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsensusUndecided, got.ConsensusType)
}

// A crashed reviewer does not stall the phase; the survivor's findings
// proceed normally.
func TestCrashedReviewerDoesNotStall(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())

	issue := report(t, m, sid, "A", "leak in shutdown", "s.go", 22, models.SeverityMedium)
	require.NoError(t, m.SubmitSummary(sid, "A", "found a leak"))

	markAgentReviewing(t, m, sid, "B")
	m.onRunnerExit(sid, "B", runner.Result{Outcome: runner.OutcomeFailed, Reason: "nonzero exit"})

	assert.Equal(t, models.PhaseDeliberating, sessionPhase(t, m, sid))

	status, err := m.Status(sid)
	require.NoError(t, err)
	for _, entry := range status["agents"].([]map[string]any) {
		if entry["model_id"] == "B" {
			assert.Equal(t, models.AgentFailed, entry["status"])
			assert.Equal(t, "nonzero exit", entry["last_reason"])
		}
	}

	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Consensus, "consensus evaluation ran for the survivor's issue")
}

// A clean review-run exit without a submission is a failure, not a success.
func TestCleanExitWithoutSubmissionFails(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	markAgentReviewing(t, m, sid, "B")
	m.onRunnerExit(sid, "B", runner.Result{Outcome: runner.OutcomeFinished})

	status, err := m.Status(sid)
	require.NoError(t, err)
	for _, entry := range status["agents"].([]map[string]any) {
		if entry["model_id"] == "B" {
			assert.Equal(t, models.AgentFailed, entry["status"])
		}
	}
}

func TestOpinionRoleRules(t *testing.T) {
	// Three reviewers keep the deliberation round open while B's duplicate
	// opinion is probed.
	agents := append(seedAgents(), models.AgentConfig{
		ID: "C", ClientKind: models.ClientGemini, Strictness: models.StrictnessLenient, Enabled: true,
	})
	m, _, _, sid := setupReviewing(t, agents)
	issue := report(t, m, sid, "A", "bad cast", "c.go", 5, models.SeverityLow)

	// false_positive from the raiser is forbidden.
	_, err := m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "A", Action: "false_positive", Reasoning: "oops",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))

	// withdraw from a non-raiser is forbidden.
	_, err = m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "withdraw", Reasoning: "not mine",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Validation))

	// one opinion per (model, turn).
	_, err = m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "comment", Reasoning: "first",
	})
	require.NoError(t, err)
	_, err = m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "no_fix", Reasoning: "second",
	})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestLineRangeNormalizedNotRejected(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	start, end := 12, 10
	issue, err := m.SubmitReport(sid, "A", models.RawIssue{
		Title:     "swapped range",
		Severity:  models.SeverityLow,
		File:      "r.go",
		LineStart: &start,
		LineEnd:   &end,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, *issue.LineStart)
	assert.Equal(t, 12, *issue.LineEnd)
}

func TestFinishDuringReviewingIsStateError(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	_, err := m.Finish(sid, false)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.State))
	ctx := fault.ContextOf(err)
	assert.Equal(t, string(models.PhaseReviewing), ctx["phase"])
}

func TestFinishForceBypassesGate(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	issue := report(t, m, sid, "A", "unchecked error", "e.go", 1, models.SeverityMedium)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))
	_, err := m.SubmitOpinion(sid, OpinionRequest{
		IssueID: issue.ID, ModelID: "B", Action: "fix_required", Reasoning: "yes", Confidence: ptr(1.0),
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseFixing, sessionPhase(t, m, sid))

	_, err = m.Finish(sid, true)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseComplete, sessionPhase(t, m, sid))
	got, err := m.Issue(sid, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsensusUndecided, got.ConsensusType)
}

// Restart recovery: reviewing agents fail, sessions with reviews resume in
// deliberating, empty sessions fall back to reviewing.
func TestRestartRecovery(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.New(cfg.DataDir)
	require.NoError(t, err)

	interrupted := seedSession(t, st, models.PhaseReviewing, seedAgents())
	now := time.Now()
	interrupted.AgentStates["A"].Status = models.AgentReviewing
	interrupted.AgentStates["A"].StartedAt = &now
	require.NoError(t, st.SaveSession(interrupted))
	require.NoError(t, st.SaveReviews(interrupted.ID, []models.Review{
		{ModelID: "A", Turn: 0, SubmittedAt: now},
	}))

	empty := seedSession(t, st, models.PhaseCollecting, seedAgents())

	m, _, _ := newTestManager(t, cfg, st)

	e, err := m.entryOf(interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseDeliberating, e.sess.Phase)
	assert.Equal(t, models.AgentFailed, e.sess.AgentStates["A"].Status)
	assert.Equal(t, "interrupted: server restarted", e.sess.AgentStates["A"].LastReason)

	e, err = m.entryOf(empty.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReviewing, e.sess.Phase)
}

func TestHumanIssueInDeliberationGetsNextNumber(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	report(t, m, sid, "A", "first finding", "a.go", 1, models.SeverityLow)
	require.NoError(t, m.SubmitSummary(sid, "A", ""))
	require.NoError(t, m.SubmitSummary(sid, "B", ""))
	require.Equal(t, models.PhaseDeliberating, sessionPhase(t, m, sid))

	line := 9
	manual, err := m.SubmitReport(sid, "human", models.RawIssue{
		Title:    "operator finding",
		Severity: models.SeverityMedium,
		File:     "m.go",
		Line:     &line,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, manual.DisplayNumber)
}

// The persisted phase always matches the one broadcast on the bus.
func TestPhaseEventsMatchPersistedPhase(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.New(cfg.DataDir)
	require.NoError(t, err)
	sess := seedSession(t, st, models.PhaseReviewing, seedAgents())
	m, _, bus := newTestManager(t, cfg, st)

	sub, cancel := bus.Subscribe(sess.ID)
	defer cancel()

	report(t, m, sess.ID, "A", "finding", "a.go", 1, models.SeverityLow)
	require.NoError(t, m.SubmitSummary(sess.ID, "A", ""))
	require.NoError(t, m.SubmitSummary(sess.ID, "B", ""))

	var lastPhase any
	for len(sub.C) > 0 {
		event := <-sub.C
		if event.Kind == "phase_change" {
			lastPhase = event.Data["phase"]
		}
	}
	require.NotNil(t, lastPhase)
	loaded, err := st.LoadSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loaded.Phase, lastPhase)
}

func TestDeleteSessionStopsAndRemoves(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	require.NoError(t, m.Delete(sid))
	_, err := m.Status(sid)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestAgentKeyStableAndAuthorized(t *testing.T) {
	m, _, _, sid := setupReviewing(t, seedAgents())
	key, err := m.AgentKey(sid, "A")
	require.NoError(t, err)
	assert.Equal(t, "tok-A", key)

	assert.NoError(t, m.Authorize(sid, "A", "tok-A"))
	err = m.Authorize(sid, "A", "tok-B")
	assert.True(t, fault.Is(err, fault.Auth))

	model, err := m.ResolveModelID(sid, "tok-B")
	require.NoError(t, err)
	assert.Equal(t, "B", model)
}
