// Package consensus implements confidence-weighted voting over an issue's
// opinion thread. Evaluation is deterministic: the same thread always yields
// the same verdict.
package consensus

import (
	"sort"

	"github.com/tony-jang/ai-review/pkg/models"
)

// DefaultThreshold is the weighted margin one side must hold to decide an
// issue without a majority fallback.
const DefaultThreshold = 2.0

// minConfidenceWeight floors explicit confidence so a reviewer cannot zero
// out their own vote.
const minConfidenceWeight = 0.1

// Verdict is the outcome of evaluating one issue.
type Verdict struct {
	Reached         bool
	Type            models.ConsensusType
	FinalSeverity   models.Severity
	FixWeight       float64
	NoFixWeight     float64
	ReviewRequested bool // a false_positive vote asks the raiser to re-check
}

type vote struct {
	modelID  string
	action   models.OpinionAction
	weight   float64
	severity models.Severity
	turn     int
}

// latestVotes reduces a thread to each voter's latest vote-bearing opinion.
// The initial raise is the raiser's fix-side vote.
func latestVotes(issue *models.Issue, weightOf func(models.Opinion) float64) []vote {
	byVoter := make(map[string]vote)
	var order []string
	for _, op := range issue.Thread {
		if !op.Action.VoteBearing() {
			continue
		}
		if _, ok := byVoter[op.ModelID]; !ok {
			order = append(order, op.ModelID)
		}
		byVoter[op.ModelID] = vote{
			modelID:  op.ModelID,
			action:   op.Action,
			weight:   weightOf(op),
			severity: op.SuggestedSeverity,
			turn:     op.Turn,
		}
	}
	votes := make([]vote, 0, len(order))
	for _, id := range order {
		votes = append(votes, byVoter[id])
	}
	return votes
}

// Evaluate computes the verdict for one issue. agents supplies strictness
// for default weights; threshold <= 0 uses DefaultThreshold.
func Evaluate(issue *models.Issue, agents []models.AgentConfig, threshold float64) Verdict {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if issue.Closed() {
		return Verdict{Reached: true, Type: models.ConsensusClosed, FinalSeverity: models.SeverityDismissed}
	}

	strictness := make(map[string]models.Strictness, len(agents))
	for _, a := range agents {
		strictness[a.ID] = a.Strictness
	}
	weightOf := func(op models.Opinion) float64 {
		if op.Confidence != nil {
			c := *op.Confidence
			if c > 1 {
				c = 1
			}
			if c < minConfidenceWeight {
				c = minConfidenceWeight
			}
			return c
		}
		return strictness[op.ModelID].Weight()
	}

	votes := latestVotes(issue, weightOf)

	var v Verdict
	fixCount, noFixCount := 0, 0
	for _, vt := range votes {
		switch vt.action {
		case models.ActionRaise, models.ActionFixRequired:
			v.FixWeight += vt.weight
			fixCount++
		case models.ActionNoFix:
			v.NoFixWeight += vt.weight
			noFixCount++
		case models.ActionFalsePositive:
			v.NoFixWeight += vt.weight
			noFixCount++
			v.ReviewRequested = true
		}
	}

	decide := func(fix bool) Verdict {
		v.Reached = true
		if fix {
			v.Type = models.ConsensusFixRequired
			v.FinalSeverity = finalSeverity(issue, votes)
		} else {
			v.Type = models.ConsensusDismissed
			v.FinalSeverity = models.SeverityDismissed
		}
		return v
	}

	switch {
	case v.FixWeight-v.NoFixWeight >= threshold:
		return decide(true)
	case v.NoFixWeight-v.FixWeight >= threshold:
		return decide(false)
	}

	// Deadlock bypass: every enabled non-raiser has voted this turn, so the
	// simple majority of latest votes decides. Ties stay undecided for the
	// operator.
	if allVoicesHeard(issue, agents, votes) {
		switch {
		case fixCount > noFixCount:
			return decide(true)
		case noFixCount > fixCount:
			return decide(false)
		default:
			v.Reached = true
			v.Type = models.ConsensusUndecided
			v.FinalSeverity = issue.Severity
			return v
		}
	}

	v.Type = models.ConsensusUndecided
	return v
}

// allVoicesHeard reports whether every enabled non-raiser agent has a latest
// vote cast in the issue's current turn.
func allVoicesHeard(issue *models.Issue, agents []models.AgentConfig, votes []vote) bool {
	latestTurn := make(map[string]int, len(votes))
	for _, vt := range votes {
		latestTurn[vt.modelID] = vt.turn
	}
	heard := 0
	expected := 0
	for _, a := range agents {
		if !a.Enabled || a.ID == issue.RaisedBy {
			continue
		}
		expected++
		if turn, ok := latestTurn[a.ID]; ok && turn >= issue.Turn {
			heard++
		}
	}
	return expected > 0 && heard == expected
}

// finalSeverity is the weighted median of suggested severities across the
// latest fix-side votes, conservative on ties (higher severity wins). It
// falls back to the raise severity when nobody suggested one.
func finalSeverity(issue *models.Issue, votes []vote) models.Severity {
	type sw struct {
		severity models.Severity
		weight   float64
	}
	var suggestions []sw
	var total float64
	for _, vt := range votes {
		if vt.action != models.ActionRaise && vt.action != models.ActionFixRequired {
			continue
		}
		if !vt.severity.Valid() {
			continue
		}
		suggestions = append(suggestions, sw{vt.severity, vt.weight})
		total += vt.weight
	}
	if len(suggestions) == 0 || total == 0 {
		return issue.Severity
	}

	// Upper weighted median: walk from the most severe end until half the
	// weight is covered.
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].severity.Rank() > suggestions[j].severity.Rank()
	})
	var cum float64
	for _, s := range suggestions {
		cum += s.weight
		if cum >= total/2 {
			return s.severity
		}
	}
	return suggestions[len(suggestions)-1].severity
}

// Apply evaluates every open issue and writes the verdict back. Closed
// issues are untouched.
func Apply(issues []*models.Issue, agents []models.AgentConfig, threshold float64) {
	for _, issue := range issues {
		if issue.Closed() {
			continue
		}
		v := Evaluate(issue, agents, threshold)
		reached := v.Reached
		issue.Consensus = &reached
		if v.Reached {
			issue.ConsensusType = v.Type
			issue.FinalSeverity = v.FinalSeverity
		} else {
			issue.ConsensusType = models.ConsensusUndecided
			issue.FinalSeverity = ""
		}
	}
}
