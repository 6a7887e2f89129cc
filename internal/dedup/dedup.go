// Package dedup collapses near-duplicate issue reports from different
// reviewers into one canonical issue per duplicate group. The algorithm is
// deterministic: identical inputs yield identical canonical assignments and
// numbering.
package dedup

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tony-jang/ai-review/pkg/models"
)

// DefaultProximity is the line window within which two reports in the same
// group are considered the same finding.
const DefaultProximity = 5

// GroupKey normalizes a title into its dedup identity: lowercase, punctuation
// stripped to spaces, words of length <= 1 dropped, the first four remaining
// tokens sorted alphabetically and joined.
func GroupKey(title string) string {
	lowered := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, title)

	var tokens []string
	for _, tok := range strings.Fields(lowered) {
		if len(tok) <= 1 {
			continue
		}
		tokens = append(tokens, tok)
		if len(tokens) == 4 {
			break
		}
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// normalizedTitle is the full normalized title used for byte-identity checks.
func normalizedTitle(title string) string {
	lowered := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, title)
	return strings.Join(strings.Fields(lowered), " ")
}

// Result is the outcome of one dedup pass.
type Result struct {
	// Canonical issues in original raise order, display numbers assigned.
	Canonical []*models.Issue
	// RemovedIDs are the non-canonical issue IDs folded into canonicals.
	RemovedIDs []string
}

// Deduplicate merges duplicate raises. Non-canonical reporters are folded
// into the canonical issue's thread as turn-0 fix votes carrying their
// original description (the canonical thread keeps exactly one raise).
func Deduplicate(issues []*models.Issue, proximity int) Result {
	if proximity <= 0 {
		proximity = DefaultProximity
	}

	type cluster struct {
		members []*models.Issue
	}
	var clusters []*cluster
	clusterOf := make(map[*models.Issue]*cluster)

	for _, issue := range issues {
		issue.NormalizeLines()
		issue.GroupKey = GroupKey(issue.Title)

		var joined *cluster
		for _, c := range clusters {
			head := c.members[0]
			if head.File != issue.File || !candidates(head, issue) {
				continue
			}
			for _, member := range c.members {
				if sameFinding(member, issue, proximity) {
					joined = c
					break
				}
			}
			if joined != nil {
				break
			}
		}
		if joined == nil {
			joined = &cluster{}
			clusters = append(clusters, joined)
		}
		joined.members = append(joined.members, issue)
		clusterOf[issue] = joined
	}

	canonicalOf := make(map[*cluster]*models.Issue)
	for _, c := range clusters {
		canonicalOf[c] = pickCanonical(c.members)
	}

	var result Result
	seen := make(map[*cluster]bool)
	number := 0
	for _, issue := range issues {
		c := clusterOf[issue]
		canonical := canonicalOf[c]
		if issue != canonical {
			mergeInto(canonical, issue)
			result.RemovedIDs = append(result.RemovedIDs, issue.ID)
			continue
		}
		if !seen[c] {
			seen[c] = true
			number++
			canonical.DisplayNumber = number
			result.Canonical = append(result.Canonical, canonical)
		}
	}
	return result
}

// candidates reports whether two same-file reports are duplicate
// candidates: equal group keys, or full normalized titles sharing at least
// three tokens (reviewers rarely word the same finding identically).
func candidates(a, b *models.Issue) bool {
	if a.GroupKey != "" && a.GroupKey == b.GroupKey {
		return true
	}
	setB := make(map[string]bool)
	for _, tok := range strings.Fields(normalizedTitle(b.Title)) {
		setB[tok] = true
	}
	shared := 0
	for _, tok := range strings.Fields(normalizedTitle(a.Title)) {
		if setB[tok] {
			shared++
		}
	}
	return shared >= 3
}

// sameFinding reports whether two reports in the same candidate bucket
// describe one finding: overlapping or near line ranges, or byte-identical
// normalized titles.
func sameFinding(a, b *models.Issue, proximity int) bool {
	if normalizedTitle(a.Title) == normalizedTitle(b.Title) {
		return true
	}
	if a.LineStart == nil || a.LineEnd == nil || b.LineStart == nil || b.LineEnd == nil {
		return false
	}
	return *a.LineStart <= *b.LineEnd+proximity && *b.LineStart <= *a.LineEnd+proximity
}

// pickCanonical selects the canonical member: highest severity, then earliest
// submission, then lexicographic model ID.
func pickCanonical(members []*models.Issue) *models.Issue {
	best := members[0]
	for _, m := range members[1:] {
		switch {
		case m.Severity.Rank() > best.Severity.Rank():
			best = m
		case m.Severity.Rank() < best.Severity.Rank():
		case m.CreatedAt.Before(best.CreatedAt):
			best = m
		case m.CreatedAt.Equal(best.CreatedAt) && m.RaisedBy < best.RaisedBy:
			best = m
		}
	}
	return best
}

// mergeInto folds a duplicate raise into the canonical thread. A reviewer
// already present in the thread contributes nothing new.
func mergeInto(canonical, dup *models.Issue) {
	for _, op := range canonical.Thread {
		if op.ModelID == dup.RaisedBy {
			return
		}
	}
	canonical.Thread = append(canonical.Thread, models.Opinion{
		ID:                models.NewID(),
		ModelID:           dup.RaisedBy,
		Action:            models.ActionFixRequired,
		Reasoning:         "[merged duplicate] " + dup.Description,
		SuggestedSeverity: dup.Severity,
		Turn:              0,
		Timestamp:         dup.CreatedAt,
	})
}
