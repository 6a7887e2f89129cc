package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/pkg/models"
)

func intp(n int) *int { return &n }

func raised(title, file string, line *int, severity models.Severity, by string, at time.Time) *models.Issue {
	return &models.Issue{
		ID:        models.NewID(),
		Title:     title,
		Severity:  severity,
		File:      file,
		Line:      line,
		RaisedBy:  by,
		CreatedAt: at,
		Thread: []models.Opinion{{
			ID:                models.NewID(),
			ModelID:           by,
			Action:            models.ActionRaise,
			SuggestedSeverity: severity,
			Turn:              0,
			Timestamp:         at,
		}},
	}
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Null deref in parse", "deref in null parse"},
		{"possible null pointer in parse", "in null pointer possible"},
		{"off-by-one in loop", "by in off one"},
		{"A B C", ""},
		{"race: map access without lock!", "access map race without"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GroupKey(tt.title), "title %q", tt.title)
	}
}

func TestCollapsesNearDuplicates(t *testing.T) {
	base := time.Now()
	a := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base)
	b := raised("null deref in parse", "p.go", intp(41), models.SeverityHigh, "B", base.Add(time.Second))

	result := Deduplicate([]*models.Issue{a, b}, 5)
	require.Len(t, result.Canonical, 1)
	require.Len(t, result.RemovedIDs, 1)

	canonical := result.Canonical[0]
	assert.Equal(t, a.ID, canonical.ID, "earliest submission wins the tie")
	assert.Equal(t, 1, canonical.DisplayNumber)
	require.Len(t, canonical.Thread, 2, "the duplicate raiser joins the thread")
	assert.Equal(t, "B", canonical.Thread[1].ModelID)
	assert.Equal(t, models.ActionFixRequired, canonical.Thread[1].Action)
	assert.Equal(t, 0, canonical.Thread[1].Turn)
}

func TestCollapsesRewordedDuplicates(t *testing.T) {
	base := time.Now()
	a := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base)
	b := raised("possible null pointer in parse", "p.go", intp(41), models.SeverityHigh, "B", base.Add(time.Second))

	// Group keys differ but share three normalized tokens, and the lines
	// sit within the proximity window.
	result := Deduplicate([]*models.Issue{a, b}, 5)
	require.Len(t, result.Canonical, 1)
	canonical := result.Canonical[0]
	assert.Equal(t, 1, canonical.DisplayNumber)
	assert.Len(t, canonical.Thread, 2)
}

func TestDistinctTitlesStaySeparate(t *testing.T) {
	base := time.Now()
	a := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base)
	b := raised("unchecked error from close", "p.go", intp(41), models.SeverityLow, "B", base.Add(time.Second))

	result := Deduplicate([]*models.Issue{a, b}, 5)
	require.Len(t, result.Canonical, 2)
	assert.Equal(t, 1, result.Canonical[0].DisplayNumber)
	assert.Equal(t, 2, result.Canonical[1].DisplayNumber)
}

func TestDifferentFilesNeverMerge(t *testing.T) {
	base := time.Now()
	a := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base)
	b := raised("null deref in parse", "q.go", intp(40), models.SeverityHigh, "B", base)

	result := Deduplicate([]*models.Issue{a, b}, 5)
	assert.Len(t, result.Canonical, 2)
}

func TestProximityWindowBoundsMerge(t *testing.T) {
	base := time.Now()
	// Same group key, far apart, titles not byte-identical after
	// normalization: distinct findings.
	a := raised("unlocked map access here", "m.go", intp(10), models.SeverityMedium, "A", base)
	b := raised("map access unlocked here", "m.go", intp(200), models.SeverityMedium, "B", base)
	require.Equal(t, GroupKey(a.Title), GroupKey(b.Title))

	result := Deduplicate([]*models.Issue{a, b}, 5)
	assert.Len(t, result.Canonical, 2)
}

func TestHighestSeverityWins(t *testing.T) {
	base := time.Now()
	a := raised("null deref in parse", "p.go", intp(40), models.SeverityMedium, "A", base)
	b := raised("null deref in parse", "p.go", intp(42), models.SeverityCritical, "B", base.Add(time.Second))

	result := Deduplicate([]*models.Issue{a, b}, 5)
	require.Len(t, result.Canonical, 1)
	assert.Equal(t, b.ID, result.Canonical[0].ID, "higher severity beats earlier submission")
}

func TestSameReviewerDoubleReportYieldsOneIssue(t *testing.T) {
	base := time.Now()
	a1 := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base)
	a2 := raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base.Add(time.Millisecond))

	result := Deduplicate([]*models.Issue{a1, a2}, 5)
	require.Len(t, result.Canonical, 1)
	assert.Len(t, result.Canonical[0].Thread, 1, "no self-vote from the duplicate")
}

func TestIdempotence(t *testing.T) {
	base := time.Now()
	issues := []*models.Issue{
		raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base),
		raised("possible null deref in parse", "p.go", intp(41), models.SeverityHigh, "B", base.Add(time.Second)),
		raised("unchecked error from close", "q.go", nil, models.SeverityLow, "C", base.Add(2*time.Second)),
	}
	first := Deduplicate(issues, 5)

	again := Deduplicate(first.Canonical, 5)
	require.Len(t, again.Canonical, len(first.Canonical))
	for i, issue := range again.Canonical {
		assert.Equal(t, first.Canonical[i].ID, issue.ID)
		assert.Equal(t, first.Canonical[i].DisplayNumber, issue.DisplayNumber)
	}
	assert.Empty(t, again.RemovedIDs)
}

func TestNoCanonicalPairSharesAFinding(t *testing.T) {
	base := time.Now()
	issues := []*models.Issue{
		raised("null deref in parse", "p.go", intp(40), models.SeverityHigh, "A", base),
		raised("null deref in parse", "p.go", intp(43), models.SeverityHigh, "B", base.Add(time.Second)),
		raised("null deref in parse", "p.go", intp(400), models.SeverityHigh, "C", base.Add(2*time.Second)),
	}
	result := Deduplicate(issues, 5)
	for i, a := range result.Canonical {
		for _, b := range result.Canonical[i+1:] {
			if a.File == b.File && a.GroupKey == b.GroupKey {
				assert.False(t, sameFinding(a, b, 5), "canonical issues %s and %s still merge", a.ID, b.ID)
			}
		}
	}
}

func TestLineNormalization(t *testing.T) {
	start, end := 12, 10
	issue := &models.Issue{
		ID:        models.NewID(),
		Title:     "swapped range",
		File:      "r.go",
		LineStart: &start,
		LineEnd:   &end,
		RaisedBy:  "A",
		CreatedAt: time.Now(),
	}
	Deduplicate([]*models.Issue{issue}, 5)
	require.NotNil(t, issue.LineStart)
	require.NotNil(t, issue.LineEnd)
	assert.Equal(t, 10, *issue.LineStart)
	assert.Equal(t, 12, *issue.LineEnd)
}
