package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct {
		from, to models.Phase
	}{
		{models.PhaseIdle, models.PhaseCollecting},
		{models.PhaseCollecting, models.PhaseReviewing},
		{models.PhaseReviewing, models.PhaseDedup},
		{models.PhaseDedup, models.PhaseDeliberating},
		{models.PhaseDeliberating, models.PhaseDeliberating},
		{models.PhaseDeliberating, models.PhaseFixing},
		{models.PhaseDeliberating, models.PhaseComplete},
		{models.PhaseFixing, models.PhaseVerifying},
		{models.PhaseFixing, models.PhaseComplete},
		{models.PhaseVerifying, models.PhaseFixing},
		{models.PhaseVerifying, models.PhaseComplete},
	}
	for _, tc := range allowed {
		sess := &models.Session{Phase: tc.from}
		require.NoError(t, transition(sess, tc.to), "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.to, sess.Phase)
	}
}

func TestInvalidTransitions(t *testing.T) {
	denied := []struct {
		from, to models.Phase
	}{
		{models.PhaseIdle, models.PhaseReviewing},
		{models.PhaseReviewing, models.PhaseComplete},
		{models.PhaseReviewing, models.PhaseFixing},
		{models.PhaseComplete, models.PhaseDeliberating},
		{models.PhaseComplete, models.PhaseCollecting},
		{models.PhaseFixing, models.PhaseDeliberating},
	}
	for _, tc := range denied {
		sess := &models.Session{Phase: tc.from}
		err := transition(sess, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.True(t, fault.Is(err, fault.State))
		assert.Equal(t, tc.from, sess.Phase, "phase unchanged on rejection")
	}
}
