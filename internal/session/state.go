package session

import (
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

// transitions lists the allowed phase moves. deliberating self-transitions
// on every new round.
var transitions = map[models.Phase][]models.Phase{
	models.PhaseIdle:         {models.PhaseCollecting},
	models.PhaseCollecting:   {models.PhaseReviewing},
	models.PhaseReviewing:    {models.PhaseDedup},
	models.PhaseDedup:        {models.PhaseDeliberating},
	models.PhaseDeliberating: {models.PhaseDeliberating, models.PhaseFixing, models.PhaseComplete},
	models.PhaseFixing:       {models.PhaseVerifying, models.PhaseComplete},
	models.PhaseVerifying:    {models.PhaseFixing, models.PhaseComplete},
	models.PhaseComplete:     {},
}

// canTransition reports whether the session may move to the target phase.
func canTransition(sess *models.Session, to models.Phase) bool {
	for _, allowed := range transitions[sess.Phase] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the session to the target phase or fails with a state
// fault naming the current phase.
func transition(sess *models.Session, to models.Phase) error {
	if !canTransition(sess, to) {
		return fault.New(fault.State, "invalid transition %s -> %s", sess.Phase, to).
			With("phase", string(sess.Phase)).
			With("requested", string(to))
	}
	sess.Phase = to
	return nil
}
