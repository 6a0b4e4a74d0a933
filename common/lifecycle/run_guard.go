// Package lifecycle validates workflow-run and run-node status transitions.
// Every transition is applied by a conditional UPDATE predicated on the
// expected current status; the tables here are consulted first so rejected
// transitions produce a clear diagnostic instead of a silent zero-row update.
package lifecycle

import (
	"fmt"

	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// allowedRunTransitions is the workflow-run transition table. Terminal
// statuses admit no outgoing transitions.
var allowedRunTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunPending: {models.RunRunning, models.RunCancelled},
	models.RunRunning: {models.RunPaused, models.RunCompleted, models.RunFailed, models.RunCancelled},
	models.RunPaused:  {models.RunRunning, models.RunCancelled},
	models.RunFailed:  {models.RunRunning}, // retry
}

// CanTransitionRun reports whether from -> to is a permitted run transition.
func CanTransitionRun(from, to models.RunStatus) bool {
	for _, allowed := range allowedRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckRunTransition returns a typed error when from -> to is not permitted.
func CheckRunTransition(from, to models.RunStatus) error {
	if !CanTransitionRun(from, to) {
		return fmt.Errorf("%w: workflow run %s -> %s", errdefs.ErrInvalidTransition, from, to)
	}
	return nil
}
