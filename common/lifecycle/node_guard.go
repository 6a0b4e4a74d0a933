package lifecycle

import (
	"fmt"

	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// allowedNodeTransitions is the run-node transition table. running -> pending
// is forbidden: an in-flight attempt must first fail before it can requeue.
var allowedNodeTransitions = map[models.NodeStatus][]models.NodeStatus{
	models.NodePending:   {models.NodeRunning},
	models.NodeRunning:   {models.NodeCompleted, models.NodeFailed},
	models.NodeFailed:    {models.NodeRunning, models.NodePending},
	models.NodeCompleted: {models.NodePending}, // requeue
	models.NodeSkipped:   {models.NodePending},
}

// CanTransitionNode reports whether from -> to is a permitted node transition.
func CanTransitionNode(from, to models.NodeStatus) bool {
	for _, allowed := range allowedNodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckNodeTransition returns a typed error when from -> to is not permitted.
func CheckNodeTransition(from, to models.NodeStatus) error {
	if !CanTransitionNode(from, to) {
		return fmt.Errorf("%w: run node %s -> %s", errdefs.ErrInvalidTransition, from, to)
	}
	return nil
}

// NodeSideEffects describes the column updates a node transition carries.
type NodeSideEffects struct {
	SetStartedAt     bool
	ClearStartedAt   bool
	SetCompletedAt   bool
	ClearCompletedAt bool
	IncrementAttempt bool
}

// SideEffectsFor computes the timestamp and attempt side effects of a node
// transition. retry marks a requeue that starts a new attempt.
func SideEffectsFor(from, to models.NodeStatus, retry bool) NodeSideEffects {
	var fx NodeSideEffects
	switch to {
	case models.NodeRunning:
		fx.SetStartedAt = true
		fx.ClearCompletedAt = true
	case models.NodeCompleted, models.NodeFailed, models.NodeSkipped:
		fx.SetCompletedAt = true
	case models.NodePending:
		fx.ClearStartedAt = true
		fx.ClearCompletedAt = true
		fx.IncrementAttempt = retry
	}
	return fx
}
