// Package errdefs defines the shared error taxonomy for the orchestrator.
// Precondition failures are ordinary values retried by callers; invariant
// violations carry identifiers sufficient to diagnose.
package errdefs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates a run, run node, or selector target is missing.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed indicates a conditional update matched zero rows.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInvalidTransition indicates a disallowed status transition.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidRequest indicates a malformed caller request.
	ErrInvalidRequest = errors.New("invalid request")
)

// ConflictError is surfaced when bounded precondition retries are exhausted
// because the observed status kept changing under a control action.
type ConflictError struct {
	WorkflowRunID uuid.UUID
	Action        string
	LastStatus    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent conflict applying %s to run %s (last observed status %q)",
		e.Action, e.WorkflowRunID, e.LastStatus)
}

// BarrierError is an invariant violation on a fan-out join barrier.
type BarrierError struct {
	WorkflowRunID    uuid.UUID
	SpawnerRunNodeID uuid.UUID
	JoinRunNodeID    uuid.UUID
	Reason           string
}

func (e *BarrierError) Error() string {
	return fmt.Sprintf("barrier invariant violation for spawner %s join %s in run %s: %s",
		e.SpawnerRunNodeID, e.JoinRunNodeID, e.WorkflowRunID, e.Reason)
}

// DuplicateSpawnError is raised when a spawner attempts to emit a fan-out
// batch while a barrier for the pair is still active. The spawner's result is
// retained but the batch is not applied.
type DuplicateSpawnError struct {
	WorkflowRunID    uuid.UUID
	SpawnerRunNodeID uuid.UUID
	NodeKey          string
}

func (e *DuplicateSpawnError) Error() string {
	return fmt.Sprintf("spawner %s (%s) in run %s cannot emit another fan-out batch while a barrier is active",
		e.SpawnerRunNodeID, e.NodeKey, e.WorkflowRunID)
}

// SpawnCapError is raised when a spawner declares more subtasks than its
// max_children allows.
type SpawnCapError struct {
	WorkflowRunID    uuid.UUID
	SpawnerRunNodeID uuid.UUID
	NodeKey          string
	Declared         int
	MaxChildren      int
}

func (e *SpawnCapError) Error() string {
	return fmt.Sprintf("spawner %s (%s) in run %s declared %d subtasks, max_children is %d",
		e.SpawnerRunNodeID, e.NodeKey, e.WorkflowRunID, e.Declared, e.MaxChildren)
}
