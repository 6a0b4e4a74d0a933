package models

import (
	"github.com/google/uuid"
)

// BarrierStatus tracks the fan-out join barrier lifecycle
type BarrierStatus string

const (
	BarrierPending  BarrierStatus = "pending"
	BarrierReady    BarrierStatus = "ready"
	BarrierReleased BarrierStatus = "released"
)

// Active reports whether the barrier still gates its join.
func (s BarrierStatus) Active() bool {
	return s == BarrierPending || s == BarrierReady
}

// RunJoinBarrier accounts for the dynamic children of one fan-out batch and
// releases the join once all of them reach a terminal status. At most one
// active barrier may exist per (spawner, join); uniqueness of
// SpawnSourceArtifactID enforces at most one barrier per spawner report.
// Maps to: run_join_barriers table
type RunJoinBarrier struct {
	ID                    uuid.UUID     `db:"id" json:"id"`
	WorkflowRunID         uuid.UUID     `db:"workflow_run_id" json:"workflow_run_id"`
	SpawnerRunNodeID      uuid.UUID     `db:"spawner_run_node_id" json:"spawner_run_node_id"`
	JoinRunNodeID         uuid.UUID     `db:"join_run_node_id" json:"join_run_node_id"`
	SpawnSourceArtifactID uuid.UUID     `db:"spawn_source_artifact_id" json:"spawn_source_artifact_id"`
	ExpectedChildren      int           `db:"expected_children" json:"expected_children"`
	TerminalChildren      int           `db:"terminal_children" json:"terminal_children"`
	CompletedChildren     int           `db:"completed_children" json:"completed_children"`
	FailedChildren        int           `db:"failed_children" json:"failed_children"`
	Status                BarrierStatus `db:"status" json:"status"`
}
