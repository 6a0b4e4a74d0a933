package models

import (
	"time"

	"github.com/google/uuid"
)

// DecisionType is the routing signal persisted per run node per attempt
type DecisionType string

const (
	DecisionApproved         DecisionType = "approved"
	DecisionChangesRequested DecisionType = "changes_requested"
	DecisionBlocked          DecisionType = "blocked"
	DecisionRetry            DecisionType = "retry"
	DecisionNoRoute          DecisionType = "no_route"
)

// ValidAgentDecision reports whether the value is one an agent may declare.
// no_route is synthesised by the engine, never by a provider.
func ValidAgentDecision(v string) bool {
	switch DecisionType(v) {
	case DecisionApproved, DecisionChangesRequested, DecisionBlocked, DecisionRetry:
		return true
	}
	return false
}

// RoutingDecision records the routing signal for a run node. The latest
// decision per node wins; it is stale once the node starts a newer attempt or
// produces a newer artifact.
// Maps to: routing_decisions table
type RoutingDecision struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	WorkflowRunID uuid.UUID      `db:"workflow_run_id" json:"workflow_run_id"`
	RunNodeID     uuid.UUID      `db:"run_node_id" json:"run_node_id"`
	DecisionType  DecisionType   `db:"decision_type" json:"decision_type"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	RawOutput     map[string]any `db:"raw_output" json:"raw_output,omitempty"`
}

// Attempt returns the node attempt the decision was recorded for, or 0 when
// the raw output does not carry one.
func (d *RoutingDecision) Attempt() int {
	if d.RawOutput == nil {
		return 0
	}
	switch v := d.RawOutput["attempt"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
