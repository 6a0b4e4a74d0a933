package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/models"
)

// DecisionRepository handles database operations for routing decisions
type DecisionRepository struct {
	q db.Querier
}

// NewDecisionRepository creates a new decision repository
func NewDecisionRepository(q db.Querier) *DecisionRepository {
	return &DecisionRepository{q: q}
}

// Insert inserts a routing decision
func (r *DecisionRepository) Insert(ctx context.Context, d *models.RoutingDecision) error {
	query := `
		INSERT INTO routing_decisions (id, workflow_run_id, run_node_id, decision_type, created_at, raw_output)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		d.ID, d.WorkflowRunID, d.RunNodeID, d.DecisionType, d.CreatedAt, d.RawOutput,
	)

	if err != nil {
		return fmt.Errorf("failed to insert routing decision: %w", err)
	}

	return nil
}

// LatestByRun retrieves the latest routing decision per run node
func (r *DecisionRepository) LatestByRun(ctx context.Context, runID uuid.UUID) (map[uuid.UUID]*models.RoutingDecision, error) {
	query := `
		SELECT DISTINCT ON (run_node_id)
		       id, workflow_run_id, run_node_id, decision_type, created_at, raw_output
		FROM routing_decisions
		WHERE workflow_run_id = $1
		ORDER BY run_node_id, created_at DESC, id DESC
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest routing decisions: %w", err)
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]*models.RoutingDecision)
	for rows.Next() {
		d := &models.RoutingDecision{}
		err := rows.Scan(&d.ID, &d.WorkflowRunID, &d.RunNodeID, &d.DecisionType, &d.CreatedAt, &d.RawOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		latest[d.RunNodeID] = d
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decisions: %w", err)
	}

	return latest, nil
}

// ListByNode retrieves the routing decision history for one run node, oldest first
func (r *DecisionRepository) ListByNode(ctx context.Context, runID, nodeID uuid.UUID) ([]*models.RoutingDecision, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, decision_type, created_at, raw_output
		FROM routing_decisions
		WHERE workflow_run_id = $1 AND run_node_id = $2
		ORDER BY created_at, id
	`

	rows, err := r.q.Query(ctx, query, runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*models.RoutingDecision
	for rows.Next() {
		d := &models.RoutingDecision{}
		err := rows.Scan(&d.ID, &d.WorkflowRunID, &d.RunNodeID, &d.DecisionType, &d.CreatedAt, &d.RawOutput)
		if err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing decisions: %w", err)
	}

	return decisions, nil
}
