package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/models"
)

// EdgeRepository handles database operations for run edges
type EdgeRepository struct {
	q db.Querier
}

// NewEdgeRepository creates a new edge repository
func NewEdgeRepository(q db.Querier) *EdgeRepository {
	return &EdgeRepository{q: q}
}

// Insert inserts a run edge
func (r *EdgeRepository) Insert(ctx context.Context, e *models.RunEdge) error {
	query := `
		INSERT INTO run_edges (id, workflow_run_id, source_run_node_id, target_run_node_id,
		                       route_on, priority, auto, guard_expression, edge_kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		e.ID, e.WorkflowRunID, e.SourceRunNodeID, e.TargetRunNodeID,
		e.RouteOn, e.Priority, e.Auto, e.GuardExpression, e.EdgeKind,
	)

	if err != nil {
		return fmt.Errorf("failed to insert run edge: %w", err)
	}

	return nil
}

// InsertMany inserts a batch of run edges
func (r *EdgeRepository) InsertMany(ctx context.Context, edges []*models.RunEdge) error {
	for _, e := range edges {
		if err := r.Insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// ListByRun retrieves all run edges for a run in selection order
func (r *EdgeRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunEdge, error) {
	query := `
		SELECT id, workflow_run_id, source_run_node_id, target_run_node_id,
		       route_on, priority, auto, guard_expression, edge_kind
		FROM run_edges
		WHERE workflow_run_id = $1
		ORDER BY source_run_node_id, route_on, priority, target_run_node_id, id
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.RunEdge
	for rows.Next() {
		e := &models.RunEdge{}
		err := rows.Scan(
			&e.ID, &e.WorkflowRunID, &e.SourceRunNodeID, &e.TargetRunNodeID,
			&e.RouteOn, &e.Priority, &e.Auto, &e.GuardExpression, &e.EdgeKind,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run edge: %w", err)
		}
		edges = append(edges, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run edges: %w", err)
	}

	return edges, nil
}
