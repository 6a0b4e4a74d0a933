package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// RunRepository handles database operations for workflow runs
type RunRepository struct {
	q db.Querier
}

// NewRunRepository creates a new run repository
func NewRunRepository(q db.Querier) *RunRepository {
	return &RunRepository{q: q}
}

// Create inserts a new workflow run
func (r *RunRepository) Create(ctx context.Context, run *models.WorkflowRun) error {
	query := `
		INSERT INTO workflow_runs (id, workflow_tree_id, status, started_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		run.ID,
		run.WorkflowTreeID,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	query := `
		SELECT id, workflow_tree_id, status, started_at, completed_at, created_at
		FROM workflow_runs
		WHERE id = $1
	`

	run := &models.WorkflowRun{}
	err := r.q.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.WorkflowTreeID,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow run %s: %w", runID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	return run, nil
}

// TransitionStatus applies a guarded status transition conditioned on the
// expected current status. Returns false when zero rows changed (precondition
// failure); the caller decides whether to retry.
func (r *RunRepository) TransitionStatus(ctx context.Context, runID uuid.UUID, from, to models.RunStatus, occurredAt time.Time) (bool, error) {
	var query string
	switch {
	case to == models.RunRunning:
		// Retrying a failed run re-enters running; completed_at clears.
		query = `
			UPDATE workflow_runs
			SET status = $3, started_at = COALESCE(started_at, $4), completed_at = NULL
			WHERE id = $1 AND status = $2
		`
	case to.Terminal():
		query = `
			UPDATE workflow_runs
			SET status = $3, completed_at = $4
			WHERE id = $1 AND status = $2
		`
	default:
		query = `
			UPDATE workflow_runs
			SET status = $3, completed_at = NULL
			WHERE id = $1 AND status = $2
		`
		tag, err := r.q.Exec(ctx, query, runID, from, to)
		if err != nil {
			return false, fmt.Errorf("failed to transition run status: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := r.q.Exec(ctx, query, runID, from, to, occurredAt)
	if err != nil {
		return false, fmt.Errorf("failed to transition run status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByStatus retrieves runs in a given status, newest first
func (r *RunRepository) ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, workflow_tree_id, status, started_at, completed_at, created_at
		FROM workflow_runs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run := &models.WorkflowRun{}
		err := rows.Scan(
			&run.ID,
			&run.WorkflowTreeID,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
