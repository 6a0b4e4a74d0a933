package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// BarrierRepository handles database operations for run join barriers
type BarrierRepository struct {
	q db.Querier
}

// NewBarrierRepository creates a new barrier repository
func NewBarrierRepository(q db.Querier) *BarrierRepository {
	return &BarrierRepository{q: q}
}

const barrierColumns = `
	id, workflow_run_id, spawner_run_node_id, join_run_node_id, spawn_source_artifact_id,
	expected_children, terminal_children, completed_children, failed_children, status
`

// Insert inserts a join barrier. The unique constraint on
// spawn_source_artifact_id rejects a second barrier for the same report.
func (r *BarrierRepository) Insert(ctx context.Context, b *models.RunJoinBarrier) error {
	query := `
		INSERT INTO run_join_barriers (` + barrierColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		b.ID, b.WorkflowRunID, b.SpawnerRunNodeID, b.JoinRunNodeID, b.SpawnSourceArtifactID,
		b.ExpectedChildren, b.TerminalChildren, b.CompletedChildren, b.FailedChildren, b.Status,
	)

	if isUniqueViolation(err) {
		return &errdefs.DuplicateSpawnError{
			WorkflowRunID:    b.WorkflowRunID,
			SpawnerRunNodeID: b.SpawnerRunNodeID,
		}
	}
	if err != nil {
		return fmt.Errorf("failed to insert join barrier: %w", err)
	}

	return nil
}

func scanBarrier(row pgx.Row) (*models.RunJoinBarrier, error) {
	b := &models.RunJoinBarrier{}
	err := row.Scan(
		&b.ID, &b.WorkflowRunID, &b.SpawnerRunNodeID, &b.JoinRunNodeID, &b.SpawnSourceArtifactID,
		&b.ExpectedChildren, &b.TerminalChildren, &b.CompletedChildren, &b.FailedChildren, &b.Status,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListActiveByRun retrieves the run's barriers with status pending or ready
func (r *BarrierRepository) ListActiveByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunJoinBarrier, error) {
	query := `
		SELECT ` + barrierColumns + `
		FROM run_join_barriers
		WHERE workflow_run_id = $1 AND status IN ('pending', 'ready')
		ORDER BY id
	`
	return r.list(ctx, query, runID)
}

// ActiveForPair retrieves barriers with status pending or ready for one
// (spawner, join) pair. More than one row is an invariant violation the
// caller must surface.
func (r *BarrierRepository) ActiveForPair(ctx context.Context, spawnerID, joinID uuid.UUID) ([]*models.RunJoinBarrier, error) {
	query := `
		SELECT ` + barrierColumns + `
		FROM run_join_barriers
		WHERE spawner_run_node_id = $1 AND join_run_node_id = $2 AND status IN ('pending', 'ready')
		ORDER BY id
		FOR UPDATE
	`
	return r.list(ctx, query, spawnerID, joinID)
}

// LatestForPair retrieves the most recent barrier for a (spawner, join) pair
// regardless of status, or nil when none exists.
func (r *BarrierRepository) LatestForPair(ctx context.Context, spawnerID, joinID uuid.UUID) (*models.RunJoinBarrier, error) {
	query := `
		SELECT ` + barrierColumns + `
		FROM run_join_barriers
		WHERE spawner_run_node_id = $1 AND join_run_node_id = $2
		ORDER BY id DESC
		LIMIT 1
	`

	b, err := scanBarrier(r.q.QueryRow(ctx, query, spawnerID, joinID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load join barrier: %w", err)
	}
	return b, nil
}

// ReadyForJoin retrieves the ready barrier gating a join node, or nil
func (r *BarrierRepository) ReadyForJoin(ctx context.Context, joinID uuid.UUID) (*models.RunJoinBarrier, error) {
	query := `
		SELECT ` + barrierColumns + `
		FROM run_join_barriers
		WHERE join_run_node_id = $1 AND status = 'ready'
		ORDER BY id
		LIMIT 1
	`

	b, err := scanBarrier(r.q.QueryRow(ctx, query, joinID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ready barrier: %w", err)
	}
	return b, nil
}

// RecordChildTerminal advances the barrier's counters for one terminal child
// and flips the barrier to ready when the last expected child lands. The
// conditional update serialises racing counters.
func (r *BarrierRepository) RecordChildTerminal(ctx context.Context, barrierID uuid.UUID, childCompleted bool) (bool, error) {
	completed := 0
	failed := 0
	if childCompleted {
		completed = 1
	} else {
		failed = 1
	}

	query := `
		UPDATE run_join_barriers
		SET terminal_children = terminal_children + 1,
		    completed_children = completed_children + $2,
		    failed_children = failed_children + $3,
		    status = CASE WHEN terminal_children + 1 = expected_children THEN 'ready' ELSE status END
		WHERE id = $1 AND status = 'pending' AND terminal_children < expected_children
	`

	tag, err := r.q.Exec(ctx, query, barrierID, completed, failed)
	if err != nil {
		return false, fmt.Errorf("failed to record terminal child: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reopen rolls back one terminal child after a retry requeues it, returning
// the barrier to pending. Applies whether the barrier was ready or already
// released.
func (r *BarrierRepository) Reopen(ctx context.Context, barrierID uuid.UUID, childHadFailed bool) (bool, error) {
	failed := 0
	completed := 0
	if childHadFailed {
		failed = 1
	} else {
		completed = 1
	}

	query := `
		UPDATE run_join_barriers
		SET terminal_children = GREATEST(terminal_children - 1, 0),
		    completed_children = GREATEST(completed_children - $3, 0),
		    failed_children = GREATEST(failed_children - $2, 0),
		    status = 'pending'
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, barrierID, failed, completed)
	if err != nil {
		return false, fmt.Errorf("failed to reopen join barrier: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release authorises the join to proceed. Only a ready barrier releases.
func (r *BarrierRepository) Release(ctx context.Context, barrierID uuid.UUID) (bool, error) {
	query := `
		UPDATE run_join_barriers
		SET status = 'released'
		WHERE id = $1 AND status = 'ready'
	`

	tag, err := r.q.Exec(ctx, query, barrierID)
	if err != nil {
		return false, fmt.Errorf("failed to release join barrier: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *BarrierRepository) list(ctx context.Context, query string, args ...any) ([]*models.RunJoinBarrier, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list join barriers: %w", err)
	}
	defer rows.Close()

	var barriers []*models.RunJoinBarrier
	for rows.Next() {
		b, err := scanBarrier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan join barrier: %w", err)
		}
		barriers = append(barriers, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating join barriers: %w", err)
	}

	return barriers, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
