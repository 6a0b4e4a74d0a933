package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/models"
)

// ArtifactRepository handles database operations for phase artifacts
type ArtifactRepository struct {
	q db.Querier
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(q db.Querier) *ArtifactRepository {
	return &ArtifactRepository{q: q}
}

const artifactColumns = `id, workflow_run_id, run_node_id, artifact_type, content_type, content, metadata, created_at`

// Insert inserts a phase artifact
func (r *ArtifactRepository) Insert(ctx context.Context, a *models.PhaseArtifact) error {
	query := `
		INSERT INTO phase_artifacts (` + artifactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		a.ID, a.WorkflowRunID, a.RunNodeID, a.ArtifactType, a.ContentType, a.Content, a.Metadata, a.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to insert phase artifact: %w", err)
	}

	return nil
}

func scanArtifact(row pgx.Row) (*models.PhaseArtifact, error) {
	a := &models.PhaseArtifact{}
	err := row.Scan(&a.ID, &a.WorkflowRunID, &a.RunNodeID, &a.ArtifactType, &a.ContentType, &a.Content, &a.Metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LatestByRun retrieves the latest artifact of any type per run node
func (r *ArtifactRepository) LatestByRun(ctx context.Context, runID uuid.UUID) (map[uuid.UUID]*models.PhaseArtifact, error) {
	query := `
		SELECT DISTINCT ON (run_node_id) ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1
		ORDER BY run_node_id, created_at DESC, id DESC
	`
	return r.latestMap(ctx, query, runID)
}

// LatestReportsByRun retrieves the latest report artifact per run node
func (r *ArtifactRepository) LatestReportsByRun(ctx context.Context, runID uuid.UUID) (map[uuid.UUID]*models.PhaseArtifact, error) {
	query := `
		SELECT DISTINCT ON (run_node_id) ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1 AND artifact_type = 'report'
		ORDER BY run_node_id, created_at DESC, id DESC
	`
	return r.latestMap(ctx, query, runID)
}

func (r *ArtifactRepository) latestMap(ctx context.Context, query string, runID uuid.UUID) (map[uuid.UUID]*models.PhaseArtifact, error) {
	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest artifacts: %w", err)
	}
	defer rows.Close()

	latest := make(map[uuid.UUID]*models.PhaseArtifact)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase artifact: %w", err)
		}
		latest[a.RunNodeID] = a
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase artifacts: %w", err)
	}

	return latest, nil
}

// LatestFailureLog retrieves the most recent log artifact for a run node, or
// nil when the node has never failed.
func (r *ArtifactRepository) LatestFailureLog(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1 AND run_node_id = $2 AND artifact_type = 'log'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	a, err := scanArtifact(r.q.QueryRow(ctx, query, runID, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load failure log: %w", err)
	}
	return a, nil
}

// LatestRetrySummary retrieves the retry-failure-summary note recorded for a
// specific prior attempt of a run node, or nil when none exists.
func (r *ArtifactRepository) LatestRetrySummary(ctx context.Context, runID, nodeID uuid.UUID, sourceAttempt int) (*models.PhaseArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1 AND run_node_id = $2 AND artifact_type = 'note'
		  AND metadata->>'kind' = $3
		  AND (metadata->>'source_attempt')::int = $4
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	a, err := scanArtifact(r.q.QueryRow(ctx, query, runID, nodeID, models.NoteKindRetryFailureSummary, sourceAttempt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retry summary: %w", err)
	}
	return a, nil
}

// MostRecentRetrySummary retrieves the newest retry-failure-summary note for
// a run node regardless of attempt, or nil when none exists.
func (r *ArtifactRepository) MostRecentRetrySummary(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1 AND run_node_id = $2 AND artifact_type = 'note'
		  AND metadata->>'kind' = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	a, err := scanArtifact(r.q.QueryRow(ctx, query, runID, nodeID, models.NoteKindRetryFailureSummary))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retry summary: %w", err)
	}
	return a, nil
}

// ListByNode retrieves all artifacts for one run node, oldest first
func (r *ArtifactRepository) ListByNode(ctx context.Context, runID, nodeID uuid.UUID) ([]*models.PhaseArtifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM phase_artifacts
		WHERE workflow_run_id = $1 AND run_node_id = $2
		ORDER BY created_at, id
	`

	rows, err := r.q.Query(ctx, query, runID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.PhaseArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase artifacts: %w", err)
	}

	return artifacts, nil
}
