package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/lifecycle"
	"github.com/alphred/alphred/common/models"
)

// NodeRepository handles database operations for run nodes
type NodeRepository struct {
	q db.Querier
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(q db.Querier) *NodeRepository {
	return &NodeRepository{q: q}
}

const nodeColumns = `
	id, workflow_run_id, tree_node_id, node_key, node_role, status,
	sequence_index, sequence_path, lineage_depth, spawner_node_id, join_node_id,
	attempt, started_at, completed_at, max_retries, max_children,
	node_type, provider, model, execution_permissions, error_handler_config,
	prompt, prompt_content_type, execution_meta
`

// Insert inserts a run node
func (r *NodeRepository) Insert(ctx context.Context, n *models.RunNode) error {
	query := `
		INSERT INTO run_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		n.ID, n.WorkflowRunID, n.TreeNodeID, n.NodeKey, n.NodeRole, n.Status,
		n.SequenceIndex, n.SequencePath, n.LineageDepth, n.SpawnerNodeID, n.JoinNodeID,
		n.Attempt, n.StartedAt, n.CompletedAt, n.MaxRetries, n.MaxChildren,
		n.NodeType, n.Provider, n.Model, n.ExecutionPermissions, n.ErrorHandlerConfig,
		n.Prompt, n.PromptContentType, n.ExecutionMeta,
	)

	if err != nil {
		return fmt.Errorf("failed to insert run node %s: %w", n.NodeKey, err)
	}

	return nil
}

// InsertMany inserts a batch of run nodes
func (r *NodeRepository) InsertMany(ctx context.Context, nodes []*models.RunNode) error {
	for _, n := range nodes {
		if err := r.Insert(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func scanNode(row pgx.Row) (*models.RunNode, error) {
	n := &models.RunNode{}
	err := row.Scan(
		&n.ID, &n.WorkflowRunID, &n.TreeNodeID, &n.NodeKey, &n.NodeRole, &n.Status,
		&n.SequenceIndex, &n.SequencePath, &n.LineageDepth, &n.SpawnerNodeID, &n.JoinNodeID,
		&n.Attempt, &n.StartedAt, &n.CompletedAt, &n.MaxRetries, &n.MaxChildren,
		&n.NodeType, &n.Provider, &n.Model, &n.ExecutionPermissions, &n.ErrorHandlerConfig,
		&n.Prompt, &n.PromptContentType, &n.ExecutionMeta,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetByID retrieves a run node by its ID
func (r *NodeRepository) GetByID(ctx context.Context, nodeID uuid.UUID) (*models.RunNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM run_nodes WHERE id = $1`

	n, err := scanNode(r.q.QueryRow(ctx, query, nodeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run node %s: %w", nodeID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run node: %w", err)
	}
	return n, nil
}

// GetByKey retrieves a run node by its node key within a run
func (r *NodeRepository) GetByKey(ctx context.Context, runID uuid.UUID, nodeKey string) (*models.RunNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM run_nodes WHERE workflow_run_id = $1 AND node_key = $2`

	n, err := scanNode(r.q.QueryRow(ctx, query, runID, nodeKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run node %q in run %s: %w", nodeKey, runID, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run node by key: %w", err)
	}
	return n, nil
}

// ListByRun retrieves all run nodes for a run in selection order
func (r *NodeRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM run_nodes
		WHERE workflow_run_id = $1
		ORDER BY sequence_path, sequence_index, node_key, id
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.RunNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run nodes: %w", err)
	}

	return nodes, nil
}

// ListFailed retrieves the run's nodes whose latest attempt is failed
func (r *NodeRepository) ListFailed(ctx context.Context, runID uuid.UUID) ([]*models.RunNode, error) {
	query := `
		SELECT ` + nodeColumns + `
		FROM run_nodes
		WHERE workflow_run_id = $1 AND status = 'failed'
		ORDER BY sequence_path, sequence_index, node_key, id
	`

	rows, err := r.q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed run nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.RunNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run nodes: %w", err)
	}

	return nodes, nil
}

// Transition applies a guarded node status transition with its timestamp and
// attempt side effects. retry marks a requeue that starts a new attempt.
// Returns false on a zero-row conditional update.
func (r *NodeRepository) Transition(ctx context.Context, nodeID uuid.UUID, from, to models.NodeStatus, occurredAt time.Time, retry bool) (bool, error) {
	if err := lifecycle.CheckNodeTransition(from, to); err != nil {
		return false, err
	}

	fx := lifecycle.SideEffectsFor(from, to, retry)

	set := "status = $3"
	if fx.SetStartedAt {
		set += ", started_at = $4"
	}
	if fx.ClearStartedAt {
		set += ", started_at = NULL"
	}
	if fx.SetCompletedAt {
		set += ", completed_at = $4"
	}
	if fx.ClearCompletedAt && !fx.SetCompletedAt {
		set += ", completed_at = NULL"
	}
	if fx.IncrementAttempt {
		set += ", attempt = attempt + 1"
	}

	query := `UPDATE run_nodes SET ` + set + ` WHERE id = $1 AND status = $2`

	var tag pgconn.CommandTag
	var err error
	if fx.SetStartedAt || fx.SetCompletedAt {
		tag, err = r.q.Exec(ctx, query, nodeID, from, to, occurredAt)
	} else {
		tag, err = r.q.Exec(ctx, query, nodeID, from, to)
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition run node: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimPending claims a pending node for execution, additionally requiring
// the containing run's status to be in runStatuses. Both checks share one
// conditional update.
func (r *NodeRepository) ClaimPending(ctx context.Context, nodeID uuid.UUID, occurredAt time.Time, runStatuses []models.RunStatus) (bool, error) {
	statuses := make([]string, len(runStatuses))
	for i, s := range runStatuses {
		statuses[i] = string(s)
	}

	query := `
		UPDATE run_nodes
		SET status = 'running', started_at = $2, completed_at = NULL
		WHERE id = $1 AND status = 'pending'
		  AND EXISTS (
			SELECT 1 FROM workflow_runs r
			WHERE r.id = run_nodes.workflow_run_id AND r.status = ANY($3)
		  )
	`

	tag, err := r.q.Exec(ctx, query, nodeID, occurredAt, statuses)
	if err != nil {
		return false, fmt.Errorf("failed to claim run node: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeExecutionMeta merge-patches the node's execution metadata
func (r *NodeRepository) MergeExecutionMeta(ctx context.Context, nodeID uuid.UUID, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal execution meta patch: %w", err)
	}

	var current []byte
	err = r.q.QueryRow(ctx, `SELECT COALESCE(execution_meta, '{}'::jsonb) FROM run_nodes WHERE id = $1`, nodeID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run node %s: %w", nodeID, errdefs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load execution meta: %w", err)
	}

	merged, err := jsonpatch.MergePatch(current, patchJSON)
	if err != nil {
		return fmt.Errorf("failed to merge execution meta: %w", err)
	}

	if _, err := r.q.Exec(ctx, `UPDATE run_nodes SET execution_meta = $2 WHERE id = $1`, nodeID, merged); err != nil {
		return fmt.Errorf("failed to store execution meta: %w", err)
	}
	return nil
}
