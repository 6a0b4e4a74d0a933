package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/lifecycle"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/models"
)

// RunGraph is a consistent snapshot of one run's row sets, loaded in a single
// transaction. Predecessors and successors are derived by in-memory joins.
type RunGraph struct {
	Run                   *models.WorkflowRun
	Nodes                 []*models.RunNode
	Edges                 []*models.RunEdge
	DecisionsByNode       map[uuid.UUID]*models.RoutingDecision
	LatestArtifactsByNode map[uuid.UUID]*models.PhaseArtifact
	LatestReportsByNode   map[uuid.UUID]*models.PhaseArtifact
	ActiveBarriers        []*models.RunJoinBarrier
}

// NodeByID returns the run node with the given id, or nil.
func (g *RunGraph) NodeByID(id uuid.UUID) *models.RunNode {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// CompleteNodeParams carries everything persisted when a node attempt
// succeeds.
type CompleteNodeParams struct {
	Node       *models.RunNode
	OccurredAt time.Time
	Report     *models.PhaseArtifact
	Decision   *models.RoutingDecision
}

// FailNodeParams carries everything persisted when a node attempt fails
// permanently.
type FailNodeParams struct {
	Node       *models.RunNode
	OccurredAt time.Time
	Log        *models.PhaseArtifact
}

// RequeueNodeParams carries everything persisted when a failed attempt is
// absorbed and rescheduled.
type RequeueNodeParams struct {
	Node       *models.RunNode
	OccurredAt time.Time
	Summary    *models.PhaseArtifact
}

// SpawnParams carries one fan-out batch: child nodes, dynamic edges, and the
// barrier row, all pre-built by the fan-out planner.
type SpawnParams struct {
	Run      *models.WorkflowRun
	Spawner  *models.RunNode
	Children []*models.RunNode
	Edges    []*models.RunEdge
	Barrier  *models.RunJoinBarrier
}

// Store is the persistence gateway: typed loaders plus transactional
// composites. Every mutating composite runs inside a serialisable
// transaction so barrier, artifact, and status updates are observed
// atomically.
type Store struct {
	db  *db.DB
	log *logger.Logger

	Runs      *RunRepository
	Nodes     *NodeRepository
	Edges     *EdgeRepository
	Artifacts *ArtifactRepository
	Decisions *DecisionRepository
	Barriers  *BarrierRepository
}

// NewStore creates a store bound to the connection pool
func NewStore(database *db.DB, log *logger.Logger) *Store {
	return &Store{
		db:        database,
		log:       log,
		Runs:      NewRunRepository(database.Pool),
		Nodes:     NewNodeRepository(database.Pool),
		Edges:     NewEdgeRepository(database.Pool),
		Artifacts: NewArtifactRepository(database.Pool),
		Decisions: NewDecisionRepository(database.Pool),
		Barriers:  NewBarrierRepository(database.Pool),
	}
}

// LoadRunGraph loads the run and all of its row sets in one transaction.
func (s *Store) LoadRunGraph(ctx context.Context, runID uuid.UUID) (*RunGraph, error) {
	var g *RunGraph
	err := s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		runs := NewRunRepository(tx)
		nodes := NewNodeRepository(tx)
		edges := NewEdgeRepository(tx)
		artifacts := NewArtifactRepository(tx)
		decisions := NewDecisionRepository(tx)
		barriers := NewBarrierRepository(tx)

		run, err := runs.GetByID(ctx, runID)
		if err != nil {
			return err
		}
		nodeList, err := nodes.ListByRun(ctx, runID)
		if err != nil {
			return err
		}
		edgeList, err := edges.ListByRun(ctx, runID)
		if err != nil {
			return err
		}
		decisionMap, err := decisions.LatestByRun(ctx, runID)
		if err != nil {
			return err
		}
		latestArtifacts, err := artifacts.LatestByRun(ctx, runID)
		if err != nil {
			return err
		}
		latestReports, err := artifacts.LatestReportsByRun(ctx, runID)
		if err != nil {
			return err
		}
		active, err := barriers.ListActiveByRun(ctx, runID)
		if err != nil {
			return err
		}

		g = &RunGraph{
			Run:                   run,
			Nodes:                 nodeList,
			Edges:                 edgeList,
			DecisionsByNode:       decisionMap,
			LatestArtifactsByNode: latestArtifacts,
			LatestReportsByNode:   latestReports,
			ActiveBarriers:        active,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*models.WorkflowRun, error) {
	return s.Runs.GetByID(ctx, runID)
}

// GetNode retrieves a run node by ID
func (s *Store) GetNode(ctx context.Context, nodeID uuid.UUID) (*models.RunNode, error) {
	return s.Nodes.GetByID(ctx, nodeID)
}

// GetNodeByKey retrieves a run node by key within a run
func (s *Store) GetNodeByKey(ctx context.Context, runID uuid.UUID, nodeKey string) (*models.RunNode, error) {
	return s.Nodes.GetByKey(ctx, runID, nodeKey)
}

// CreateRun persists a pending run with its materialised nodes and edges.
func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun, nodes []*models.RunNode, edges []*models.RunEdge) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := NewRunRepository(tx).Create(ctx, run); err != nil {
			return err
		}
		if err := NewNodeRepository(tx).InsertMany(ctx, nodes); err != nil {
			return err
		}
		return NewEdgeRepository(tx).InsertMany(ctx, edges)
	})
}

// UpdateRunStatusIf applies a guarded run status transition. Returns false on
// precondition failure.
func (s *Store) UpdateRunStatusIf(ctx context.Context, runID uuid.UUID, from, to models.RunStatus, occurredAt time.Time) (bool, error) {
	if err := lifecycle.CheckRunTransition(from, to); err != nil {
		return false, err
	}
	return s.Runs.TransitionStatus(ctx, runID, from, to, occurredAt)
}

// ClaimNode claims a pending node while the run is running. Exactly one of
// two racing workers observes changes=1.
func (s *Store) ClaimNode(ctx context.Context, nodeID uuid.UUID, occurredAt time.Time) (bool, error) {
	return s.Nodes.ClaimPending(ctx, nodeID, occurredAt, []models.RunStatus{models.RunRunning})
}

// ClaimJoinNode claims a join node and releases its ready barrier in one
// transaction. Returns false when either conditional update misses.
func (s *Store) ClaimJoinNode(ctx context.Context, nodeID, barrierID uuid.UUID, occurredAt time.Time) (bool, error) {
	claimed := false
	err := s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := NewNodeRepository(tx).ClaimPending(ctx, nodeID, occurredAt, []models.RunStatus{models.RunRunning})
		if err != nil {
			return err
		}
		if !ok {
			return errdefs.ErrPreconditionFailed
		}
		released, err := NewBarrierRepository(tx).Release(ctx, barrierID)
		if err != nil {
			return err
		}
		if !released {
			return errdefs.ErrPreconditionFailed
		}
		claimed = true
		return nil
	})
	if err == errdefs.ErrPreconditionFailed {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// MergeNodeExecutionMeta merge-patches a node's execution metadata.
func (s *Store) MergeNodeExecutionMeta(ctx context.Context, nodeID uuid.UUID, patch map[string]any) error {
	return s.Nodes.MergeExecutionMeta(ctx, nodeID, patch)
}

// LatestRetrySummary loads the retry-failure-summary note for a prior attempt.
func (s *Store) LatestRetrySummary(ctx context.Context, runID, nodeID uuid.UUID, sourceAttempt int) (*models.PhaseArtifact, error) {
	return s.Artifacts.LatestRetrySummary(ctx, runID, nodeID, sourceAttempt)
}

// MostRecentRetrySummary loads the newest retry-failure-summary note for a node.
func (s *Store) MostRecentRetrySummary(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	return s.Artifacts.MostRecentRetrySummary(ctx, runID, nodeID)
}

// LatestFailureLog loads the newest failure log artifact for a node.
func (s *Store) LatestFailureLog(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error) {
	return s.Artifacts.LatestFailureLog(ctx, runID, nodeID)
}

// InsertDecision persists a routing decision outside any composite.
func (s *Store) InsertDecision(ctx context.Context, d *models.RoutingDecision) error {
	return s.Decisions.Insert(ctx, d)
}

// CompleteNode finishes a successful attempt: status flip, report artifact,
// optional routing decision, and the barrier counter when the node is a
// dynamic child. One transaction.
func (s *Store) CompleteNode(ctx context.Context, p CompleteNodeParams) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes := NewNodeRepository(tx)

		ok, err := nodes.Transition(ctx, p.Node.ID, models.NodeRunning, models.NodeCompleted, p.OccurredAt, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("complete node %s: %w", p.Node.NodeKey, errdefs.ErrPreconditionFailed)
		}

		if p.Report != nil {
			if err := NewArtifactRepository(tx).Insert(ctx, p.Report); err != nil {
				return err
			}
		}
		if p.Decision != nil {
			if err := NewDecisionRepository(tx).Insert(ctx, p.Decision); err != nil {
				return err
			}
		}

		return s.recordChildTerminal(ctx, tx, p.Node, true)
	})
}

// FailNode finishes a permanently failed attempt: status flip, log artifact,
// and the barrier counter when the node is a dynamic child. One transaction.
func (s *Store) FailNode(ctx context.Context, p FailNodeParams) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes := NewNodeRepository(tx)

		ok, err := nodes.Transition(ctx, p.Node.ID, models.NodeRunning, models.NodeFailed, p.OccurredAt, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail node %s: %w", p.Node.NodeKey, errdefs.ErrPreconditionFailed)
		}

		if p.Log != nil {
			if err := NewArtifactRepository(tx).Insert(ctx, p.Log); err != nil {
				return err
			}
		}

		return s.recordChildTerminal(ctx, tx, p.Node, false)
	})
}

// RequeueNodeForRetry absorbs a retryable failure: the node cycles
// running -> failed -> pending with attempt incremented, the retry-failure
// summary is recorded, and the join barrier reopens when the node is a
// dynamic child. One transaction.
func (s *Store) RequeueNodeForRetry(ctx context.Context, p RequeueNodeParams) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		nodes := NewNodeRepository(tx)

		ok, err := nodes.Transition(ctx, p.Node.ID, models.NodeRunning, models.NodeFailed, p.OccurredAt, false)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue node %s: %w", p.Node.NodeKey, errdefs.ErrPreconditionFailed)
		}
		ok, err = nodes.Transition(ctx, p.Node.ID, models.NodeFailed, models.NodePending, p.OccurredAt, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue node %s: %w", p.Node.NodeKey, errdefs.ErrPreconditionFailed)
		}

		if p.Summary != nil {
			if err := NewArtifactRepository(tx).Insert(ctx, p.Summary); err != nil {
				return err
			}
		}

		// The node was still running, so no barrier counted it terminal;
		// nothing to reopen.
		return nil
	})
}

// RequeueFailedNode reschedules an already-failed node (controller retry
// path): failed -> pending with attempt incremented, barrier reopened for
// dynamic children.
func (s *Store) requeueFailedNodeTx(ctx context.Context, tx pgx.Tx, node *models.RunNode, occurredAt time.Time) error {
	ok, err := NewNodeRepository(tx).Transition(ctx, node.ID, models.NodeFailed, models.NodePending, occurredAt, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("retry node %s: %w", node.NodeKey, errdefs.ErrPreconditionFailed)
	}
	return s.reopenBarrierForChild(ctx, tx, node, true)
}

// RequeueNode cycles a terminal node back to pending with attempt
// incremented. Used for loop-back routes re-targeting a completed node and
// for controller-driven retries of a single failed node. Reopens the join
// barrier for dynamic children.
func (s *Store) RequeueNode(ctx context.Context, node *models.RunNode, occurredAt time.Time) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		ok, err := NewNodeRepository(tx).Transition(ctx, node.ID, node.Status, models.NodePending, occurredAt, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("requeue node %s: %w", node.NodeKey, errdefs.ErrPreconditionFailed)
		}
		return s.reopenBarrierForChild(ctx, tx, node, node.Status == models.NodeFailed)
	})
}

// SpawnChildren materialises one fan-out batch in a single transaction,
// refusing when a barrier for the (spawner, join) pair is still active.
func (s *Store) SpawnChildren(ctx context.Context, p SpawnParams) error {
	return s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		barriers := NewBarrierRepository(tx)

		active, err := barriers.ActiveForPair(ctx, p.Barrier.SpawnerRunNodeID, p.Barrier.JoinRunNodeID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			return &errdefs.DuplicateSpawnError{
				WorkflowRunID:    p.Run.ID,
				SpawnerRunNodeID: p.Spawner.ID,
				NodeKey:          p.Spawner.NodeKey,
			}
		}

		if err := NewNodeRepository(tx).InsertMany(ctx, p.Children); err != nil {
			return err
		}
		if err := NewEdgeRepository(tx).InsertMany(ctx, p.Edges); err != nil {
			return err
		}
		return barriers.Insert(ctx, p.Barrier)
	})
}

// RetryFailedNodes reschedules every failed latest-attempt node and flips the
// run back to running. One transaction. Returns the number of rescheduled
// nodes; zero failed nodes is an invalid request.
func (s *Store) RetryFailedNodes(ctx context.Context, runID uuid.UUID, occurredAt time.Time) (int, error) {
	count := 0
	err := s.db.WithSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		count = 0
		failed, err := NewNodeRepository(tx).ListFailed(ctx, runID)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return fmt.Errorf("%w: run %s has no failed nodes to retry", errdefs.ErrInvalidRequest, runID)
		}

		for _, node := range failed {
			if err := s.requeueFailedNodeTx(ctx, tx, node, occurredAt); err != nil {
				return err
			}
		}
		count = len(failed)

		ok, err := NewRunRepository(tx).TransitionStatus(ctx, runID, models.RunFailed, models.RunRunning, occurredAt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("retry run %s: %w", runID, errdefs.ErrPreconditionFailed)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// recordChildTerminal advances the active barrier for a dynamic child that
// just reached a terminal status. Zero active barriers is a defensive no-op;
// more than one is an invariant violation.
func (s *Store) recordChildTerminal(ctx context.Context, tx pgx.Tx, node *models.RunNode, completed bool) error {
	if !node.IsDynamicChild() {
		return nil
	}

	barriers := NewBarrierRepository(tx)
	active, err := barriers.ActiveForPair(ctx, *node.SpawnerNodeID, *node.JoinNodeID)
	if err != nil {
		return err
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		ok, err := barriers.RecordChildTerminal(ctx, active[0].ID, completed)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("barrier %s: %w", active[0].ID, errdefs.ErrPreconditionFailed)
		}
		return nil
	default:
		return &errdefs.BarrierError{
			WorkflowRunID:    node.WorkflowRunID,
			SpawnerRunNodeID: *node.SpawnerNodeID,
			JoinRunNodeID:    *node.JoinNodeID,
			Reason:           fmt.Sprintf("multiple active barriers (%d)", len(active)),
		}
	}
}

// reopenBarrierForChild rolls the barrier back for a retried dynamic child.
// A released barrier reopens too; its join then requeues to pending.
func (s *Store) reopenBarrierForChild(ctx context.Context, tx pgx.Tx, node *models.RunNode, childHadFailed bool) error {
	if !node.IsDynamicChild() {
		return nil
	}

	barriers := NewBarrierRepository(tx)
	barrier, err := barriers.LatestForPair(ctx, *node.SpawnerNodeID, *node.JoinNodeID)
	if err != nil {
		return err
	}
	if barrier == nil {
		return nil
	}

	wasReleased := barrier.Status == models.BarrierReleased
	if _, err := barriers.Reopen(ctx, barrier.ID, childHadFailed); err != nil {
		return err
	}

	if wasReleased {
		// The join already consumed the barrier; pull it back to pending so
		// it waits for the retried child.
		nodes := NewNodeRepository(tx)
		join, err := nodes.GetByID(ctx, *node.JoinNodeID)
		if err != nil {
			return err
		}
		if join.Status.Terminal() {
			if _, err := nodes.Transition(ctx, join.ID, join.Status, models.NodePending, time.Time{}, true); err != nil {
				return err
			}
		}
	}
	return nil
}
