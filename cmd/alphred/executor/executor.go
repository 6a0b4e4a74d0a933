// Package executor drives the claim -> execute -> route -> persist step loop
// for one workflow run.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alphred/alphred/cmd/alphred/condition"
	"github.com/alphred/alphred/cmd/alphred/provider"
	"github.com/alphred/alphred/cmd/alphred/routing"
	"github.com/alphred/alphred/cmd/alphred/worktree"
	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/models"
	"github.com/alphred/alphred/common/repository"
)

// Store is the persistence surface the executor depends on. Implemented by
// *repository.Store; tests substitute an in-memory fake.
type Store interface {
	LoadRunGraph(ctx context.Context, runID uuid.UUID) (*repository.RunGraph, error)
	GetNode(ctx context.Context, nodeID uuid.UUID) (*models.RunNode, error)

	UpdateRunStatusIf(ctx context.Context, runID uuid.UUID, from, to models.RunStatus, occurredAt time.Time) (bool, error)
	ClaimNode(ctx context.Context, nodeID uuid.UUID, occurredAt time.Time) (bool, error)
	ClaimJoinNode(ctx context.Context, nodeID, barrierID uuid.UUID, occurredAt time.Time) (bool, error)
	RequeueNode(ctx context.Context, node *models.RunNode, occurredAt time.Time) error

	CompleteNode(ctx context.Context, p repository.CompleteNodeParams) error
	FailNode(ctx context.Context, p repository.FailNodeParams) error
	RequeueNodeForRetry(ctx context.Context, p repository.RequeueNodeParams) error
	SpawnChildren(ctx context.Context, p repository.SpawnParams) error

	InsertDecision(ctx context.Context, d *models.RoutingDecision) error
	MergeNodeExecutionMeta(ctx context.Context, nodeID uuid.UUID, patch map[string]any) error

	LatestRetrySummary(ctx context.Context, runID, nodeID uuid.UUID, sourceAttempt int) (*models.PhaseArtifact, error)
	MostRecentRetrySummary(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error)
	LatestFailureLog(ctx context.Context, runID, nodeID uuid.UUID) (*models.PhaseArtifact, error)
}

// Outcome classifies one step result
type Outcome string

const (
	OutcomeExecuted    Outcome = "executed"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeRunTerminal Outcome = "run_terminal"
)

// StepResult reports what one step did.
type StepResult struct {
	Outcome    Outcome
	RunStatus  models.RunStatus
	NodeStatus models.NodeStatus
	NodeKey    string
}

// Opts configures the executor
type Opts struct {
	Store     Store
	Providers *provider.Registry
	Worktrees worktree.Manager
	Logger    *logger.Logger

	// OnEvent observes every provider event in emission order. Optional.
	OnEvent provider.Observer

	// InvocationTimeout bounds each provider run. Zero disables the timer.
	InvocationTimeout time.Duration

	// RepoName is passed through to the worktree manager.
	RepoName string
}

// Executor claims runnable nodes and drives them to a terminal attempt
// status.
type Executor struct {
	store     Store
	providers *provider.Registry
	worktrees worktree.Manager
	log       *logger.Logger
	onEvent   provider.Observer
	timeout   time.Duration
	repoName  string
	builder   *routing.Builder
}

// New creates an executor
func New(opts Opts) (*Executor, error) {
	eval, err := condition.NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Executor{
		store:     opts.Store,
		providers: opts.Providers,
		worktrees: opts.Worktrees,
		log:       opts.Logger,
		onEvent:   opts.OnEvent,
		timeout:   opts.InvocationTimeout,
		repoName:  opts.RepoName,
	}
	e.builder = routing.NewBuilder(eval, e.log.Logger)
	return e, nil
}

// ExecuteNextRunnableNode runs one step of the run: select, claim, execute,
// persist. Replaying on a terminal run is a no-op returning run_terminal.
func (e *Executor) ExecuteNextRunnableNode(ctx context.Context, runID uuid.UUID) (*StepResult, error) {
	g, err := e.store.LoadRunGraph(ctx, runID)
	if err != nil {
		return nil, err
	}
	log := e.log.WithRunID(runID.String())

	switch {
	case g.Run.Status.Terminal():
		return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: g.Run.Status}, nil
	case g.Run.Status == models.RunPaused:
		return &StepResult{Outcome: OutcomeBlocked, RunStatus: models.RunPaused}, nil
	case g.Run.Status == models.RunPending:
		ok, err := e.store.UpdateRunStatusIf(ctx, runID, models.RunPending, models.RunRunning, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.ErrPreconditionFailed
		}
		g.Run.Status = models.RunRunning
	}

	sel := e.builder.Build(g.Nodes, g.Edges, g.DecisionsByNode, g.LatestArtifactsByNode)
	target := routing.NextRunnable(sel, g.ActiveBarriers)
	if target == nil {
		return e.resolveTerminal(ctx, g, sel)
	}

	if target.Requeue {
		log.Info("requeueing loop-back target", "node_key", target.Node.NodeKey, "attempt", target.Node.Attempt)
		if err := e.store.RequeueNode(ctx, target.Node, time.Now().UTC()); err != nil {
			return nil, err
		}
		return &StepResult{
			Outcome:    OutcomeExecuted,
			RunStatus:  g.Run.Status,
			NodeStatus: models.NodePending,
			NodeKey:    target.Node.NodeKey,
		}, nil
	}

	claimed, err := e.claim(ctx, target)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the claim race, or the run was paused or cancelled underneath
		// us. Report what we observe now.
		run, err := e.store.LoadRunGraph(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Run.Status.Terminal() {
			return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: run.Run.Status}, nil
		}
		return &StepResult{Outcome: OutcomeBlocked, RunStatus: run.Run.Status}, nil
	}

	node, err := e.store.GetNode(ctx, target.Node.ID)
	if err != nil {
		return nil, err
	}
	return e.executeClaimed(ctx, g, sel, node, true)
}

func (e *Executor) claim(ctx context.Context, target *routing.StepTarget) (bool, error) {
	now := time.Now().UTC()
	if target.Barrier != nil {
		return e.store.ClaimJoinNode(ctx, target.Node.ID, target.Barrier.ID, now)
	}
	return e.store.ClaimNode(ctx, target.Node.ID, now)
}

// resolveTerminal decides and applies the run's terminal status when nothing
// is runnable, synthesising no_route decisions where selection dead-ended.
func (e *Executor) resolveTerminal(ctx context.Context, g *repository.RunGraph, sel *routing.Selection) (*StepResult, error) {
	outcome := routing.ResolveOutcome(sel)
	now := time.Now().UTC()

	for id := range sel.NoRouteSources {
		if d := g.DecisionsByNode[id]; d != nil && d.DecisionType == models.DecisionNoRoute {
			continue
		}
		source := sel.LatestByNodeID[id]
		decision := &models.RoutingDecision{
			ID:            uuid.New(),
			WorkflowRunID: g.Run.ID,
			RunNodeID:     id,
			DecisionType:  models.DecisionNoRoute,
			CreatedAt:     now,
			RawOutput: map[string]any{
				"source":  "engine",
				"attempt": source.Attempt,
				"reason":  "no outgoing edge matched the routing decision",
			},
		}
		if err := e.store.InsertDecision(ctx, decision); err != nil {
			return nil, err
		}
	}

	ok, err := e.store.UpdateRunStatusIf(ctx, g.Run.ID, g.Run.Status, outcome.RunStatus, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.ErrPreconditionFailed
	}

	if outcome.Reason != "" {
		e.log.WithRunID(g.Run.ID.String()).Warn("run reached terminal status", "status", outcome.RunStatus, "reason", outcome.Reason)
	}
	return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: outcome.RunStatus}, nil
}

// ExecuteSingleNode executes exactly one node, by key or next runnable when
// nodeKey is empty, with retries disabled; the run then transitions to
// completed or failed on the node's terminal status regardless of remaining
// pending nodes.
func (e *Executor) ExecuteSingleNode(ctx context.Context, runID uuid.UUID, nodeKey string) (*StepResult, error) {
	g, err := e.store.LoadRunGraph(ctx, runID)
	if err != nil {
		return nil, err
	}
	if g.Run.Status.Terminal() {
		return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: g.Run.Status}, nil
	}
	if g.Run.Status == models.RunPending {
		ok, err := e.store.UpdateRunStatusIf(ctx, runID, models.RunPending, models.RunRunning, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.ErrPreconditionFailed
		}
		g.Run.Status = models.RunRunning
	}

	sel := e.builder.Build(g.Nodes, g.Edges, g.DecisionsByNode, g.LatestArtifactsByNode)

	var target *routing.StepTarget
	if nodeKey == "" {
		target = routing.NextRunnable(sel, g.ActiveBarriers)
		if target == nil || target.Requeue {
			return nil, errdefs.ErrNotFound
		}
	} else {
		node := nodeByKey(g.Nodes, nodeKey)
		if node == nil {
			return nil, errdefs.ErrNotFound
		}
		if node.Status != models.NodePending {
			return nil, errdefs.ErrInvalidRequest
		}
		target = &routing.StepTarget{Node: node}
		if node.NodeRole == models.RoleJoin {
			for _, b := range g.ActiveBarriers {
				if b.JoinRunNodeID != node.ID {
					continue
				}
				if b.Status != models.BarrierReady {
					// Children are still outstanding; the join may not run
					// ahead of its barrier.
					return nil, errdefs.ErrInvalidRequest
				}
				target.Barrier = b
			}
		}
	}

	claimed, err := e.claim(ctx, target)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, errdefs.ErrPreconditionFailed
	}

	node, err := e.store.GetNode(ctx, target.Node.ID)
	if err != nil {
		return nil, err
	}
	res, err := e.executeClaimed(ctx, g, sel, node, false)
	if err != nil {
		return nil, err
	}

	final := models.RunCompleted
	if res.NodeStatus != models.NodeCompleted {
		final = models.RunFailed
	}
	ok, err := e.store.UpdateRunStatusIf(ctx, runID, models.RunRunning, final, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.ErrPreconditionFailed
	}
	res.RunStatus = final
	return res, nil
}

func nodeByKey(nodes []*models.RunNode, key string) *models.RunNode {
	for _, n := range nodes {
		if n.NodeKey == key {
			return n
		}
	}
	return nil
}
