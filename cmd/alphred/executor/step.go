package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alphred/alphred/cmd/alphred/contextpack"
	"github.com/alphred/alphred/cmd/alphred/fanout"
	"github.com/alphred/alphred/cmd/alphred/provider"
	"github.com/alphred/alphred/cmd/alphred/routing"
	"github.com/alphred/alphred/cmd/alphred/worktree"
	"github.com/alphred/alphred/common/models"
	"github.com/alphred/alphred/common/repository"
)

// executeClaimed drives one claimed node to a terminal attempt status. The
// provider is invoked outside any open transaction: context assembly
// persists in one transaction, result persistence in another.
func (e *Executor) executeClaimed(ctx context.Context, g *repository.RunGraph, sel *routing.Selection, node *models.RunNode, allowRetries bool) (*StepResult, error) {
	log := e.log.WithRunID(g.Run.ID.String()).WithNodeKey(node.NodeKey)

	if node.NodeType != models.NodeTypeAgent {
		// Human and tool nodes are no-op completions pending their own
		// execution surfaces.
		log.Info("completing non-agent node as no-op", "node_type", node.NodeType)
		return e.completeNode(ctx, g, node, &provider.Result{}, nil)
	}

	pack, err := e.assembleContext(ctx, g, sel, node)
	if err != nil {
		return nil, err
	}

	prov, err := e.providers.Resolve(node.Provider)
	if err != nil {
		return e.handleFailure(ctx, g, node, provider.ClassifyErr(err), allowRetries)
	}

	opts := provider.Options{
		Timeout: e.timeout,
		Context: pack.ContextStrings(),
		Model:   node.Model,
	}
	if e.worktrees != nil {
		wt, err := e.worktrees.CreateRunWorktree(ctx, worktree.CreateRequest{
			RepoName: e.repoName,
			RunID:    g.Run.ID,
			NodeKey:  node.NodeKey,
		})
		if err != nil {
			return e.handleFailure(ctx, g, node, provider.ClassifyErr(err), allowRetries)
		}
		opts.WorkingDirectory = wt.Path
	}

	log.Info("invoking provider", "provider", prov.Name(), "attempt", node.Attempt, "context_envelopes", len(pack.Envelopes))
	res, err := provider.Invoke(ctx, prov, node.Prompt, opts, e.onEvent)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return e.observeCancellation(ctx, g, err)
		}
		return e.handleFailure(ctx, g, node, provider.ClassifyErr(err), allowRetries)
	}

	return e.completeNode(ctx, g, node, res, &pack.Manifest)
}

// assembleContext builds the context pack and persists its manifest on the
// node's execution metadata.
func (e *Executor) assembleContext(ctx context.Context, g *repository.RunGraph, sel *routing.Selection, node *models.RunNode) (*contextpack.Pack, error) {
	in := contextpack.Input{
		Target:    node,
		Selection: sel,
		Reports:   g.LatestReportsByNode,
		Artifacts: g.LatestArtifactsByNode,
	}

	if node.Attempt > 1 {
		summary, err := e.store.LatestRetrySummary(ctx, g.Run.ID, node.ID, node.Attempt-1)
		if err != nil {
			return nil, err
		}
		in.RetrySummary = summary
	}

	if source := sel.FailureRouteSource(node.ID); source != nil {
		failureLog, err := e.store.LatestFailureLog(ctx, g.Run.ID, source.ID)
		if err != nil {
			return nil, err
		}
		priorSummary, err := e.store.MostRecentRetrySummary(ctx, g.Run.ID, source.ID)
		if err != nil {
			return nil, err
		}
		in.FailureRoute = &contextpack.FailureRouteInput{
			Source:       source,
			FailureLog:   failureLog,
			RetrySummary: priorSummary,
		}
	}

	pack := contextpack.Assemble(in)
	patch := map[string]any{
		"context_manifest": pack.Manifest,
	}
	if err := e.store.MergeNodeExecutionMeta(ctx, node.ID, patch); err != nil {
		return nil, err
	}
	return pack, nil
}

// completeNode persists the report, routing decision, and status flip, then
// applies fan-out when the node is a spawner.
func (e *Executor) completeNode(ctx context.Context, g *repository.RunGraph, node *models.RunNode, res *provider.Result, manifest *contextpack.Manifest) (*StepResult, error) {
	now := time.Now().UTC()

	meta := map[string]any{
		"tokens_used":     res.TokensUsed,
		"provider_events": len(res.Events),
	}
	if manifest != nil {
		meta["manifest"] = manifest
	}
	if res.RoutingDecision != "" {
		meta["routing_decision"] = res.RoutingDecision
	}

	report := &models.PhaseArtifact{
		ID:            uuid.New(),
		WorkflowRunID: g.Run.ID,
		RunNodeID:     node.ID,
		ArtifactType:  models.ArtifactReport,
		ContentType:   node.PromptContentType,
		Content:       res.Content,
		Metadata:      meta,
		CreatedAt:     now,
	}

	var decision *models.RoutingDecision
	if res.RoutingDecision != "" {
		decision = &models.RoutingDecision{
			ID:            uuid.New(),
			WorkflowRunID: g.Run.ID,
			RunNodeID:     node.ID,
			DecisionType:  models.DecisionType(res.RoutingDecision),
			CreatedAt:     now,
			RawOutput: map[string]any{
				"source":      "agent",
				"attempt":     node.Attempt,
				"tokens_used": res.TokensUsed,
			},
		}
	}

	if err := e.store.CompleteNode(ctx, repository.CompleteNodeParams{
		Node:       node,
		OccurredAt: now,
		Report:     report,
		Decision:   decision,
	}); err != nil {
		return nil, err
	}

	if node.NodeRole == models.RoleSpawner {
		if err := e.spawnChildren(ctx, g, node, report, res.Content); err != nil {
			return nil, err
		}
	}

	return &StepResult{
		Outcome:    OutcomeExecuted,
		RunStatus:  g.Run.Status,
		NodeStatus: models.NodeCompleted,
		NodeKey:    node.NodeKey,
	}, nil
}

// spawnChildren materialises the fan-out batch declared in a spawner report.
func (e *Executor) spawnChildren(ctx context.Context, g *repository.RunGraph, spawner *models.RunNode, report *models.PhaseArtifact, content string) error {
	subtasks := fanout.ParseSubtasks(content)
	if len(subtasks) == 0 {
		return nil
	}

	nodesByID := make(map[uuid.UUID]*models.RunNode, len(g.Nodes))
	for _, n := range g.Nodes {
		nodesByID[n.ID] = n
	}
	join, err := fanout.FindJoin(spawner, g.Edges, nodesByID)
	if err != nil {
		return err
	}

	plan, err := fanout.BuildPlan(g.Run, spawner, join, report, subtasks, g.Edges)
	if err != nil {
		return err
	}

	e.log.WithRunID(g.Run.ID.String()).WithNodeKey(spawner.NodeKey).
		Info("spawning fan-out batch", "children", len(plan.Children), "join", join.NodeKey)

	return e.store.SpawnChildren(ctx, repository.SpawnParams{
		Run:      g.Run,
		Spawner:  spawner,
		Children: plan.Children,
		Edges:    plan.Edges,
		Barrier:  plan.Barrier,
	})
}

// handleFailure applies the retry policy for a classified provider failure.
func (e *Executor) handleFailure(ctx context.Context, g *repository.RunGraph, node *models.RunNode, perr *provider.Error, allowRetries bool) (*StepResult, error) {
	now := time.Now().UTC()
	log := e.log.WithRunID(g.Run.ID.String()).WithNodeKey(node.NodeKey)

	summary := boundSummary(fmt.Sprintf("attempt %d failed (%s): %s", node.Attempt, perr.Classification(), perr.Message))

	if allowRetries && perr.Retryable && node.Attempt <= node.MaxRetries {
		log.Warn("retryable failure, requeueing node",
			"classification", perr.Classification(), "attempt", node.Attempt, "max_retries", node.MaxRetries)

		note := &models.PhaseArtifact{
			ID:            uuid.New(),
			WorkflowRunID: g.Run.ID,
			RunNodeID:     node.ID,
			ArtifactType:  models.ArtifactNote,
			ContentType:   "text/plain",
			Content:       summary,
			Metadata: map[string]any{
				"kind":           models.NoteKindRetryFailureSummary,
				"source_attempt": node.Attempt,
				"classification": perr.Classification(),
				"retryable":      true,
			},
			CreatedAt: now,
		}
		if err := e.store.RequeueNodeForRetry(ctx, repository.RequeueNodeParams{
			Node:       node,
			OccurredAt: now,
			Summary:    note,
		}); err != nil {
			return nil, err
		}
		return &StepResult{
			Outcome:    OutcomeExecuted,
			RunStatus:  g.Run.Status,
			NodeStatus: models.NodePending,
			NodeKey:    node.NodeKey,
		}, nil
	}

	log.Error("node failed permanently",
		"classification", perr.Classification(), "attempt", node.Attempt, "retryable", perr.Retryable)

	meta := map[string]any{
		"classification": perr.Classification(),
		"retryable":      perr.Retryable,
	}
	if perr.StatusCode > 0 {
		meta["status_code"] = perr.StatusCode
	}
	if perr.FailureCode != "" {
		meta["failure_code"] = perr.FailureCode
	}

	failureLog := &models.PhaseArtifact{
		ID:            uuid.New(),
		WorkflowRunID: g.Run.ID,
		RunNodeID:     node.ID,
		ArtifactType:  models.ArtifactLog,
		ContentType:   "text/plain",
		Content:       perr.Error(),
		Metadata:      meta,
		CreatedAt:     now,
	}
	if err := e.store.FailNode(ctx, repository.FailNodeParams{
		Node:       node,
		OccurredAt: now,
		Log:        failureLog,
	}); err != nil {
		return nil, err
	}
	return &StepResult{
		Outcome:    OutcomeExecuted,
		RunStatus:  g.Run.Status,
		NodeStatus: models.NodeFailed,
		NodeKey:    node.NodeKey,
	}, nil
}

// observeCancellation maps an aborted provider call onto the run's observed
// status: cancellation of the run itself yields run_terminal, anything else
// propagates.
func (e *Executor) observeCancellation(ctx context.Context, g *repository.RunGraph, cause error) (*StepResult, error) {
	fresh, err := e.store.LoadRunGraph(context.WithoutCancel(ctx), g.Run.ID)
	if err != nil {
		return nil, cause
	}
	if fresh.Run.Status.Terminal() {
		return &StepResult{Outcome: OutcomeRunTerminal, RunStatus: fresh.Run.Status}, nil
	}
	return nil, cause
}

func boundSummary(s string) string {
	if len(s) > contextpack.MaxErrorSummaryChars {
		return s[:contextpack.MaxErrorSummaryChars]
	}
	return s
}
