package routing

import (
	"github.com/google/uuid"

	"github.com/alphred/alphred/common/models"
)

// GuardEvaluator evaluates an edge guard expression against the source's
// routing decision. An evaluation error means the guard does not match.
type GuardEvaluator interface {
	Evaluate(expr string, decision string, rawOutput map[string]interface{}) (bool, error)
}

// Logger is the minimal logging surface the routing layer needs
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// Selection is the selected-route map computed over one run's row sets. It
// drives both node selection and context assembly.
type Selection struct {
	LatestByNodeID   map[uuid.UUID]*models.RunNode
	IncomingByTarget map[uuid.UUID][]*models.RunEdge
	OutgoingBySource map[uuid.UUID][]*models.RunEdge

	// SelectedEdgeBySource holds the single selected outgoing edge per
	// completed or failed source. Dynamic spawner-to-child edges are exempt
	// from selection and never appear here.
	SelectedEdgeBySource map[uuid.UUID]*models.RunEdge

	// NoRouteSources are completed sources whose decision matched no outgoing
	// edge. Terminal for the run when nothing is runnable.
	NoRouteSources map[uuid.UUID]bool

	// UnresolvedSources are completed sources with outgoing guarded edges but
	// no applicable routing decision.
	UnresolvedSources map[uuid.UUID]bool
}

// Selected reports whether the given edge is the selected route of its source.
func (s *Selection) Selected(e *models.RunEdge) bool {
	sel, ok := s.SelectedEdgeBySource[e.SourceRunNodeID]
	return ok && sel.ID == e.ID
}

// ApplicableDecision returns the routing decision in effect for a source
// node, or nil. The latest persisted decision applies only when it was
// recorded for the node's current attempt and is not older than the node's
// latest artifact.
func ApplicableDecision(node *models.RunNode, decision *models.RoutingDecision, latestArtifact *models.PhaseArtifact) *models.RoutingDecision {
	if decision == nil {
		return nil
	}
	if decision.Attempt() < node.Attempt {
		return nil
	}
	if latestArtifact != nil && decision.CreatedAt.Before(latestArtifact.CreatedAt) {
		return nil
	}
	return decision
}

// Builder computes route selections
type Builder struct {
	eval GuardEvaluator
	log  Logger
}

// NewBuilder creates a selection builder
func NewBuilder(eval GuardEvaluator, log Logger) *Builder {
	return &Builder{eval: eval, log: log}
}

// Build computes the selection over the latest node attempts, the full edge
// set, and the latest decision and artifact maps.
func (b *Builder) Build(
	nodes []*models.RunNode,
	edges []*models.RunEdge,
	decisions map[uuid.UUID]*models.RoutingDecision,
	artifacts map[uuid.UUID]*models.PhaseArtifact,
) *Selection {
	sel := &Selection{
		LatestByNodeID:       make(map[uuid.UUID]*models.RunNode, len(nodes)),
		IncomingByTarget:     make(map[uuid.UUID][]*models.RunEdge),
		OutgoingBySource:     make(map[uuid.UUID][]*models.RunEdge),
		SelectedEdgeBySource: make(map[uuid.UUID]*models.RunEdge),
		NoRouteSources:       make(map[uuid.UUID]bool),
		UnresolvedSources:    make(map[uuid.UUID]bool),
	}

	for _, n := range nodes {
		sel.LatestByNodeID[n.ID] = n
	}

	ordered := make([]*models.RunEdge, len(edges))
	copy(ordered, edges)
	models.SortEdges(ordered)
	for _, e := range ordered {
		sel.OutgoingBySource[e.SourceRunNodeID] = append(sel.OutgoingBySource[e.SourceRunNodeID], e)
		sel.IncomingByTarget[e.TargetRunNodeID] = append(sel.IncomingByTarget[e.TargetRunNodeID], e)
	}

	for _, n := range nodes {
		switch n.Status {
		case models.NodeCompleted:
			b.selectForCompleted(sel, n, decisions[n.ID], artifacts[n.ID])
		case models.NodeFailed:
			b.selectForFailed(sel, n)
		}
	}

	return sel
}

// selectForCompleted applies the first-matching-edge rule over the source's
// success edges. Dynamic spawner-to-child edges are all live and skipped here.
func (b *Builder) selectForCompleted(sel *Selection, source *models.RunNode, latest *models.RoutingDecision, latestArtifact *models.PhaseArtifact) {
	decision := ApplicableDecision(source, latest, latestArtifact)
	if decision != nil && decision.DecisionType == models.DecisionNoRoute {
		sel.NoRouteSources[source.ID] = true
		return
	}

	candidates := successCandidates(sel.OutgoingBySource[source.ID])
	if len(candidates) == 0 {
		return
	}

	sawGuarded := false
	for _, e := range candidates {
		if e.GuardExpression != "" {
			sawGuarded = true
			if decision == nil {
				continue
			}
			ok, err := b.eval.Evaluate(e.GuardExpression, string(decision.DecisionType), decision.RawOutput)
			if err != nil {
				b.log.Warn("guard evaluation failed, treating as non-match",
					"edge_id", e.ID, "source_node", source.NodeKey, "error", err)
				continue
			}
			if !ok {
				continue
			}
			sel.SelectedEdgeBySource[source.ID] = e
			return
		}

		// Unguarded edge: auto edges match unconditionally, plain edges need
		// an applicable decision in effect.
		if e.Auto || decision != nil {
			sel.SelectedEdgeBySource[source.ID] = e
			return
		}
	}

	if decision != nil {
		sel.NoRouteSources[source.ID] = true
		return
	}
	if sawGuarded {
		sel.UnresolvedSources[source.ID] = true
	}
}

// selectForFailed picks the first failure edge. Failure itself is the signal;
// guards on failure edges are not evaluated against a decision.
func (b *Builder) selectForFailed(sel *Selection, source *models.RunNode) {
	for _, e := range sel.OutgoingBySource[source.ID] {
		if e.RouteOn != models.RouteOnFailure {
			continue
		}
		sel.SelectedEdgeBySource[source.ID] = e
		return
	}
}

func successCandidates(out []*models.RunEdge) []*models.RunEdge {
	var candidates []*models.RunEdge
	for _, e := range out {
		if e.RouteOn != models.RouteOnSuccess {
			continue
		}
		if e.EdgeKind == models.EdgeKindSpawnerToChild {
			continue
		}
		candidates = append(candidates, e)
	}
	return candidates
}
