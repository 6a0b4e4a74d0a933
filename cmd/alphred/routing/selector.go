package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/alphred/alphred/common/models"
)

// StepTarget is the node the selector picked for the next step.
type StepTarget struct {
	Node *models.RunNode

	// Barrier is the ready barrier a join claim must release, nil otherwise.
	Barrier *models.RunJoinBarrier

	// Requeue marks a loop-back target: the latest attempt is terminal and
	// the node must cycle back to pending before it can be claimed.
	Requeue bool
}

// CompareNodes orders nodes for selection by (sequence_path, sequence_index,
// node_key, id).
func CompareNodes(a, b *models.RunNode) int {
	if c := strings.Compare(a.SequencePath, b.SequencePath); c != 0 {
		return c
	}
	if a.SequenceIndex != b.SequenceIndex {
		if a.SequenceIndex < b.SequenceIndex {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.NodeKey, b.NodeKey); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// SortNodes sorts nodes in selection order.
func SortNodes(nodes []*models.RunNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return CompareNodes(nodes[i], nodes[j]) < 0
	})
}

// NextRunnable computes the next runnable node over the selection, or nil
// when nothing is runnable. Barriers must be the run's active (pending or
// ready) barriers.
//
// A pending node is runnable when it has no incoming edges, or when at least
// one incoming route is live: a success edge whose source completed and is
// either dynamic spawner-to-child or the source's selected route, or a
// failure edge whose source failed and is the selected route. Join nodes
// additionally wait for their barrier to be ready.
//
// A terminal node (completed or skipped) is picked for requeue when a live
// incoming route points at it from a source that finished more recently:
// that is the loop-back case.
func NextRunnable(sel *Selection, barriers []*models.RunJoinBarrier) *StepTarget {
	readyByJoin := make(map[uuid.UUID]*models.RunJoinBarrier)
	activeByJoin := make(map[uuid.UUID]*models.RunJoinBarrier)
	for _, b := range barriers {
		activeByJoin[b.JoinRunNodeID] = b
		if b.Status == models.BarrierReady {
			readyByJoin[b.JoinRunNodeID] = b
		}
	}

	ordered := make([]*models.RunNode, 0, len(sel.LatestByNodeID))
	for _, n := range sel.LatestByNodeID {
		ordered = append(ordered, n)
	}
	SortNodes(ordered)

	for _, n := range ordered {
		switch n.Status {
		case models.NodePending:
			if target := pendingTarget(sel, n, readyByJoin, activeByJoin); target != nil {
				return target
			}
		case models.NodeCompleted, models.NodeSkipped:
			if loopBackRunnable(sel, n) {
				return &StepTarget{Node: n, Requeue: true}
			}
		}
	}

	return nil
}

func pendingTarget(sel *Selection, n *models.RunNode, readyByJoin, activeByJoin map[uuid.UUID]*models.RunJoinBarrier) *StepTarget {
	if n.NodeRole == models.RoleJoin {
		if barrier, ok := readyByJoin[n.ID]; ok {
			return &StepTarget{Node: n, Barrier: barrier}
		}
		if _, active := activeByJoin[n.ID]; active {
			// Children still outstanding.
			return nil
		}
		// No barrier at all: the spawner never fanned out, so the join flows
		// through its static edge like a standard node.
	}

	incoming := sel.IncomingByTarget[n.ID]
	if len(incoming) == 0 {
		return &StepTarget{Node: n}
	}
	for _, e := range incoming {
		if routeLive(sel, e) {
			return &StepTarget{Node: n}
		}
	}
	return nil
}

// routeLive reports whether an incoming edge currently authorises its target.
func routeLive(sel *Selection, e *models.RunEdge) bool {
	source, ok := sel.LatestByNodeID[e.SourceRunNodeID]
	if !ok {
		return false
	}

	switch e.RouteOn {
	case models.RouteOnSuccess:
		if source.Status != models.NodeCompleted {
			return false
		}
		if e.EdgeKind == models.EdgeKindSpawnerToChild {
			return true
		}
		return sel.Selected(e)
	case models.RouteOnFailure:
		return source.Status == models.NodeFailed && sel.Selected(e)
	case models.RouteOnTerminal:
		return source.Status.Terminal() && sel.Selected(e)
	}
	return false
}

// loopBackRunnable detects a terminal node re-targeted by a route whose
// source finished after it did. Forward routes from older sources never
// requeue their target.
func loopBackRunnable(sel *Selection, n *models.RunNode) bool {
	if n.CompletedAt == nil {
		return false
	}
	for _, e := range sel.IncomingByTarget[n.ID] {
		if !routeLive(sel, e) {
			continue
		}
		if e.EdgeKind == models.EdgeKindSpawnerToChild {
			continue
		}
		source := sel.LatestByNodeID[e.SourceRunNodeID]
		if source.CompletedAt != nil && source.CompletedAt.After(*n.CompletedAt) {
			return true
		}
	}
	return false
}

// Predecessors returns the completed sources of the target's live incoming
// success edges, in selection order. These are the nodes whose reports feed
// the target's context.
func (s *Selection) Predecessors(targetID uuid.UUID) []*models.RunNode {
	var sources []*models.RunNode
	seen := make(map[uuid.UUID]bool)
	for _, e := range s.IncomingByTarget[targetID] {
		if e.RouteOn != models.RouteOnSuccess {
			continue
		}
		if !routeLive(s, e) {
			continue
		}
		if seen[e.SourceRunNodeID] {
			continue
		}
		seen[e.SourceRunNodeID] = true
		sources = append(sources, s.LatestByNodeID[e.SourceRunNodeID])
	}
	SortNodes(sources)
	return sources
}

// FailureRouteSource returns the failed source that selected the target via a
// failure edge, or nil.
func (s *Selection) FailureRouteSource(targetID uuid.UUID) *models.RunNode {
	for _, e := range s.IncomingByTarget[targetID] {
		if e.RouteOn != models.RouteOnFailure {
			continue
		}
		if routeLive(s, e) {
			return s.LatestByNodeID[e.SourceRunNodeID]
		}
	}
	return nil
}

// TerminalOutcome is the run-level resolution when nothing is runnable.
type TerminalOutcome struct {
	RunStatus models.RunStatus
	Reason    string
}

// ResolveOutcome decides the run's terminal status once the selector finds
// nothing runnable.
func ResolveOutcome(sel *Selection) TerminalOutcome {
	if len(sel.NoRouteSources) > 0 {
		return TerminalOutcome{
			RunStatus: models.RunFailed,
			Reason:    fmt.Sprintf("no matching route from %s", sourceKeys(sel, sel.NoRouteSources)),
		}
	}
	if len(sel.UnresolvedSources) > 0 {
		return TerminalOutcome{
			RunStatus: models.RunFailed,
			Reason:    fmt.Sprintf("unresolved routing decision at %s", sourceKeys(sel, sel.UnresolvedSources)),
		}
	}

	allDone := true
	anyFailed := false
	for _, n := range sel.LatestByNodeID {
		switch n.Status {
		case models.NodeCompleted, models.NodeSkipped:
		case models.NodeFailed:
			anyFailed = true
			allDone = false
		default:
			allDone = false
		}
	}

	if allDone {
		return TerminalOutcome{RunStatus: models.RunCompleted}
	}
	if anyFailed {
		return TerminalOutcome{RunStatus: models.RunFailed, Reason: "one or more nodes failed"}
	}
	return TerminalOutcome{RunStatus: models.RunFailed, Reason: "no runnable node and pending nodes remain"}
}

func sourceKeys(sel *Selection, ids map[uuid.UUID]bool) string {
	var keys []string
	for id := range ids {
		if n, ok := sel.LatestByNodeID[id]; ok {
			keys = append(keys, n.NodeKey)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
