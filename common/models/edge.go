package models

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// RouteOn determines when an edge becomes eligible
type RouteOn string

const (
	RouteOnSuccess  RouteOn = "success"
	RouteOnFailure  RouteOn = "failure"
	RouteOnTerminal RouteOn = "terminal"
)

// EdgeKind distinguishes static tree edges from edges materialised at spawn time
type EdgeKind string

const (
	EdgeKindTree           EdgeKind = "tree"
	EdgeKindSpawnerToChild EdgeKind = "dynamic_spawner_to_child"
	EdgeKindChildToJoin    EdgeKind = "dynamic_child_to_join"
)

// RunEdge connects two run nodes within a run.
// Maps to: run_edges table
type RunEdge struct {
	ID              uuid.UUID `db:"id" json:"id"`
	WorkflowRunID   uuid.UUID `db:"workflow_run_id" json:"workflow_run_id"`
	SourceRunNodeID uuid.UUID `db:"source_run_node_id" json:"source_run_node_id"`
	TargetRunNodeID uuid.UUID `db:"target_run_node_id" json:"target_run_node_id"`
	RouteOn         RouteOn   `db:"route_on" json:"route_on"`
	Priority        int       `db:"priority" json:"priority"`
	Auto            bool      `db:"auto" json:"auto"`
	GuardExpression string    `db:"guard_expression" json:"guard_expression,omitempty"`
	EdgeKind        EdgeKind  `db:"edge_kind" json:"edge_kind"`
}

// CompareEdges orders edges by (source, route_on, priority, target, id) for
// deterministic selection.
func CompareEdges(a, b *RunEdge) int {
	if c := strings.Compare(a.SourceRunNodeID.String(), b.SourceRunNodeID.String()); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.RouteOn), string(b.RouteOn)); c != 0 {
		return c
	}
	if a.Priority != b.Priority {
		if a.Priority < b.Priority {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.TargetRunNodeID.String(), b.TargetRunNodeID.String()); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

// SortEdges sorts a slice of edges in selection order.
func SortEdges(edges []*RunEdge) {
	sort.SliceStable(edges, func(i, j int) bool {
		return CompareEdges(edges[i], edges[j]) < 0
	})
}
