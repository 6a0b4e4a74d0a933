// Package fanout plans dynamic child batches from a spawner's report: child
// run nodes, dynamic edges, and the join barrier row inserted in one
// transaction by the store.
package fanout

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// Subtask is one child declaration from a spawner report. The report payload
// is `{"subtasks": [...]}`; the executor treats everything else in the report
// as opaque.
type Subtask struct {
	NodeKey  string         `json:"nodeKey"`
	Title    string         `json:"title"`
	Prompt   string         `json:"prompt"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type reportPayload struct {
	Subtasks []Subtask `json:"subtasks"`
}

// ParseSubtasks extracts subtask declarations from a spawner's report
// content. A report that is not JSON or carries no subtasks key yields nil
// without error: not every spawner run fans out.
func ParseSubtasks(content string) []Subtask {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		// Reports may wrap the declaration in prose with a trailing JSON
		// object.
		if idx := strings.Index(trimmed, "{\"subtasks\""); idx >= 0 {
			trimmed = trimmed[idx:]
		} else {
			return nil
		}
	}

	var payload reportPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil
	}
	return payload.Subtasks
}

// Plan is one validated fan-out batch ready for transactional insertion.
type Plan struct {
	Children []*models.RunNode
	Edges    []*models.RunEdge
	Barrier  *models.RunJoinBarrier
}

// BuildPlan materialises a fan-out batch: N child nodes under the spawner's
// sequence path, one dynamic spawner-to-child edge per child with priorities
// strictly greater than the spawner's static success edges, one dynamic
// child-to-join edge per child, and the barrier row keyed by the source
// report.
func BuildPlan(
	run *models.WorkflowRun,
	spawner *models.RunNode,
	join *models.RunNode,
	report *models.PhaseArtifact,
	subtasks []Subtask,
	spawnerEdges []*models.RunEdge,
) (*Plan, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("%w: empty subtask batch", errdefs.ErrInvalidRequest)
	}
	if len(subtasks) > spawner.MaxChildren {
		return nil, &errdefs.SpawnCapError{
			WorkflowRunID:    run.ID,
			SpawnerRunNodeID: spawner.ID,
			NodeKey:          spawner.NodeKey,
			Declared:         len(subtasks),
			MaxChildren:      spawner.MaxChildren,
		}
	}

	seen := make(map[string]bool, len(subtasks))
	for _, st := range subtasks {
		if st.NodeKey == "" || st.Prompt == "" {
			return nil, fmt.Errorf("%w: subtask requires nodeKey and prompt", errdefs.ErrInvalidRequest)
		}
		if seen[st.NodeKey] {
			return nil, fmt.Errorf("%w: duplicate subtask node key %q", errdefs.ErrInvalidRequest, st.NodeKey)
		}
		seen[st.NodeKey] = true
	}

	// Dynamic edges start strictly above every static success priority so
	// the static spawner-to-join route stays selected.
	basePriority := 0
	for _, e := range spawnerEdges {
		if e.SourceRunNodeID == spawner.ID && e.RouteOn == models.RouteOnSuccess && e.Priority >= basePriority {
			basePriority = e.Priority + 1
		}
	}

	plan := &Plan{}
	for i, st := range subtasks {
		child := &models.RunNode{
			ID:                uuid.New(),
			WorkflowRunID:     run.ID,
			TreeNodeID:        spawner.TreeNodeID,
			NodeKey:           st.NodeKey,
			NodeRole:          models.RoleStandard,
			Status:            models.NodePending,
			SequenceIndex:     i,
			SequencePath:      fmt.Sprintf("%s.%04d", spawner.SequencePath, i+1),
			LineageDepth:      spawner.LineageDepth + 1,
			SpawnerNodeID:     &spawner.ID,
			JoinNodeID:        &join.ID,
			Attempt:           1,
			MaxRetries:        spawner.MaxRetries,
			NodeType:          models.NodeTypeAgent,
			Provider:          st.Provider,
			Model:             st.Model,
			Prompt:            st.Prompt,
			PromptContentType: spawner.PromptContentType,
		}
		if child.Provider == "" {
			child.Provider = spawner.Provider
		}
		if child.Model == "" {
			child.Model = spawner.Model
		}
		if st.Metadata != nil {
			child.ExecutionMeta = map[string]any{"subtask": st.Metadata}
		}
		plan.Children = append(plan.Children, child)

		plan.Edges = append(plan.Edges,
			&models.RunEdge{
				ID:              uuid.New(),
				WorkflowRunID:   run.ID,
				SourceRunNodeID: spawner.ID,
				TargetRunNodeID: child.ID,
				RouteOn:         models.RouteOnSuccess,
				Priority:        basePriority + i,
				EdgeKind:        models.EdgeKindSpawnerToChild,
			},
			&models.RunEdge{
				ID:              uuid.New(),
				WorkflowRunID:   run.ID,
				SourceRunNodeID: child.ID,
				TargetRunNodeID: join.ID,
				RouteOn:         models.RouteOnSuccess,
				Priority:        0,
				Auto:            true,
				EdgeKind:        models.EdgeKindChildToJoin,
			},
		)
	}

	plan.Barrier = &models.RunJoinBarrier{
		ID:                    uuid.New(),
		WorkflowRunID:         run.ID,
		SpawnerRunNodeID:      spawner.ID,
		JoinRunNodeID:         join.ID,
		SpawnSourceArtifactID: report.ID,
		ExpectedChildren:      len(subtasks),
		Status:                models.BarrierPending,
	}

	return plan, nil
}

// FindJoin resolves the spawner's paired join node via its static success
// edges.
func FindJoin(spawner *models.RunNode, edges []*models.RunEdge, nodesByID map[uuid.UUID]*models.RunNode) (*models.RunNode, error) {
	for _, e := range edges {
		if e.SourceRunNodeID != spawner.ID || e.RouteOn != models.RouteOnSuccess || e.EdgeKind != models.EdgeKindTree {
			continue
		}
		if target, ok := nodesByID[e.TargetRunNodeID]; ok && target.NodeRole == models.RoleJoin {
			return target, nil
		}
	}
	return nil, fmt.Errorf("spawner %s has no join node reachable via static success edges", spawner.NodeKey)
}
