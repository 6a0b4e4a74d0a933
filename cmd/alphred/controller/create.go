package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alphred/alphred/common/errdefs"
	"github.com/alphred/alphred/common/models"
)

// NodeSpec declares one node of a run to create.
type NodeSpec struct {
	NodeKey           string          `json:"nodeKey"`
	Role              models.NodeRole `json:"role"`
	NodeType          models.NodeType `json:"nodeType"`
	Prompt            string          `json:"prompt"`
	PromptContentType string          `json:"promptContentType,omitempty"`
	Provider          string          `json:"provider,omitempty"`
	Model             string          `json:"model,omitempty"`
	MaxRetries        int             `json:"maxRetries"`
	MaxChildren       int             `json:"maxChildren,omitempty"`
	SequenceIndex     int             `json:"sequenceIndex"`
}

// EdgeSpec declares one static edge between two declared nodes.
type EdgeSpec struct {
	SourceKey       string          `json:"sourceKey"`
	TargetKey       string          `json:"targetKey"`
	RouteOn         models.RouteOn  `json:"routeOn"`
	Priority        int             `json:"priority"`
	Auto            bool            `json:"auto"`
	GuardExpression string          `json:"guardExpression,omitempty"`
	EdgeKind        models.EdgeKind `json:"edgeKind,omitempty"`
}

// CreateRunRequest materialises a pending run with its static node and edge
// rows in one transaction.
type CreateRunRequest struct {
	WorkflowTreeID uuid.UUID  `json:"workflowTreeId"`
	Nodes          []NodeSpec `json:"nodes"`
	Edges          []EdgeSpec `json:"edges"`
}

// CreateRun validates the request and persists the run graph atomically. The
// run starts pending; the first step flips it to running.
func (c *Controller) CreateRun(ctx context.Context, req CreateRunRequest) (*models.WorkflowRun, error) {
	if len(req.Nodes) == 0 {
		return nil, fmt.Errorf("%w: a run needs at least one node", errdefs.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:             uuid.New(),
		WorkflowTreeID: req.WorkflowTreeID,
		Status:         models.RunPending,
		CreatedAt:      now,
	}

	nodes := make([]*models.RunNode, 0, len(req.Nodes))
	byKey := make(map[string]*models.RunNode, len(req.Nodes))
	for i, spec := range req.Nodes {
		if spec.NodeKey == "" {
			return nil, fmt.Errorf("%w: node %d has no nodeKey", errdefs.ErrInvalidRequest, i)
		}
		if _, dup := byKey[spec.NodeKey]; dup {
			return nil, fmt.Errorf("%w: duplicate nodeKey %q", errdefs.ErrInvalidRequest, spec.NodeKey)
		}
		if spec.Role == models.RoleSpawner && spec.MaxChildren <= 0 {
			return nil, fmt.Errorf("%w: spawner %q needs maxChildren > 0", errdefs.ErrInvalidRequest, spec.NodeKey)
		}
		if spec.NodeType == models.NodeTypeAgent && spec.Provider == "" {
			return nil, fmt.Errorf("%w: agent node %q needs a provider", errdefs.ErrInvalidRequest, spec.NodeKey)
		}

		contentType := spec.PromptContentType
		if contentType == "" {
			contentType = "text/markdown"
		}
		node := &models.RunNode{
			ID:                uuid.New(),
			WorkflowRunID:     run.ID,
			NodeKey:           spec.NodeKey,
			NodeRole:          spec.Role,
			NodeType:          spec.NodeType,
			Status:            models.NodePending,
			Attempt:           1,
			MaxRetries:        spec.MaxRetries,
			MaxChildren:       spec.MaxChildren,
			Prompt:            spec.Prompt,
			PromptContentType: contentType,
			Provider:          spec.Provider,
			Model:             spec.Model,
			SequenceIndex:     spec.SequenceIndex,
			SequencePath:      fmt.Sprintf("%04d", spec.SequenceIndex),
		}
		nodes = append(nodes, node)
		byKey[spec.NodeKey] = node
	}

	edges := make([]*models.RunEdge, 0, len(req.Edges))
	for _, spec := range req.Edges {
		source, ok := byKey[spec.SourceKey]
		if !ok {
			return nil, fmt.Errorf("%w: edge source %q is not a declared node", errdefs.ErrInvalidRequest, spec.SourceKey)
		}
		target, ok := byKey[spec.TargetKey]
		if !ok {
			return nil, fmt.Errorf("%w: edge target %q is not a declared node", errdefs.ErrInvalidRequest, spec.TargetKey)
		}
		routeOn := spec.RouteOn
		if routeOn == "" {
			routeOn = models.RouteOnSuccess
		}
		kind := spec.EdgeKind
		if kind == "" {
			kind = models.EdgeKindTree
		}
		edges = append(edges, &models.RunEdge{
			ID:              uuid.New(),
			WorkflowRunID:   run.ID,
			SourceRunNodeID: source.ID,
			TargetRunNodeID: target.ID,
			RouteOn:         routeOn,
			Priority:        spec.Priority,
			Auto:            spec.Auto,
			GuardExpression: spec.GuardExpression,
			EdgeKind:        kind,
		})
	}

	if err := c.store.CreateRun(ctx, run, nodes, edges); err != nil {
		return nil, err
	}
	c.log.WithRunID(run.ID.String()).Info("created run", "nodes", len(nodes), "edges", len(edges))
	return run, nil
}
