package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the status of a run node
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the node status is terminal for the current attempt.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// NodeRole distinguishes standard nodes from fan-out spawners and joins
type NodeRole string

const (
	RoleStandard NodeRole = "standard"
	RoleSpawner  NodeRole = "spawner"
	RoleJoin     NodeRole = "join"
)

// NodeType determines how a node is executed
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeHuman NodeType = "human"
	NodeTypeTool  NodeType = "tool"
)

// RunNode is one scheduled execution of a tree node within a run. Retries
// update the row in place: attempt increments and the status cycles back to
// pending, so the row always holds the latest attempt of the logical node.
// Maps to: run_nodes table
type RunNode struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	WorkflowRunID        uuid.UUID      `db:"workflow_run_id" json:"workflow_run_id"`
	TreeNodeID           uuid.UUID      `db:"tree_node_id" json:"tree_node_id"`
	NodeKey              string         `db:"node_key" json:"node_key"`
	NodeRole             NodeRole       `db:"node_role" json:"node_role"`
	Status               NodeStatus     `db:"status" json:"status"`
	SequenceIndex        int            `db:"sequence_index" json:"sequence_index"`
	SequencePath         string         `db:"sequence_path" json:"sequence_path"`
	LineageDepth         int            `db:"lineage_depth" json:"lineage_depth"`
	SpawnerNodeID        *uuid.UUID     `db:"spawner_node_id" json:"spawner_node_id,omitempty"`
	JoinNodeID           *uuid.UUID     `db:"join_node_id" json:"join_node_id,omitempty"`
	Attempt              int            `db:"attempt" json:"attempt"`
	StartedAt            *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt          *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	MaxRetries           int            `db:"max_retries" json:"max_retries"`
	MaxChildren          int            `db:"max_children" json:"max_children"`
	NodeType             NodeType       `db:"node_type" json:"node_type"`
	Provider             string         `db:"provider" json:"provider,omitempty"`
	Model                string         `db:"model" json:"model,omitempty"`
	ExecutionPermissions string         `db:"execution_permissions" json:"execution_permissions,omitempty"`
	ErrorHandlerConfig   map[string]any `db:"error_handler_config" json:"error_handler_config,omitempty"`
	Prompt               string         `db:"prompt" json:"prompt"`
	PromptContentType    string         `db:"prompt_content_type" json:"prompt_content_type"`
	ExecutionMeta        map[string]any `db:"execution_meta" json:"execution_meta,omitempty"`
}

// IsDynamicChild reports whether the node was materialised by a fan-out batch
// and participates in a join barrier.
func (n *RunNode) IsDynamicChild() bool {
	return n.SpawnerNodeID != nil && n.JoinNodeID != nil && n.NodeRole == RoleStandard
}
