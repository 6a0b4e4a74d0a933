// Package worktree names the SCM collaborators the executor depends on. The
// orchestrator passes worktree paths to agent providers as working
// directories and never interprets their contents.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// CreateRequest identifies the worktree for one node execution.
type CreateRequest struct {
	RepoName string
	TreeKey  string
	RunID    uuid.UUID
	NodeKey  string
}

// Worktree is the provisioned working directory for a node execution.
type Worktree struct {
	Path       string
	Branch     string
	CommitHash string
}

// Manager provisions and cleans up per-run worktrees.
type Manager interface {
	CreateRunWorktree(ctx context.Context, req CreateRequest) (*Worktree, error)
	CleanupRun(ctx context.Context, runID uuid.UUID) error
}

// CloneRequest asks the registry to make a repository available locally.
type CloneRequest struct {
	Repository string
	Sync       bool
}

// CloneResult reports where the repository lives and what the registry did.
type CloneResult struct {
	Repository string
	Path       string
	Action     string
	Synced     bool
}

// RepositoryRegistry ensures repositories are cloned locally before the
// worktree layer bases work on them.
type RepositoryRegistry interface {
	EnsureRepositoryClone(ctx context.Context, req CloneRequest) (*CloneResult, error)
}

// LocalManager hands out plain per-run directories under a base path, with no
// SCM involvement. Suitable for single-host deployments and tests.
type LocalManager struct {
	base string
}

// NewLocalManager creates a local manager rooted at base.
func NewLocalManager(base string) *LocalManager {
	return &LocalManager{base: base}
}

// CreateRunWorktree implements Manager
func (m *LocalManager) CreateRunWorktree(_ context.Context, req CreateRequest) (*Worktree, error) {
	path := filepath.Join(m.base, req.RunID.String(), req.NodeKey)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}
	return &Worktree{Path: path}, nil
}

// CleanupRun implements Manager
func (m *LocalManager) CleanupRun(_ context.Context, runID uuid.UUID) error {
	return os.RemoveAll(filepath.Join(m.base, runID.String()))
}
