package models

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactType classifies node outputs
type ArtifactType string

const (
	ArtifactReport ArtifactType = "report"
	ArtifactLog    ArtifactType = "log"
	ArtifactNote   ArtifactType = "note"
)

// Note kinds carried in artifact metadata under the "kind" key.
const (
	NoteKindRetryFailureSummary = "retry_failure_summary"
)

// PhaseArtifact is an output produced by a run node execution. A successful
// attempt produces exactly one report; a failed attempt exactly one log; note
// artifacts carry retry-failure summaries keyed by metadata.
// Maps to: phase_artifacts table
type PhaseArtifact struct {
	ID            uuid.UUID      `db:"id" json:"id"`
	WorkflowRunID uuid.UUID      `db:"workflow_run_id" json:"workflow_run_id"`
	RunNodeID     uuid.UUID      `db:"run_node_id" json:"run_node_id"`
	ArtifactType  ArtifactType   `db:"artifact_type" json:"artifact_type"`
	ContentType   string         `db:"content_type" json:"content_type"`
	Content       string         `db:"content" json:"content"`
	Metadata      map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}

// SourceAttempt returns the attempt a note artifact summarises, or 0.
func (a *PhaseArtifact) SourceAttempt() int {
	if a.Metadata == nil {
		return 0
	}
	switch v := a.Metadata["source_attempt"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// IsRetryFailureSummary reports whether the artifact is a retry-failure
// summary note.
func (a *PhaseArtifact) IsRetryFailureSummary() bool {
	if a.ArtifactType != ArtifactNote || a.Metadata == nil {
		return false
	}
	kind, _ := a.Metadata["kind"].(string)
	return kind == NoteKindRetryFailureSummary
}
