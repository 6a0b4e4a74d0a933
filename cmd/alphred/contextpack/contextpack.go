// Package contextpack assembles the bounded upstream context handed to a
// node's provider invocation: predecessor reports, an optional retry-failure
// summary, and an optional failure-route diagnostic, all under fixed
// character budgets.
package contextpack

import (
	"time"

	"github.com/google/uuid"
)

// Budget constants. ContextPolicyVersion bumps whenever the envelope format
// changes.
const (
	ContextPolicyVersion = 2

	MaxUpstreamArtifacts        = 8
	MaxCharsPerArtifact         = 24000
	MaxContextCharsTotal        = 96000
	MinRemainingContextChars    = 2000
	MaxRetrySummaryContextChars = 4000
	MaxFailureRouteContextChars = 8000
	MaxErrorSummaryChars        = 4000
)

// EnvelopeKind classifies a context envelope
type EnvelopeKind string

const (
	EnvelopeUpstream     EnvelopeKind = "upstream"
	EnvelopeRetrySummary EnvelopeKind = "retry_summary"
	EnvelopeFailureRoute EnvelopeKind = "failure_route"
)

// TruncationInfo records how an envelope's content was cut down to budget.
type TruncationInfo struct {
	Applied       bool `json:"applied"`
	OriginalChars int  `json:"original_chars"`
	IncludedChars int  `json:"included_chars"`
}

// Envelope is one self-describing context block. IncludedContent is the
// (possibly truncated) text; SHA256 always hashes the original content so
// consumers can detect semantic identity across truncations.
type Envelope struct {
	Kind            EnvelopeKind   `json:"kind"`
	SourceNodeKey   string         `json:"source_node_key"`
	SourceRunNodeID uuid.UUID      `json:"source_run_node_id"`
	ArtifactID      uuid.UUID      `json:"artifact_id"`
	ContentType     string         `json:"content_type"`
	CreatedAt       time.Time      `json:"created_at"`
	SHA256          string         `json:"sha256"`
	Truncation      TruncationInfo `json:"truncation"`
	IncludedContent string         `json:"included_content"`
}

// Manifest describes what the assembler included, dropped, or truncated. It
// is persisted in the run node's execution metadata.
type Manifest struct {
	PolicyVersion       int         `json:"policy_version"`
	IncludedArtifactIDs []uuid.UUID `json:"included_artifact_ids"`
	DroppedArtifactIDs  []uuid.UUID `json:"dropped_artifact_ids"`

	Truncations map[string]TruncationInfo `json:"truncations,omitempty"`

	IncludedCount      int `json:"included_count"`
	IncludedCharsTotal int `json:"included_chars_total"`

	MissingUpstreamArtifacts bool `json:"missing_upstream_artifacts"`
	NoEligibleArtifactTypes  bool `json:"no_eligible_artifact_types"`
	BudgetOverflow           bool `json:"budget_overflow"`

	RetrySummaryIncluded      bool `json:"retry_summary_included"`
	RetrySummarySourceAttempt int  `json:"retry_summary_source_attempt,omitempty"`

	FailureRouteIncluded  bool   `json:"failure_route_included"`
	FailureRouteSourceKey string `json:"failure_route_source_key,omitempty"`
}

// Pack is the assembled context: envelopes in the order the provider prompt
// consumes them, plus the manifest.
type Pack struct {
	Envelopes []Envelope `json:"envelopes"`
	Manifest  Manifest   `json:"manifest"`
}

// ContextStrings renders the envelopes as the plain text blocks handed to the
// provider options.
func (p *Pack) ContextStrings() []string {
	out := make([]string, 0, len(p.Envelopes))
	for _, e := range p.Envelopes {
		out = append(out, e.IncludedContent)
	}
	return out
}
