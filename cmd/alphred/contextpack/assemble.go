package contextpack

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alphred/alphred/cmd/alphred/routing"
	"github.com/alphred/alphred/common/models"
)

const truncationSentinel = "\n\n[...truncated...]\n\n"

// FailureRouteInput describes the failed source that routed execution to the
// target via a failure edge.
type FailureRouteInput struct {
	Source       *models.RunNode
	FailureLog   *models.PhaseArtifact
	RetrySummary *models.PhaseArtifact
}

// Input carries everything the assembler reads. Reports and Artifacts are the
// latest-report and latest-any-type maps for the run; RetrySummary is the
// note recorded for the target's previous attempt, nil when absent.
type Input struct {
	Target       *models.RunNode
	Selection    *routing.Selection
	Reports      map[uuid.UUID]*models.PhaseArtifact
	Artifacts    map[uuid.UUID]*models.PhaseArtifact
	RetrySummary *models.PhaseArtifact
	FailureRoute *FailureRouteInput
}

// Assemble builds the context pack for the target node in a single pass:
// failure-route diagnostic first, then predecessor reports in selection
// order, then the retry summary. Deterministic given identical inputs.
func Assemble(in Input) *Pack {
	pack := &Pack{
		Manifest: Manifest{
			PolicyVersion: ContextPolicyVersion,
			Truncations:   make(map[string]TruncationInfo),
		},
	}

	remaining := MaxContextCharsTotal

	// The retry summary is included at a reserved budget so upstream
	// artifacts cannot starve it.
	summaryCap := MaxRetrySummaryContextChars
	if MaxErrorSummaryChars < summaryCap {
		summaryCap = MaxErrorSummaryChars
	}
	if in.RetrySummary != nil {
		remaining -= summaryCap
	}

	if in.FailureRoute != nil && in.FailureRoute.Source != nil {
		env := failureRouteEnvelope(in.FailureRoute, minInt(MaxFailureRouteContextChars, remaining))
		pack.Envelopes = append(pack.Envelopes, env)
		pack.Manifest.FailureRouteIncluded = true
		pack.Manifest.FailureRouteSourceKey = in.FailureRoute.Source.NodeKey
		pack.Manifest.IncludedCharsTotal += len(env.IncludedContent)
		remaining -= len(env.IncludedContent)
	}

	for _, source := range in.Selection.Predecessors(in.Target.ID) {
		report := in.Reports[source.ID]
		if report == nil {
			if in.Artifacts[source.ID] != nil {
				pack.Manifest.NoEligibleArtifactTypes = true
			} else {
				pack.Manifest.MissingUpstreamArtifacts = true
			}
			continue
		}

		if pack.Manifest.IncludedCount >= MaxUpstreamArtifacts || remaining < MinRemainingContextChars {
			pack.Manifest.DroppedArtifactIDs = append(pack.Manifest.DroppedArtifactIDs, report.ID)
			pack.Manifest.BudgetOverflow = true
			continue
		}

		content, trunc := truncate(report.Content, minInt(MaxCharsPerArtifact, remaining))
		env := Envelope{
			Kind:            EnvelopeUpstream,
			SourceNodeKey:   source.NodeKey,
			SourceRunNodeID: source.ID,
			ArtifactID:      report.ID,
			ContentType:     report.ContentType,
			CreatedAt:       report.CreatedAt,
			SHA256:          contentHash(report.Content),
			Truncation:      trunc,
			IncludedContent: content,
		}
		pack.Envelopes = append(pack.Envelopes, env)
		pack.Manifest.IncludedArtifactIDs = append(pack.Manifest.IncludedArtifactIDs, report.ID)
		if trunc.Applied {
			pack.Manifest.Truncations[report.ID.String()] = trunc
		}
		pack.Manifest.IncludedCount++
		pack.Manifest.IncludedCharsTotal += len(content)
		remaining -= len(content)
	}

	if in.RetrySummary != nil {
		content, trunc := truncate(in.RetrySummary.Content, summaryCap)
		env := Envelope{
			Kind:            EnvelopeRetrySummary,
			SourceNodeKey:   in.Target.NodeKey,
			SourceRunNodeID: in.Target.ID,
			ArtifactID:      in.RetrySummary.ID,
			ContentType:     in.RetrySummary.ContentType,
			CreatedAt:       in.RetrySummary.CreatedAt,
			SHA256:          contentHash(in.RetrySummary.Content),
			Truncation:      trunc,
			IncludedContent: content,
		}
		pack.Envelopes = append(pack.Envelopes, env)
		if trunc.Applied {
			pack.Manifest.Truncations[in.RetrySummary.ID.String()] = trunc
		}
		pack.Manifest.RetrySummaryIncluded = true
		pack.Manifest.RetrySummarySourceAttempt = in.RetrySummary.SourceAttempt()
		pack.Manifest.IncludedCharsTotal += len(content)
	}

	return pack
}

func failureRouteEnvelope(fr *FailureRouteInput, budget int) Envelope {
	source := fr.Source
	retriesUsed := source.Attempt - 1
	exhausted := source.Attempt > source.MaxRetries

	var sb strings.Builder
	fmt.Fprintf(&sb, "Upstream node %q failed (attempt %d, max_retries %d).\n", source.NodeKey, source.Attempt, source.MaxRetries)
	fmt.Fprintf(&sb, "retries_used: %d\nretries_exhausted: %t\n", retriesUsed, exhausted)

	var artifactID uuid.UUID
	contentType := "text/plain"
	var original string
	if fr.FailureLog != nil {
		artifactID = fr.FailureLog.ID
		contentType = fr.FailureLog.ContentType
		if reason, ok := fr.FailureLog.Metadata["classification"].(string); ok {
			fmt.Fprintf(&sb, "failure_reason: %s\n", reason)
		}
		sb.WriteString("\n--- failure log ---\n")
		sb.WriteString(fr.FailureLog.Content)
	}
	if fr.RetrySummary != nil {
		sb.WriteString("\n--- prior retry summary ---\n")
		sb.WriteString(fr.RetrySummary.Content)
	}
	original = sb.String()

	content, trunc := truncate(original, budget)
	env := Envelope{
		Kind:            EnvelopeFailureRoute,
		SourceNodeKey:   source.NodeKey,
		SourceRunNodeID: source.ID,
		ArtifactID:      artifactID,
		ContentType:     contentType,
		SHA256:          contentHash(original),
		Truncation:      trunc,
		IncludedContent: content,
	}
	if fr.FailureLog != nil {
		env.CreatedAt = fr.FailureLog.CreatedAt
	}
	return env
}

// truncate applies head+tail truncation with a sentinel between the kept
// prefix and suffix. Content at or under the cap passes through untouched.
func truncate(content string, limit int) (string, TruncationInfo) {
	info := TruncationInfo{
		OriginalChars: len(content),
		IncludedChars: len(content),
	}
	if len(content) <= limit {
		return content, info
	}

	info.Applied = true
	avail := limit - len(truncationSentinel)
	if avail < 2 {
		out := content[:maxInt(limit, 0)]
		info.IncludedChars = len(out)
		return out, info
	}

	head := avail / 2
	tail := avail - head
	out := content[:head] + truncationSentinel + content[len(content)-tail:]
	info.IncludedChars = len(out)
	return out, info
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
