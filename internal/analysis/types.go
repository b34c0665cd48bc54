// Package analysis defines the diagnostic collaborator contract and the
// registry that dispatches analyzers by phase and content kind.
//
// Analyzers inspect a unified document and emit Issues. They hold no
// pipeline state, are side-effect-free, and are independently retryable;
// the orchestrator treats a failing analyzer as reduced coverage, not as
// a phase failure.
package analysis

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/split"
)

// Severity classifies how urgent an issue is.
type Severity string

const (
	// SeverityCritical marks issues that make the document unusable.
	SeverityCritical Severity = "critical"
	// SeverityHigh marks issues that need attention before release.
	SeverityHigh Severity = "high"
	// SeverityMedium marks issues worth fixing but not blocking.
	SeverityMedium Severity = "medium"
	// SeverityLow marks minor findings.
	SeverityLow Severity = "low"
	// SeverityInfo marks observations with no required action.
	SeverityInfo Severity = "info"

	// SeverityParseFailure is emitted by the merge engine when a
	// fragment cannot be structurally split and lands in the annex.
	SeverityParseFailure Severity = "structural-parse-failure"
	// SeverityAnalyzerUnavailable is emitted by the orchestrator when
	// an analyzer fails or times out, recording reduced coverage.
	SeverityAnalyzerUnavailable Severity = "analyzer-unavailable"
)

// severityRank orders severities for deterministic report output.
// Lower rank sorts first.
var severityRank = map[Severity]int{
	SeverityCritical:            0,
	SeverityParseFailure:        1,
	SeverityHigh:                2,
	SeverityAnalyzerUnavailable: 3,
	SeverityMedium:              4,
	SeverityLow:                 5,
	SeverityInfo:                6,
}

// Rank returns the sort position of the severity. Unknown severities
// sort last.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return len(severityRank)
}

// Location identifies the span of a document an issue refers to.
// Unit indexes refer to the merge engine's unit sequence; line numbers
// are 1-based positions in the unified document. A zero Location means
// the issue applies to the document as a whole.
type Location struct {
	// UnitStart is the first affected unit index.
	UnitStart int `json:"unit_start"`
	// UnitEnd is one past the last affected unit index.
	UnitEnd int `json:"unit_end"`
	// LineStart is the first affected line, 1-based.
	LineStart int `json:"line_start"`
	// LineEnd is the last affected line, 1-based.
	LineEnd int `json:"line_end"`
}

// Issue is one diagnostic finding. Issues are immutable once emitted;
// fixes reference them by ID and never duplicate their content.
type Issue struct {
	// ID uniquely identifies the issue within a run.
	ID string `json:"id"`
	// Phase is the pipeline phase that produced the issue.
	Phase string `json:"phase"`
	// Analyzer is the name of the analyzer that emitted the issue.
	Analyzer string `json:"analyzer"`
	// Severity classifies the finding.
	Severity Severity `json:"severity"`
	// Location is the affected span of the unified document.
	Location Location `json:"location"`
	// Description is a human-readable summary of the finding.
	Description string `json:"description"`
	// Evidence is analyzer-supplied supporting detail, verbatim.
	Evidence string `json:"evidence,omitempty"`
	// EmittedAt records when the analyzer produced the issue.
	EmittedAt time.Time `json:"emitted_at"`
}

// Input is the document snapshot handed to an analyzer. Analyzers must
// not retain it past the Analyze call.
type Input struct {
	// RunID identifies the pipeline run, for log correlation.
	RunID string
	// Phase is the phase the analyzer is being invoked in.
	Phase string
	// Kind is the content kind of the unified document.
	Kind fragment.Kind
	// Content is the unified document text.
	Content string
	// Units is the unit segmentation of Content, when available. It
	// lets analyzers report unit-accurate locations.
	Units []split.Unit
}

// Analyzer is a pluggable diagnostic collaborator.
type Analyzer interface {
	// Name identifies the analyzer. Names must match the registry's
	// naming rules and be unique within a registry.
	Name() string
	// Phases lists the pipeline phases the analyzer participates in.
	Phases() []string
	// Kinds lists the content kinds the analyzer supports. An empty
	// list means the analyzer is kind-agnostic and runs for every kind.
	Kinds() []fragment.Kind
	// Priority orders issue output within a phase. Higher runs earlier
	// in the normalized issue ordering.
	Priority() int
	// Analyze inspects the document and returns findings. A returned
	// error marks the analyzer unavailable for this phase; it does not
	// fail the phase unless the analyzer is configured as required.
	Analyze(ctx context.Context, input Input) ([]Issue, error)
}
