// Package merge computes an N-way structural merge across fragments of
// one content kind.
//
// The engine aligns every fragment against a base (the earliest
// ingested fragment) at unit granularity, classifies each differing
// region as auto-resolvable or conflicting, and applies the configured
// tie-break policy. Conflicting candidates are never dropped: every
// competing value is retained verbatim on the ConflictRegion until a
// policy or the caller resolves it.
package merge

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// Errors for merge operations.
var (
	ErrNoFragments       = errors.New("merge requires at least one fragment")
	ErrKindMismatch      = errors.New("fragments must share one content kind")
	ErrNoPrioritizer     = errors.New("weighted policy requires a prioritizer")
	ErrUnknownPolicy     = errors.New("unknown tie-break policy")
	ErrConflictNotFound  = errors.New("conflict region not found")
	ErrCandidateNotFound = errors.New("candidate not found")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrTooManyUnits      = errors.New("fragment set exceeds distinct unit capacity")
)

// Policy selects how conflicting candidates are tie-broken.
type Policy string

const (
	// PolicyLatestWins auto-resolves each conflict to the candidate
	// from the latest-ingested fragment.
	PolicyLatestWins Policy = "latest-wins"
	// PolicyInteractive leaves every conflict pending; the run pauses
	// until the caller resolves them.
	PolicyInteractive Policy = "interactive"
	// PolicyWeighted delegates candidate ranking to a Prioritizer.
	PolicyWeighted Policy = "weighted"
)

// ValidPolicy reports whether p is a recognized tie-break policy.
func ValidPolicy(p Policy) bool {
	switch p {
	case PolicyLatestWins, PolicyInteractive, PolicyWeighted:
		return true
	}
	return false
}

// Resolution is the lifecycle state of a conflict region.
type Resolution string

const (
	// ResolutionAuto means a policy or identical-change detection chose
	// the winning candidate.
	ResolutionAuto Resolution = "auto-resolved"
	// ResolutionPending means no candidate has been chosen yet.
	ResolutionPending Resolution = "pending"
	// ResolutionAnnotated means the region is rendered side-by-side in
	// the output with all candidates visible.
	ResolutionAnnotated Resolution = "side-by-side-annotated"
)

// Candidate is one fragment's proposed content for a conflict region,
// retained verbatim.
type Candidate struct {
	// ID uniquely identifies the candidate within its region.
	ID string `json:"id"`
	// FragmentID is the fragment the candidate came from.
	FragmentID string `json:"fragment_id"`
	// Origin is the fragment's source label, for display.
	Origin string `json:"origin"`
	// Text is the candidate content over the region span, verbatim.
	Text string `json:"text"`
	// IngestedAt is the fragment's ingestion time, used by latest-wins.
	IngestedAt time.Time `json:"ingested_at"`
}

// ConflictRegion is a span of the base document where fragments
// disagree incompatibly.
type ConflictRegion struct {
	// ID uniquely identifies the region within a merge result.
	ID string `json:"id"`
	// UnitStart is the first base unit index covered by the region.
	UnitStart int `json:"unit_start"`
	// UnitEnd is one past the last base unit index covered. Equal to
	// UnitStart when all candidates are pure insertions.
	UnitEnd int `json:"unit_end"`
	// Line is the 1-based start line of the region in the base.
	Line int `json:"line"`
	// Base is the base document's text over the region span.
	Base string `json:"base"`
	// Candidates are the competing values, in fragment ingestion order.
	Candidates []Candidate `json:"candidates"`
	// Resolution is the region's current lifecycle state.
	Resolution Resolution `json:"resolution"`
	// ChosenID is the winning candidate's ID once resolved.
	ChosenID string `json:"chosen_id,omitempty"`
	// ResolvedBy records who resolved the region: "policy:<name>" or
	// "user:<actor>".
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Chosen returns the winning candidate, if the region is resolved.
func (c *ConflictRegion) Chosen() (Candidate, bool) {
	if c.ChosenID == "" {
		return Candidate{}, false
	}
	for _, cand := range c.Candidates {
		if cand.ID == c.ChosenID {
			return cand, true
		}
	}
	return Candidate{}, false
}

// AnnexEntry records a fragment excluded from structural merge because
// splitting failed. The fragment's content is retained untouched.
type AnnexEntry struct {
	// FragmentID is the excluded fragment.
	FragmentID string `json:"fragment_id"`
	// Origin is the fragment's source label.
	Origin string `json:"origin"`
	// Reason is the splitter's failure message.
	Reason string `json:"reason"`
}

// SpanType tags one segment of the composed output.
type SpanType string

const (
	// SpanBase is a run of base units no fragment changed.
	SpanBase SpanType = "base"
	// SpanAuto is an auto-applied replacement (single-fragment change
	// or identical change from every fragment).
	SpanAuto SpanType = "auto"
	// SpanConflict references a ConflictRegion by index.
	SpanConflict SpanType = "conflict"
)

// Span is one segment of the unified document. The ordered span list
// plus the conflict regions fully determine the output, so the document
// can be recomposed after resolutions change.
type Span struct {
	// Type tags the segment.
	Type SpanType `json:"type"`
	// Text is the segment content for base and auto spans.
	Text string `json:"text,omitempty"`
	// Conflict is the index into Result.Conflicts for conflict spans.
	Conflict int `json:"conflict"`
}

// Stats summarizes a merge for logging and metrics.
type Stats struct {
	// Fragments is the number of fragments submitted.
	Fragments int `json:"fragments"`
	// Merged is the number of fragments that participated in the
	// structural merge.
	Merged int `json:"merged"`
	// Annexed is the number of fragments excluded as malformed.
	Annexed int `json:"annexed"`
	// BaseUnits is the unit count of the base fragment.
	BaseUnits int `json:"base_units"`
	// AutoResolved is the number of regions applied without conflict.
	AutoResolved int `json:"auto_resolved"`
	// Conflicts is the number of conflict regions found.
	Conflicts int `json:"conflicts"`
}

// Result is the outcome of one merge. UnifiedContent reflects the
// current resolutions; Recompose rebuilds it after they change.
type Result struct {
	// Kind is the content kind shared by all merged fragments.
	Kind fragment.Kind `json:"kind"`
	// BaseFragmentID is the fragment the merge aligned against.
	BaseFragmentID string `json:"base_fragment_id"`
	// UnifiedContent is the merged document under current resolutions.
	UnifiedContent string `json:"unified_content"`
	// Spans is the ordered segmentation of the unified document.
	Spans []Span `json:"spans"`
	// Conflicts are the unresolved or resolved conflict regions, in
	// document order.
	Conflicts []ConflictRegion `json:"conflicts"`
	// Annex holds fragments excluded from the structural merge.
	Annex []AnnexEntry `json:"annex,omitempty"`
	// Issues carries merge-emitted findings, one per annexed fragment.
	Issues []analysis.Issue `json:"issues,omitempty"`
	// AnnotateUnresolved selects side-by-side rendering for pending
	// regions when recomposing.
	AnnotateUnresolved bool `json:"annotate_unresolved"`
	// Stats summarizes the merge.
	Stats Stats `json:"stats"`
}

// Pending returns the conflict regions still awaiting resolution.
func (r *Result) Pending() []ConflictRegion {
	var out []ConflictRegion
	for _, c := range r.Conflicts {
		if c.Resolution == ResolutionPending {
			out = append(out, c)
		}
	}
	return out
}

// Conflict returns the region with the given ID.
func (r *Result) Conflict(id string) (*ConflictRegion, error) {
	for i := range r.Conflicts {
		if r.Conflicts[i].ID == id {
			return &r.Conflicts[i], nil
		}
	}
	return nil, ErrConflictNotFound
}
