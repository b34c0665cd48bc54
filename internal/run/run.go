// Package run owns the PipelineRun aggregate: one submission's
// fragments, merge result, phase outcomes, issues, fixes, and ledger
// range, together with its lifecycle state.
//
// Runs are mutated only through the Store so readers always observe a
// consistent snapshot. The engine never deletes a completed run;
// discarding is an explicit caller decision.
package run

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
)

// Errors for run operations.
var (
	ErrNotFound     = errors.New("run not found")
	ErrFixNotFound  = errors.New("fix not found")
	ErrActive       = errors.New("run is still active")
	ErrArchived     = errors.New("run is archived")
	ErrInvalidMode  = errors.New("invalid run mode")
	ErrInvalidState = errors.New("invalid state for operation")
)

// Mode selects how much of the pipeline a run executes.
type Mode string

const (
	// ModeFull runs merge, phases, planning, and composition.
	ModeFull Mode = "full"
	// ModeMergeOnly stops after the merge and its resolutions.
	ModeMergeOnly Mode = "merge-only"
	// ModeAnalyzeOnly runs the phases but plans no fixes.
	ModeAnalyzeOnly Mode = "analyze-only"
	// ModeDryRun plans fixes but records decisions without mutating
	// content or the ledger; would-be applications report would-apply.
	ModeDryRun Mode = "dry-run"
)

// ValidMode reports whether m is a recognized run mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeFull, ModeMergeOnly, ModeAnalyzeOnly, ModeDryRun:
		return true
	}
	return false
}

// State is a run's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateMerging   State = "merging"
	StateAwaiting  State = "awaiting-resolution"
	StateAnalyzing State = "analyzing"
	StatePlanning  State = "planning"
	StateComposing State = "composing"

	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether the state ends a run. Terminal runs accept
// no further pipeline work; approvals on queued fixes remain allowed
// for completed runs.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Run is one pipeline execution over a set of fragments.
type Run struct {
	// ID uniquely identifies the run.
	ID string `json:"id"`
	// Mode is how much of the pipeline the run executes.
	Mode Mode `json:"mode"`
	// Kind is the content kind shared by the run's fragments.
	Kind fragment.Kind `json:"kind"`
	// Actor is who submitted the run.
	Actor string `json:"actor,omitempty"`
	// State is the run's lifecycle state.
	State State `json:"state"`
	// Error carries the failure reason for failed or aborted runs.
	Error string `json:"error,omitempty"`
	// CreatedAt and UpdatedAt bracket the run's activity.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Fragments are the immutable input snapshots, in ingestion order.
	Fragments []fragment.Fragment `json:"fragments,omitempty"`
	// Merge is the structural merge outcome.
	Merge *merge.Result `json:"merge,omitempty"`
	// Phases is the diagnostic phase outcome.
	Phases *orchestrator.Result `json:"phases,omitempty"`
	// Issues is the normalized issue list across merge and phases.
	Issues []analysis.Issue `json:"issues,omitempty"`
	// Fixes are the planner's decided candidates, in decision order.
	Fixes []plan.Fix `json:"fixes,omitempty"`
	// Content is the unified document under current resolutions and
	// applied fixes.
	Content string `json:"content,omitempty"`

	// LedgerDir is where the run's audit ledger lives on disk.
	LedgerDir string `json:"ledger_dir,omitempty"`
	// FirstSeq and LastSeq bound the run's ledger entries.
	FirstSeq uint64 `json:"first_seq,omitempty"`
	LastSeq  uint64 `json:"last_seq,omitempty"`

	// Archived marks a retained run as out of the working set.
	Archived bool `json:"archived,omitempty"`
}

// Fix returns a pointer to the fix with the given ID.
func (r *Run) Fix(id string) (*plan.Fix, error) {
	for i := range r.Fixes {
		if r.Fixes[i].ID == id {
			return &r.Fixes[i], nil
		}
	}
	return nil, ErrFixNotFound
}

// QueuedFixes returns the fixes awaiting approval.
func (r *Run) QueuedFixes() []plan.Fix {
	var out []plan.Fix
	for _, f := range r.Fixes {
		if f.Status == plan.StatusQueued {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to readers while the engine
// keeps mutating the stored run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Fragments = append([]fragment.Fragment(nil), r.Fragments...)
	out.Issues = append([]analysis.Issue(nil), r.Issues...)
	out.Fixes = append([]plan.Fix(nil), r.Fixes...)
	if r.Merge != nil {
		m := *r.Merge
		m.Spans = append([]merge.Span(nil), r.Merge.Spans...)
		m.Annex = append([]merge.AnnexEntry(nil), r.Merge.Annex...)
		m.Issues = append([]analysis.Issue(nil), r.Merge.Issues...)
		m.Conflicts = make([]merge.ConflictRegion, len(r.Merge.Conflicts))
		for i, c := range r.Merge.Conflicts {
			c.Candidates = append([]merge.Candidate(nil), c.Candidates...)
			m.Conflicts[i] = c
		}
		out.Merge = &m
	}
	if r.Phases != nil {
		p := *r.Phases
		p.Issues = append([]analysis.Issue(nil), r.Phases.Issues...)
		p.Phases = make([]orchestrator.PhaseResult, len(r.Phases.Phases))
		for i, ph := range r.Phases.Phases {
			ph.Issues = append([]analysis.Issue(nil), ph.Issues...)
			ph.Analyzers = append([]orchestrator.AnalyzerOutcome(nil), ph.Analyzers...)
			p.Phases[i] = ph
		}
		out.Phases = &p
	}
	return &out
}
