// Package compose assembles the structured report for a pipeline run.
//
// The composer gathers the merged content, conflict table, annex,
// issue list, fix decisions, and ledger summary into a Report;
// renderer collaborators turn a Report into human-facing bytes. The
// composer itself never formats for humans.
package compose

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

// Errors for composition and rendering.
var (
	ErrNilRun          = errors.New("run is required")
	ErrUnknownRenderer = errors.New("unknown report format")
)

// ConflictSummary is one conflict region in report form.
type ConflictSummary struct {
	ID         string           `json:"id"`
	Line       int              `json:"line"`
	Resolution merge.Resolution `json:"resolution"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	Base       string           `json:"base"`
	Candidates []CandidateView  `json:"candidates"`
}

// CandidateView is one competing value, verbatim.
type CandidateView struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Text   string `json:"text"`
	Chosen bool   `json:"chosen,omitempty"`
}

// AnnexSummary is one fragment excluded from the structural merge.
type AnnexSummary struct {
	Origin string `json:"origin"`
	Reason string `json:"reason"`
}

// PhaseSummary is one phase outcome in report form.
type PhaseSummary struct {
	Phase    string                  `json:"phase"`
	State    orchestrator.PhaseState `json:"state"`
	Issues   int                     `json:"issues"`
	Duration time.Duration           `json:"duration"`
}

// FixSummary is one planner decision in report form.
type FixSummary struct {
	ID           string      `json:"id"`
	IssueID      string      `json:"issue_id"`
	Generator    string      `json:"generator"`
	Tier         plan.Tier   `json:"tier"`
	Band         plan.Band   `json:"band"`
	Score        float64     `json:"score"`
	Status       plan.Status `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Summary      string      `json:"summary"`
	Tradeoffs    string      `json:"tradeoffs,omitempty"`
}

// LedgerSummary condenses the run's audit trail.
type LedgerSummary struct {
	Entries      int    `json:"entries"`
	FirstSeq     uint64 `json:"first_seq,omitempty"`
	LastSeq      uint64 `json:"last_seq,omitempty"`
	AppliedFixes int    `json:"applied_fixes"`
	Reversals    int    `json:"reversals"`
	Resolutions  int    `json:"resolutions"`
}

// SeverityCount pairs a severity with its issue count, in rank order.
type SeverityCount struct {
	Severity analysis.Severity `json:"severity"`
	Count    int               `json:"count"`
}

// Report is the structured output of a pipeline run.
type Report struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Mode        run.Mode  `json:"mode"`
	State       run.State `json:"state"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error,omitempty"`

	Content   string            `json:"content"`
	Conflicts []ConflictSummary `json:"conflicts,omitempty"`
	Annex     []AnnexSummary    `json:"annex,omitempty"`
	Phases    []PhaseSummary    `json:"phases,omitempty"`
	Issues    []analysis.Issue  `json:"issues,omitempty"`
	Severity  []SeverityCount   `json:"severity,omitempty"`
	Fixes     []FixSummary      `json:"fixes,omitempty"`
	Ledger    LedgerSummary     `json:"ledger"`
}

// Compose assembles a report from a run snapshot and its ledger
// entries. The run is read, never mutated.
func Compose(r *run.Run, entries []ledger.Entry) (*Report, error) {
	if r == nil {
		return nil, ErrNilRun
	}

	rep := &Report{
		RunID:       r.ID,
		GeneratedAt: time.Now().UTC(),
		Mode:        r.Mode,
		State:       r.State,
		Kind:        string(r.Kind),
		Error:       r.Error,
		Content:     r.Content,
	}

	if r.Merge != nil {
		for _, c := range r.Merge.Conflicts {
			rep.Conflicts = append(rep.Conflicts, conflictSummary(c))
		}
		for _, a := range r.Merge.Annex {
			rep.Annex = append(rep.Annex, AnnexSummary{Origin: a.Origin, Reason: a.Reason})
		}
	}

	if r.Phases != nil {
		for _, ph := range r.Phases.Phases {
			rep.Phases = append(rep.Phases, PhaseSummary{
				Phase:    ph.Phase,
				State:    ph.State,
				Issues:   len(ph.Issues),
				Duration: ph.FinishedAt.Sub(ph.StartedAt),
			})
		}
	}

	rep.Issues = append(rep.Issues, r.Issues...)
	rep.Severity = severityCounts(r.Issues)

	for _, f := range r.Fixes {
		rep.Fixes = append(rep.Fixes, FixSummary{
			ID:           f.ID,
			IssueID:      f.IssueID,
			Generator:    f.Generator,
			Tier:         f.Tier,
			Band:         f.Band,
			Score:        f.Score,
			Status:       f.Status,
			StatusReason: f.StatusReason,
			Summary:      f.Summary,
			Tradeoffs:    f.Tradeoffs,
		})
	}

	rep.Ledger = summarizeLedger(entries)
	return rep, nil
}

func conflictSummary(c merge.ConflictRegion) ConflictSummary {
	out := ConflictSummary{
		ID:         c.ID,
		Line:       c.Line,
		Resolution: c.Resolution,
		ResolvedBy: c.ResolvedBy,
		Base:       c.Base,
	}
	for _, cand := range c.Candidates {
		out.Candidates = append(out.Candidates, CandidateView{
			ID:     cand.ID,
			Origin: cand.Origin,
			Text:   cand.Text,
			Chosen: cand.ID == c.ChosenID,
		})
	}
	return out
}

func severityCounts(issues []analysis.Issue) []SeverityCount {
	counts := make(map[analysis.Severity]int)
	for _, issue := range issues {
		counts[issue.Severity]++
	}
	ordered := []analysis.Severity{
		analysis.SeverityCritical,
		analysis.SeverityParseFailure,
		analysis.SeverityHigh,
		analysis.SeverityAnalyzerUnavailable,
		analysis.SeverityMedium,
		analysis.SeverityLow,
		analysis.SeverityInfo,
	}
	var out []SeverityCount
	for _, sev := range ordered {
		if counts[sev] > 0 {
			out = append(out, SeverityCount{Severity: sev, Count: counts[sev]})
		}
	}
	return out
}

func summarizeLedger(entries []ledger.Entry) LedgerSummary {
	sum := LedgerSummary{Entries: len(entries)}
	for i, e := range entries {
		if i == 0 {
			sum.FirstSeq = e.Sequence
		}
		sum.LastSeq = e.Sequence
		switch e.Action {
		case ledger.ActionApplyFix:
			sum.AppliedFixes++
		case ledger.ActionReverse:
			sum.Reversals++
		case ledger.ActionResolveConflict:
			sum.Resolutions++
		}
	}
	return sum
}

// Renderer turns a Report into bytes for one output format.
type Renderer interface {
	// Format names the format the renderer produces, e.g. "markdown".
	Format() string
	// Render produces the formatted report.
	Render(rep *Report) ([]byte, error)
}

// RendererFor returns the built-in renderer for a format string.
func RendererFor(format string) (Renderer, error) {
	switch format {
	case "markdown", "md", "":
		return MarkdownRenderer{}, nil
	case "json":
		return JSONRenderer{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRenderer, format)
}
