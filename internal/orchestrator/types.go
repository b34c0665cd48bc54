package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
)

// Default phase names, in execution order.
const (
	// PhaseStructural checks boundary and syntax level soundness.
	PhaseStructural = "structural"
	// PhaseSemantic checks logic and content consistency.
	PhaseSemantic = "semantic"
	// PhaseSecurity scans for leaked credentials and unsafe patterns.
	PhaseSecurity = "security"
	// PhaseStyle checks formatting conventions.
	PhaseStyle = "style"
)

// DefaultPhases returns the default phase sequence.
func DefaultPhases() []PhaseSpec {
	return []PhaseSpec{
		{Name: PhaseStructural},
		{Name: PhaseSemantic},
		{Name: PhaseSecurity},
		{Name: PhaseStyle},
	}
}

// PhaseState tracks one phase through its lifecycle.
type PhaseState string

const (
	StatePending   PhaseState = "pending"
	StateRunning   PhaseState = "running"
	StateCompleted PhaseState = "completed"

	// StateDegraded means one or more analyzers failed or timed out
	// but the phase otherwise finished; the run continues with reduced
	// coverage.
	StateDegraded PhaseState = "degraded"

	// StateAborted means a required analyzer failed or the run was
	// cancelled. The sequence halts; later phases stay pending.
	StateAborted PhaseState = "aborted"
)

// PhaseSpec names a phase and optionally restricts which analyzers run
// in it. An empty Analyzers list enables every analyzer registered for
// the phase.
type PhaseSpec struct {
	Name      string   `json:"name"`
	Analyzers []string `json:"analyzers,omitempty"`
}

// AnalyzerOptions override scheduling for one analyzer.
type AnalyzerOptions struct {
	// Disabled skips the analyzer in every phase.
	Disabled bool
	// Required escalates the analyzer's failure from Degraded to
	// Aborted.
	Required bool
	// Timeout overrides the default per-analyzer budget.
	Timeout time.Duration
}

// Options configure the phase sequence.
type Options struct {
	// Phases is the ordered phase list. Empty means DefaultPhases.
	Phases []PhaseSpec
	// Workers bounds concurrent analyzers within a phase. Defaults to
	// the number of CPUs.
	Workers int
	// AnalyzerTimeout is the default per-analyzer budget. Defaults to
	// DefaultAnalyzerTimeout.
	AnalyzerTimeout time.Duration
	// Analyzers holds per-analyzer overrides, keyed by analyzer name.
	Analyzers map[string]AnalyzerOptions
}

// AnalyzerOutcome records one analyzer invocation within a phase.
type AnalyzerOutcome struct {
	Analyzer   string        `json:"analyzer"`
	Priority   int           `json:"priority"`
	IssueCount int           `json:"issue_count"`
	Failed     bool          `json:"failed,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	Required   bool          `json:"required,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// PhaseResult captures the outcome of one phase execution.
type PhaseResult struct {
	Phase      string            `json:"phase"`
	State      PhaseState        `json:"state"`
	Issues     []analysis.Issue  `json:"issues,omitempty"`
	Analyzers  []AnalyzerOutcome `json:"analyzers,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

// Result is the outcome of one pass over the phase sequence. Phases
// holds one entry per configured phase in order; phases after an abort
// remain pending.
type Result struct {
	Phases       []PhaseResult    `json:"phases"`
	Issues       []analysis.Issue `json:"issues,omitempty"`
	Aborted      bool             `json:"aborted,omitempty"`
	AbortedPhase string           `json:"aborted_phase,omitempty"`
}

// Phase returns the result for the named phase, or nil when the phase
// is not configured.
func (r *Result) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Phase == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// PhaseProgress reports phase transitions during a run.
type PhaseProgress struct {
	RunID      string     `json:"run_id"`
	Phase      string     `json:"phase"`
	State      PhaseState `json:"state"`
	Message    string     `json:"message"`
	Percentage int        `json:"percentage"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress PhaseProgress)
