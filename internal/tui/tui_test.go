package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

func testMergeResult() *merge.Result {
	return &merge.Result{
		Conflicts: []merge.ConflictRegion{
			{
				ID:   "c-1",
				Line: 3,
				Base: "old value\n",
				Candidates: []merge.Candidate{
					{ID: "cand-a", Origin: "copy-a", Text: "value one\n"},
					{ID: "cand-b", Origin: "copy-b", Text: "value two\n"},
				},
				Resolution: merge.ResolutionPending,
			},
			{
				ID:   "c-2",
				Line: 9,
				Candidates: []merge.Candidate{
					{ID: "cand-c", Origin: "copy-a", Text: "alpha\n"},
					{ID: "cand-d", Origin: "copy-b", Text: "beta\n"},
				},
				Resolution: merge.ResolutionPending,
			},
			{
				ID:         "c-3",
				Resolution: merge.ResolutionAuto,
				ChosenID:   "cand-e",
			},
		},
	}
}

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestNewResolverModel(t *testing.T) {
	m := NewResolverModel("run-1", testMergeResult())

	assert.Equal(t, "run-1", m.runID)
	assert.Len(t, m.conflicts, 2, "auto-resolved regions are skipped")
	assert.Equal(t, 0, m.index)
	assert.Empty(t, m.Choices())
	assert.False(t, m.Done())
}

func TestResolverModel_Init_NoConflicts(t *testing.T) {
	m := NewResolverModel("run-1", &merge.Result{})
	cmd := m.Init()
	require.NotNil(t, cmd, "resolver with nothing to resolve quits immediately")
}

func TestResolverModel_Update_Quit(t *testing.T) {
	m := NewResolverModel("run-1", testMergeResult())

	updated, cmd := m.Update(keyPress('q'))
	require.NotNil(t, cmd)

	rm := updated.(ResolverModel)
	assert.True(t, rm.Cancelled())
	assert.False(t, rm.Done())
}

func TestResolverModel_Update_Navigation(t *testing.T) {
	m := NewResolverModel("run-1", testMergeResult())

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	rm := updated.(ResolverModel)
	assert.Equal(t, 1, rm.cursor)

	// cursor clamps at the last candidate
	updated, _ = rm.Update(tea.KeyMsg{Type: tea.KeyDown})
	rm = updated.(ResolverModel)
	assert.Equal(t, 1, rm.cursor)

	updated, _ = rm.Update(tea.KeyMsg{Type: tea.KeyUp})
	rm = updated.(ResolverModel)
	assert.Equal(t, 0, rm.cursor)
}

func TestResolverModel_Update_ChooseAll(t *testing.T) {
	m := NewResolverModel("run-1", testMergeResult())

	// choose the second candidate of the first region
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	updated, _ = updated.(ResolverModel).Update(tea.KeyMsg{Type: tea.KeyEnter})
	rm := updated.(ResolverModel)
	assert.Equal(t, 1, rm.index)
	assert.Equal(t, 0, rm.cursor, "cursor resets for the next region")
	assert.False(t, rm.Done())

	// first candidate of the second region finishes the walk
	updated, cmd := rm.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	rm = updated.(ResolverModel)

	assert.True(t, rm.Done())
	assert.False(t, rm.Cancelled())
	require.Len(t, rm.Choices(), 2)
	assert.Equal(t, Choice{ConflictID: "c-1", CandidateID: "cand-b"}, rm.Choices()[0])
	assert.Equal(t, Choice{ConflictID: "c-2", CandidateID: "cand-c"}, rm.Choices()[1])
}

func TestResolverModel_View(t *testing.T) {
	m := NewResolverModel("run-1", testMergeResult())

	view := m.View()
	assert.Contains(t, view, "run-1")
	assert.Contains(t, view, "Region 1 of 2")
	assert.Contains(t, view, "copy-a")
	assert.Contains(t, view, "copy-b")
	assert.Contains(t, view, "value one")

	m.quitting = true
	assert.Empty(t, m.View())
}

func testRun() *run.Run {
	return &run.Run{
		ID:    "run-9",
		Mode:  run.ModeFull,
		State: run.StateCompleted,
		Merge: &merge.Result{
			Stats: merge.Stats{Fragments: 3, AutoResolved: 2, Conflicts: 2},
		},
		Phases: &orchestrator.Result{
			Phases: []orchestrator.PhaseResult{
				{Phase: "structure", State: orchestrator.StateCompleted},
				{Phase: "hygiene", State: orchestrator.StateDegraded, Issues: []analysis.Issue{{ID: "i-1"}}},
			},
		},
		Issues: []analysis.Issue{
			{ID: "i-1", Severity: analysis.SeverityHigh},
			{ID: "i-2", Severity: analysis.SeverityLow},
			{ID: "i-3", Severity: analysis.SeverityLow},
		},
		Fixes: []plan.Fix{
			{ID: "f-1", Status: plan.StatusApplied, Score: 0.85},
			{ID: "f-2", Status: plan.StatusQueued, Score: 0.70},
		},
	}
}

func TestNewSummaryModel(t *testing.T) {
	r := testRun()
	m := NewSummaryModel(r)

	assert.Same(t, r, m.run)
	assert.Nil(t, m.Init())
}

func TestSummaryModel_Update_Quit(t *testing.T) {
	m := NewSummaryModel(testRun())

	updated, cmd := m.Update(keyPress('q'))
	require.NotNil(t, cmd)
	assert.True(t, updated.(SummaryModel).quitting)

	// non-key messages are ignored
	updated, cmd = m.Update("not a key")
	assert.Nil(t, cmd)
	assert.False(t, updated.(SummaryModel).quitting)
}

func TestSummaryModel_View(t *testing.T) {
	m := NewSummaryModel(testRun())

	view := m.View()
	assert.Contains(t, view, "run-9")
	assert.Contains(t, view, "completed")
	assert.Contains(t, view, "structure")
	assert.Contains(t, view, "hygiene")
	assert.Contains(t, view, "high:")
	assert.Contains(t, view, "low:")
	assert.Contains(t, view, "applied:")
	assert.Contains(t, view, "queued:")

	m.quitting = true
	assert.Empty(t, m.View())
}

func TestSummaryModel_View_NilRun(t *testing.T) {
	m := NewSummaryModel(nil)
	assert.Empty(t, m.View())
}

func TestPhaseRatio(t *testing.T) {
	assert.Equal(t, 0.0, phaseRatio(nil))
	assert.Equal(t, 1.0, phaseRatio(testRun().Phases.Phases), "degraded phases still count as finished")

	mixed := []orchestrator.PhaseResult{
		{State: orchestrator.StateCompleted},
		{State: orchestrator.StateAborted},
	}
	assert.Equal(t, 0.5, phaseRatio(mixed))
}

func TestSeverityCounts(t *testing.T) {
	assert.Nil(t, severityCounts(nil))

	counts := severityCounts(testRun().Issues)
	assert.Equal(t, 1, counts[analysis.SeverityHigh])
	assert.Equal(t, 2, counts[analysis.SeverityLow])
}
