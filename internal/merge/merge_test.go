package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newFragment(t *testing.T, origin, content string, kind fragment.Kind, offset time.Duration) fragment.Fragment {
	t.Helper()
	f, err := fragment.New(origin, content, kind, baseTime.Add(offset))
	require.NoError(t, err)
	return f
}

func TestMerge_SingleFragment(t *testing.T) {
	e := NewEngine(nil, nil)
	f := newFragment(t, "only", "X=1\nY=2\n", fragment.KindConfig, 0)

	res, err := e.Merge(context.Background(), []fragment.Fragment{f}, Options{})
	require.NoError(t, err)

	assert.Equal(t, f.Content, res.UnifiedContent)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, f.ID, res.BaseFragmentID)
	assert.Equal(t, 1, res.Stats.Merged)
}

func TestMerge_IdenticalFragments(t *testing.T) {
	e := NewEngine(nil, nil)
	content := "X=1\nY=2\nZ=3\n"
	frags := []fragment.Fragment{
		newFragment(t, "a", content, fragment.KindConfig, 0),
		newFragment(t, "b", content, fragment.KindConfig, time.Minute),
		newFragment(t, "c", content, fragment.KindConfig, 2*time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{})
	require.NoError(t, err)

	assert.Equal(t, content, res.UnifiedContent)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 3, res.Stats.Merged)
}

func TestMerge_ConflictRetainsAllCandidates(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "earlier", "A=0\nX=2\nB=9\n", fragment.KindConfig, 0),
		newFragment(t, "later", "A=0\nX=3\nB=9\n", fragment.KindConfig, time.Hour),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyLatestWins})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	assert.Equal(t, 1, region.UnitStart)
	assert.Equal(t, 2, region.UnitEnd)
	assert.Equal(t, 2, region.Line)
	assert.Equal(t, "X=2\n", region.Base)

	require.Len(t, region.Candidates, 2)
	assert.Equal(t, "X=2\n", region.Candidates[0].Text)
	assert.Equal(t, "earlier", region.Candidates[0].Origin)
	assert.Equal(t, "X=3\n", region.Candidates[1].Text)
	assert.Equal(t, "later", region.Candidates[1].Origin)

	// Latest-wins picks the later fragment's value and records it.
	assert.Equal(t, ResolutionAuto, region.Resolution)
	assert.Equal(t, "policy:latest-wins", region.ResolvedBy)
	chosen, ok := region.Chosen()
	require.True(t, ok)
	assert.Equal(t, "X=3\n", chosen.Text)

	assert.Equal(t, "A=0\nX=3\nB=9\n", res.UnifiedContent)
}

func TestMerge_PureInsertionAutoResolves(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "one\ntwo\n", fragment.KindConfig, 0),
		newFragment(t, "b", "one\nnew\ntwo\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{})
	require.NoError(t, err)

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "one\nnew\ntwo\n", res.UnifiedContent)
	assert.Equal(t, 1, res.Stats.AutoResolved)
}

func TestMerge_PureDeletionAutoResolves(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "one\ntwo\nthree\n", fragment.KindConfig, 0),
		newFragment(t, "b", "one\nthree\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{})
	require.NoError(t, err)

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "one\nthree\n", res.UnifiedContent)
}

func TestMerge_DivergentInsertionsConflict(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "one\ntwo\n", fragment.KindConfig, 0),
		newFragment(t, "b", "one\nalpha\ntwo\n", fragment.KindConfig, time.Minute),
		newFragment(t, "c", "one\nbeta\ntwo\n", fragment.KindConfig, 2*time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyLatestWins})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	assert.Equal(t, region.UnitStart, region.UnitEnd, "insertion conflicts cover no base units")
	assert.Empty(t, region.Base)

	// Nothing was displaced, so only the inserting fragments compete.
	require.Len(t, region.Candidates, 2)
	assert.Equal(t, "alpha\n", region.Candidates[0].Text)
	assert.Equal(t, "beta\n", region.Candidates[1].Text)

	assert.Equal(t, "one\nbeta\ntwo\n", res.UnifiedContent)
}

func TestMerge_OverlappingRewritesNormalizeCandidates(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "l1\nl2\nl3\nl4\nl5\n", fragment.KindConfig, 0),
		newFragment(t, "b", "l1\nx2\nl3\nx4\nl5\n", fragment.KindConfig, time.Minute),
		newFragment(t, "c", "l1\nY\nl5\n", fragment.KindConfig, 2*time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyLatestWins})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	assert.Equal(t, "l2\nl3\nl4\n", region.Base)

	// Every candidate is normalized over the full region span, so a
	// fragment touching only part of it still proposes complete text.
	require.Len(t, region.Candidates, 3)
	assert.Equal(t, "l2\nl3\nl4\n", region.Candidates[0].Text)
	assert.Equal(t, "x2\nl3\nx4\n", region.Candidates[1].Text)
	assert.Equal(t, "Y\n", region.Candidates[2].Text)

	assert.Equal(t, "l1\nY\nl5\n", res.UnifiedContent)
}

func TestMerge_InteractiveLeavesPending(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyInteractive})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	assert.Equal(t, ResolutionPending, region.Resolution)
	assert.Len(t, res.Pending(), 1)

	// Unresolved regions fall back to the base text in the output.
	assert.Equal(t, "X=1\n", res.UnifiedContent)
}

func TestResult_Resolve(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyInteractive})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	winner := region.Candidates[1]

	require.NoError(t, res.Resolve(region.ID, winner.ID, "user:alice"))

	resolved := res.Conflicts[0]
	assert.Equal(t, ResolutionAuto, resolved.Resolution)
	assert.Equal(t, "user:alice", resolved.ResolvedBy)
	assert.Equal(t, winner.ID, resolved.ChosenID)
	assert.Equal(t, "X=2\n", res.UnifiedContent)
	assert.Empty(t, res.Pending())

	// A second resolution would discard the recorded choice.
	err = res.Resolve(region.ID, region.Candidates[0].ID, "bob")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResult_Resolve_Validation(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{Policy: PolicyInteractive})
	require.NoError(t, err)
	region := res.Conflicts[0]

	err = res.Resolve("no-such-conflict", region.Candidates[0].ID, "alice")
	assert.ErrorIs(t, err, ErrConflictNotFound)

	err = res.Resolve(region.ID, "no-such-candidate", "alice")
	assert.ErrorIs(t, err, ErrCandidateNotFound)
}

func TestMerge_AnnotateUnresolved(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{
		Policy:             PolicyInteractive,
		AnnotateUnresolved: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	assert.Equal(t, ResolutionAnnotated, res.Conflicts[0].Resolution)
	assert.Contains(t, res.UnifiedContent, "<<<<<<< conflict")
	assert.Contains(t, res.UnifiedContent, "======= base")
	assert.Contains(t, res.UnifiedContent, "X=1")
	assert.Contains(t, res.UnifiedContent, "X=2")
}

func TestMerge_WeightedPolicy(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
		newFragment(t, "c", "X=3\n", fragment.KindConfig, 2*time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{
		Policy:      PolicyWeighted,
		Prioritizer: &WeightPrioritizer{Weights: map[string]float64{"a": 5.0, "c": 1.0}},
	})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	region := res.Conflicts[0]
	assert.Equal(t, ResolutionAuto, region.Resolution)
	assert.Equal(t, "policy:weighted", region.ResolvedBy)

	chosen, ok := region.Chosen()
	require.True(t, ok)
	assert.Equal(t, "a", chosen.Origin)
	assert.Equal(t, "X=1\n", res.UnifiedContent)
}

func TestWeightPrioritizer_TieFallsBackToLatest(t *testing.T) {
	p := &WeightPrioritizer{Weights: map[string]float64{}}
	region := ConflictRegion{
		Candidates: []Candidate{
			{ID: "first", Origin: "a", IngestedAt: baseTime},
			{ID: "second", Origin: "b", IngestedAt: baseTime.Add(time.Hour)},
		},
	}

	id, err := p.Rank(context.Background(), region)
	require.NoError(t, err)
	assert.Equal(t, "second", id)
}

func TestMerge_MalformedFragmentAnnexed(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "good.go", "func a() {\n\treturn\n}\n", fragment.KindCode, 0),
		newFragment(t, "bad.go", "func b() {\n", fragment.KindCode, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{})
	require.NoError(t, err, "a malformed fragment must not abort the merge")

	require.Len(t, res.Annex, 1)
	assert.Equal(t, "bad.go", res.Annex[0].Origin)
	assert.NotEmpty(t, res.Annex[0].Reason)

	require.Len(t, res.Issues, 1)
	assert.Equal(t, analysis.SeverityParseFailure, res.Issues[0].Severity)
	assert.Equal(t, "merge", res.Issues[0].Phase)

	assert.Equal(t, "func a() {\n\treturn\n}\n", res.UnifiedContent)
	assert.Equal(t, 1, res.Stats.Merged)
	assert.Equal(t, 1, res.Stats.Annexed)
}

func TestMerge_AllFragmentsMalformed(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "bad1.go", "func a() {\n", fragment.KindCode, 0),
		newFragment(t, "bad2.go", "}\n", fragment.KindCode, time.Minute),
	}

	res, err := e.Merge(context.Background(), frags, Options{})
	require.NoError(t, err)

	assert.Empty(t, res.UnifiedContent)
	assert.Empty(t, res.BaseFragmentID)
	assert.Len(t, res.Annex, 2)
	assert.Len(t, res.Issues, 2)
	assert.Equal(t, 0, res.Stats.Merged)
}

func TestMerge_Validation(t *testing.T) {
	e := NewEngine(nil, nil)
	cfg := newFragment(t, "a", "X=1\n", fragment.KindConfig, 0)
	doc := newFragment(t, "b", "# doc\n", fragment.KindDoc, time.Minute)

	tests := []struct {
		name    string
		frags   []fragment.Fragment
		opts    Options
		wantErr error
	}{
		{"no fragments", nil, Options{}, ErrNoFragments},
		{"kind mismatch", []fragment.Fragment{cfg, doc}, Options{}, ErrKindMismatch},
		{"weighted without prioritizer", []fragment.Fragment{cfg}, Options{Policy: PolicyWeighted}, ErrNoPrioritizer},
		{"unknown policy", []fragment.Fragment{cfg}, Options{Policy: Policy("coin-flip")}, ErrUnknownPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Merge(context.Background(), tt.frags, tt.opts)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestMerge_OutputRemergesCleanly(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "A=0\nX=2\nB=9\n", fragment.KindConfig, 0),
		newFragment(t, "b", "A=0\nX=3\nB=9\n", fragment.KindConfig, time.Minute),
	}

	first, err := e.Merge(context.Background(), frags, Options{Policy: PolicyLatestWins})
	require.NoError(t, err)

	again := []fragment.Fragment{
		newFragment(t, "merged-1", first.UnifiedContent, fragment.KindConfig, 2*time.Minute),
		newFragment(t, "merged-2", first.UnifiedContent, fragment.KindConfig, 3*time.Minute),
	}
	second, err := e.Merge(context.Background(), again, Options{Policy: PolicyLatestWins})
	require.NoError(t, err)

	assert.Equal(t, first.UnifiedContent, second.UnifiedContent)
	assert.Empty(t, second.Conflicts)
}

func TestMerge_CancelledContext(t *testing.T) {
	e := NewEngine(nil, nil)
	frags := []fragment.Fragment{
		newFragment(t, "a", "X=1\n", fragment.KindConfig, 0),
		newFragment(t, "b", "X=2\n", fragment.KindConfig, time.Minute),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Merge(ctx, frags, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
