package plan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/pkg/secrets"
)

func issueAt(desc string, start, end int) analysis.Issue {
	return analysis.Issue{
		ID:          "i1",
		Description: desc,
		Location:    analysis.Location{LineStart: start, LineEnd: end},
	}
}

// applyOnly applies a single proposed fix's patch to content.
func applyOnly(t *testing.T, fixes []Fix, content string) string {
	t.Helper()
	require.Len(t, fixes, 1)
	next, err := ledger.ApplyPatch(content, fixes[0].Patch)
	require.NoError(t, err)
	return next
}

func TestNewlineGenerator(t *testing.T) {
	g := NewlineGenerator{}

	fixes, err := g.Propose(context.Background(), issueAt("missing final newline", 1, 1), "X=1")
	require.NoError(t, err)
	assert.Equal(t, "X=1\n", applyOnly(t, fixes, "X=1"))
	assert.Equal(t, TierCore, fixes[0].Tier)

	// Already terminated: nothing to do.
	fixes, err = g.Propose(context.Background(), issueAt("missing final newline", 1, 1), "X=1\n")
	require.NoError(t, err)
	assert.Empty(t, fixes)

	// Unrelated issue: not ours.
	fixes, err = g.Propose(context.Background(), issueAt("trailing whitespace", 1, 1), "X=1")
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestWhitespaceGenerator_TrailingWhitespace(t *testing.T) {
	g := WhitespaceGenerator{}
	content := "a  \nb\n"

	fixes, err := g.Propose(context.Background(), issueAt("trailing whitespace", 1, 1), content)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", applyOnly(t, fixes, content))
	assert.Equal(t, TierOptimization, fixes[0].Tier)

	// Line out of range: no fix rather than a bad patch.
	fixes, err = g.Propose(context.Background(), issueAt("trailing whitespace", 99, 99), content)
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestWhitespaceGenerator_CollapseBlanks(t *testing.T) {
	g := WhitespaceGenerator{MaxBlankRun: 1}
	content := "a\n\n\n\n\nb\n"

	fixes, err := g.Propose(context.Background(), issueAt("excessive blank lines", 2, 5), content)
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb\n", applyOnly(t, fixes, content))
}

func TestWhitespaceGenerator_NormalizeIndent(t *testing.T) {
	g := WhitespaceGenerator{}
	content := "\t x\n"

	fixes, err := g.Propose(context.Background(), issueAt("mixed tabs and spaces in indentation", 1, 1), content)
	require.NoError(t, err)
	assert.Equal(t, "     x\n", applyOnly(t, fixes, content))
}

func TestAdvisoryGenerator(t *testing.T) {
	g := AdvisoryGenerator{}

	fixes, err := g.Propose(context.Background(), issueAt("line exceeds 120 characters", 3, 3), "")
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Empty(t, fixes[0].Patch, "advisory fixes carry no patch")
	assert.Equal(t, TierEnhancement, fixes[0].Tier)

	fixes, err = g.Propose(context.Background(), issueAt("work marker left in document", 1, 1), "")
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, TierInnovation, fixes[0].Tier)

	fixes, err = g.Propose(context.Background(), issueAt("something else entirely", 1, 1), "")
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

// fakeScanner pins findings so assertions do not depend on the
// Gitleaks pattern set.
type fakeScanner struct {
	findings []secrets.Finding
}

func (f *fakeScanner) Detect(string) []secrets.Finding { return f.findings }

func TestRedactionGenerator(t *testing.T) {
	content := "user=svc\npassword=hunter2secret\n"
	col := strings.Index("password=hunter2secret", "hunter2secret")
	g := &RedactionGenerator{scanner: &fakeScanner{findings: []secrets.Finding{{
		RuleID:   "generic-password",
		RuleDesc: "Password",
		Line:     2,
		StartCol: col,
		EndCol:   col + len("hunter2secret"),
		Match:    "hunter2secret",
	}}}}

	fixes, err := g.Propose(context.Background(), issueAt("hardcoded secret: Password", 2, 2), content)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, TierCore, fixes[0].Tier)

	next, err := ledger.ApplyPatch(content, fixes[0].Patch)
	require.NoError(t, err)
	assert.NotContains(t, next, "hunter2secret")
	assert.Contains(t, next, "[REDACTED:")

	// A finding on another line is not this issue's fix.
	fixes, err = g.Propose(context.Background(), issueAt("hardcoded secret: Password", 7, 7), content)
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

func TestHeuristicScorer(t *testing.T) {
	s := NewHeuristicScorer()
	issue := analysis.Issue{Severity: analysis.SeverityLow}

	small := ledger.MakePatch("a\n", "a\nb\n")
	core := s.Score(issue, Fix{Tier: TierCore, Patch: small})
	opt := s.Score(issue, Fix{Tier: TierOptimization, Patch: small})
	enh := s.Score(issue, Fix{Tier: TierEnhancement, Patch: small})
	inn := s.Score(issue, Fix{Tier: TierInnovation, Patch: small})
	assert.Greater(t, core, opt)
	assert.Greater(t, opt, enh)
	assert.Greater(t, enh, inn)

	// Critical findings score higher than low ones, same fix.
	critical := analysis.Issue{Severity: analysis.SeverityCritical}
	assert.Greater(t, s.Score(critical, Fix{Tier: TierCore, Patch: small}), core)

	// Advisory fixes never reach the auto-apply band.
	advisory := s.Score(issue, Fix{Tier: TierCore})
	assert.LessOrEqual(t, advisory, advisoryCap)

	// Determinism for a given (issue, fix) pair.
	assert.Equal(t, core, s.Score(issue, Fix{Tier: TierCore, Patch: small}))

	// Sweeping edits are penalized.
	big := ledger.MakePatch("a\n", strings.Repeat("filler line\n", 100))
	assert.Less(t, s.Score(issue, Fix{Tier: TierCore, Patch: big}), core)
}
