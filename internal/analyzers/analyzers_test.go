package analyzers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/pkg/secrets"
)

type stubScanner struct {
	findings []secrets.Finding
}

func (s *stubScanner) Detect(content string) []secrets.Finding { return s.findings }

func docInput(content string) analysis.Input {
	return analysis.Input{
		RunID:   "run-1",
		Kind:    fragment.KindConfig,
		Content: content,
	}
}

func TestSecrets_MapsFindings(t *testing.T) {
	a := &Secrets{scanner: &stubScanner{findings: []secrets.Finding{
		{RuleID: "generic-api-key", RuleDesc: "Generic API Key", Line: 3, Match: "sk-live-abcdef"},
	}}}

	issues, err := a.Analyze(context.Background(), docInput("a\nb\napi_key: sk-live-abcdef\n"))
	require.NoError(t, err)
	require.Len(t, issues, 1)

	issue := issues[0]
	assert.Equal(t, analysis.SeverityCritical, issue.Severity)
	assert.Equal(t, 3, issue.Location.LineStart)
	assert.Equal(t, 3, issue.Location.LineEnd)
	assert.Equal(t, "hardcoded secret: Generic API Key", issue.Description)
	assert.Contains(t, issue.Evidence, "generic-api-key")
	assert.Contains(t, issue.Evidence, `"sk-l"`)
	assert.NotContains(t, issue.Evidence, "sk-live-abcdef")
}

func TestSecrets_CleanContent(t *testing.T) {
	a, err := NewSecrets("")
	require.NoError(t, err)

	issues, err := a.Analyze(context.Background(), docInput("timeout = 30\nretries = 3\n"))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestSecrets_Identity(t *testing.T) {
	a := &Secrets{scanner: &stubScanner{}}

	assert.Equal(t, "secrets", a.Name())
	assert.Equal(t, []string{"security"}, a.Phases())
	assert.Nil(t, a.Kinds())
	assert.Equal(t, 100, a.Priority())
}

func TestStructure_CleanDocument(t *testing.T) {
	a := NewStructure(nil)

	input := analysis.Input{Kind: fragment.KindCode, Content: "func a() {\n\treturn\n}\n"}
	issues, err := a.Analyze(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStructure_MalformedDocument(t *testing.T) {
	a := NewStructure(nil)

	input := analysis.Input{Kind: fragment.KindCode, Content: "func a() {\n\treturn\n"}
	issues, err := a.Analyze(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, issues, 1)

	assert.Equal(t, analysis.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "document does not split cleanly for its content kind", issues[0].Description)
	assert.Contains(t, issues[0].Evidence, "unclosed bracket")
}

func TestStructure_ConflictMarkers(t *testing.T) {
	content := strings.Join([]string{
		"setting = 1",
		"<<<<<<< fragment-a",
		"x = 2",
		"=======",
		"x = 3",
		">>>>>>> fragment-b",
		"other = 4",
		"",
	}, "\n")

	a := NewStructure(nil)
	issues, err := a.Analyze(context.Background(), docInput(content))
	require.NoError(t, err)
	require.Len(t, issues, 1)

	issue := issues[0]
	assert.Equal(t, analysis.SeverityHigh, issue.Severity)
	assert.Equal(t, "unresolved conflict marker", issue.Description)
	assert.Equal(t, 2, issue.Location.LineStart)
	assert.Equal(t, 6, issue.Location.LineEnd)
	assert.Equal(t, "<<<<<<< fragment-a", issue.Evidence)
}

func TestStructure_UnterminatedConflictMarker(t *testing.T) {
	a := NewStructure(nil)

	issues, err := a.Analyze(context.Background(), docInput("a = 1\n<<<<<<< fragment-a\nb = 2\n"))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, issues[0].Location.LineStart)
	assert.Equal(t, 2, issues[0].Location.LineEnd)
}

func TestStyle_Checks(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		rules      StyleRules
		wantDesc   string
		wantLine   int
		wantIssues int
	}{
		{
			name:       "trailing whitespace",
			content:    "hello \nworld\n",
			rules:      StyleRules{TrailingWhitespace: true},
			wantDesc:   "trailing whitespace",
			wantLine:   1,
			wantIssues: 1,
		},
		{
			name:       "missing final newline",
			content:    "hello\nworld",
			rules:      StyleRules{RequireFinalNewline: true},
			wantDesc:   "missing final newline",
			wantLine:   2,
			wantIssues: 1,
		},
		{
			name:       "line too long",
			content:    strings.Repeat("x", 121) + "\n",
			rules:      StyleRules{MaxLineLength: 120},
			wantDesc:   "line exceeds 120 characters",
			wantLine:   1,
			wantIssues: 1,
		},
		{
			name:       "mixed indentation",
			content:    "ok\n\t  value\n",
			rules:      StyleRules{MixedIndentation: true},
			wantDesc:   "mixed tabs and spaces in indentation",
			wantLine:   2,
			wantIssues: 1,
		},
		{
			name:       "excessive blank lines",
			content:    "a\n\n\n\n\nb\n",
			rules:      StyleRules{MaxBlankRun: 2},
			wantDesc:   "excessive blank lines",
			wantLine:   2,
			wantIssues: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewStyle(tt.rules)
			issues, err := a.Analyze(context.Background(), docInput(tt.content))
			require.NoError(t, err)
			require.Len(t, issues, tt.wantIssues)

			assert.Equal(t, analysis.SeverityLow, issues[0].Severity)
			assert.Equal(t, tt.wantDesc, issues[0].Description)
			assert.Equal(t, tt.wantLine, issues[0].Location.LineStart)
		})
	}
}

func TestStyle_CleanDocument(t *testing.T) {
	a := NewStyle(DefaultStyleRules())

	issues, err := a.Analyze(context.Background(), docInput("short line\n\tindented\n"))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStyle_MaxIssuesCap(t *testing.T) {
	rules := StyleRules{TrailingWhitespace: true, MaxIssues: 2}
	a := NewStyle(rules)

	content := "a \nb \nc \nd \ne \n"
	issues, err := a.Analyze(context.Background(), docInput(content))
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestStyle_UnicodeLineLength(t *testing.T) {
	// 10 three-byte runes must count as 10 characters, not 30.
	a := NewStyle(StyleRules{MaxLineLength: 12})

	issues, err := a.Analyze(context.Background(), docInput(strings.Repeat("日", 10)+"\n"))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestLoadStyleRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_line_length = 80\ntrailing_whitespace = false\nmax_blank_run = 1\n",
	), 0o600))

	rules, err := LoadStyleRules(path)
	require.NoError(t, err)

	assert.Equal(t, 80, rules.MaxLineLength)
	assert.False(t, rules.TrailingWhitespace)
	assert.Equal(t, 1, rules.MaxBlankRun)
	// Unset keys keep their defaults.
	assert.True(t, rules.MixedIndentation)
	assert.True(t, rules.RequireFinalNewline)
	assert.Equal(t, 100, rules.MaxIssues)
}

func TestLoadStyleRules_MissingFile(t *testing.T) {
	rules, err := LoadStyleRules(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultStyleRules(), rules)

	rules, err = LoadStyleRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultStyleRules(), rules)
}

func TestLoadStyleRules_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.toml")
	require.NoError(t, os.WriteFile(path, []byte("max_line_length = [broken"), 0o600))

	_, err := LoadStyleRules(path)
	assert.ErrorIs(t, err, ErrInvalidTOML)
}

func TestHygiene_WorkMarkers(t *testing.T) {
	a := NewHygiene()

	content := strings.Repeat("fine\n", 30) + "// TODO: revisit after release\n"
	issues, err := a.Analyze(context.Background(), docInput(content))
	require.NoError(t, err)
	require.Len(t, issues, 1)

	assert.Equal(t, analysis.SeverityInfo, issues[0].Severity)
	assert.Equal(t, "work marker left in document", issues[0].Description)
	assert.Equal(t, "TODO", issues[0].Evidence)
	assert.Equal(t, 31, issues[0].Location.LineStart)
}

func TestHygiene_PlaceholderText(t *testing.T) {
	a := NewHygiene()

	issues, err := a.Analyze(context.Background(), docInput("title: Lorem ipsum dolor\n"))
	require.NoError(t, err)
	require.Len(t, issues, 1)

	assert.Equal(t, analysis.SeverityMedium, issues[0].Severity)
	assert.Equal(t, "placeholder text left in document", issues[0].Description)
	assert.Equal(t, "Lorem ipsum", issues[0].Evidence)
}

func TestHygiene_MarkerDensity(t *testing.T) {
	a := NewHygiene()

	content := "TODO one\nTODO two\nFIXME three\n"
	issues, err := a.Analyze(context.Background(), docInput(content))
	require.NoError(t, err)
	require.Len(t, issues, 4)

	last := issues[len(issues)-1]
	assert.Equal(t, analysis.SeverityMedium, last.Severity)
	assert.Equal(t, "high density of work markers", last.Description)
	assert.Contains(t, last.Evidence, "3 markers")
}

func TestHygiene_SparseMarkersNoDensityIssue(t *testing.T) {
	a := NewHygiene()

	content := "TODO one\n" + strings.Repeat("fine\n", 20) + "TODO two\n" + strings.Repeat("fine\n", 20) + "TODO three\n"
	issues, err := a.Analyze(context.Background(), docInput(content))
	require.NoError(t, err)

	require.Len(t, issues, 3)
	for _, issue := range issues {
		assert.Equal(t, "work marker left in document", issue.Description)
	}
}

func TestAnalyzers_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, a := range []analysis.Analyzer{
		&Secrets{scanner: &stubScanner{}},
		NewStructure(nil),
		NewStyle(DefaultStyleRules()),
		NewHygiene(),
	} {
		t.Run(a.Name(), func(t *testing.T) {
			_, err := a.Analyze(ctx, docInput("content\n"))
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}
