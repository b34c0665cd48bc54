package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/pkg/secrets"
)

// The built-in generators match on the stable issue descriptions the
// built-in analyzers emit. External analyzers pair with external
// generators through the same Generator interface.

// NewlineGenerator proposes appending a final newline. The change is
// purely additive, so it can auto-apply even when destructive changes
// are not allowed.
type NewlineGenerator struct{}

func (NewlineGenerator) Name() string { return "newline" }

func (NewlineGenerator) Propose(_ context.Context, issue analysis.Issue, content string) ([]Fix, error) {
	if issue.Description != "missing final newline" {
		return nil, nil
	}
	if content == "" || strings.HasSuffix(content, "\n") {
		return nil, nil
	}
	return []Fix{{
		Tier:    TierCore,
		Patch:   ledger.MakePatch(content, content+"\n"),
		Summary: "append final newline",
	}}, nil
}

// secretScanner is the detection seam shared with the secrets
// analyzer; tests stub it so assertions do not depend on the Gitleaks
// pattern set.
type secretScanner interface {
	Detect(content string) []secrets.Finding
}

// RedactionGenerator proposes replacing a detected secret with a
// redaction marker. Redaction deletes the secret's characters, so the
// fix is destructive and needs destructive_allowed or approval.
type RedactionGenerator struct {
	scanner secretScanner
}

// NewRedactionGenerator creates the generator. allowlistPath may be
// empty; building the scanner compiles the Gitleaks rule set, so
// create one and reuse it.
func NewRedactionGenerator(allowlistPath string) (*RedactionGenerator, error) {
	allow, err := secrets.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	scanner, err := secrets.NewScanner(allow)
	if err != nil {
		return nil, fmt.Errorf("create secret scanner: %w", err)
	}
	return &RedactionGenerator{scanner: scanner}, nil
}

func (g *RedactionGenerator) Name() string { return "redaction" }

func (g *RedactionGenerator) Propose(_ context.Context, issue analysis.Issue, content string) ([]Fix, error) {
	if !strings.HasPrefix(issue.Description, "hardcoded secret:") {
		return nil, nil
	}

	findings := g.scanner.Detect(content)
	var onLine []secrets.Finding
	for _, f := range findings {
		if f.Line == issue.Location.LineStart {
			onLine = append(onLine, f)
		}
	}
	if len(onLine) == 0 {
		return nil, nil
	}

	redacted, applied := secrets.Redact(content, onLine)
	if len(applied) == 0 || redacted == content {
		return nil, nil
	}
	return []Fix{{
		Tier:      TierCore,
		Patch:     ledger.MakePatch(content, redacted),
		Summary:   fmt.Sprintf("redact secret on line %d", issue.Location.LineStart),
		Tradeoffs: "the original value is removed from the document; recover it from the source fragments",
	}}, nil
}

// WhitespaceGenerator proposes mechanical whitespace cleanups:
// stripping trailing whitespace, collapsing blank-line runs, and
// normalizing mixed indentation. All of its fixes delete characters
// and are therefore destructive.
type WhitespaceGenerator struct {
	// MaxBlankRun is the blank-line count runs are collapsed to.
	MaxBlankRun int
}

func (WhitespaceGenerator) Name() string { return "whitespace" }

func (g WhitespaceGenerator) Propose(_ context.Context, issue analysis.Issue, content string) ([]Fix, error) {
	switch {
	case issue.Description == "trailing whitespace":
		return g.stripTrailing(issue, content)
	case issue.Description == "excessive blank lines":
		return g.collapseBlanks(issue, content)
	case issue.Description == "mixed tabs and spaces in indentation":
		return g.normalizeIndent(issue, content)
	}
	return nil, nil
}

func (g WhitespaceGenerator) stripTrailing(issue analysis.Issue, content string) ([]Fix, error) {
	line := issue.Location.LineStart
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return nil, nil
	}
	stripped := strings.TrimRight(lines[line-1], " \t")
	if stripped == lines[line-1] {
		return nil, nil
	}
	lines[line-1] = stripped
	return []Fix{{
		Tier:    TierOptimization,
		Patch:   ledger.MakePatch(content, strings.Join(lines, "\n")),
		Summary: fmt.Sprintf("strip trailing whitespace on line %d", line),
	}}, nil
}

func (g WhitespaceGenerator) collapseBlanks(issue analysis.Issue, content string) ([]Fix, error) {
	keep := g.MaxBlankRun
	if keep <= 0 {
		keep = 1
	}
	start, end := issue.Location.LineStart, issue.Location.LineEnd
	lines := strings.Split(content, "\n")
	if start < 1 || end > len(lines) || end-start+1 <= keep {
		return nil, nil
	}
	for i := start - 1; i < end; i++ {
		if lines[i] != "" {
			return nil, nil
		}
	}
	collapsed := append([]string{}, lines[:start-1+keep]...)
	collapsed = append(collapsed, lines[end:]...)
	return []Fix{{
		Tier:    TierOptimization,
		Patch:   ledger.MakePatch(content, strings.Join(collapsed, "\n")),
		Summary: fmt.Sprintf("collapse %d blank lines to %d", end-start+1, keep),
	}}, nil
}

func (g WhitespaceGenerator) normalizeIndent(issue analysis.Issue, content string) ([]Fix, error) {
	line := issue.Location.LineStart
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return nil, nil
	}
	normalized := expandIndentTabs(lines[line-1])
	if normalized == lines[line-1] {
		return nil, nil
	}
	lines[line-1] = normalized
	return []Fix{{
		Tier:      TierOptimization,
		Patch:     ledger.MakePatch(content, strings.Join(lines, "\n")),
		Summary:   fmt.Sprintf("normalize indentation on line %d", line),
		Tradeoffs: "tabs in leading whitespace become four spaces; alignment may shift",
	}}, nil
}

// expandIndentTabs replaces tabs in a line's leading whitespace with
// four spaces each. The rest of the line is untouched.
func expandIndentTabs(line string) string {
	var b strings.Builder
	for i, r := range line {
		switch r {
		case '\t':
			b.WriteString("    ")
		case ' ':
			b.WriteByte(' ')
		default:
			b.WriteString(line[i:])
			return b.String()
		}
	}
	return b.String()
}

// advisory maps a stable description prefix to an advisory fix.
type advisory struct {
	tier    Tier
	summary string
}

// advisories covers findings the planner cannot safely edit for the
// author. Advisory fixes carry no patch; they only annotate the report.
var advisories = map[string]advisory{
	"line exceeds":                      {TierEnhancement, "wrap or shorten the long line"},
	"unresolved conflict marker":        {TierEnhancement, "resolve the conflict block and remove its markers"},
	"document does not split cleanly":   {TierEnhancement, "repair the document structure so it parses for its content kind"},
	"work marker left in document":      {TierInnovation, "finish or file the flagged work item"},
	"placeholder text left in document": {TierInnovation, "replace the placeholder with real content"},
	"high density of work markers":      {TierInnovation, "triage the document's outstanding work markers"},
}

// AdvisoryGenerator turns findings that have no mechanical fix into
// annotate-only suggestions.
type AdvisoryGenerator struct{}

func (AdvisoryGenerator) Name() string { return "advisory" }

func (AdvisoryGenerator) Propose(_ context.Context, issue analysis.Issue, _ string) ([]Fix, error) {
	for prefix, adv := range advisories {
		if strings.HasPrefix(issue.Description, prefix) {
			return []Fix{{
				Tier:    adv.tier,
				Summary: adv.summary,
			}}, nil
		}
	}
	return nil, nil
}

// DefaultGenerators returns the built-in generator set. allowlistPath
// configures the redaction generator's secret scanner.
func DefaultGenerators(allowlistPath string) ([]Generator, error) {
	redaction, err := NewRedactionGenerator(allowlistPath)
	if err != nil {
		return nil, err
	}
	return []Generator{
		NewlineGenerator{},
		redaction,
		WhitespaceGenerator{MaxBlankRun: 1},
		AdvisoryGenerator{},
	}, nil
}
