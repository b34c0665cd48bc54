package analyzers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/BurntSushi/toml"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// StyleRules configures the style analyzer. Zero values disable the
// corresponding check except where noted.
type StyleRules struct {
	// MaxLineLength flags lines longer than this many runes. 0 disables.
	MaxLineLength int `toml:"max_line_length"`

	// TrailingWhitespace flags lines ending in spaces or tabs.
	TrailingWhitespace bool `toml:"trailing_whitespace"`

	// MixedIndentation flags lines indented with both tabs and spaces.
	MixedIndentation bool `toml:"mixed_indentation"`

	// RequireFinalNewline flags documents whose last byte is not '\n'.
	RequireFinalNewline bool `toml:"require_final_newline"`

	// MaxBlankRun flags runs of more than this many consecutive blank
	// lines. 0 disables.
	MaxBlankRun int `toml:"max_blank_run"`

	// MaxIssues caps emitted issues per document. 0 means unlimited.
	MaxIssues int `toml:"max_issues"`
}

// DefaultStyleRules returns the rules used when no rules file is given.
func DefaultStyleRules() StyleRules {
	return StyleRules{
		MaxLineLength:       120,
		TrailingWhitespace:  true,
		MixedIndentation:    true,
		RequireFinalNewline: true,
		MaxBlankRun:         2,
		MaxIssues:           100,
	}
}

// LoadStyleRules reads rules from a TOML file. An empty path or a
// missing file yields the defaults.
func LoadStyleRules(path string) (StyleRules, error) {
	rules := DefaultStyleRules()
	if path == "" {
		return rules, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return rules, nil
	} else if err != nil {
		return rules, fmt.Errorf("stat style rules: %w", err)
	}
	if _, err := toml.DecodeFile(path, &rules); err != nil {
		return rules, fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}
	return rules, nil
}

// Style flags mechanical formatting problems in the unified document.
// Its issue descriptions are stable strings so downstream fix
// generation can match on them.
type Style struct {
	rules StyleRules
}

// NewStyle creates the style analyzer with the given rules.
func NewStyle(rules StyleRules) *Style {
	return &Style{rules: rules}
}

func (s *Style) Name() string           { return "style" }
func (s *Style) Phases() []string       { return []string{"style"} }
func (s *Style) Kinds() []fragment.Kind { return nil }
func (s *Style) Priority() int          { return 10 }

func (s *Style) Analyze(ctx context.Context, input analysis.Input) ([]analysis.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var issues []analysis.Issue
	capped := func() bool {
		return s.rules.MaxIssues > 0 && len(issues) >= s.rules.MaxIssues
	}

	lines := strings.Split(input.Content, "\n")
	blankRun := 0
	for i, line := range lines {
		if capped() {
			return issues, nil
		}

		if line == "" {
			blankRun++
		} else {
			if s.rules.MaxBlankRun > 0 && blankRun > s.rules.MaxBlankRun {
				issues = append(issues, analysis.Issue{
					Severity: analysis.SeverityLow,
					Location: analysis.Location{
						LineStart: i - blankRun + 1,
						LineEnd:   i,
					},
					Description: "excessive blank lines",
					Evidence:    fmt.Sprintf("%d consecutive blank lines", blankRun),
				})
			}
			blankRun = 0
		}

		if s.rules.MaxLineLength > 0 && utf8.RuneCountInString(line) > s.rules.MaxLineLength {
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityLow,
				Location:    analysis.Location{LineStart: i + 1, LineEnd: i + 1},
				Description: fmt.Sprintf("line exceeds %d characters", s.rules.MaxLineLength),
				Evidence:    fmt.Sprintf("%d characters", utf8.RuneCountInString(line)),
			})
			if capped() {
				return issues, nil
			}
		}

		if s.rules.TrailingWhitespace && line != "" && strings.TrimRight(line, " \t") != line {
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityLow,
				Location:    analysis.Location{LineStart: i + 1, LineEnd: i + 1},
				Description: "trailing whitespace",
			})
			if capped() {
				return issues, nil
			}
		}

		if s.rules.MixedIndentation && mixedIndent(line) {
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityLow,
				Location:    analysis.Location{LineStart: i + 1, LineEnd: i + 1},
				Description: "mixed tabs and spaces in indentation",
			})
			if capped() {
				return issues, nil
			}
		}
	}

	if s.rules.RequireFinalNewline && input.Content != "" && !strings.HasSuffix(input.Content, "\n") {
		if !capped() {
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityLow,
				Location:    analysis.Location{LineStart: len(lines), LineEnd: len(lines)},
				Description: "missing final newline",
			})
		}
	}

	return issues, nil
}

// mixedIndent reports whether a line's leading whitespace contains
// both tabs and spaces.
func mixedIndent(line string) bool {
	sawTab, sawSpace := false, false
	for _, r := range line {
		switch r {
		case '\t':
			sawTab = true
		case ' ':
			sawSpace = true
		default:
			return sawTab && sawSpace
		}
	}
	return sawTab && sawSpace
}
