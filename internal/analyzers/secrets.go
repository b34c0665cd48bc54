// Package analyzers holds the built-in diagnostic analyzers. Each one
// is a registry client implementing analysis.Analyzer; none of them is
// required for the pipeline to run, and external analyzers register
// through the same interface.
package analyzers

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/pkg/secrets"
)

// secretScanner is the detection seam; tests stub it so assertions do
// not depend on the Gitleaks pattern set.
type secretScanner interface {
	Detect(content string) []secrets.Finding
}

// Secrets flags hardcoded credentials in the unified document during
// the security phase.
type Secrets struct {
	scanner secretScanner
}

// NewSecrets creates the secret analyzer. allowlistPath may be empty
// or point to a TOML allowlist; building the underlying scanner
// compiles the full Gitleaks rule set, so create one and reuse it.
func NewSecrets(allowlistPath string) (*Secrets, error) {
	allow, err := secrets.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	scanner, err := secrets.NewScanner(allow)
	if err != nil {
		return nil, fmt.Errorf("create secret scanner: %w", err)
	}
	return &Secrets{scanner: scanner}, nil
}

func (s *Secrets) Name() string           { return "secrets" }
func (s *Secrets) Phases() []string       { return []string{"security"} }
func (s *Secrets) Kinds() []fragment.Kind { return nil }
func (s *Secrets) Priority() int          { return 100 }

// Analyze reports one critical issue per detected secret. Evidence
// carries the rule and a four-character preview, never the value.
func (s *Secrets) Analyze(ctx context.Context, input analysis.Input) ([]analysis.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings := s.scanner.Detect(input.Content)
	issues := make([]analysis.Issue, 0, len(findings))
	for _, f := range findings {
		issues = append(issues, analysis.Issue{
			Severity: analysis.SeverityCritical,
			Location: analysis.Location{
				LineStart: f.Line,
				LineEnd:   f.Line,
			},
			Description: fmt.Sprintf("hardcoded secret: %s", f.RuleDesc),
			Evidence:    fmt.Sprintf("rule %s, preview %q", f.RuleID, f.Preview()),
		})
	}
	return issues, nil
}
