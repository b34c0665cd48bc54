package secrets

import (
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding represents a detected secret with location information.
// Match holds the secret value; callers must never log or persist it,
// only Preview-sized excerpts.
type Finding struct {
	RuleID   string // Gitleaks rule ID (e.g., "github-pat")
	RuleDesc string // Human-readable description
	Line     int    // 1-based line number
	StartCol int    // Start column
	EndCol   int    // End column
	Match    string // The actual secret value
}

// Preview returns the first four characters of the secret, enough to
// recognize it without exposing it.
func (f Finding) Preview() string {
	const n = 4
	if len(f.Match) <= n {
		return f.Match
	}
	return f.Match[:n]
}

// Scanner detects secrets in document content. Building a Scanner
// compiles the full Gitleaks default rule set once; reuse one Scanner
// across scans. Safe for concurrent use.
type Scanner struct {
	detector *detect.Detector
}

// NewScanner creates a scanner with the Gitleaks default configuration
// plus the given allowlist. A nil allowlist applies no exclusions.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}
	return &Scanner{detector: detector}, nil
}

// Detect scans content and returns findings with position information.
func (s *Scanner) Detect(content string) []Finding {
	gitleaksFindings := s.detector.DetectString(content)

	result := make([]Finding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return result
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
// Patterns were validated at load time; a failure here is a bug.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "unifyd allowlist",
	}

	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}

	global.StopWords = append(global.StopWords, allowlist.Stopwords...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
