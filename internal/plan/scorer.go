package plan

import (
	"net/url"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
)

// HeuristicScorer is the built-in deterministic confidence model. It
// scores a candidate from the fix tier, the severity of the issue it
// targets, and the size of its edit, so the same (issue, fix) pair
// always scores identically within and across runs.
type HeuristicScorer struct{}

// NewHeuristicScorer creates the built-in scorer.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

var _ Scorer = (*HeuristicScorer)(nil)

// tierBase anchors confidence per tier. Lower tiers propose narrower,
// better-understood changes and start higher.
var tierBase = map[Tier]float64{
	TierCore:         0.85,
	TierOptimization: 0.70,
	TierEnhancement:  0.55,
	TierInnovation:   0.35,
}

// severityBoost nudges confidence for urgent findings: the more the
// document needs the change, the more a mechanical fix is worth.
var severityBoost = map[analysis.Severity]float64{
	analysis.SeverityCritical:            0.10,
	analysis.SeverityParseFailure:        0.05,
	analysis.SeverityHigh:                0.05,
	analysis.SeverityInfo:                -0.05,
	analysis.SeverityAnalyzerUnavailable: -0.10,
}

// advisoryCap bounds fixes that carry no patch. A suggestion the
// planner cannot apply should never reach the auto-apply band.
const advisoryCap = 0.45

func (s *HeuristicScorer) Score(issue analysis.Issue, fix Fix) float64 {
	score := tierBase[fix.Tier]
	score += severityBoost[issue.Severity]
	score -= sizePenalty(fix.Patch)

	if fix.Patch == "" && score > advisoryCap {
		score = advisoryCap
	}
	return clamp01(score)
}

// sizePenalty grows with the number of characters the patch inserts or
// deletes. Sweeping edits are harder to trust than one-line ones.
func sizePenalty(patchText string) float64 {
	if patchText == "" {
		return 0
	}
	dmp := diffmatchpatch.New()
	if _, err := dmp.PatchFromText(patchText); err != nil {
		return 0.3
	}
	// Sum the decoded "+" and "-" line bodies; context lines and "@@"
	// hunk headers carry no edit.
	edited := 0
	for _, line := range strings.Split(patchText, "\n") {
		if len(line) == 0 || (line[0] != '+' && line[0] != '-') {
			continue
		}
		body, err := url.QueryUnescape(line[1:])
		if err != nil {
			body = line[1:]
		}
		edited += len(body)
	}
	switch {
	case edited <= 64:
		return 0
	case edited <= 512:
		return 0.05
	default:
		return 0.10
	}
}
