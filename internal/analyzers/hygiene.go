package analyzers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

var (
	markerPattern      = regexp.MustCompile(`\b(TODO|FIXME|HACK|XXX)\b`)
	placeholderPattern = regexp.MustCompile(`(?i)\b(lorem ipsum|changeme|tbd|placeholder)\b`)
)

// markerDensityThreshold is the minimum marker count before density is
// considered at all; below it a sprinkling of TODOs is normal.
const markerDensityThreshold = 3

// Hygiene flags content that reads unfinished: work markers,
// placeholder text, and documents dense with both.
type Hygiene struct{}

// NewHygiene creates the hygiene analyzer.
func NewHygiene() *Hygiene {
	return &Hygiene{}
}

func (h *Hygiene) Name() string           { return "hygiene" }
func (h *Hygiene) Phases() []string       { return []string{"semantic"} }
func (h *Hygiene) Kinds() []fragment.Kind { return nil }
func (h *Hygiene) Priority() int          { return 10 }

func (h *Hygiene) Analyze(ctx context.Context, input analysis.Input) ([]analysis.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var issues []analysis.Issue
	lines := strings.Split(input.Content, "\n")
	markerCount := 0

	for i, line := range lines {
		if m := markerPattern.FindString(line); m != "" {
			markerCount++
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityInfo,
				Location:    analysis.Location{LineStart: i + 1, LineEnd: i + 1},
				Description: "work marker left in document",
				Evidence:    m,
			})
		}
		if m := placeholderPattern.FindString(line); m != "" {
			issues = append(issues, analysis.Issue{
				Severity:    analysis.SeverityMedium,
				Location:    analysis.Location{LineStart: i + 1, LineEnd: i + 1},
				Description: "placeholder text left in document",
				Evidence:    m,
			})
		}
	}

	// A document saturated with work markers is itself a finding, over
	// and above the individual markers.
	if markerCount >= markerDensityThreshold && markerCount*10 >= len(lines) {
		issues = append(issues, analysis.Issue{
			Severity:    analysis.SeverityMedium,
			Description: "high density of work markers",
			Evidence:    fmt.Sprintf("%d markers in %d lines", markerCount, len(lines)),
		})
	}

	return issues, nil
}
