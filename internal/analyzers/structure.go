package analyzers

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/split"
)

// Structure verifies that the unified document still splits cleanly
// for its content kind and carries no leftover conflict markers. Both
// findings mean a merge or an applied fix damaged the document shape.
type Structure struct {
	selector *split.Selector
}

// NewStructure creates the structural analyzer. A nil selector uses
// the built-in splitters.
func NewStructure(selector *split.Selector) *Structure {
	if selector == nil {
		selector = split.DefaultSelector()
	}
	return &Structure{selector: selector}
}

func (s *Structure) Name() string           { return "structure" }
func (s *Structure) Phases() []string       { return []string{"structural"} }
func (s *Structure) Kinds() []fragment.Kind { return nil }
func (s *Structure) Priority() int          { return 50 }

func (s *Structure) Analyze(ctx context.Context, input analysis.Input) ([]analysis.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var issues []analysis.Issue

	if _, err := s.selector.Split(input.Content, input.Kind); err != nil {
		issues = append(issues, analysis.Issue{
			Severity:    analysis.SeverityHigh,
			Description: "document does not split cleanly for its content kind",
			Evidence:    err.Error(),
		})
	}

	issues = append(issues, conflictMarkers(input.Content)...)
	return issues, nil
}

// conflictMarkers finds side-by-side conflict blocks left in the
// document. One issue per block, spanning opener to closer.
func conflictMarkers(content string) []analysis.Issue {
	var issues []analysis.Issue
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], "<<<<<<<") {
			continue
		}
		end := i
		for j := i + 1; j < len(lines); j++ {
			if strings.HasPrefix(lines[j], ">>>>>>>") {
				end = j
				break
			}
		}
		issues = append(issues, analysis.Issue{
			Severity: analysis.SeverityHigh,
			Location: analysis.Location{
				LineStart: i + 1,
				LineEnd:   end + 1,
			},
			Description: "unresolved conflict marker",
			Evidence:    strings.TrimSpace(lines[i]),
		})
		if end > i {
			i = end
		}
	}
	return issues
}
