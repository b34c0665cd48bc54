package tui

import (
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
)

var severityOrder = []analysis.Severity{
	analysis.SeverityCritical,
	analysis.SeverityHigh,
	analysis.SeverityMedium,
	analysis.SeverityLow,
	analysis.SeverityInfo,
}

// SummaryModel renders a finished (or in-flight) run: per-phase
// outcome, issue counts by severity, and a confidence sparkline over
// the proposed fixes.
type SummaryModel struct {
	run           *run.Run
	phaseProgress progress.Model
	quitting      bool
}

// NewSummaryModel builds a summary view for the given run.
func NewSummaryModel(r *run.Run) SummaryModel {
	phaseProg := progress.New(
		progress.WithGradient("#00ffff", "#00ff00"),
		progress.WithWidth(40),
	)
	return SummaryModel{run: r, phaseProgress: phaseProg}
}

func (m SummaryModel) Init() tea.Cmd { return nil }

func (m SummaryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "q", "ctrl+c", "esc", "enter":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m SummaryModel) View() string {
	if m.quitting || m.run == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(" Run %s ", m.run.ID)))
	b.WriteString("\n\n")

	b.WriteString(labelStyle.Render("Mode:  "))
	b.WriteString(valueStyle.Render(string(m.run.Mode)))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("State: "))
	b.WriteString(stateStyle(m.run.State).Render(string(m.run.State)))
	b.WriteString("\n")
	if m.run.Error != "" {
		b.WriteString(labelStyle.Render("Error: "))
		b.WriteString(errorStyle.Render(m.run.Error))
		b.WriteString("\n")
	}

	if m.run.Merge != nil {
		stats := m.run.Merge.Stats
		b.WriteString(sectionStyle.Render("Merge"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("fragments:"), valueStyle.Render(fmt.Sprintf("%d", stats.Fragments)),
			labelStyle.Render("conflicts:"), valueStyle.Render(fmt.Sprintf("%d", len(m.run.Merge.Conflicts))),
			labelStyle.Render("auto-resolved:"), valueStyle.Render(fmt.Sprintf("%d", stats.AutoResolved)),
		))
	}

	if m.run.Phases != nil {
		b.WriteString(sectionStyle.Render("Phases"))
		b.WriteString("\n")
		b.WriteString(m.phaseProgress.ViewAs(phaseRatio(m.run.Phases.Phases)))
		b.WriteString("\n")
		for _, p := range m.run.Phases.Phases {
			b.WriteString(fmt.Sprintf("%s %s  %s\n",
				phaseStyle(p.State).Render(phaseGlyph(p.State)),
				valueStyle.Render(p.Phase),
				dimStyle.Render(fmt.Sprintf("%s, %d issues", p.State, len(p.Issues))),
			))
		}
	}

	if counts := severityCounts(m.run.Issues); len(counts) > 0 {
		b.WriteString(sectionStyle.Render("Issues"))
		b.WriteString("\n")
		for _, sev := range severityOrder {
			n, ok := counts[sev]
			if !ok {
				continue
			}
			b.WriteString(fmt.Sprintf("%s %s\n",
				severityStyle(sev).Render(string(sev)+":"),
				valueStyle.Render(fmt.Sprintf("%d", n)),
			))
		}
	}

	if len(m.run.Fixes) > 0 {
		applied, queued := 0, 0
		for _, f := range m.run.Fixes {
			switch f.Status {
			case plan.StatusApplied, plan.StatusWouldApply:
				applied++
			case plan.StatusQueued:
				queued++
			}
		}
		b.WriteString(sectionStyle.Render("Fixes"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			labelStyle.Render("total:"), valueStyle.Render(fmt.Sprintf("%d", len(m.run.Fixes))),
			labelStyle.Render("applied:"), valueStyle.Render(fmt.Sprintf("%d", applied)),
			labelStyle.Render("queued:"), valueStyle.Render(fmt.Sprintf("%d", queued)),
		))
		b.WriteString(labelStyle.Render("confidence:"))
		b.WriteString("\n")
		b.WriteString(confidenceSparkline(m.run.Fixes))
		b.WriteString("\n")
	}

	b.WriteString(footerStyle.Render("[q] close"))

	return containerStyle.Render(b.String())
}

// phaseRatio is the share of phases that finished, degraded included.
func phaseRatio(phases []orchestrator.PhaseResult) float64 {
	if len(phases) == 0 {
		return 0
	}
	finished := 0
	for _, p := range phases {
		switch p.State {
		case orchestrator.StateCompleted, orchestrator.StateDegraded:
			finished++
		}
	}
	return float64(finished) / float64(len(phases))
}

func severityCounts(issues []analysis.Issue) map[analysis.Severity]int {
	if len(issues) == 0 {
		return nil
	}
	counts := make(map[analysis.Severity]int, len(severityOrder))
	for _, is := range issues {
		counts[is.Severity]++
	}
	return counts
}

// confidenceSparkline plots fix scores in planner output order, so the
// tier precedence shows up as a descending staircase.
func confidenceSparkline(fixes []plan.Fix) string {
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, f := range fixes {
		spark.Push(f.Score)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

func stateStyle(s run.State) lipgloss.Style {
	switch s {
	case run.StateCompleted:
		return healthyStyle
	case run.StateFailed, run.StateAborted:
		return errorStyle
	case run.StateCancelled, run.StateAwaiting:
		return warningStyle
	default:
		return valueStyle
	}
}

func phaseStyle(s orchestrator.PhaseState) lipgloss.Style {
	switch s {
	case orchestrator.StateCompleted:
		return healthyStyle
	case orchestrator.StateDegraded:
		return warningStyle
	case orchestrator.StateAborted:
		return errorStyle
	default:
		return dimStyle
	}
}

func phaseGlyph(s orchestrator.PhaseState) string {
	switch s {
	case orchestrator.StateCompleted:
		return "✓"
	case orchestrator.StateDegraded:
		return "!"
	case orchestrator.StateAborted:
		return "✗"
	default:
		return "·"
	}
}

func severityStyle(s analysis.Severity) lipgloss.Style {
	switch s {
	case analysis.SeverityCritical, analysis.SeverityHigh:
		return errorStyle
	case analysis.SeverityMedium:
		return warningStyle
	default:
		return dimStyle
	}
}

var _ tea.Model = SummaryModel{}
