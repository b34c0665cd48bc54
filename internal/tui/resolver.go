package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/unifyd/internal/merge"
)

// maxPreviewLines bounds how much of a candidate body the resolver
// shows per region. Longer candidates are truncated with an ellipsis.
const maxPreviewLines = 6

// Choice is one operator decision: which candidate wins a region.
type Choice struct {
	ConflictID  string
	CandidateID string
}

// ResolverModel walks the pending conflict regions of a merge result
// one at a time and lets the operator pick a winning candidate for
// each. It does not touch the engine itself; the caller applies the
// collected Choices after the program exits.
type ResolverModel struct {
	runID     string
	conflicts []merge.ConflictRegion

	index   int // current region
	cursor  int // highlighted candidate within the region
	choices []Choice

	done     bool
	quitting bool
}

// NewResolverModel builds a resolver over the pending regions of a
// merge result. Already-resolved and annotated regions are skipped.
func NewResolverModel(runID string, result *merge.Result) ResolverModel {
	var pending []merge.ConflictRegion
	if result != nil {
		for _, c := range result.Conflicts {
			if c.Resolution == merge.ResolutionPending {
				pending = append(pending, c)
			}
		}
	}
	return ResolverModel{
		runID:     runID,
		conflicts: pending,
		choices:   make([]Choice, 0, len(pending)),
	}
}

// Choices returns the decisions collected so far, in region order.
func (m ResolverModel) Choices() []Choice { return m.choices }

// Done reports whether the operator resolved every pending region.
func (m ResolverModel) Done() bool { return m.done }

// Cancelled reports whether the operator quit before finishing.
func (m ResolverModel) Cancelled() bool { return m.quitting && !m.done }

func (m ResolverModel) Init() tea.Cmd {
	if len(m.conflicts) == 0 {
		return tea.Quit
	}
	return nil
}

func (m ResolverModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch keyMsg.String() {
	case "q", "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.current().Candidates)-1 {
			m.cursor++
		}

	case "enter", " ":
		region := m.current()
		if m.cursor >= len(region.Candidates) {
			return m, nil
		}
		m.choices = append(m.choices, Choice{
			ConflictID:  region.ID,
			CandidateID: region.Candidates[m.cursor].ID,
		})
		m.index++
		m.cursor = 0
		if m.index >= len(m.conflicts) {
			m.done = true
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m ResolverModel) current() merge.ConflictRegion {
	if m.index >= len(m.conflicts) {
		return merge.ConflictRegion{}
	}
	return m.conflicts[m.index]
}

func (m ResolverModel) View() string {
	if m.quitting || m.done || len(m.conflicts) == 0 {
		return ""
	}

	region := m.current()

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(" Resolve conflicts — run %s ", m.runID)))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Region %d of %d", m.index+1, len(m.conflicts))))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("Line: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", region.Line)))
	b.WriteString("\n")

	if region.Base != "" {
		b.WriteString(labelStyle.Render("Base:"))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(preview(region.Base)))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Candidates"))
	b.WriteString("\n")
	for i, c := range region.Candidates {
		line := fmt.Sprintf("%s — %s", c.Origin, preview(c.Text))
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString(candidateStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}

	b.WriteString(footerStyle.Render("[↑/↓] select  [enter] choose  [q] abandon"))

	return containerStyle.Render(b.String())
}

// preview flattens candidate text to a bounded single-region display.
func preview(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > maxPreviewLines {
		lines = append(lines[:maxPreviewLines], "…")
	}
	return strings.Join(lines, "\n")
}

var _ tea.Model = ResolverModel{}
