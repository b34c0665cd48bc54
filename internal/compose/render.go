package compose

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSONRenderer emits the report as indented JSON, suitable for
// machine consumption and archival.
type JSONRenderer struct{}

func (JSONRenderer) Format() string { return "json" }

func (JSONRenderer) Render(rep *Report) ([]byte, error) {
	if rep == nil {
		return nil, ErrNilRun
	}
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render json report: %w", err)
	}
	return append(out, '\n'), nil
}

// MarkdownRenderer emits a human-readable report.
type MarkdownRenderer struct{}

func (MarkdownRenderer) Format() string { return "markdown" }

func (MarkdownRenderer) Render(rep *Report) ([]byte, error) {
	if rep == nil {
		return nil, ErrNilRun
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Pipeline run %s\n\n", rep.RunID)
	fmt.Fprintf(&b, "- Mode: %s\n", rep.Mode)
	fmt.Fprintf(&b, "- State: %s\n", rep.State)
	fmt.Fprintf(&b, "- Content kind: %s\n", rep.Kind)
	fmt.Fprintf(&b, "- Generated: %s\n", rep.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	if rep.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", rep.Error)
	}
	b.WriteString("\n")

	if len(rep.Phases) > 0 {
		b.WriteString("## Phases\n\n")
		b.WriteString("| Phase | State | Issues | Duration |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, ph := range rep.Phases {
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", ph.Phase, ph.State, ph.Issues, ph.Duration.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}

	if len(rep.Conflicts) > 0 {
		fmt.Fprintf(&b, "## Conflicts (%d)\n\n", len(rep.Conflicts))
		for i, c := range rep.Conflicts {
			fmt.Fprintf(&b, "### Conflict %d — line %d, %s\n\n", i+1, c.Line, c.Resolution)
			if c.ResolvedBy != "" {
				fmt.Fprintf(&b, "Resolved by %s.\n\n", c.ResolvedBy)
			}
			for _, cand := range c.Candidates {
				marker := ""
				if cand.Chosen {
					marker = " (chosen)"
				}
				fmt.Fprintf(&b, "- `%s`%s:\n\n", cand.Origin, marker)
				writeFence(&b, cand.Text)
			}
		}
	}

	if len(rep.Annex) > 0 {
		fmt.Fprintf(&b, "## Annex (%d unmerged fragments)\n\n", len(rep.Annex))
		for _, a := range rep.Annex {
			fmt.Fprintf(&b, "- `%s`: %s\n", a.Origin, a.Reason)
		}
		b.WriteString("\n")
	}

	if len(rep.Issues) > 0 {
		fmt.Fprintf(&b, "## Issues (%d)\n\n", len(rep.Issues))
		for _, sc := range rep.Severity {
			fmt.Fprintf(&b, "- %s: %d\n", sc.Severity, sc.Count)
		}
		b.WriteString("\n")
		b.WriteString("| Severity | Phase | Analyzer | Line | Description |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, issue := range rep.Issues {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n",
				issue.Severity, issue.Phase, issue.Analyzer,
				issue.Location.LineStart, escapeCell(issue.Description))
		}
		b.WriteString("\n")
	}

	if len(rep.Fixes) > 0 {
		fmt.Fprintf(&b, "## Fixes (%d)\n\n", len(rep.Fixes))
		b.WriteString("| Status | Tier | Band | Score | Summary |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, f := range rep.Fixes {
			status := string(f.Status)
			if f.StatusReason != "" {
				status = fmt.Sprintf("%s: %s", f.Status, f.StatusReason)
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %.2f | %s |\n",
				escapeCell(status), f.Tier, f.Band, f.Score, escapeCell(f.Summary))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Audit trail\n\n")
	fmt.Fprintf(&b, "- Entries: %d", rep.Ledger.Entries)
	if rep.Ledger.Entries > 0 {
		fmt.Fprintf(&b, " (seq %d–%d)", rep.Ledger.FirstSeq, rep.Ledger.LastSeq)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- Applied fixes: %d\n", rep.Ledger.AppliedFixes)
	fmt.Fprintf(&b, "- Conflict resolutions: %d\n", rep.Ledger.Resolutions)
	fmt.Fprintf(&b, "- Reversals: %d\n", rep.Ledger.Reversals)
	b.WriteString("\n")

	b.WriteString("## Unified content\n\n")
	writeFence(&b, rep.Content)

	return []byte(b.String()), nil
}

// writeFence writes text as a fenced block, widening the fence when
// the text itself contains backtick runs.
func writeFence(b *strings.Builder, text string) {
	fence := "```"
	for strings.Contains(text, fence) {
		fence += "`"
	}
	b.WriteString(fence)
	b.WriteString("\n")
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") && text != "" {
		b.WriteString("\n")
	}
	b.WriteString(fence)
	b.WriteString("\n\n")
}

// escapeCell keeps pipe characters and newlines from breaking table
// rows.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

var (
	_ Renderer = JSONRenderer{}
	_ Renderer = MarkdownRenderer{}
)
