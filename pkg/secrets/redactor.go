package secrets

import (
	"fmt"
	"sort"
	"strings"
)

// Redaction records one replaced secret. It never stores the secret
// value, only metadata safe to surface in reports and justifications.
type Redaction struct {
	RuleID   string `json:"rule_id"`
	RuleDesc string `json:"rule_desc"`
	Line     int    `json:"line"`
	Preview  string `json:"preview"`
}

// Redact replaces each finding in content with a
// [REDACTED:rule-id:preview] marker and returns the redacted content
// plus per-secret metadata. Markers keep the line structure intact so
// downstream locations stay valid.
func Redact(content string, findings []Finding) (string, []Redaction) {
	if len(findings) == 0 {
		return content, nil
	}

	// Replace back to front so earlier columns stay valid.
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	redactions := make([]Redaction, 0, len(sorted))

	for _, finding := range sorted {
		if finding.Line < 1 || finding.Line > len(lines) {
			continue
		}
		line := lines[finding.Line-1]

		marker := fmt.Sprintf("[REDACTED:%s:%s]", finding.RuleID, finding.Preview())

		if finding.StartCol >= 0 && finding.EndCol <= len(line) &&
			finding.StartCol < finding.EndCol &&
			line[finding.StartCol:finding.EndCol] == finding.Match {
			lines[finding.Line-1] = line[:finding.StartCol] + marker + line[finding.EndCol:]
		} else if idx := strings.Index(line, finding.Match); idx >= 0 && finding.Match != "" {
			// Column info disagrees with the line; fall back to the
			// first occurrence of the match.
			lines[finding.Line-1] = line[:idx] + marker + line[idx+len(finding.Match):]
		} else {
			continue
		}

		redactions = append(redactions, Redaction{
			RuleID:   finding.RuleID,
			RuleDesc: finding.RuleDesc,
			Line:     finding.Line,
			Preview:  finding.Preview(),
		})
	}

	// Report in document order.
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].Line < redactions[j].Line
	})

	return strings.Join(lines, "\n"), redactions
}
