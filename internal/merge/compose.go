package merge

import (
	"fmt"
	"strings"
)

// Recompose rebuilds UnifiedContent from the span list under the
// current resolutions. Pending regions render as the base text, or
// side-by-side with all candidates when AnnotateUnresolved is set;
// annotated regions are marked so their status survives in the result.
func (r *Result) Recompose() {
	var b strings.Builder
	for _, s := range r.Spans {
		switch s.Type {
		case SpanBase, SpanAuto:
			b.WriteString(s.Text)
		case SpanConflict:
			region := &r.Conflicts[s.Conflict]
			b.WriteString(r.regionText(region))
		}
	}
	r.UnifiedContent = b.String()
}

func (r *Result) regionText(region *ConflictRegion) string {
	if chosen, ok := region.Chosen(); ok {
		return chosen.Text
	}
	if r.AnnotateUnresolved {
		if region.Resolution == ResolutionPending {
			region.Resolution = ResolutionAnnotated
		}
		return annotateRegion(region)
	}
	return region.Base
}

// annotateRegion renders every candidate side-by-side with the base so
// an unresolved conflict stays visible in the output without losing any
// value. Marker lines are never part of candidate content.
func annotateRegion(region *ConflictRegion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<<<<<<< conflict %s: %d candidates\n", region.ID, len(region.Candidates))
	for i, cand := range region.Candidates {
		fmt.Fprintf(&b, "||||||| candidate %d/%d: %s\n", i+1, len(region.Candidates), cand.Origin)
		writeBlock(&b, cand.Text)
	}
	b.WriteString("======= base\n")
	writeBlock(&b, region.Base)
	b.WriteString(">>>>>>>\n")
	return b.String()
}

// writeBlock writes text terminated by a newline so the following
// marker starts on its own line. Empty text writes nothing.
func writeBlock(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteByte('\n')
	}
}
