package merge

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/split"
)

// editGroup is a connected component of colliding hunks. Its span is
// the union of the member hunks' base spans.
type editGroup struct {
	hunks []hunk
	start int // first base unit covered
	end   int // one past the last base unit covered
}

// groupHunks partitions hunks into connected components by span
// collision. Hunks are sorted into document order first so the sweep
// and the resulting group order are deterministic.
func groupHunks(hunks []hunk) []editGroup {
	if len(hunks) == 0 {
		return nil
	}

	sorted := make([]hunk, len(hunks))
	copy(sorted, hunks)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].effStart() != sorted[j].effStart() {
			return sorted[i].effStart() < sorted[j].effStart()
		}
		if sorted[i].effEnd() != sorted[j].effEnd() {
			return sorted[i].effEnd() < sorted[j].effEnd()
		}
		return sorted[i].frag < sorted[j].frag
	})

	var groups []editGroup
	current := editGroup{
		hunks: []hunk{sorted[0]},
		start: sorted[0].baseStart,
		end:   sorted[0].baseEnd,
	}
	maxEff := sorted[0].effEnd()

	for _, h := range sorted[1:] {
		if h.effStart() >= maxEff {
			groups = append(groups, current)
			current = editGroup{hunks: []hunk{h}, start: h.baseStart, end: h.baseEnd}
			maxEff = h.effEnd()
			continue
		}
		current.hunks = append(current.hunks, h)
		if h.baseStart < current.start {
			current.start = h.baseStart
		}
		if h.baseEnd > current.end {
			current.end = h.baseEnd
		}
		if h.effEnd() > maxEff {
			maxEff = h.effEnd()
		}
	}
	groups = append(groups, current)

	return groups
}

// byFragment splits a group's hunks per contributing fragment,
// preserving fragment ingestion order.
func (g editGroup) byFragment() [][]hunk {
	perFrag := make(map[int][]hunk)
	var order []int
	for _, h := range g.hunks {
		if _, seen := perFrag[h.frag]; !seen {
			order = append(order, h.frag)
		}
		perFrag[h.frag] = append(perFrag[h.frag], h)
	}
	sort.Ints(order)

	out := make([][]hunk, 0, len(order))
	for _, frag := range order {
		hs := perFrag[frag]
		sort.Slice(hs, func(i, j int) bool { return hs[i].baseStart < hs[j].baseStart })
		out = append(out, hs)
	}
	return out
}

// candidateText applies one fragment's hunks over the group span of the
// base, producing that fragment's proposed content for the region.
func candidateText(baseUnits []split.Unit, start, end int, hs []hunk) string {
	var b strings.Builder
	cursor := start
	for _, h := range hs {
		for i := cursor; i < h.baseStart; i++ {
			b.WriteString(baseUnits[i].Text)
		}
		b.WriteString(h.text)
		if h.baseEnd > cursor {
			cursor = h.baseEnd
		}
		if h.baseStart > cursor {
			cursor = h.baseStart
		}
	}
	for i := cursor; i < end; i++ {
		b.WriteString(baseUnits[i].Text)
	}
	return b.String()
}

// baseText concatenates the base units over a span.
func baseText(baseUnits []split.Unit, start, end int) string {
	var b strings.Builder
	for i := start; i < end; i++ {
		b.WriteString(baseUnits[i].Text)
	}
	return b.String()
}

// lineAt returns the 1-based line of the unit at idx, or the line just
// past the document for an end-of-document insertion point.
func lineAt(baseUnits []split.Unit, idx int) int {
	if len(baseUnits) == 0 {
		return 1
	}
	if idx < len(baseUnits) {
		return baseUnits[idx].Line
	}
	last := baseUnits[len(baseUnits)-1]
	return last.Line + strings.Count(last.Text, "\n")
}

// classify turns hunk groups into the ordered span list and conflict
// regions.
//
// Fragments are peers: no fragment is an ancestor of another, so when a
// region's base content is replaced, the base fragment's own text stays
// in play as a candidate alongside every changed fragment's proposal.
// Only pure insertions (agreed or sole) and pure deletions auto-resolve;
// anything where two fragments claim different content for the same
// region becomes a ConflictRegion with all claims retained verbatim.
func classify(baseUnits []split.Unit, groups []editGroup, frags []fragment.Fragment) ([]Span, []ConflictRegion) {
	var spans []Span
	var conflicts []ConflictRegion

	cursor := 0
	for _, g := range groups {
		if g.start > cursor {
			spans = append(spans, Span{Type: SpanBase, Text: baseText(baseUnits, cursor, g.start)})
		}

		perFrag := g.byFragment()
		texts := make([]string, len(perFrag))
		for i, hs := range perFrag {
			texts[i] = candidateText(baseUnits, g.start, g.end, hs)
		}

		switch {
		case g.start == g.end && allEqual(texts):
			// Insertions at one gap, all agreeing.
			spans = append(spans, Span{Type: SpanAuto, Text: texts[0]})

		case allEmpty(texts):
			// Every changed fragment removed the span outright.
			spans = append(spans, Span{Type: SpanAuto})

		default:
			region := ConflictRegion{
				ID:         uuid.New().String(),
				UnitStart:  g.start,
				UnitEnd:    g.end,
				Line:       lineAt(baseUnits, g.start),
				Base:       baseText(baseUnits, g.start, g.end),
				Resolution: ResolutionPending,
			}
			// The base fragment's claim competes whenever its content
			// is displaced. Gap insertions displace nothing, so there
			// the candidates are the inserting fragments alone.
			if g.end > g.start {
				base := frags[0]
				region.Candidates = append(region.Candidates, Candidate{
					ID:         uuid.New().String(),
					FragmentID: base.ID,
					Origin:     base.Origin,
					Text:       region.Base,
					IngestedAt: base.IngestedAt,
				})
			}
			for i, hs := range perFrag {
				f := frags[hs[0].frag]
				region.Candidates = append(region.Candidates, Candidate{
					ID:         uuid.New().String(),
					FragmentID: f.ID,
					Origin:     f.Origin,
					Text:       texts[i],
					IngestedAt: f.IngestedAt,
				})
			}
			spans = append(spans, Span{Type: SpanConflict, Conflict: len(conflicts)})
			conflicts = append(conflicts, region)
		}

		if g.end > cursor {
			cursor = g.end
		}
	}

	if cursor < len(baseUnits) {
		spans = append(spans, Span{Type: SpanBase, Text: baseText(baseUnits, cursor, len(baseUnits))})
	}

	return spans, conflicts
}

func allEqual(texts []string) bool {
	for _, t := range texts[1:] {
		if t != texts[0] {
			return false
		}
	}
	return true
}

func allEmpty(texts []string) bool {
	for _, t := range texts {
		if t != "" {
			return false
		}
	}
	return true
}
