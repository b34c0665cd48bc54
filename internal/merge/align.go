package merge

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/fyrsmithlabs/unifyd/internal/split"
)

// hunk is one contiguous edit a fragment makes against the base unit
// sequence. A pure insertion has baseStart == baseEnd; the replacement
// is inserted before base unit baseStart.
type hunk struct {
	frag      int    // index into the merged fragment list
	baseStart int    // first base unit replaced
	baseEnd   int    // one past the last base unit replaced
	text      string // replacement content, verbatim
}

func (h hunk) insertion() bool { return h.baseStart == h.baseEnd }

// Grouping runs on doubled coordinates so that zero-width insertions
// occupy the gap cell before a unit and replacements occupy the unit
// cells plus interior gaps. Two hunks conflict exactly when their
// doubled intervals overlap: insertions at the same gap collide,
// insertions at a replacement's outer edges do not.
func (h hunk) effStart() int {
	if h.insertion() {
		return 2 * h.baseStart
	}
	return 2*h.baseStart + 1
}

func (h hunk) effEnd() int {
	if h.insertion() {
		return 2*h.baseStart + 1
	}
	return 2 * h.baseEnd
}

// unitTable maps distinct unit texts to runes so the diff runs at unit
// granularity. Surrogate code points are skipped because they do not
// survive the rune-to-string round trip inside the diff library.
type unitTable struct {
	byText map[string]rune
	texts  map[rune]string
	next   rune
}

func newUnitTable() *unitTable {
	return &unitTable{
		byText: make(map[string]rune),
		texts:  make(map[rune]string),
		next:   1,
	}
}

func (t *unitTable) encode(units []split.Unit) ([]rune, error) {
	out := make([]rune, len(units))
	for i, u := range units {
		r, ok := t.byText[u.Text]
		if !ok {
			if t.next > 0x10FFFF {
				return nil, ErrTooManyUnits
			}
			r = t.next
			t.byText[u.Text] = r
			t.texts[r] = u.Text
			t.next++
			if t.next >= 0xD800 && t.next <= 0xDFFF {
				t.next = 0xE000
			}
		}
		out[i] = r
	}
	return out, nil
}

func (t *unitTable) decode(encoded string) string {
	var out []byte
	for _, r := range encoded {
		out = append(out, t.texts[r]...)
	}
	return string(out)
}

// align diffs one fragment's pre-encoded unit sequence against the base
// and extracts the edit hunks in base coordinates. Encoding happens
// before alignment so the table is read-only here and alignments can
// run concurrently.
func align(table *unitTable, baseRunes, otherRunes []rune, fragIdx int) []hunk {
	dmp := diffmatchpatch.New()
	// A diff deadline would make alignment output depend on machine
	// speed. Conflict classification must be reproducible, so the diff
	// always runs to completion; cancellation stays at the merge level.
	dmp.DiffTimeout = 0
	diffs := dmp.DiffMainRunes(baseRunes, otherRunes, false)

	var hunks []hunk
	pos := 0
	delStart, delEnd := -1, -1
	var inserted []byte

	flush := func() {
		if delStart == -1 && len(inserted) == 0 {
			return
		}
		h := hunk{frag: fragIdx, baseStart: pos, baseEnd: pos, text: string(inserted)}
		if delStart != -1 {
			h.baseStart = delStart
			h.baseEnd = delEnd
		}
		hunks = append(hunks, h)
		delStart, delEnd = -1, -1
		inserted = inserted[:0]
	}

	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += n
		case diffmatchpatch.DiffDelete:
			if delStart == -1 {
				delStart = pos
			}
			pos += n
			delEnd = pos
		case diffmatchpatch.DiffInsert:
			inserted = append(inserted, table.decode(d.Text)...)
		}
	}
	flush()

	return hunks
}
