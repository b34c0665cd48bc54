package split

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// CodeSplitter divides source code into top-level block units. A unit
// ends at a blank line while bracket depth is zero, so functions, type
// declarations, and import blocks stay intact across the merge.
//
// Bracket tracking skips string literals and comments. Content with
// unbalanced brackets is reported as a structural parse failure and the
// merge engine routes the fragment to the annex.
type CodeSplitter struct{}

// NewCodeSplitter returns a block-granularity code splitter.
func NewCodeSplitter() *CodeSplitter {
	return &CodeSplitter{}
}

func (s *CodeSplitter) Name() string { return "code" }

func (s *CodeSplitter) Kinds() []fragment.Kind {
	return []fragment.Kind{fragment.KindCode}
}

// Split divides content into top-level block units.
func (s *CodeSplitter) Split(content string) ([]Unit, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	lines := splitLines(content)

	var blocks []string
	var current strings.Builder
	tracker := newBracketTracker()

	flush := func() {
		if current.Len() > 0 {
			blocks = append(blocks, current.String())
			current.Reset()
		}
	}

	for i, line := range lines {
		if err := tracker.scan(line); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, i+1, err)
		}
		current.WriteString(line)

		// Block boundary: blank line at top level.
		if strings.TrimSpace(line) == "" && tracker.depth == 0 && !tracker.inBlockComment {
			flush()
		}
	}
	flush()

	if tracker.depth != 0 {
		return nil, fmt.Errorf("%w: %d unclosed bracket(s) at end of input", ErrMalformed, tracker.depth)
	}
	if tracker.inBlockComment {
		return nil, fmt.Errorf("%w: unterminated block comment", ErrMalformed)
	}

	return finalize(blocks, content)
}

// bracketTracker counts bracket depth outside strings and comments.
type bracketTracker struct {
	depth          int
	inBlockComment bool
}

func newBracketTracker() *bracketTracker {
	return &bracketTracker{}
}

// scan processes one line. Line comments and single-line strings reset
// at the newline; block comments persist across lines.
func (t *bracketTracker) scan(line string) error {
	var inString bool
	var quote byte

	for i := 0; i < len(line); i++ {
		c := line[i]

		if t.inBlockComment {
			if c == '*' && i+1 < len(line) && line[i+1] == '/' {
				t.inBlockComment = false
				i++
			}
			continue
		}

		if inString {
			if c == '\\' {
				i++ // skip escaped char
			} else if c == quote {
				inString = false
			}
			continue
		}

		switch c {
		case '"', '\'', '`':
			inString = true
			quote = c
		case '/':
			if i+1 < len(line) {
				switch line[i+1] {
				case '/':
					return nil // rest of line is a comment
				case '*':
					t.inBlockComment = true
					i++
				}
			}
		case '#':
			return nil // shell/python style comment
		case '{', '(', '[':
			t.depth++
		case '}', ')', ']':
			t.depth--
			if t.depth < 0 {
				return fmt.Errorf("unbalanced %q", c)
			}
		}
	}
	return nil
}

var _ Splitter = (*CodeSplitter)(nil)
