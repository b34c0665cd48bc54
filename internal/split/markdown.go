package split

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// MarkdownSplitter divides prose into block units: headings, fenced
// code blocks, and paragraphs. Blank separator lines attach to the
// preceding block so the split stays lossless.
type MarkdownSplitter struct{}

// NewMarkdownSplitter returns a markdown block splitter.
func NewMarkdownSplitter() *MarkdownSplitter {
	return &MarkdownSplitter{}
}

func (s *MarkdownSplitter) Name() string { return "markdown" }

func (s *MarkdownSplitter) Kinds() []fragment.Kind {
	return []fragment.Kind{fragment.KindDoc}
}

// Split divides content into block units. An unterminated code fence is
// a structural parse failure.
func (s *MarkdownSplitter) Split(content string) ([]Unit, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}

	lines := splitLines(content)

	var blocks []string
	var current strings.Builder
	inFence := false
	blankRun := true // suppress a leading empty block

	flush := func() {
		if current.Len() > 0 {
			blocks = append(blocks, current.String())
			current.Reset()
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case inFence:
			current.WriteString(line)
			if strings.HasPrefix(trimmed, "```") {
				// Fence block is self-contained; next text starts fresh.
				inFence = false
				blankRun = true
			}

		case strings.HasPrefix(trimmed, "```"):
			flush()
			current.WriteString(line)
			inFence = true

		case strings.HasPrefix(trimmed, "#"):
			// Headings are their own unit; next text starts fresh.
			flush()
			current.WriteString(line)
			blankRun = true

		case trimmed == "":
			// Separator lines ride with the preceding block.
			current.WriteString(line)
			blankRun = true

		default:
			if blankRun {
				flush()
			}
			current.WriteString(line)
			blankRun = false
		}
	}
	flush()

	if inFence {
		return nil, fmt.Errorf("%w: unterminated code fence", ErrMalformed)
	}

	return finalize(blocks, content)
}

var _ Splitter = (*MarkdownSplitter)(nil)
