package split

import (
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// LineSplitter treats every line as one unit. Config formats merge well
// at line granularity because entries rarely span lines.
type LineSplitter struct{}

// NewLineSplitter returns a line-granularity splitter.
func NewLineSplitter() *LineSplitter {
	return &LineSplitter{}
}

func (s *LineSplitter) Name() string { return "line" }

func (s *LineSplitter) Kinds() []fragment.Kind {
	return []fragment.Kind{fragment.KindConfig}
}

// Split divides content into per-line units.
func (s *LineSplitter) Split(content string) ([]Unit, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	return finalize(splitLines(content), content)
}

var _ Splitter = (*LineSplitter)(nil)
