// Package split provides content-kind-specific boundary detection.
//
// A Splitter divides fragment content into logical units for structural
// merging. Splitting is lossless: concatenating the units in order
// reproduces the input byte for byte, so the merge engine can rebuild
// documents from unit sequences without normalization artifacts.
package split

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// Errors for split operations.
var (
	ErrNoSplitter    = errors.New("no splitter registered for kind")
	ErrMalformed     = errors.New("structural parse failure")
	ErrEmptyContent  = errors.New("cannot split empty content")
	ErrLossyBoundary = errors.New("splitter produced lossy boundaries")
)

// Unit is one logical region of a document. Text is verbatim, including
// any trailing newline, so units concatenate back to the source.
type Unit struct {
	// Index is the unit's position in the document.
	Index int
	// Text is the verbatim content of the unit.
	Text string
	// Line is the 1-based line number where the unit starts.
	Line int
}

// Splitter detects logical unit boundaries for one or more content kinds.
type Splitter interface {
	// Name identifies the splitter in diagnostics.
	Name() string
	// Kinds lists the content kinds this splitter handles.
	Kinds() []fragment.Kind
	// Split divides content into lossless units. A malformed document
	// returns an error wrapping ErrMalformed.
	Split(content string) ([]Unit, error)
}

// Selector dispatches to the splitter registered for a content kind.
type Selector struct {
	byKind map[fragment.Kind]Splitter
}

// NewSelector builds a selector from the given splitters. A later
// splitter claiming an already-registered kind wins.
func NewSelector(splitters ...Splitter) *Selector {
	s := &Selector{byKind: make(map[fragment.Kind]Splitter)}
	for _, sp := range splitters {
		for _, k := range sp.Kinds() {
			s.byKind[k] = sp
		}
	}
	return s
}

// DefaultSelector wires the built-in splitters: code blocks for code,
// markdown blocks for docs, lines for config.
func DefaultSelector() *Selector {
	return NewSelector(
		NewLineSplitter(),
		NewMarkdownSplitter(),
		NewCodeSplitter(),
	)
}

// ForKind returns the splitter registered for kind.
func (s *Selector) ForKind(kind fragment.Kind) (Splitter, error) {
	sp, ok := s.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSplitter, kind)
	}
	return sp, nil
}

// Split dispatches by kind and returns the units.
func (s *Selector) Split(content string, kind fragment.Kind) ([]Unit, error) {
	sp, err := s.ForKind(kind)
	if err != nil {
		return nil, err
	}
	return sp.Split(content)
}

// Assemble reverses a split. Useful for rebuilding a document after
// unit-level merging.
func Assemble(units []Unit) string {
	var b strings.Builder
	for _, u := range units {
		b.WriteString(u.Text)
	}
	return b.String()
}

// finalize numbers units, assigns start lines, and verifies the split
// is lossless against the original content.
func finalize(texts []string, content string) ([]Unit, error) {
	units := make([]Unit, len(texts))
	line := 1
	var total int
	for i, text := range texts {
		units[i] = Unit{Index: i, Text: text, Line: line}
		line += strings.Count(text, "\n")
		total += len(text)
	}
	if total != len(content) || Assemble(units) != content {
		return nil, ErrLossyBoundary
	}
	return units, nil
}

// splitLines divides content into lines, each retaining its newline.
// The final line may lack one.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	// SplitAfter leaves a trailing empty element when content ends in \n.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
