package split

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

func TestLineSplitter(t *testing.T) {
	s := NewLineSplitter()

	units, err := s.Split("a=1\nb=2\nc=3\n")
	require.NoError(t, err)
	require.Len(t, units, 3)

	assert.Equal(t, "a=1\n", units[0].Text)
	assert.Equal(t, "b=2\n", units[1].Text)
	assert.Equal(t, 1, units[0].Line)
	assert.Equal(t, 2, units[1].Line)
	assert.Equal(t, 3, units[2].Line)
}

func TestLineSplitter_NoTrailingNewline(t *testing.T) {
	s := NewLineSplitter()

	units, err := s.Split("a=1\nb=2")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "b=2", units[1].Text)
	assert.Equal(t, "a=1\nb=2", Assemble(units))
}

func TestLineSplitter_Empty(t *testing.T) {
	s := NewLineSplitter()
	_, err := s.Split("")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestMarkdownSplitter_Blocks(t *testing.T) {
	s := NewMarkdownSplitter()

	content := "# Title\n\nFirst paragraph\nstill first.\n\nSecond paragraph.\n"
	units, err := s.Split(content)
	require.NoError(t, err)
	require.Len(t, units, 3)

	assert.Equal(t, "# Title\n\n", units[0].Text)
	assert.Equal(t, "First paragraph\nstill first.\n\n", units[1].Text)
	assert.Equal(t, "Second paragraph.\n", units[2].Text)
	assert.Equal(t, content, Assemble(units))
}

func TestMarkdownSplitter_FencedCode(t *testing.T) {
	s := NewMarkdownSplitter()

	content := "Intro.\n\n```go\nfunc main() {}\n\nmore\n```\nOutro.\n"
	units, err := s.Split(content)
	require.NoError(t, err)
	require.Len(t, units, 3)

	// Blank lines inside the fence do not split the block.
	assert.Equal(t, "```go\nfunc main() {}\n\nmore\n```\n", units[1].Text)
	assert.Equal(t, content, Assemble(units))
}

func TestMarkdownSplitter_UnterminatedFence(t *testing.T) {
	s := NewMarkdownSplitter()

	_, err := s.Split("text\n\n```\nnever closed\n")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMarkdownSplitter_HeadingWithoutBlank(t *testing.T) {
	s := NewMarkdownSplitter()

	units, err := s.Split("# Title\nBody right after.\n")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "# Title\n", units[0].Text)
	assert.Equal(t, "Body right after.\n", units[1].Text)
}

func TestCodeSplitter_Blocks(t *testing.T) {
	s := NewCodeSplitter()

	content := "func a() {\n\treturn\n}\n\nfunc b() {\n\treturn\n}\n"
	units, err := s.Split(content)
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Contains(t, units[0].Text, "func a()")
	assert.Contains(t, units[1].Text, "func b()")
	assert.Equal(t, content, Assemble(units))
}

func TestCodeSplitter_BlankInsideBracesDoesNotSplit(t *testing.T) {
	s := NewCodeSplitter()

	content := "func a() {\n\tx := 1\n\n\ty := 2\n\treturn\n}\n"
	units, err := s.Split(content)
	require.NoError(t, err)
	assert.Len(t, units, 1)
}

func TestCodeSplitter_Malformed(t *testing.T) {
	s := NewCodeSplitter()

	tests := []struct {
		name    string
		content string
	}{
		{"unclosed brace", "func a() {\n\treturn\n"},
		{"stray closer", "}\n"},
		{"unterminated block comment", "/* start\nnever closed\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Split(tt.content)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestCodeSplitter_IgnoresBracketsInStringsAndComments(t *testing.T) {
	s := NewCodeSplitter()

	content := "x := \"{[(\"\n// }}}\n/* )) */\ny := 1\n"
	units, err := s.Split(content)
	require.NoError(t, err)
	assert.Equal(t, content, Assemble(units))
}

func TestSelector_Dispatch(t *testing.T) {
	sel := DefaultSelector()

	units, err := sel.Split("a=1\nb=2\n", fragment.KindConfig)
	require.NoError(t, err)
	assert.Len(t, units, 2)

	_, err = sel.Split("content", fragment.Kind("binary"))
	assert.ErrorIs(t, err, ErrNoSplitter)
}

func TestSplitters_Lossless(t *testing.T) {
	inputs := map[string]string{
		"config":   "a=1\nb=2\nc=3",
		"doc":      "# H\n\npara one\n\n```\ncode\n```\n\npara two\n",
		"code":     "import (\n\t\"fmt\"\n)\n\nfunc main() {\n\tfmt.Println(\"hi\")\n}\n",
		"crlf-ish": "line one\n\n\n\nline two\n",
	}

	splitters := []Splitter{NewLineSplitter(), NewMarkdownSplitter(), NewCodeSplitter()}

	for name, content := range inputs {
		for _, sp := range splitters {
			units, err := sp.Split(content)
			if err != nil {
				continue // not every splitter accepts every shape
			}
			assert.Equal(t, content, Assemble(units),
				"%s splitter lost bytes on %s input", sp.Name(), name)
		}
	}
}
