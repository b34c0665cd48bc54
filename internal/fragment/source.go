package fragment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Source produces fragments from some origin.
type Source interface {
	// Fragments materializes the source's snapshots.
	Fragments(ctx context.Context) ([]Fragment, error)
}

// ErrNoRevisions is returned by a git source configured without revisions.
var ErrNoRevisions = errors.New("git source requires at least one revision")

// KindForPath infers a content kind from a file extension.
// Unknown extensions default to KindDoc, the least structured kind.
func KindForPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go", ".py", ".js", ".ts", ".jsx", ".tsx", ".java", ".c", ".h",
		".cpp", ".hpp", ".rs", ".rb", ".sh", ".sql", ".swift", ".kt", ".cs":
		return KindCode
	case ".yaml", ".yml", ".json", ".toml", ".ini", ".env", ".properties":
		return KindConfig
	case ".md", ".markdown", ".txt", ".rst", ".adoc":
		return KindDoc
	default:
		return KindDoc
	}
}

// FileSource ingests one fragment per file path. Origin is the path;
// kind is inferred from the extension unless overridden.
type FileSource struct {
	Paths []string
	// Kind overrides extension inference when set.
	Kind Kind
}

// Fragments reads each path into an immutable snapshot. IngestedAt is
// the file's modification time so latest-wins resolves toward the most
// recently edited copy.
func (s *FileSource) Fragments(ctx context.Context) ([]Fragment, error) {
	if len(s.Paths) == 0 {
		return nil, ErrNoFragments
	}

	out := make([]Fragment, 0, len(s.Paths))
	for _, path := range s.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() > MaxContentSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrContentTooBig, path, info.Size())
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		kind := s.Kind
		if kind == "" {
			kind = KindForPath(path)
		}

		frag, err := New(path, string(data), kind, info.ModTime())
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", path, err)
		}
		out = append(out, frag)
	}
	return out, nil
}

// GitSource ingests one file across several revisions of a repository,
// one fragment per revision. Origin is "<revision>:<path>"; IngestedAt
// is the commit timestamp so latest-wins follows history order.
type GitSource struct {
	RepoPath  string
	FilePath  string
	Revisions []string
	// Kind overrides extension inference when set.
	Kind Kind
}

// Fragments resolves each revision and extracts the file content at
// that commit.
func (s *GitSource) Fragments(ctx context.Context) ([]Fragment, error) {
	if len(s.Revisions) == 0 {
		return nil, ErrNoRevisions
	}

	repo, err := git.PlainOpen(s.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", s.RepoPath, err)
	}

	kind := s.Kind
	if kind == "" {
		kind = KindForPath(s.FilePath)
	}

	out := make([]Fragment, 0, len(s.Revisions))
	for _, rev := range s.Revisions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hash, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return nil, fmt.Errorf("resolve revision %s: %w", rev, err)
		}

		commit, err := repo.CommitObject(*hash)
		if err != nil {
			return nil, fmt.Errorf("load commit %s: %w", rev, err)
		}

		file, err := commit.File(s.FilePath)
		if err != nil {
			return nil, fmt.Errorf("file %s at %s: %w", s.FilePath, rev, err)
		}

		content, err := file.Contents()
		if err != nil {
			return nil, fmt.Errorf("contents of %s at %s: %w", s.FilePath, rev, err)
		}

		frag, err := New(rev+":"+s.FilePath, content, kind, commit.Committer.When)
		if err != nil {
			return nil, fmt.Errorf("ingest %s at %s: %w", s.FilePath, rev, err)
		}
		out = append(out, frag)
	}
	return out, nil
}

// LiteralSource ingests caller-supplied payloads (API and MCP submissions).
type LiteralSource struct {
	Items []LiteralItem
}

// LiteralItem is one inline payload.
type LiteralItem struct {
	Origin     string
	Content    string
	Kind       Kind
	IngestedAt time.Time
}

// Fragments validates and freezes each inline payload.
func (s *LiteralSource) Fragments(ctx context.Context) ([]Fragment, error) {
	if len(s.Items) == 0 {
		return nil, ErrNoFragments
	}

	out := make([]Fragment, 0, len(s.Items))
	for i, item := range s.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		kind := item.Kind
		if kind == "" {
			kind = KindDoc
		}

		frag, err := New(item.Origin, item.Content, kind, item.IngestedAt)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, frag)
	}
	return out, nil
}

// Compile-time interface assertions.
var (
	_ Source = (*FileSource)(nil)
	_ Source = (*GitSource)(nil)
	_ Source = (*LiteralSource)(nil)
)
