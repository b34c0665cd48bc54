package analysis

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/unifyd/internal/fragment"
)

// Errors for registry operations.
var (
	ErrAnalyzerNotFound  = errors.New("analyzer not found")
	ErrDuplicateAnalyzer = errors.New("analyzer already registered")
	ErrInvalidName       = errors.New("invalid analyzer name: must be alphanumeric with hyphens/underscores")
	ErrNilAnalyzer       = errors.New("analyzer is nil")
)

// namePattern validates analyzer names. Names appear in issue records,
// configuration keys, and log fields, so they stay filesystem- and
// label-safe.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Registry is a lookup/dispatch table for analyzers. It holds no
// analysis logic itself.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Analyzer
}

// NewRegistry creates an empty analyzer registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Analyzer),
	}
}

// Register adds an analyzer. Names must be unique.
func (r *Registry) Register(a Analyzer) error {
	if a == nil {
		return ErrNilAnalyzer
	}
	name := a.Name()
	if name == "" || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAnalyzer, name)
	}
	r.byName[name] = a
	return nil
}

// Get returns the analyzer registered under name.
func (r *Registry) Get(name string) (Analyzer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAnalyzerNotFound, name)
	}
	return a, nil
}

// ForPhase returns the analyzers that participate in phase and support
// kind, ordered by declared priority (highest first) then name. The
// ordering is deterministic so downstream issue normalization is
// reproducible across runs.
func (r *Registry) ForPhase(phase string, kind fragment.Kind) []Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Analyzer
	for _, a := range r.byName {
		if !containsString(a.Phases(), phase) {
			continue
		}
		if !containsKind(a.Kinds(), kind) {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Names returns all registered analyzer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered analyzers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// containsKind treats an empty list as supporting every kind, matching
// the Analyzer contract: declaring no kinds means kind-agnostic.
func containsKind(list []fragment.Kind, want fragment.Kind) bool {
	if len(list) == 0 {
		return true
	}
	for _, k := range list {
		if k == want {
			return true
		}
	}
	return false
}
