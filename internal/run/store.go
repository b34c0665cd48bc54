package run

import (
	"sort"
	"sync"
	"time"
)

// Store holds runs in memory. Mutations go through Update so every
// Get and List observes a consistent snapshot. Safe for concurrent
// use.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*Run)}
}

// Put inserts a run. The stored instance is owned by the store from
// here on; callers mutate it through Update.
func (s *Store) Put(r *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
}

// Get returns a deep copy of the run.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// Update applies fn to the stored run under the store lock and stamps
// UpdatedAt. fn's error is returned unchanged; the mutation is not
// rolled back.
func (s *Store) Update(id string, fn func(*Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	err := fn(r)
	r.UpdatedAt = time.Now().UTC()
	return err
}

// List returns copies of all runs, newest first. Archived runs are
// included only when requested.
func (s *Store) List(includeArchived bool) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if r.Archived && !includeArchived {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Archive marks a terminal run as archived. The run stays retrievable.
func (s *Store) Archive(id string) error {
	return s.Update(id, func(r *Run) error {
		if !r.State.Terminal() {
			return ErrActive
		}
		r.Archived = true
		return nil
	})
}

// Discard removes a run entirely. Only terminal runs can be
// discarded; the engine itself never calls this.
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if !r.State.Terminal() {
		return ErrActive
	}
	delete(s.runs, id)
	return nil
}

// Len returns the number of retained runs, archived included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
