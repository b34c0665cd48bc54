package fragment

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds the immutable fragment set for one pipeline run.
//
// Fragments are added during ingestion and the store is sealed when the
// run starts merging; later additions are rejected so an in-flight merge
// never observes a moving input set.
type Store struct {
	mu        sync.RWMutex
	fragments []Fragment
	byID      map[string]int
	sealed    bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]int),
	}
}

// Add ingests a fragment. Returns ErrStoreSealed once the run has
// started merging.
func (s *Store) Add(f Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrStoreSealed
	}
	if _, ok := s.byID[f.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, f.ID)
	}

	s.byID[f.ID] = len(s.fragments)
	s.fragments = append(s.fragments, f)
	return nil
}

// Seal freezes the store. Idempotent.
func (s *Store) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports whether the store is frozen.
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Get returns the fragment with the given ID.
func (s *Store) Get(id string) (Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return Fragment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.fragments[idx], nil
}

// List returns all fragments ordered by ingestion time, then by
// insertion order for equal timestamps. The returned slice is a copy.
func (s *Store) List() []Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fragment, len(s.fragments))
	copy(out, s.fragments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IngestedAt.Before(out[j].IngestedAt)
	})
	return out
}

// Len returns the number of ingested fragments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragments)
}
