// Package memory provides a thread-safe in-memory store with a secondary
// group index, used by the progress repositories to hold runs and
// operations keyed by ID and grouped by achievement kind.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned by Store when the requested key does not exist.
var ErrNotFound = errors.New("not found")

// Store holds values by primary key and indexes them by group. A value's
// key and group must not change while it is stored.
type Store[V any] struct {
	mu      sync.RWMutex
	data    map[string]V
	groups  map[string]map[string]struct{}
	keyOf   func(V) string
	groupOf func(V) string
}

// New creates a Store. groupOf may be nil, in which case every value belongs
// to the "" group.
func New[V any](keyOf, groupOf func(V) string) *Store[V] {
	if groupOf == nil {
		groupOf = func(V) string { return "" }
	}
	return &Store[V]{
		data:    make(map[string]V),
		groups:  make(map[string]map[string]struct{}),
		keyOf:   keyOf,
		groupOf: groupOf,
	}
}

// Set inserts or replaces the value stored under its key.
func (s *Store[V]) Set(_ context.Context, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.keyOf(v)
	if old, ok := s.data[key]; ok {
		s.unindex(key, s.groupOf(old))
	}
	s.data[key] = v
	g := s.groupOf(v)
	if s.groups[g] == nil {
		s.groups[g] = make(map[string]struct{})
	}
	s.groups[g][key] = struct{}{}
	return nil
}

// Get returns the value for key, or ErrNotFound if absent.
func (s *Store[V]) Get(_ context.Context, key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

// Update applies fn to the value stored under key while holding the write
// lock. If fn returns an error the stored value is left unchanged.
func (s *Store[V]) Update(_ context.Context, key string, fn func(V) (V, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	nv, err := fn(v)
	if err != nil {
		return err
	}
	s.data[key] = nv
	return nil
}

// Delete removes the value for key. Returns ErrNotFound if absent.
func (s *Store[V]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	s.unindex(key, s.groupOf(v))
	delete(s.data, key)
	return nil
}

// DeleteGroup removes every value in group and reports how many were removed.
func (s *Store[V]) DeleteGroup(_ context.Context, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.groups[group]
	for k := range keys {
		delete(s.data, k)
	}
	delete(s.groups, group)
	return len(keys)
}

// Group returns the values in group ordered by key.
func (s *Store[V]) Group(_ context.Context, group string) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordered(s.groups[group])
}

// All returns every stored value ordered by key.
func (s *Store[V]) All(_ context.Context) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make(map[string]struct{}, len(s.data))
	for k := range s.data {
		keys[k] = struct{}{}
	}
	return s.ordered(keys)
}

// ordered returns the values for keys sorted by key. Caller holds mu.
func (s *Store[V]) ordered(keys map[string]struct{}) []V {
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	out := make([]V, 0, len(sorted))
	for _, k := range sorted {
		out = append(out, s.data[k])
	}
	return out
}

// unindex drops key from group. Caller holds mu.
func (s *Store[V]) unindex(key, group string) {
	members := s.groups[group]
	delete(members, key)
	if len(members) == 0 {
		delete(s.groups, group)
	}
}
