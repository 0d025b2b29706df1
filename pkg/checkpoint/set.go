package checkpoint

import "sync"

// Set holds the identifiers of collected records. Each record contributes
// its id and its full_name, so a record matches if either is known. A Set
// only grows.
type Set struct {
	mu   sync.RWMutex
	keys map[string]struct{}
	n    int
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Add records the identifiers of one record. It returns false when the
// record was already known or carries no identifier at all.
func (s *Set) Add(id, fullName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.containsLocked(id, fullName) {
		return false
	}
	added := false
	if id != "" {
		s.keys[idKey(id)] = struct{}{}
		added = true
	}
	if fullName != "" {
		s.keys[nameKey(fullName)] = struct{}{}
		added = true
	}
	if added {
		s.n++
	}
	return added
}

// Contains reports whether either identifier is known.
func (s *Set) Contains(id, fullName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.containsLocked(id, fullName)
}

// Len returns the number of records added.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func (s *Set) containsLocked(id, fullName string) bool {
	if id != "" {
		if _, ok := s.keys[idKey(id)]; ok {
			return true
		}
	}
	if fullName != "" {
		if _, ok := s.keys[nameKey(fullName)]; ok {
			return true
		}
	}
	return false
}

func idKey(id string) string     { return "id:" + id }
func nameKey(name string) string { return "name:" + name }
