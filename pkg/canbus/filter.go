package canbus

import "sync"

// Filter accepts a frame iff (frame.id & Mask) == (ID & Mask)
type Filter struct {
	ID   uint32
	Mask uint32
}

// Matches reports whether id passes the filter
func (f Filter) Matches(id uint32) bool {
	return id&f.Mask == f.ID&f.Mask
}

// FilterSet is an app-level acceptance filter list. An empty set accepts
// every frame; a non-empty set accepts frames matching any entry. Safe for
// concurrent use.
type FilterSet struct {
	mu      sync.RWMutex
	filters []Filter
}

// NewFilterSet creates an empty (accept-all) filter set
func NewFilterSet() *FilterSet {
	return &FilterSet{}
}

// Add appends a filter; duplicates are ignored
func (s *FilterSet) Add(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.filters {
		if existing == f {
			return
		}
	}
	s.filters = append(s.filters, f)
}

// Remove deletes a filter if present
func (s *FilterSet) Remove(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.filters {
		if existing == f {
			s.filters = append(s.filters[:i], s.filters[i+1:]...)
			return
		}
	}
}

// Clear removes every filter, returning to accept-all
func (s *FilterSet) Clear() {
	s.mu.Lock()
	s.filters = nil
	s.mu.Unlock()
}

// Accepts reports whether id passes the set
func (s *FilterSet) Accepts(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.filters) == 0 {
		return true
	}
	for _, f := range s.filters {
		if f.Matches(id) {
			return true
		}
	}
	return false
}

// List returns a copy of the current filters
func (s *FilterSet) List() []Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Filter(nil), s.filters...)
}
