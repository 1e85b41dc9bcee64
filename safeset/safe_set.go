// Package safeset provides a generic set guarded by a read-write mutex.
package safeset

import "sync"

// SafeSet is a set of comparable values that is safe for concurrent use.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet returns an empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add inserts value and reports whether it was not already present.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was added, false if the set already held it
func (s *SafeSet[T]) Add(value T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[value]; ok {
		return false
	}

	s.m[value] = struct{}{}
	return true
}

// Remove deletes value if present.
func (s *SafeSet[T]) Remove(value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, value)
}

// Contains reports whether value is in the set.
func (s *SafeSet[T]) Contains(value T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[value]
	return ok
}

// Size returns the number of elements.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Reset removes every element.
func (s *SafeSet[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[T]struct{})
}
