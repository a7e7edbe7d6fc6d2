// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package sets provides a basic hash set.
package sets

// Set is an unordered set with O(1) lookup.
// The zero value is an empty set.
type Set[T comparable] map[T]struct{}

// New returns a new set that contains the arguments passed to it.
func New[T comparable](elem ...T) Set[T] {
	s := make(Set[T])
	s.Add(elem...)
	return s
}

// Add adds the arguments to the set.
func (s Set[T]) Add(elem ...T) {
	for _, x := range elem {
		s[x] = struct{}{}
	}
}

// Has reports whether the set contains x.
func (s Set[T]) Has(x T) bool {
	_, present := s[x]
	return present
}

// Len returns the number of elements in the set.
func (s Set[T]) Len() int {
	return len(s)
}
