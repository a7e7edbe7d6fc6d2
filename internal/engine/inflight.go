// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"sync"

	"github.com/anvilbuild/anvil/internal/sets"
)

// An inflight registry grants exclusive ownership of package idents so
// two workers never run the same package's stages at the same time.
// The zero value is an empty registry.
type inflight struct {
	mu sync.Mutex
	m  map[string]<-chan struct{}
}

// lock waits until it can either acquire the ident
// or ctx.Done is closed.
// If lock acquires the ident, it returns a function that releases it and a nil error.
// Otherwise, lock returns a nil unlock function and the result of ctx.Err().
// Until unlock is called, all calls to r.lock for the same ident will block.
// Multiple goroutines can call lock simultaneously.
func (r *inflight) lock(ctx context.Context, ident string) (unlock func(), err error) {
	for {
		r.mu.Lock()
		workDone := r.m[ident]
		if workDone == nil {
			c := make(chan struct{})
			if r.m == nil {
				r.m = make(map[string]<-chan struct{})
			}
			r.m[ident] = c
			r.mu.Unlock()
			return func() {
				r.mu.Lock()
				delete(r.m, ident)
				close(c)
				r.mu.Unlock()
			}, nil
		}
		r.mu.Unlock()

		select {
		case <-workDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// A doneSet is a set of idents safe for concurrent use.
// The zero value is an empty set.
type doneSet struct {
	mu sync.Mutex
	m  sets.Set[string]
}

func (s *doneSet) has(ident string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Has(ident)
}

func (s *doneSet) add(ident string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = sets.New[string]()
	}
	s.m.Add(ident)
}
