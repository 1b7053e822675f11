// Package wndb implements the on-disk map backends behind the lookup engine:
// gdbm hash tables and in-memory JSON arrays. Backends expose one uniform
// operation, lookup by key value; record decoding is left to pkg/record.
package wndb

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound means the map exists but has no entry for the key.
	ErrNotFound = errors.New("key not found")
	// ErrMapNotFound means the backing file could not be opened.
	ErrMapNotFound = errors.New("map not found")
)

// Set owns the open map handles for the process lifetime: gdbm files are
// opened lazily and cached, JSON maps are materialized up front by LoadJSON.
type Set struct {
	mu   sync.Mutex
	gdbm map[string]*gdbmHandle
	json map[string]*jsonMap
}

// NewSet returns an empty backend set.
func NewSet() *Set {
	return &Set{
		gdbm: make(map[string]*gdbmHandle),
		json: make(map[string]*jsonMap),
	}
}

// Close releases all cached handles.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.gdbm {
		h.close()
	}
	s.gdbm = make(map[string]*gdbmHandle)
	s.json = make(map[string]*jsonMap)
}
