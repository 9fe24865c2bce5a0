package catalog

import "sync/atomic"

// Store publishes Catalog snapshots atomically. In-flight requests keep using
// the snapshot they captured; Replace never mutates a published Catalog.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore returns a store holding the given initial snapshot.
func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Snapshot returns the current catalog.
func (s *Store) Snapshot() *Catalog {
	return s.current.Load()
}

// Replace publishes a new catalog snapshot.
func (s *Store) Replace(c *Catalog) {
	s.current.Store(c)
}
