package schema

import "sync"

// Store holds one Registry per top-level index, per §4.F ("one schema
// per top-level index"). Registry itself only knows how to manage a
// single schema's fields; Store is the thin keyed layer on top.
type Store struct {
	mu    sync.Mutex
	byIdx map[string]*Registry

	persist *Persistence
}

// NewStore returns an empty index-keyed schema store with no durable
// backing; every registry starts empty and inference runs fresh each
// time the process starts.
func NewStore() *Store {
	return &Store{byIdx: make(map[string]*Registry)}
}

// NewStoreWithPersistence returns a Store seeded from p's snapshots
// (if any exist) and wired to persist future registry changes back to
// p, so a node's inferred field slots survive a restart.
func NewStoreWithPersistence(p *Persistence) (*Store, error) {
	snapshots, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	s := &Store{byIdx: make(map[string]*Registry), persist: p}
	for index, snap := range snapshots {
		s.byIdx[index] = newRegistryFrom(snap)
	}
	return s, nil
}

// For returns the Registry for index, creating an empty one on first
// use.
func (s *Store) For(index string) *Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byIdx[index]
	if !ok {
		r = NewRegistry()
		s.byIdx[index] = r
	}
	return r
}

// Persist writes index's current schema snapshot to durable storage,
// a no-op if the Store was built without persistence. Callers invoke
// this after a batch of FieldFor calls that may have grown the
// schema, rather than on every single field.
func (s *Store) Persist(index string) error {
	if s.persist == nil {
		return nil
	}
	reg := s.For(index)
	return s.persist.Save(index, reg.Current())
}
