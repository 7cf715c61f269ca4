package idempotency

import (
	"context"
	"sync"

	"github.com/hupe1980/turnmesh/core"
)

// InMemoryStore is a volatile Store implementation keeping records in a
// process-local map. CreateIfAbsent is atomic under the store mutex, which
// satisfies the single-writer-per-key contract within one process only:
// across processes nothing serializes the check-and-create, so production
// deployments must use a store with a real atomic create-if-absent
// primitive (unique key constraint, conditional put) such as store/sqlite.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory idempotency store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

// CreateIfAbsent implements Store.
func (s *InMemoryStore) CreateIfAbsent(_ context.Context, rec Record) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key.String()]; ok {
		cp := existing
		return false, &cp, nil
	}

	s.records[rec.Key.String()] = rec

	return true, nil, nil
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, key Key) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, core.ErrNotFound
	}

	cp := rec
	return &cp, nil
}

// Update implements Store.
func (s *InMemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.Key.String()]; !ok {
		return core.ErrNotFound
	}

	s.records[rec.Key.String()] = rec

	return nil
}
