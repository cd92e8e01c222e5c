package statestore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-shot runs. It
// provides the same per-key atomicity as the sqlite backend via a single
// mutex around each operation.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte // kind → id → record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Get returns the record for (kind, id), or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, kind Kind, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[string(kind)][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(rec))
	copy(cp, rec)
	return cp, nil
}

// Upsert applies mutate under the store lock. A mutate error leaves the
// previous record unchanged.
func (m *MemoryStore) Upsert(_ context.Context, kind Kind, id string, mutate func(cur []byte) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.data[string(kind)]
	if coll == nil {
		coll = make(map[string][]byte)
		m.data[string(kind)] = coll
	}

	var cur []byte
	if rec, ok := coll[id]; ok {
		cur = make([]byte, len(rec))
		copy(cur, rec)
	}

	next, err := mutate(cur)
	if err != nil {
		return nil, err
	}
	stored := make([]byte, len(next))
	copy(stored, next)
	coll[id] = stored
	return next, nil
}

// List returns a copy of all records of a kind.
func (m *MemoryStore) List(_ context.Context, kind Kind) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.data[string(kind)]))
	for id, rec := range m.data[string(kind)] {
		cp := make([]byte, len(rec))
		copy(cp, rec)
		out[id] = cp
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
