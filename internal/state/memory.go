package state

import (
	"context"
	"sort"
	"sync"
)

// Revision is one write of a document kept by MemoryStore
type Revision struct {
	Seq  int
	Data []byte
}

// MemoryStore keeps documents in memory together with a bounded history of
// their writes. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string][]byte
	history map[string][]Revision
	seq     int
	maxSize int
}

// NewMemoryStore creates a store keeping up to maxSize revisions per key
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &MemoryStore{
		docs:    make(map[string][]byte),
		history: make(map[string][]Revision),
		maxSize: maxSize,
	}
}

// Location implements Store
func (m *MemoryStore) Location() string {
	return "memory"
}

// Read implements Store
func (m *MemoryStore) Read(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Write implements Store
func (m *MemoryStore) Write(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := append([]byte(nil), data...)
	m.docs[key] = cp
	revs := append(m.history[key], Revision{Seq: m.seq, Data: cp})
	if len(revs) > m.maxSize {
		revs = revs[len(revs)-m.maxSize:]
	}
	m.history[key] = revs
	return nil
}

// Remove implements Store
func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

// List implements Store
func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// History returns the retained revisions of key, oldest first
func (m *MemoryStore) History(key string) []Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Revision(nil), m.history[key]...)
}

// Writes returns how many times key was written, within the retained history
func (m *MemoryStore) Writes(key string) int {
	return len(m.History(key))
}

// LedgerKey is the store key of a deployment's ledger
func LedgerKey(name string) string {
	return name + ledgerSuffix
}
