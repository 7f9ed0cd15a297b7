// ABOUTME: In-memory KV implementation for tests and ephemeral runs
// ABOUTME: Nothing survives process exit

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory KV implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]Record)}
}

// Get returns a copy of the sequence stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecords(records), nil
}

// Put replaces the sequence stored under key.
func (m *MemoryStore) Put(_ context.Context, key string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = cloneRecords(records)
	return nil
}

// Delete removes key. Deleting an unknown key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Keys returns all stored keys in sorted order.
func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
