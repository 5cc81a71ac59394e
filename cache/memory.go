package cache

import (
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	storedAt time.Time
	value    []byte
}

// MemoryStore is an in-memory Store for tests and environments without
// persistent storage.
type MemoryStore struct {
	mutex      *sync.RWMutex
	partitions map[string]map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]map[string]memEntry),
	}
}

func (m *MemoryStore) Get(partition, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.partitions[partition][key]
	if !ok {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Put(partition, key string, storedAt time.Time, value []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.partitions[partition]
	if !ok {
		entries = make(map[string]memEntry)
		m.partitions[partition] = entries
	}
	entries[key] = memEntry{storedAt: storedAt, value: value}
	return nil
}

func (m *MemoryStore) Delete(partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partitions[partition], key)
	return nil
}

func (m *MemoryStore) Keys(partition string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := m.partitions[partition]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if a.storedAt.Equal(b.storedAt) {
			return keys[i] < keys[j]
		}
		return a.storedAt.Before(b.storedAt)
	})
	return keys, nil
}

func (m *MemoryStore) Count(partition string) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.partitions[partition]), nil
}

func (m *MemoryStore) Partitions() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name, entries := range m.partitions {
		if len(entries) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DeletePartition(partition string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partitions, partition)
	return nil
}
