package collection

import "sync"

// SyncMap is a typed wrapper over a mutex-guarded map.
type SyncMap[K comparable, V any] struct {
	mux  sync.RWMutex
	data map[K]V
}

// Get returns the value for key and whether it was present.
func (m *SyncMap[K, V]) Get(key K) (V, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	value, ok := m.data[key]
	return value, ok
}

// Put stores value under key.
func (m *SyncMap[K, V]) Put(key K, value V) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.data[key] = value
}

// Delete removes key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.data, key)
}

// Range iterates entries until fn returns false.
func (m *SyncMap[K, V]) Range(fn func(key K, value V) bool) {
	m.mux.RLock()
	snapshot := make(map[K]V, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mux.RUnlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Size returns the number of entries.
func (m *SyncMap[K, V]) Size() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.data)
}

// NewSyncMap creates a new SyncMap.
func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{data: map[K]V{}}
}
