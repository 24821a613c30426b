package storage

import "sync"

// MemoryStore is an in-memory Store. It is the default for tests and for
// engines whose host application persists elsewhere.
type MemoryStore struct {
	mutex   sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

// Get returns the value for key, or ErrNotFound.
func (ms *MemoryStore) Get(bucket, key string) ([]byte, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	b, ok := ms.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Put writes the value for key, replacing any existing value.
func (ms *MemoryStore) Put(bucket, key string, value []byte) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	b, ok := ms.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		ms.buckets[bucket] = b
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (ms *MemoryStore) Delete(bucket, key string) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	if b, ok := ms.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

// List returns all keys in the bucket.
func (ms *MemoryStore) List(bucket string) ([]string, error) {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()

	b, ok := ms.buckets[bucket]
	if !ok {
		return nil, nil
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys, nil
}

// Close is a no-op for the in-memory store.
func (ms *MemoryStore) Close() error {
	return nil
}
