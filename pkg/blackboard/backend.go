package blackboard

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Backend is the persistence contract of the blackboard.
//
// Every key carries a version, 0 when the key does not exist. Set writes only when
// version equals the key's current version and returns the new version; otherwise
// it returns ErrVersionMismatch and leaves the key untouched.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Set(ctx context.Context, key string, value []byte, version int64) (int64, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

type memoryValue struct {
	value   []byte
	version int64
}

// MemoryBackend is an in-process Backend. It is safe for concurrent use.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]memoryValue
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]memoryValue)}
}

// Get returns a copy of the value and its version, or ErrNotFound.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), v.value...), v.version, nil
}

// Set stores value if version matches the current version of key.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, version int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.data[key].version
	if cur != version {
		return cur, ErrVersionMismatch
	}
	next := cur + 1
	m.data[key] = memoryValue{value: append([]byte(nil), value...), version: next}
	return next, nil
}

// List returns every key with the given prefix in lexicographic order.
func (m *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}
