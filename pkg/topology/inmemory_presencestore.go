package topology

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryPresenceStore is a thread-safe PresenceStore for single-process
// pipelines and tests.
type InMemoryPresenceStore[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewInMemoryPresenceStore creates an empty store.
func NewInMemoryPresenceStore[K comparable, V any]() *InMemoryPresenceStore[K, V] {
	return &InMemoryPresenceStore[K, V]{
		data: make(map[K]V),
	}
}

func (s *InMemoryPresenceStore[K, V]) Set(_ context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *InMemoryPresenceStore[K, V]) Fetch(_ context.Context, key K) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return value, nil
}

func (s *InMemoryPresenceStore[K, V]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryPresenceStore[K, V]) List(_ context.Context) ([]V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, v)
	}
	return out, nil
}

// Close is a no-op.
func (s *InMemoryPresenceStore[K, V]) Close() error {
	return nil
}
