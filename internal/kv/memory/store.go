// Package memory provides an in-memory kv.Store for tests and dev runs
// without a durable backend.
package memory

import (
	"context"
	"sync"
)

// Store is a goroutine-safe in-memory key-value store.
type Store struct {
	mu    sync.RWMutex
	items map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]string)}
}

func (s *Store) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *Store) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *Store) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) Close() error { return nil }
