package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veridoc/pkg/platform/sentinel"
)

// InMemoryStore keeps artifacts in memory for tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{objects: make(map[string][]byte)}
}

func (s *InMemoryStore) Put(_ context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte{}, data...)
	return key, nil
}

func (s *InMemoryStore) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[path]; !ok {
		return "", sentinel.ErrNotFound
	}
	return fmt.Sprintf("memory://%s?expires_in=%d", path, int(ttl.Seconds())), nil
}

// Get returns a stored object, for test assertions.
func (s *InMemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}
