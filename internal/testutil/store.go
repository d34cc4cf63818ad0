package testutil

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory object store keyed by location/name.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{files: map[string][]byte{}}
}

func storeKey(location, name string) string { return location + "/" + name }

func (s *MemStore) Fetch(_ context.Context, location, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[storeKey(location, name)]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", location, name)
	}
	return data, nil
}

func (s *MemStore) Put(_ context.Context, location, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[storeKey(location, name)] = data
	return nil
}
