package registry

import (
	"context"
	"maps"
	"sync"

	"github.com/c360/semflow/errors"
)

// Settings persists runtime settings such as module enable state. Get
// returns errors.ErrKeyNotFound for an unknown key.
type Settings interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemorySettings keeps settings in process memory
type MemorySettings struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemorySettings returns an empty in-memory settings store
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string][]byte)}
}

// Get implements Settings
func (s *MemorySettings) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set implements Settings
func (s *MemorySettings) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Keys returns the stored keys
func (s *MemorySettings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range maps.Keys(s.values) {
		out = append(out, k)
	}
	return out
}
