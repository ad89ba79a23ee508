// Package document renders policy contracts and stores them.
package document

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound indicates no object has the requested key.
var ErrNotFound = errors.New("document not found")

// Storage keeps rendered documents.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Put stores data under key, replacing any previous object, and
	// returns the location recorded on the policy.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get returns the object stored under key.
	// Returns ErrNotFound if there is none.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStorage keeps documents in memory.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemoryStorage creates empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// Put implements Storage.
func (s *MemoryStorage) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", errors.New("document key is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	s.types[key] = contentType
	return "memory://" + key, nil
}

// Get implements Storage.
func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	delete(s.types, key)
	return nil
}

// Keys returns the stored keys with the given prefix, sorted.
func (s *MemoryStorage) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ContentType returns the content type stored with key.
func (s *MemoryStorage) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[key]
}

var _ Storage = (*MemoryStorage)(nil)
