package kvstore

import (
	"context"
	"fmt"
	"sync"

	"caresync/pkg/platform/sentinel"
)

// InMemoryStore keeps values in a map. MaxBytes, when positive, caps the sum
// of key and value sizes so quota handling can be exercised without a disk.
type InMemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	used     int64
	maxBytes int64
	closed   bool
}

type MemoryOption func(*InMemoryStore)

func WithMemoryLimit(maxBytes int64) MemoryOption {
	return func(s *InMemoryStore) {
		s.maxBytes = maxBytes
	}
}

func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{values: make(map[string][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, sentinel.ErrClosed
	}
	v, ok := s.values[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, sentinel.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *InMemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sentinel.ErrClosed
	}

	used := s.used
	if old, ok := s.values[key]; ok {
		used -= int64(len(key) + len(old))
	}
	used += int64(len(key) + len(value))
	if s.maxBytes > 0 && used > s.maxBytes {
		return quotaError(key, used, s.maxBytes)
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	s.values[key] = cp
	s.used = used
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sentinel.ErrClosed
	}
	if old, ok := s.values[key]; ok {
		s.used -= int64(len(key) + len(old))
		delete(s.values, key)
	}
	return nil
}

// UsedBytes reports the current accounted size.
func (s *InMemoryStore) UsedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
