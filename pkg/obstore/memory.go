package obstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and single-process runs.
// Ranged writes land directly at their offset, so redelivery of a chunk
// rewrites the same bytes.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailPut, when set, is consulted before every Put and may inject an
	// error. Used by dataplane tests to simulate store failures.
	FailPut func(key string, offset int64) error
	// FailGet mirrors FailPut for reads.
	FailGet func(key string, offset int64) error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Seed writes a whole object, replacing any existing bytes.
func (s *MemoryStore) Seed(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
}

// Bytes returns a copy of the object's current contents.
func (s *MemoryStore) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func (s *MemoryStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if s.FailGet != nil {
		if err := s.FailGet(key, offset); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, ErrNotFound
	}
	buf := make([]byte, length)
	copy(buf, data[offset:offset+length])
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, offset int64, r io.Reader) error {
	if s.FailPut != nil {
		if err := s.FailPut(key, offset); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Transient(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[key]
	if need := offset + int64(len(data)); int64(len(obj)) < need {
		grown := make([]byte, need)
		copy(grown, obj)
		obj = grown
	}
	copy(obj[offset:], data)
	s.objects[key] = obj
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Size(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}
