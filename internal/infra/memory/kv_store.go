package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"quiz-sync-relay/internal/domain"
)

// KVStore is a byte-quota-bounded key/value store mirroring browser local storage.
// A zero quota means unbounded.
type KVStore struct {
	quota int

	mu    sync.RWMutex
	used  int
	items map[string][]byte
}

func NewKVStore(quota int) *KVStore {
	return &KVStore{quota: quota, items: make(map[string][]byte)}
}

func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *KVStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(key) + len(value)
	prev := 0
	if old, ok := s.items[key]; ok {
		prev = len(key) + len(old)
	}
	if s.quota > 0 && s.used-prev+size > s.quota {
		return domain.ErrStorageQuota
	}
	s.items[key] = append([]byte(nil), value...)
	s.used += size - prev
	return nil
}

func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.items[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.items, key)
	}
	return nil
}

// Keys lists stored keys with the given prefix in sorted order.
func (s *KVStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *KVStore) Close() error {
	return nil
}
