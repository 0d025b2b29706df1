package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the in-process cache.
const DefaultMemoryEntries = 2048

// MemoryStore is a bounded in-process LRU store.
type MemoryStore struct {
	entries *lru.Cache[string, *Entry]
}

// NewMemoryStore creates an LRU store holding at most size entries.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &MemoryStore{entries: entries}, nil
}

// Get retrieves a cache entry by key.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Entry, error) {
	k := key.String()
	entry, ok := s.entries.Get(k)
	if !ok {
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}
	if entry.IsExpired() {
		s.entries.Remove(k)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("memory").Inc()
	cp := *entry
	return &cp, nil
}

// Set stores a cache entry. Expired entries are not stored.
func (s *MemoryStore) Set(_ context.Context, key Key, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if entry.TTL() <= 0 {
		return nil
	}
	cp := *entry
	s.entries.Add(key.String(), &cp)
	CacheSize.WithLabelValues("memory").Add(float64(len(entry.Data)))
	return nil
}

// Delete removes a cache entry.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.entries.Remove(key.String())
	return nil
}

// Len returns the number of cached entries.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}
