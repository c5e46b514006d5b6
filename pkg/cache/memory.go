package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStorage keeps caches in process memory.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
	order  []string
	closed bool
}

type memoryCache struct {
	name    string
	storage *MemoryStorage

	mu      sync.RWMutex
	entries map[string]memoryItem
	seq     uint64
}

type memoryItem struct {
	key   RequestKey
	entry *Entry
	seq   uint64
}

// NewMemoryStorage returns an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: map[string]*memoryCache{}}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		observe(backendMemory, "open", ErrStorageClosed)
		return nil, ErrStorageClosed
	}
	c, ok := s.caches[name]
	if !ok {
		c = &memoryCache{name: name, storage: s, entries: map[string]memoryItem{}}
		s.caches[name] = c
		s.order = append(s.order, name)
	}
	observe(backendMemory, "open", nil)
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStorageClosed
	}
	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	return slices.Clone(s.order), nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		observe(backendMemory, "delete_cache", ErrStorageClosed)
		return false, ErrStorageClosed
	}
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	observe(backendMemory, "delete_cache", nil)
	return true, nil
}

// Close drops every cache.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.caches = map[string]*memoryCache{}
	s.order = nil
	return nil
}

// attached reports whether c is still the live cache for its name.
func (c *memoryCache) attached() (bool, error) {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	if c.storage.closed {
		return false, ErrStorageClosed
	}
	return c.storage.caches[c.name] == c, nil
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key RequestKey) (*Entry, error) {
	live, err := c.attached()
	if err != nil {
		observe(backendMemory, "match", err)
		return nil, err
	}
	if !live {
		observe(backendMemory, "match", ErrCacheMiss)
		return nil, ErrCacheMiss
	}
	c.mu.RLock()
	item, ok := c.entries[key.String()]
	c.mu.RUnlock()
	if !ok {
		observe(backendMemory, "match", ErrCacheMiss)
		return nil, ErrCacheMiss
	}
	observe(backendMemory, "match", nil)
	return item.entry.Clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, key RequestKey, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	live, err := c.attached()
	if err != nil {
		observe(backendMemory, "put", err)
		return err
	}
	if !live {
		return nil
	}
	stored := entry.Clone()
	stored.Key = key
	if stored.CachedAt.IsZero() {
		stored.CachedAt = time.Now()
	}

	c.mu.Lock()
	c.seq++
	c.entries[key.String()] = memoryItem{key: key, entry: stored, seq: c.seq}
	c.mu.Unlock()

	observe(backendMemory, "put", nil)
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]RequestKey, error) {
	live, err := c.attached()
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, nil
	}
	c.mu.RLock()
	items := make([]memoryItem, 0, len(c.entries))
	for _, item := range c.entries {
		items = append(items, item)
	}
	c.mu.RUnlock()

	slices.SortFunc(items, func(a, b memoryItem) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	keys := make([]RequestKey, len(items))
	for i, item := range items {
		keys[i] = item.key
	}
	return keys, nil
}

func (c *memoryCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	live, err := c.attached()
	if err != nil {
		observe(backendMemory, "delete", err)
		return false, err
	}
	if !live {
		return false, nil
	}
	c.mu.Lock()
	_, ok := c.entries[key.String()]
	delete(c.entries, key.String())
	c.mu.Unlock()
	observe(backendMemory, "delete", nil)
	return ok, nil
}
