package client

import (
	"sync"
	"time"
)

// DefaultDataTTL is how long a DataCache value stays fresh when Set is given
// no TTL.
const DefaultDataTTL = 5 * time.Minute

type dataItem[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// DataCache memoizes values by key for a limited time. Expired values are
// dropped lazily on lookup. It is safe for concurrent use.
type DataCache[V any] struct {
	mu         sync.Mutex
	items      map[string]dataItem[V]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewDataCache creates a cache whose values expire after ttl unless Set says
// otherwise. A ttl <= 0 selects DefaultDataTTL.
func NewDataCache[V any](ttl time.Duration) *DataCache[V] {
	if ttl <= 0 {
		ttl = DefaultDataTTL
	}
	return &DataCache[V]{
		items:      make(map[string]dataItem[V]),
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// Get returns the value for key if it has not expired.
func (c *DataCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(item.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

// Set stores value under key. A ttl <= 0 uses the cache default.
func (c *DataCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[key] = dataItem[V]{value: value, storedAt: now, expiresAt: now.Add(ttl)}
}

// Has reports whether key holds a fresh value.
func (c *DataCache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *DataCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *DataCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
}

// Len counts stored values, expired ones included until they are looked up.
func (c *DataCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
