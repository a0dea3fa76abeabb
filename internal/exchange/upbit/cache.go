package upbit

import (
	"sync"
	"time"
)

type cacheEntry[T any] struct {
	value    T
	storedAt time.Time
}

// ttlCache — кэш с TTL и жёстким потолком размера. При переполнении
// вытесняется самая старая запись, а не произвольная.
type ttlCache[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	cap   int
	items map[string]cacheEntry[T]
}

func newTTLCache[T any](ttl time.Duration, cap int) *ttlCache[T] {
	return &ttlCache[T]{
		ttl:   ttl,
		cap:   cap,
		items: make(map[string]cacheEntry[T]),
	}
}

func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok || time.Since(entry.storedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[T]) put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && c.cap > 0 && len(c.items) >= c.cap {
		c.evictOldest()
	}
	c.items[key] = cacheEntry[T]{value: value, storedAt: time.Now()}
}

func (c *ttlCache[T]) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.items {
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *ttlCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
