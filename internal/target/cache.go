package target

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes channel lookups for one inbound event. Failed lookups are
// remembered too, so a second task in the same event does not repeat them.
// Concurrent lookups of the same key share one call.
type Cache struct {
	mu      sync.Mutex
	entries map[string]string
	group   singleflight.Group
}

// NewCache creates an empty event cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string)}
}

// Len returns the number of memoized keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[key]
	return id, ok
}

// do returns the cached channel id for key, or runs fn once and caches what it
// returns. An empty id means the lookup failed.
func (c *Cache) do(key string, fn func() string) string {
	if id, ok := c.get(key); ok {
		return id
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if id, ok := c.get(key); ok {
			return id, nil
		}
		id := fn()
		c.mu.Lock()
		c.entries[key] = id
		c.mu.Unlock()
		return id, nil
	})
	return v.(string)
}
