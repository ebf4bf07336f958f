package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a TTL-bounded LRU over cold-tier payloads, keyed by record
// id. It is advisory only: flushing it changes latency, never
// correctness. Only confirmed cold reads populate it; hot reads are
// already fast and caching them would risk staleness across a
// migration.
type Cache struct {
	lru *lru.LRU[string, []byte]
}

// New creates a cache bounded by capacity entries and ttl per entry.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		lru: lru.NewLRU[string, []byte](capacity, nil, ttl),
	}
}

// Get returns the cached payload for id and whether it was present.
func (c *Cache) Get(id string) ([]byte, bool) {
	return c.lru.Get(id)
}

// Set stores a payload for id.
func (c *Cache) Set(id string, payload []byte) {
	c.lru.Add(id, payload)
}

// Evict drops the entry for id, if present.
func (c *Cache) Evict(id string) {
	c.lru.Remove(id)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
