package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is a bounded, TTL-aware response cache owned by a single adapter.
type LRU[V any] struct {
	lru    *expirable.LRU[string, V]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRU holds at most size entries, each for at most ttl.
func NewLRU[V any](size int, ttl time.Duration) *LRU[V] {
	if size <= 0 {
		size = 256
	}
	return &LRU[V]{lru: expirable.NewLRU[string, V](size, nil, ttl)}
}

func (c *LRU[V]) Get(key string) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

func (c *LRU[V]) Set(key string, v V) {
	c.lru.Add(key, v)
}

func (c *LRU[V]) Remove(key string) {
	c.lru.Remove(key)
}

func (c *LRU[V]) Len() int {
	return c.lru.Len()
}

// Keys returns live keys from oldest to newest.
func (c *LRU[V]) Keys() []string {
	return c.lru.Keys()
}

func (c *LRU[V]) Purge() {
	c.lru.Purge()
}

// Stats returns hit and miss counters since creation.
func (c *LRU[V]) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *LRU[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}
