package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val V
	exp time.Time
}

// Cache is a small TTL map shared by the auth and admin packages.
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	ttl  time.Duration
	now  func() time.Time
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{data: make(map[K]entry[V]), ttl: ttl, now: time.Now}
}

func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[k]
	if !ok || c.now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores v until exp. A zero exp uses the cache TTL.
func (c *Cache[K, V]) Set(k K, v V, exp time.Time) {
	if exp.IsZero() {
		exp = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = entry[V]{val: v, exp: exp}
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, k)
}

// GetOrLoad returns the cached value or calls load and caches a successful result.
func (c *Cache[K, V]) GetOrLoad(k K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(k, v, time.Time{})
	return v, nil
}

// Purge drops expired entries.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.data {
		if now.After(e.exp) {
			delete(c.data, k)
		}
	}
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
