// Package cache holds the in-memory, process-owned state the queue
// consumer keeps alongside each message: the per-episode NotReady retry
// counter. It is intentionally generic so other process-scoped counters
// can reuse it without a new type.
package cache

import (
	"sync"

	"github.com/livepeer/episode-video-worker/log"
)

// Cache is a small mutex-protected map keyed by string. It is not an LRU
// or TTL cache: entries live until explicitly removed, matching the
// consumer's "reset on success/escalation" lifecycle for NotReady counts.
type Cache[T any] struct {
	cache map[string]T
	mutex sync.Mutex
}

func New[T any]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

// Remove deletes key's entry, logging against episodeID for traceability.
func (c *Cache[T]) Remove(episodeID, key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, key)
	log.Log(episodeID, "removing from in-memory cache", "key", key)
}

func (c *Cache[T]) Get(key string) T {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	info, ok := c.cache[key]
	if ok {
		return info
	}
	var zero T
	return zero
}

func (c *Cache[T]) Store(key string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[key] = value
}

func (c *Cache[T]) UnittestIntrospection() *map[string]T {
	return &c.cache
}
