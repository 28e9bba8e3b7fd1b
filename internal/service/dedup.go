package service

import (
	"container/list"
	"fmt"
	"sync"
)

// dedupCache is a bounded, process-local LRU set used to skip
// re-processing within a burst of related webhook deliveries. It does
// not survive restarts and does not coordinate across instances;
// correctness rests on the store's unique constraint and the
// webhook_events table, not on this cache.
type dedupCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[string]*list.Element
}

func newDedupCache(maxSize int) *dedupCache {
	return &dedupCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// dedupKey builds the cache key for one subscription processing run.
func dedupKey(subscriptionID, userID, planName string) string {
	return fmt.Sprintf("%s|%s|%s", subscriptionID, userID, planName)
}

// SeenOrAdd records the key and reports whether it was already present.
// The oldest entry is evicted when the cache is full.
func (c *dedupCache) SeenOrAdd(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return true
	}

	c.entries[key] = c.order.PushFront(key)
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(string))
	}
	return false
}

// Len returns the number of cached keys.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
