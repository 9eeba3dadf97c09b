package quotecache

import (
	"context"
	"sync"
	"time"

	"github.com/krobus00/kis-gateway/internal/entity"
	"github.com/krobus00/kis-gateway/internal/metrics"
)

// QuoteCache keeps the last record seen per subscription key.
type QuoteCache struct {
	mu      sync.RWMutex
	entries map[entity.SubscriptionKey]entity.CacheEntry
	waiters map[entity.SubscriptionKey][]chan entity.CacheEntry
	now     func() time.Time
	metrics *metrics.GatewayMetrics
}

func NewQuoteCache(m *metrics.GatewayMetrics) *QuoteCache {
	return &QuoteCache{
		entries: make(map[entity.SubscriptionKey]entity.CacheEntry),
		waiters: make(map[entity.SubscriptionKey][]chan entity.CacheEntry),
		now:     time.Now,
		metrics: m,
	}
}

// Put overwrites the entry for the record's key and wakes any WaitFor callers.
func (c *QuoteCache) Put(key entity.SubscriptionKey, record entity.Record) entity.CacheEntry {
	entry := entity.CacheEntry{Record: record, ReceivedAt: c.now()}

	c.mu.Lock()
	c.entries[key] = entry
	waiters := c.waiters[key]
	delete(c.waiters, key)
	count := len(c.entries)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- entry
	}
	c.metrics.SetCacheEntries(count)

	return entry
}

func (c *QuoteCache) Get(key entity.SubscriptionKey) (entity.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Count is the number of distinct keys held.
func (c *QuoteCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QuoteCache) Keys() []entity.SubscriptionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]entity.SubscriptionKey, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

func (c *QuoteCache) Delete(key entity.SubscriptionKey) {
	c.mu.Lock()
	delete(c.entries, key)
	count := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(count)
}

func (c *QuoteCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[entity.SubscriptionKey]entity.CacheEntry)
	c.mu.Unlock()

	c.metrics.SetCacheEntries(0)
}

// WaitFor blocks until the next Put for key or until ctx is done.
func (c *QuoteCache) WaitFor(ctx context.Context, key entity.SubscriptionKey) (entity.CacheEntry, error) {
	ch, stop := c.Watch(key)
	defer stop()

	select {
	case entry := <-ch:
		return entry, nil
	case <-ctx.Done():
		return entity.CacheEntry{}, ctx.Err()
	}
}

// Watch registers interest in the next Put for key before returning, so a
// caller can trigger the producer afterwards without missing the value.
// stop must be called once the channel is no longer read.
func (c *QuoteCache) Watch(key entity.SubscriptionKey) (<-chan entity.CacheEntry, func()) {
	ch := make(chan entity.CacheEntry, 1)

	c.mu.Lock()
	c.waiters[key] = append(c.waiters[key], ch)
	c.mu.Unlock()

	return ch, func() { c.removeWaiter(key, ch) }
}

func (c *QuoteCache) removeWaiter(key entity.SubscriptionKey, target chan entity.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	waiters := c.waiters[key]
	for i, ch := range waiters {
		if ch == target {
			c.waiters[key] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.waiters[key]) == 0 {
		delete(c.waiters, key)
	}
}
