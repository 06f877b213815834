package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache for single-replica deployments.
// A background loop sweeps expired entries every sweepInterval.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

const sweepInterval = 5 * time.Minute

// NewMemoryCache starts a MemoryCache whose sweeper stops when ctx is
// cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value for ttl. A non-positive ttl means one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len counts held entries, including expired ones not yet swept.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
