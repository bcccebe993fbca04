package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckoutCache keeps checkout payloads and rate-limit windows in
// process memory. It backs tests and serves as the failover target when
// Redis is down.
type MemoryCheckoutCache struct {
	checkouts  sync.Map
	rateLimits sync.Map
	ttl        time.Duration
}

type checkoutEntry struct {
	payload   []byte
	expiresAt time.Time
}

type rateLimitEntry struct {
	mu        sync.Mutex
	count     int
	expiresAt time.Time
}

func NewMemoryCheckoutCache(ttl time.Duration) *MemoryCheckoutCache {
	return &MemoryCheckoutCache{ttl: ttl}
}

func (c *MemoryCheckoutCache) SetCheckout(ctx context.Context, tranID string, payload []byte) error {
	c.checkouts.Store(tranID, &checkoutEntry{payload: payload, expiresAt: time.Now().Add(c.ttl)})
	return nil
}

func (c *MemoryCheckoutCache) GetCheckout(ctx context.Context, tranID string) ([]byte, error) {
	val, ok := c.checkouts.Load(tranID)
	if !ok {
		return nil, nil
	}
	entry := val.(*checkoutEntry)
	if time.Now().After(entry.expiresAt) {
		c.checkouts.Delete(tranID)
		return nil, nil
	}
	return entry.payload, nil
}

func (c *MemoryCheckoutCache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	val, _ := c.rateLimits.LoadOrStore(key, &rateLimitEntry{})
	entry := val.(*rateLimitEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if now.After(entry.expiresAt) {
		entry.count = 0
		entry.expiresAt = now.Add(window)
	}
	entry.count++
	return entry.count <= limit, nil
}
