// Package dedupcache fronts quick-hash existence probes so repeated
// backups of unchanged content skip a remote round trip. Only positive
// results are ever cached: a missing chunk may land at any moment.
package dedupcache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache answers "has this probe id been seen at the target".
type Cache interface {
	Contains(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
	Close() error
}

// memoryCache is the default in-process cache with a soft entry cap.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]struct{}
	order   []string
	max     int
}

// NewMemory builds an in-memory cache. max <= 0 uses a default cap.
func NewMemory(max int) Cache {
	if max <= 0 {
		max = 100_000
	}
	return &memoryCache{entries: make(map[string]struct{}), max: max}
}

func (c *memoryCache) Contains(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *memoryCache) Add(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return nil
	}
	// Evict oldest entries once the cap is hit.
	for len(c.entries) >= c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = struct{}{}
	c.order = append(c.order, key)
	return nil
}

func (c *memoryCache) Close() error { return nil }

// redisCache shares probe results across engine processes.
type redisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis builds a redis-backed cache. A zero ttl keeps entries for a
// day; probe hits are cheap to rebuild, so short TTLs are safe.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) Cache {
	if prefix == "" {
		prefix = "chunkvault:dedup:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *redisCache) Contains(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Add(ctx context.Context, key string) error {
	return c.client.Set(ctx, c.prefix+key, 1, c.ttl).Err()
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
