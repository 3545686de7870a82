package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/metrics"
)

// Entry is a cached reply
type Entry struct {
	Text     string    `json:"text"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache stores generated replies by prompt fingerprint
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

// MemoryCache is a process-local Cache
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns nil when the key is missing or expired
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	entry := e.Entry
	return &entry, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = memoryEntry{Entry: entry, expiresAt: now.Add(ttl)}
	return nil
}

// RedisCache shares cached replies between processes
type RedisCache struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
}

func NewRedisCache(rdb *redis.Client, metrics *metrics.Metrics) *RedisCache {
	return &RedisCache{rdb: rdb, metrics: metrics}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	defer func() {
		c.metrics.RedisOperationDuration.WithLabelValues("response_cache_get").Observe(time.Since(start).Seconds())
	}()

	data, err := c.rdb.Get(ctx, constants.ResponseCachePrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached response: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("invalid cached response: %w", err)
	}
	return &entry, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		c.metrics.RedisOperationDuration.WithLabelValues("response_cache_set").Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cached response: %w", err)
	}
	if err := c.rdb.Set(ctx, constants.ResponseCachePrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache response: %w", err)
	}
	return nil
}
