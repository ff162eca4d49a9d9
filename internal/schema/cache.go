package schema

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/helmsman-ai/helmsman/internal/types"
)

// Entry is the cached record for one cache key: how often the shape was
// seen and the most recent schema that produced it.
type Entry struct {
	Key       string       `json:"key"`
	Hits      int64        `json:"hits"`
	Schema    PromptSchema `json:"schema"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
}

// Stats are aggregate counters over the whole cache.
type Stats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
}

// Cache stores normalized schemas by cache key for dedup analytics. All
// methods must be safe for concurrent use.
type Cache interface {
	// Record upserts the step's schema under its cache key, incrementing
	// the hit count, and returns the resulting entry.
	Record(ctx context.Context, step Step) (*Entry, error)

	// Get returns the entry for a key, or nil when the key is unknown.
	Get(ctx context.Context, key string) (*Entry, error)

	// Stats returns aggregate cache counters.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any backing resources.
	Close() error
}

// MemoryCache is the embedded Cache backend.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	hits    int64
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Entry)}
}

// Record implements Cache.
func (c *MemoryCache) Record(ctx context.Context, step Step) (*Entry, error) {
	key := step.CacheKey
	if key == "" {
		key = step.ComputeCacheKey()
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		entry = &Entry{Key: key, FirstSeen: now}
		c.entries[key] = entry
	}
	entry.Hits++
	entry.Schema = step.PromptSchema
	entry.LastSeen = now
	c.hits++

	copied := *entry
	return &copied, nil
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// Stats implements Cache.
func (c *MemoryCache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: int64(len(c.entries)), Hits: c.hits}, nil
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	return nil
}

// Redis key layout.
const (
	redisEntryPrefix  = "helmsman:schema:"
	redisKeyIndex     = "helmsman:schema-keys"
	redisTotalHitsKey = "helmsman:schema-hits"
)

// RedisCache is the shared Cache backend for multi-process deployments.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis at the given URL
// (redis://host:port or redis://host:port/db) and verifies the connection
// with a bounded ping.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, types.WrapError(types.CACHE_UNAVAILABLE, "invalid redis URL", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.CACHE_UNAVAILABLE, "redis ping failed", err)
	}

	return &RedisCache{client: client}, nil
}

// Record implements Cache.
func (c *RedisCache) Record(ctx context.Context, step Step) (*Entry, error) {
	key := step.CacheKey
	if key == "" {
		key = step.ComputeCacheKey()
	}

	schemaJSON, err := json.Marshal(step.PromptSchema)
	if err != nil {
		return nil, types.WrapError(types.CACHE_UNAVAILABLE, "schema did not marshal", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	entryKey := redisEntryPrefix + key

	pipe := c.client.TxPipeline()
	hits := pipe.HIncrBy(ctx, entryKey, "hits", 1)
	pipe.HSet(ctx, entryKey, "schema", schemaJSON, "last_seen", now)
	pipe.HSetNX(ctx, entryKey, "first_seen", now)
	pipe.SAdd(ctx, redisKeyIndex, key)
	pipe.Incr(ctx, redisTotalHitsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, types.WrapError(types.CACHE_UNAVAILABLE, "redis record failed", err)
	}

	return &Entry{
		Key:      key,
		Hits:     hits.Val(),
		Schema:   step.PromptSchema,
		LastSeen: time.Now(),
	}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	fields, err := c.client.HGetAll(ctx, redisEntryPrefix+key).Result()
	if err != nil {
		return nil, types.WrapError(types.CACHE_UNAVAILABLE, "redis get failed", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &Entry{Key: key}
	if raw, ok := fields["schema"]; ok {
		if err := json.Unmarshal([]byte(raw), &entry.Schema); err != nil {
			return nil, types.WrapError(types.CACHE_UNAVAILABLE, "cached schema did not unmarshal", err)
		}
	}
	if raw, ok := fields["hits"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			entry.Hits = n
		}
	}
	if raw, ok := fields["first_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.FirstSeen = ts
		}
	}
	if raw, ok := fields["last_seen"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.LastSeen = ts
		}
	}
	return entry, nil
}

// Stats implements Cache.
func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	entries, err := c.client.SCard(ctx, redisKeyIndex).Result()
	if err != nil {
		return Stats{}, types.WrapError(types.CACHE_UNAVAILABLE, "redis stats failed", err)
	}

	hits, err := c.client.Get(ctx, redisTotalHitsKey).Int64()
	if err != nil && err != redis.Nil {
		return Stats{}, types.WrapError(types.CACHE_UNAVAILABLE, "redis stats failed", err)
	}

	return Stats{Entries: entries, Hits: hits}, nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

