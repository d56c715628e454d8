package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache is the contract both backends satisfy: a content-addressed
// get/set/delete/clear store keyed by the caller-supplied string (normally
// produced by a KeyStrategy). Implementations fail open — a degraded
// backend returns a miss on Get and swallows errors on Set/Delete/Clear,
// since the Gateway must never fail a completion because its cache is
// unavailable.
type Cache interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// LocalCache is the in-process LRU backend. It wraps LRUCache but ignores
// per-entry TTL: the full contract reserves TTL for the distributed
// backend, so every entry here lives until evicted by capacity pressure.
type LocalCache struct {
	lru *LRUCache
}

// NewLocalCache returns a capacity-bounded in-process cache.
func NewLocalCache(capacity int) *LocalCache {
	return &LocalCache{lru: NewLRUCache(capacity, 0)}
}

func (c *LocalCache) Get(_ context.Context, key string) (*CacheEntry, bool) {
	c.lru.mu.Lock()
	defer c.lru.mu.Unlock()

	node, ok := c.lru.items[key]
	if !ok {
		return nil, false
	}
	c.lru.moveToHead(node)
	node.entry.HitCount++
	return node.entry, true
}

// Set stores entry, promoting it to most-recently-used. ttl is accepted
// for interface conformance but ignored, per the in-process contract.
func (c *LocalCache) Set(_ context.Context, key string, entry *CacheEntry, _ time.Duration) error {
	c.lru.mu.Lock()
	defer c.lru.mu.Unlock()

	if node, ok := c.lru.items[key]; ok {
		node.entry = entry
		c.lru.moveToHead(node)
		return nil
	}
	if len(c.lru.items) >= c.lru.capacity {
		c.lru.evictTail()
	}
	node := &lruNode{key: key, entry: entry}
	c.lru.items[key] = node
	c.lru.addToHead(node)
	return nil
}

func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.lru.Delete(key)
	return nil
}

func (c *LocalCache) Clear(_ context.Context) error {
	c.lru.Clear()
	return nil
}

// RedisCache is the distributed backend. Every operation fails open: a
// backend error is logged at Warn and treated as a miss/no-op rather than
// propagated to the caller.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewRedisCache returns a distributed cache using client, applying
// defaultTTL to entries set without an explicit ttl.
func NewRedisCache(client *redis.Client, defaultTTL time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &RedisCache{client: client, defaultTTL: defaultTTL, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !isRedisMiss(err) {
			c.logger.Warn("redis cache get failed, failing open", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	entry, err := decodeCacheEntry(data)
	if err != nil {
		c.logger.Warn("redis cache decode failed, failing open", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry.CreatedAt = time.Now()
	entry.ExpiresAt = entry.CreatedAt.Add(ttl)

	data, err := encodeCacheEntry(entry)
	if err != nil {
		c.logger.Warn("redis cache encode failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("redis cache set failed, failing open", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("redis cache delete failed, failing open", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Clear removes every key matching "llm:cache:*" using SCAN in cursor-paged
// batches rather than KEYS, so a large keyspace never blocks the Redis
// event loop.
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "llm:cache:*", 100).Result()
		if err != nil {
			c.logger.Warn("redis cache scan failed, failing open", zap.Error(err))
			return nil
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.Warn("redis cache scan-delete failed, failing open", zap.Error(err))
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func isRedisMiss(err error) bool {
	return err == redis.Nil
}

func encodeCacheEntry(entry *CacheEntry) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeCacheEntry(data []byte) (*CacheEntry, error) {
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
