// Package idempotency caches HTTP responses keyed by a caller-supplied
// idempotency key, so retried trigger requests replay the original response
// instead of queueing duplicate scans.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL  = time.Hour
	defaultSize = 1024
)

// Response is a captured HTTP response.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers,omitempty"`
}

// Cache stores responses by idempotency key with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response)
}

// MemoryCache is the single-node backend: an expiring LRU.
type MemoryCache struct {
	lru *expirable.LRU[string, Response]
}

// NewMemoryCache creates a MemoryCache. Non-positive arguments fall back to
// defaults.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[string, Response](size, nil, ttl)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (Response, bool) {
	return c.lru.Get(key)
}

func (c *MemoryCache) Set(ctx context.Context, key string, resp Response) {
	c.lru.Add(key, resp)
}

// RedisCache shares cached responses across coordinator replicas.
type RedisCache struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisCache connects to Redis and returns a RedisCache.
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{cli: cli, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Response, bool) {
	data, err := c.cli.Get(ctx, "idempotency:"+key).Bytes()
	if err != nil {
		// redis.Nil (a miss) and transport errors both read as a miss;
		// the handler simply re-executes.
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	// Best-effort: a failed cache write only costs dedup on retry.
	c.cli.Set(ctx, "idempotency:"+key, data, c.ttl)
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.cli.Close()
}
