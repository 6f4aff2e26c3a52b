package plan

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache holds plan listings keyed by filter. It is owned by the Service that
// reads through it; every catalog mutation calls Invalidate.
type Cache interface {
	Get(ctx context.Context, key string) ([]*Plan, bool)
	Set(ctx context.Context, key string, plans []*Plan)
	Invalidate(ctx context.Context) error
}

var listKeys = []string{"active", "all"}

// LocalCache keeps listings in process memory with a TTL.
type LocalCache struct {
	lru *lru.LRU[string, []*Plan]
}

func NewLocalCache(ttl time.Duration) *LocalCache {
	return &LocalCache{lru: lru.NewLRU[string, []*Plan](len(listKeys), nil, ttl)}
}

func (c *LocalCache) Get(_ context.Context, key string) ([]*Plan, bool) {
	plans, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return clonePlans(plans), true
}

func (c *LocalCache) Set(_ context.Context, key string, plans []*Plan) {
	c.lru.Add(key, clonePlans(plans))
}

func (c *LocalCache) Invalidate(context.Context) error {
	c.lru.Purge()
	return nil
}

// RedisCache shares listings between server instances.
type RedisCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "billing:plans:"
	}
	return &RedisCache{redis: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]*Plan, bool) {
	cached, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var plans []*Plan
	if err := json.Unmarshal(cached, &plans); err != nil {
		return nil, false
	}
	return plans, true
}

func (c *RedisCache) Set(ctx context.Context, key string, plans []*Plan) {
	data, err := json.Marshal(plans)
	if err != nil {
		return
	}
	c.redis.Set(ctx, c.prefix+key, data, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	keys := make([]string, len(listKeys))
	for i, k := range listKeys {
		keys[i] = c.prefix + k
	}
	return c.redis.Del(ctx, keys...).Err()
}

func clonePlans(plans []*Plan) []*Plan {
	out := make([]*Plan, len(plans))
	for i, p := range plans {
		out[i] = p.clone()
	}
	return out
}
