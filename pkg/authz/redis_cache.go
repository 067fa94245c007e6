package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/archonhq/archon/pkg/observability"
)

const redisKeyPrefix = "archon:authz:"

// RedisCache shares decisions and version counters across instances.
// Redis failures are treated as cache misses so an unavailable cache
// degrades to slower evaluations, never to wrong answers.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *observability.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Decision, bool) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+"d:"+key).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Warn("redis cache get failed")
		}
		return nil, false
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("redis cache entry corrupt")
		}
		return nil, false
	}
	return &d, true
}

func (c *RedisCache) Set(ctx context.Context, key string, d *Decision) {
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+"d:"+key, raw, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis cache set failed")
	}
}

func (c *RedisCache) GlobalVersion(ctx context.Context) uint64 {
	return c.version(ctx, "g")
}

func (c *RedisCache) SubjectVersion(ctx context.Context, subjectID int64) uint64 {
	return c.version(ctx, subjectKey(subjectID))
}

func (c *RedisCache) ResourceVersion(ctx context.Context, rootID int64) uint64 {
	return c.version(ctx, resourceKey(rootID))
}

func (c *RedisCache) BumpGlobal(ctx context.Context) {
	c.bump(ctx, "g")
}

func (c *RedisCache) BumpSubject(ctx context.Context, subjectID int64) {
	c.bump(ctx, subjectKey(subjectID))
}

func (c *RedisCache) BumpResource(ctx context.Context, rootID int64) {
	c.bump(ctx, resourceKey(rootID))
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// version returns 0 when the counter is missing or redis is down. A
// missing counter matches what a fresh fingerprint would embed, and a
// down redis means Get will miss anyway.
func (c *RedisCache) version(ctx context.Context, key string) uint64 {
	v, err := c.client.Get(ctx, redisKeyPrefix+"v:"+key).Uint64()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Warn("redis version read failed")
		}
		return 0
	}
	return v
}

func (c *RedisCache) bump(ctx context.Context, key string) {
	if err := c.client.Incr(ctx, redisKeyPrefix+"v:"+key).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("redis version bump failed")
	}
}

func subjectKey(id int64) string  { return fmt.Sprintf("s:%d", id) }
func resourceKey(id int64) string { return fmt.Sprintf("r:%d", id) }
