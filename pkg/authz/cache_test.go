package authz

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/pkg/grants"
	"github.com/archonhq/archon/pkg/observability"
)

func sampleDecision() *Decision {
	return &Decision{
		Granted:      true,
		Effect:       grants.EffectAllow,
		Reason:       "allowed by grant 3 at distance 0",
		EvaluatedAt:  time.Now().UTC().Truncate(time.Second),
		EvaluationID: "eval-1",
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)
	defer c.Close()

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	want := sampleDecision()
	c.Set(ctx, "k1", want)

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, want.Reason, got.Reason)
	assert.True(t, got.Granted)
}

func TestMemoryCacheVersions(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, time.Minute)
	defer c.Close()

	assert.Equal(t, uint64(0), c.GlobalVersion(ctx))
	assert.Equal(t, uint64(0), c.SubjectVersion(ctx, 7))
	assert.Equal(t, uint64(0), c.ResourceVersion(ctx, 42))

	c.BumpGlobal(ctx)
	c.BumpSubject(ctx, 7)
	c.BumpSubject(ctx, 7)
	c.BumpResource(ctx, 42)

	assert.Equal(t, uint64(1), c.GlobalVersion(ctx))
	assert.Equal(t, uint64(2), c.SubjectVersion(ctx, 7))
	assert.Equal(t, uint64(1), c.ResourceVersion(ctx, 42))
	assert.Equal(t, uint64(0), c.SubjectVersion(ctx, 8), "other subjects are untouched")
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, 20*time.Millisecond)
	defer c.Close()

	c.Set(ctx, "k1", sampleDecision())
	_, ok := c.Get(ctx, "k1")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok, "entry should expire after its ttl")
}

func setupRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	c := NewRedisCache(client, time.Minute, logger)
	t.Cleanup(func() { c.Close() })
	return c, srv
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := setupRedisCache(t)

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)

	want := sampleDecision()
	c.Set(ctx, "k1", want)

	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, want.Reason, got.Reason)
	assert.Equal(t, want.EvaluationID, got.EvaluationID)
}

func TestRedisCacheVersions(t *testing.T) {
	ctx := context.Background()
	c, _ := setupRedisCache(t)

	assert.Equal(t, uint64(0), c.GlobalVersion(ctx), "missing counter reads as zero")

	c.BumpGlobal(ctx)
	c.BumpSubject(ctx, 7)
	c.BumpResource(ctx, 42)
	c.BumpResource(ctx, 42)

	assert.Equal(t, uint64(1), c.GlobalVersion(ctx))
	assert.Equal(t, uint64(1), c.SubjectVersion(ctx, 7))
	assert.Equal(t, uint64(2), c.ResourceVersion(ctx, 42))
}

func TestRedisCacheDownDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c, srv := setupRedisCache(t)

	c.Set(ctx, "k1", sampleDecision())
	srv.Close()

	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok, "an unreachable redis is a miss, not an error")
	assert.Equal(t, uint64(0), c.GlobalVersion(ctx))
}

func TestRedisCacheCorruptEntry(t *testing.T) {
	ctx := context.Background()
	c, srv := setupRedisCache(t)

	require.NoError(t, srv.Set(redisKeyPrefix+"d:k1", "not-json"))
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
}
