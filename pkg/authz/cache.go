package authz

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores evaluation decisions keyed by request fingerprint, plus
// the version counters that fingerprints embed. Bumping a version makes
// every decision that depended on it unreachable without scanning the
// cache; stale entries simply age out of the LRU.
type Cache interface {
	Get(ctx context.Context, key string) (*Decision, bool)
	Set(ctx context.Context, key string, d *Decision)

	GlobalVersion(ctx context.Context) uint64
	SubjectVersion(ctx context.Context, subjectID int64) uint64
	ResourceVersion(ctx context.Context, rootID int64) uint64

	BumpGlobal(ctx context.Context)
	BumpSubject(ctx context.Context, subjectID int64)
	BumpResource(ctx context.Context, rootID int64)

	Close() error
}

// MemoryCache is the in-process Cache backed by an expiring LRU. It is
// the default for single-instance deployments and for tests.
type MemoryCache struct {
	decisions *lru.LRU[string, *Decision]

	mu       sync.RWMutex
	versions map[string]uint64
}

// NewMemoryCache builds a MemoryCache holding at most size decisions,
// each expiring after ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryCache{
		decisions: lru.NewLRU[string, *Decision](size, nil, ttl),
		versions:  make(map[string]uint64),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Decision, bool) {
	return c.decisions.Get(key)
}

func (c *MemoryCache) Set(_ context.Context, key string, d *Decision) {
	c.decisions.Add(key, d)
}

func (c *MemoryCache) GlobalVersion(_ context.Context) uint64 {
	return c.version("g")
}

func (c *MemoryCache) SubjectVersion(_ context.Context, subjectID int64) uint64 {
	return c.version(subjectKey(subjectID))
}

func (c *MemoryCache) ResourceVersion(_ context.Context, rootID int64) uint64 {
	return c.version(resourceKey(rootID))
}

func (c *MemoryCache) BumpGlobal(_ context.Context) {
	c.bump("g")
}

func (c *MemoryCache) BumpSubject(_ context.Context, subjectID int64) {
	c.bump(subjectKey(subjectID))
}

func (c *MemoryCache) BumpResource(_ context.Context, rootID int64) {
	c.bump(resourceKey(rootID))
}

func (c *MemoryCache) Close() error {
	c.decisions.Purge()
	return nil
}

func (c *MemoryCache) version(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[key]
}

func (c *MemoryCache) bump(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[key]++
}
