package directory

import (
	"context"
	"sync"
	"time"

	"github.com/warp/transfer-engine/engine"
)

// =============================================================================
// CACHE - Read-through over a Source
// =============================================================================

// Cache memoizes Source lookups for a TTL. Misses (nil results) are cached
// too, so an unknown user does not hit the source on every request. Errors
// are never cached.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

type kind uint8

const (
	kindDepartment kind = iota
	kindUser
	kindBlock
	kindGroup
)

type cacheKey struct {
	kind kind
	id   string
}

type cacheEntry struct {
	val     any
	expires time.Time
}

var _ Source = (*Cache)(nil)

// NewCache wraps src. A ttl <= 0 keeps entries until invalidated.
func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{src: src, ttl: ttl, now: time.Now, entries: make(map[cacheKey]cacheEntry)}
}

// Invalidate drops every cached entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]cacheEntry)
}

// InvalidateDepartment drops one department and every block leader entry,
// since moving a department between blocks changes who leads it.
func (c *Cache) InvalidateDepartment(id engine.DepartmentID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{kindDepartment, string(id)})
	for k := range c.entries {
		if k.kind == kindBlock {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) InvalidateUser(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{kindUser, id})
}

func (c *Cache) Department(ctx context.Context, id engine.DepartmentID) (*Department, error) {
	return lookup(c, cacheKey{kindDepartment, string(id)}, func() (*Department, error) {
		return c.src.Department(ctx, id)
	})
}

func (c *Cache) User(ctx context.Context, id string) (*User, error) {
	return lookup(c, cacheKey{kindUser, id}, func() (*User, error) {
		return c.src.User(ctx, id)
	})
}

func (c *Cache) BlockLeaders(ctx context.Context, block string) (*BlockLeaders, error) {
	return lookup(c, cacheKey{kindBlock, block}, func() (*BlockLeaders, error) {
		return c.src.BlockLeaders(ctx, block)
	})
}

func (c *Cache) ApprovalGroup(ctx context.Context, key string) (*ApprovalGroup, error) {
	return lookup(c, cacheKey{kindGroup, key}, func() (*ApprovalGroup, error) {
		return c.src.ApprovalGroup(ctx, key)
	})
}

// lookup serves a fresh entry or loads it. The source is called without
// holding mu, so two concurrent misses may both load.
func lookup[T any](c *Cache, k cacheKey, load func() (*T, error)) (*T, error) {
	c.mu.Lock()
	e, ok := c.entries[k]
	now := c.now()
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || now.Before(e.expires)) {
		val, _ := e.val.(*T)
		return val, nil
	}

	val, err := load()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[k] = cacheEntry{val: val, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return val, nil
}
