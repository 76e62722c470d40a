package auth

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultPermissionCacheSize bounds the number of cached decisions.
const DefaultPermissionCacheSize = 10000

// Cache stores permission decisions with a TTL. Each key prefix carries a
// generation that moves forward on every invalidation, so a decision computed
// before an invalidation can be refused instead of cached.
type Cache interface {
	Get(key string) (allowed bool, ok bool)
	// Generation returns the current generation of prefix.
	Generation(prefix string) uint64
	// SetIfGeneration stores the entry only while prefix is still at gen.
	SetIfGeneration(prefix string, gen uint64, key string, allowed bool, ttl time.Duration) bool
	// DeletePrefix removes every entry whose key starts with prefix and
	// advances its generation.
	DeletePrefix(prefix string) int
	// Purge drops expired entries and returns how many were removed.
	Purge() int
	Clear()
}

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// MemoryCache is an in-process LRU Cache safe for concurrent use. Expiry is
// judged against the injected clock.
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, cacheEntry]
	gens    map[string]uint64
	epoch   uint64
	now     func() time.Time
}

// NewMemoryCache returns an empty cache of DefaultPermissionCacheSize; a nil
// clock defaults to time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	return NewMemoryCacheSize(DefaultPermissionCacheSize, now)
}

// NewMemoryCacheSize returns an empty cache holding at most size entries.
func NewMemoryCacheSize(size int, now func() time.Time) *MemoryCache {
	if size <= 0 {
		size = DefaultPermissionCacheSize
	}
	if now == nil {
		now = time.Now
	}
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		panic(err) // unreachable for a positive size
	}
	return &MemoryCache{entries: entries, gens: make(map[string]uint64), now: now}
}

func (c *MemoryCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		return false, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return false, false
	}
	return e.allowed, true
}

// Generation sums the prefix counter and the Clear epoch. Both only grow, so
// the sum changes whenever either does.
func (c *MemoryCache) Generation(prefix string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[prefix] + c.epoch
}

func (c *MemoryCache) SetIfGeneration(prefix string, gen uint64, key string, allowed bool, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[prefix]+c.epoch != gen {
		return false
	}
	c.entries.Add(key, cacheEntry{allowed: allowed, expiresAt: c.now().Add(ttl)})
	return true
}

// Set stores an entry unconditionally.
func (c *MemoryCache) Set(key string, allowed bool, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries.Add(key, cacheEntry{allowed: allowed, expiresAt: c.now().Add(ttl)})
	c.mu.Unlock()
}

func (c *MemoryCache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[prefix]++
	n := 0
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) && c.entries.Remove(k) {
			n++
		}
	}
	return n
}

func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if ok && !now.Before(e.expiresAt) && c.entries.Remove(k) {
			n++
		}
	}
	return n
}

// Clear drops every entry and invalidates every generation.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.epoch++
	c.entries.Purge()
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
