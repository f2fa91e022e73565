// Package cache is the process-local coordination cache for expensive
// derived facts such as repository profiles, branch listings and diff
// summaries. Entries combine a TTL with 2Q recency/frequency eviction.
//
// SyncState and WorkBranch status are never cached; they are always read
// from the store.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/orgflow/orgflow/pkg/metrics"
)

// Key namespaces.
const (
	ProfilePrefix  = "profile:"
	BranchesPrefix = "branches:"
	DiffPrefix     = "diff:"
)

// ProfileKey returns the cache key for a repository profile.
func ProfileKey(repoPath string) string { return ProfilePrefix + repoPath }

// BranchesKey returns the cache key for a repository's branch listing.
func BranchesKey(repoPath string) string { return BranchesPrefix + repoPath }

// DiffKey returns the cache key for a diff between two commits.
func DiffKey(repoPath, from, to string) string {
	return DiffPrefix + repoPath + ":" + from + ".." + to
}

// Entry is one cached value with its bookkeeping.
type Entry struct {
	Key            string        `json:"key"`
	Value          any           `json:"-"`
	InsertedAt     time.Time     `json:"inserted_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	AccessCount    int64         `json:"access_count"`
	TTL            time.Duration `json:"ttl"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) > e.TTL
}

// Stats summarizes cache activity.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Expired  int64 `json:"expired"`
}

// Cache is safe for concurrent use.
type Cache struct {
	entries    *lru.TwoQueueCache[string, *Entry]
	capacity   int
	defaultTTL time.Duration
	group      singleflight.Group
	metrics    *metrics.Registry

	mu      sync.Mutex
	hits    int64
	misses  int64
	expired int64

	now func() time.Time
}

// New creates a cache holding at most capacity entries. A zero defaultTTL
// means entries only leave by eviction or invalidation.
func New(capacity int, defaultTTL time.Duration, m *metrics.Registry) (*Cache, error) {
	if capacity <= 0 {
		capacity = 256
	}
	entries, err := lru.New2Q[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		entries:    entries,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		metrics:    m,
		now:        time.Now,
	}, nil
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Get returns the live value for key.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.lookup(key, nil)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Peek returns a copy of the entry without counting an access.
func (c *Cache) Peek(key string) (Entry, bool) {
	e, ok := c.entries.Peek(key)
	if !ok {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.expired(c.now()) {
		return Entry{}, false
	}
	return *e, true
}

// lookup counts a hit only when the entry is live and, if accept is set,
// accept takes its value.
func (c *Cache) lookup(key string, accept func(any) bool) (*Entry, bool) {
	e, ok := c.entries.Get(key)
	now := c.now()

	c.mu.Lock()
	if ok && e.expired(now) {
		c.expired++
		ok = false
		c.entries.Remove(key)
	}
	if ok && accept != nil && !accept(e.Value) {
		ok = false
	}
	if ok {
		c.hits++
		e.AccessCount++
		e.LastAccessedAt = now
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ok)
	}
	return e, ok
}

// Set stores value under key. A zero ttl uses the cache default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.entries.Add(key, &Entry{
		Key:            key,
		Value:          value,
		InsertedAt:     now,
		LastAccessedAt: now,
		TTL:            ttl,
	})
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// Concurrent callers for the same key share one computation. Errors are not
// cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.entries.Peek(key); ok && !v.expired(c.now()) {
			return v.Value, nil
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.entries.Remove(key)
}

// InvalidatePrefix removes every key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) int {
	n := 0
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.entries.Remove(k)
			n++
		}
	}
	return n
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats returns counters since creation.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:     c.entries.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
		Expired:  c.expired,
	}
}

// Get returns the cached value for key asserted to T. A value of another
// type counts as a miss.
func Get[T any](c *Cache, key string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	e, ok := c.lookup(key, func(v any) bool {
		_, ok := v.(T)
		return ok
	})
	if !ok {
		return zero, false
	}
	return e.Value.(T), true
}
