package cache

import (
	"sync"
	"time"

	"github.com/krisalay/client-cache/engine"
	"github.com/krisalay/client-cache/types"
)

/*
Cache is a time-boxed, size-bounded key/value store.

This struct is the orchestrator that connects:
- storage (a plain map guarded by one mutex)
- expiration (lazy, on read, plus an explicit PurgeExpired pass)
- eviction (a pressure-relief pass run BEFORE inserting into a full cache)
- metrics and logging

Every facade owns one Cache per entity or query shape. Values are treated as
immutable: Patch replaces a value, it never edits one in place.
*/
type Cache[V any] struct {
	mu sync.Mutex

	// items holds the live entries, keyed by cache key.
	items map[string]*types.CacheEntry[V]

	// maxSize is the number of entries at which Set starts cleaning up.
	maxSize int

	// engine contains the "rules" of the cache: clock, TTL, eviction, metrics.
	engine *engine.CacheEngine
}

// Saved is a snapshot of one entry taken by Patch, used to roll an optimistic update back.
type Saved[V any] struct {
	Key   string
	Entry types.CacheEntry[V]
}

// Stats describes a cache at one instant.
type Stats struct {
	Name    string        `json:"name"`
	Size    int           `json:"size"`
	MaxSize int           `json:"max_size"`
	TTL     time.Duration `json:"ttl"`
}

// New creates an empty cache bounded to maxSize entries.
func New[V any](maxSize int, e *engine.CacheEngine) *Cache[V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache[V]{
		items:   make(map[string]*types.CacheEntry[V]),
		maxSize: maxSize,
		engine:  e,
	}
}

/*
Get retrieves a value from the cache.

It is a hit only when the key is present and NOT expired. An expired entry is
deleted on the spot, so a later Len does not count it.
*/
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.engine.Now()
	ent, ok := c.items[key]
	if ok && c.engine.IsExpired(&ent.EntryMeta, now) {
		delete(c.items, key)
		c.engine.Metrics.Expire(c.engine.Name, 1)
		c.engine.Metrics.Size(c.engine.Name, len(c.items))
		ok = false
	}
	if !ok {
		c.engine.Metrics.Miss(c.engine.Name)
		var zero V
		return zero, false
	}

	c.engine.Metrics.Hit(c.engine.Name)
	c.engine.OnRead(&ent.EntryMeta, now)
	return ent.Value, true
}

/*
Set stores value under key with CachedAt = now.

Replacing an existing key never triggers cleanup. Inserting a new key into a
cache that already holds maxSize entries first drops every expired entry and,
if the cache is still full, evicts a batch of the oldest entries.
*/
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.engine.Now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize {
		c.cleanupLocked(now)
	}

	ent := &types.CacheEntry[V]{EntryMeta: types.EntryMeta{Key: key}, Value: value}
	c.engine.OnWrite(&ent.EntryMeta, now)
	c.items[key] = ent
	c.engine.Metrics.Size(c.engine.Name, len(c.items))
}

// SetMany calls Set for every pair of values.
func (c *Cache[V]) SetMany(values map[string]V) {
	for k, v := range values {
		c.Set(k, v)
	}
}

// Invalidate removes key. It reports whether an entry was removed.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	c.engine.Metrics.Size(c.engine.Name, len(c.items))
	return true
}

// InvalidateFunc removes every entry for which match returns true and returns how many went.
func (c *Cache[V]) InvalidateFunc(match func(key string, value V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, ent := range c.items {
		if match(k, ent.Value) {
			delete(c.items, k)
			n++
		}
	}
	if n > 0 {
		c.engine.Metrics.Size(c.engine.Name, len(c.items))
	}
	return n
}

/*
Patch replaces the value of every live entry for which mutate reports a change.

mutate receives the current value and returns the replacement. It must not edit
the value it was given: the previous value is kept in the returned snapshot so the
caller can hand it to Restore if the remote write fails. Patched entries keep
their CachedAt; an optimistic update does not make data fresher.
*/
func (c *Cache[V]) Patch(mutate func(key string, value V) (V, bool)) []Saved[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.engine.Now()
	var saved []Saved[V]
	for k, ent := range c.items {
		if c.engine.IsExpired(&ent.EntryMeta, now) {
			continue
		}
		next, changed := mutate(k, ent.Value)
		if !changed {
			continue
		}
		saved = append(saved, Saved[V]{Key: k, Entry: *ent})
		c.items[k] = &types.CacheEntry[V]{EntryMeta: ent.EntryMeta, Value: next}
	}
	return saved
}

// PatchKey is Patch restricted to a single key.
func (c *Cache[V]) PatchKey(key string, mutate func(value V) (V, bool)) []Saved[V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.items[key]
	if !ok || c.engine.IsExpired(&ent.EntryMeta, c.engine.Now()) {
		return nil
	}
	next, changed := mutate(ent.Value)
	if !changed {
		return nil
	}
	saved := []Saved[V]{{Key: key, Entry: *ent}}
	c.items[key] = &types.CacheEntry[V]{EntryMeta: ent.EntryMeta, Value: next}
	return saved
}

/*
Restore puts snapshots taken by Patch back.

An entry that was invalidated or evicted since the snapshot is left alone: the
next read re-fetches it from the store anyway.
*/
func (c *Cache[V]) Restore(saved []Saved[V]) {
	if len(saved) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range saved {
		if _, ok := c.items[s.Key]; !ok {
			continue
		}
		ent := s.Entry
		c.items[s.Key] = &ent
	}
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*types.CacheEntry[V])
	c.engine.Metrics.Size(c.engine.Name, 0)
}

// Len returns the number of stored entries, expired ones included until they are purged.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PurgeExpired removes every expired entry and returns how many were removed.
// The janitor calls it periodically so idle caches do not hold stale data.
func (c *Cache[V]) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpiredLocked(c.engine.Now())
}

// Stats returns a point-in-time view of the cache: size, capacity and TTL.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:    c.engine.Name,
		Size:    len(c.items),
		MaxSize: c.maxSize,
		TTL:     c.engine.TTL(),
	}
}

// Name is the label the cache reports its metrics and stats under.
func (c *Cache[V]) Name() string { return c.engine.Name }

/*
cleanupLocked runs the two-phase cleanup:

 1. drop every entry older than the TTL
 2. if the cache is still full, evict the policy's victims
    (by default the oldest ceil(maxSize * 0.3) entries by CachedAt)
*/
func (c *Cache[V]) cleanupLocked(now time.Time) {
	c.purgeExpiredLocked(now)
	if len(c.items) < c.maxSize {
		return
	}

	metas := make([]types.EntryMeta, 0, len(c.items))
	for _, ent := range c.items {
		metas = append(metas, ent.EntryMeta)
	}
	victims := c.engine.Eviction.Victims(metas, c.maxSize)
	for _, k := range victims {
		delete(c.items, k)
	}
	if len(victims) > 0 {
		c.engine.Metrics.Eviction(c.engine.Name, len(victims))
		c.engine.Logger.Debug().Int("evicted", len(victims)).Int("size", len(c.items)).Msg("cache at capacity, evicted oldest entries")
	}
}

func (c *Cache[V]) purgeExpiredLocked(now time.Time) int {
	n := 0
	for k, ent := range c.items {
		if c.engine.IsExpired(&ent.EntryMeta, now) {
			delete(c.items, k)
			n++
		}
	}
	if n > 0 {
		c.engine.Metrics.Expire(c.engine.Name, n)
		c.engine.Metrics.Size(c.engine.Name, len(c.items))
	}
	return n
}
