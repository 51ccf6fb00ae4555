package types

import "time"

// EntryMeta is the bookkeeping the engine keeps for every cached value.
// Expiration strategies and eviction policies only ever see this part.
type EntryMeta struct {
	Key            string
	CachedAt       time.Time
	LastAccessedAt time.Time
}

// CacheEntry is owned exclusively by the cache that created it.
type CacheEntry[V any] struct {
	EntryMeta
	Value V
}
