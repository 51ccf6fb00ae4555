package expiration

import (
	"time"

	"github.com/krisalay/client-cache/types"
)

/*
ExpireAfterWrite is the time-boxed behavior every facade uses by default:
an entry is valid iff now - CachedAt < Lifetime. Reads never extend it, so a
value that is read constantly is still re-fetched once per Lifetime.
*/
type ExpireAfterWrite struct {
	Lifetime time.Duration
}

func (e *ExpireAfterWrite) IsExpired(ent *types.EntryMeta, now time.Time) bool {
	return now.Sub(ent.CachedAt) >= e.Lifetime
}

// OnAccess only records the read. Access-time eviction relies on it.
func (e *ExpireAfterWrite) OnAccess(ent *types.EntryMeta, now time.Time) {
	ent.LastAccessedAt = now
}

func (e *ExpireAfterWrite) OnWrite(ent *types.EntryMeta, now time.Time) {
	ent.CachedAt = now
	ent.LastAccessedAt = now
}

func (e *ExpireAfterWrite) TTL() time.Duration { return e.Lifetime }
