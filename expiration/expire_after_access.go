package expiration

import (
	"time"

	"github.com/krisalay/client-cache/types"
)

/*
ExpireAfterAccess implements a very common cache behavior called "expire after access" or "sliding TTL".
Every time someone reads the data, the expiration timer is pushed forward. As long as the data keeps
getting used, it stays alive. If nobody touches it for a while, it expires.

The per-user hot spot interaction cache uses this: a user who keeps browsing keeps their interactions warm.
*/
type ExpireAfterAccess struct {

	// Lifetime defines how long the entry should remain valid AFTER it is accessed.
	Lifetime time.Duration
}

// IsExpired checks whether the entry is expired at this moment.
func (e *ExpireAfterAccess) IsExpired(ent *types.EntryMeta, now time.Time) bool {
	return now.Sub(ent.LastAccessedAt) >= e.Lifetime
}

// OnAccess pushes the expiry forward by moving LastAccessedAt to now.
func (e *ExpireAfterAccess) OnAccess(ent *types.EntryMeta, now time.Time) {
	ent.LastAccessedAt = now
}

/*
OnWrite is called when the entry is first written or replaced in the cache.
- We record when the entry was cached
- We record the last access time
*/
func (e *ExpireAfterAccess) OnWrite(ent *types.EntryMeta, now time.Time) {
	ent.CachedAt = now
	ent.LastAccessedAt = now
}

func (e *ExpireAfterAccess) TTL() time.Duration { return e.Lifetime }
