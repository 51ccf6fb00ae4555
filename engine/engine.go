package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/expiration"
	"github.com/krisalay/client-cache/types"
)

/*
CacheEngine is the "brain" of a cache.
It is responsible for the "behavior" of the cache, NOT storage.
This acts as the policy layer.

It decides:
- When data is expired
- How entry timestamps move on reads/writes
- Which entries go when the cache is under capacity pressure
- How metrics and logs are recorded

It does NOT:
- Store data
- Handle locking
- Talk to the document store
*/
type CacheEngine struct {

	// Name is the logical name of the cache ("users", "hotspots.list", ...).
	// It labels every metric and log line.
	Name string

	// Clock is the source of time. Tests drive it by hand.
	Clock clock.Clock

	// Expiration controls when a cache entry should be considered "too old".
	// If this is nil, entries never expire based on time.
	Expiration expiration.Strategy

	// Eviction picks the victims of a pressure-relief pass.
	Eviction eviction.Policy

	// Metrics is how we keep track of what the cache is doing.
	Metrics types.Metrics

	Logger zerolog.Logger
}

/*
NewCacheEngine creates a CacheEngine.

Nil collaborators are replaced by defaults: the real clock, write-time
eviction and no-op metrics.
*/
func NewCacheEngine(
	name string,
	clk clock.Clock,
	exp expiration.Strategy,
	ev eviction.Policy,
	metrics types.Metrics,
	logger zerolog.Logger,
) *CacheEngine {
	if clk == nil {
		clk = clock.Real{}
	}
	if ev == nil {
		ev, _ = eviction.NewEvictionPolicy(eviction.WriteTime)
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}

	return &CacheEngine{
		Name:       name,
		Clock:      clk,
		Expiration: exp,
		Eviction:   ev,
		Metrics:    metrics,
		Logger:     logger.With().Str("component", "cache").Str("cache", name).Logger(),
	}
}

// Now returns the engine's notion of the current time.
func (e *CacheEngine) Now() time.Time { return e.Clock.Now() }

/*
IsExpired checks whether a cache entry is expired at now.
Returns false if no expiration strategy is configured.
*/
func (e *CacheEngine) IsExpired(meta *types.EntryMeta, now time.Time) bool {
	return e.Expiration != nil && e.Expiration.IsExpired(meta, now)
}

/*
OnRead is called every time the cache successfully returns a value.
Sliding strategies push the expiry forward here and access-time eviction
depends on the LastAccessedAt it records.
*/
func (e *CacheEngine) OnRead(meta *types.EntryMeta, now time.Time) {
	if e.Expiration != nil {
		e.Expiration.OnAccess(meta, now)
		return
	}
	meta.LastAccessedAt = now
}

// OnWrite stamps a freshly written entry.
func (e *CacheEngine) OnWrite(meta *types.EntryMeta, now time.Time) {
	if e.Expiration != nil {
		e.Expiration.OnWrite(meta, now)
		return
	}
	meta.CachedAt = now
	meta.LastAccessedAt = now
}

// TTL reports the configured lifetime, or zero when entries never expire.
func (e *CacheEngine) TTL() time.Duration {
	if e.Expiration == nil {
		return 0
	}
	return e.Expiration.TTL()
}
