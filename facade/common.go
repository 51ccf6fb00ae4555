/*
Package facade holds the domain caches that sit between application code and
the document store: users, groups, hot spots, posts, notifications, hashtags
and message status updates.

Every facade follows the same read path: cache, then an in-flight
deduplicated fetch, then the store, populating the cache on the way back.
Realtime listeners are registered with the shared connection manager and
mutations either go straight to the store or through the shared batch writer.
*/
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/engine"
	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/expiration"
	"github.com/krisalay/client-cache/types"
	"github.com/krisalay/client-cache/writepolicy"
)

// Deps are the process-wide services shared by every facade.
type Deps struct {
	Store   docstore.Store
	Conns   *connmgr.Manager
	Writer  writepolicy.WritePolicy
	Clock   clock.Clock
	Metrics types.Metrics
	Logger  zerolog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Metrics == nil {
		d.Metrics = types.NoopMetrics{}
	}
	return d
}

// CacheConfig sizes one facade cache.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int

	// Eviction defaults to write time.
	Eviction eviction.PolicyType

	// Expiration defaults to a fixed lifetime after the write.
	Expiration expiration.StrategyType
}

func newCache[V any](d Deps, name string, cfg CacheConfig) (*cache.Cache[V], error) {
	exp, err := expiration.New(cfg.Expiration, cfg.TTL)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	ev, err := eviction.NewEvictionPolicy(cfg.Eviction)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	eng := engine.NewCacheEngine(name, d.Clock, exp, ev, d.Metrics, d.Logger)
	return cache.New[V](cfg.MaxSize, eng), nil
}

// Page is one page of a list query.
type Page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// cursorPage is a cached list together with the last document fetched, where LoadMore resumes.
type cursorPage[T any] struct {
	Page[T]
	last *docstore.Document
}

/*
Window is the candidate-window strategy of list queries.

Instead of pushing every filter and sort down to the store (which needs one
composite index per combination), a list query fetches a bounded window of
candidates with a simple query and filters, sorts and truncates in memory.
The window is either a multiple of the page size or a fixed ceiling.

The tradeoff: a result is only complete within the window. With a ceiling of
100, the 101st most recent document can never appear in a "popular" page even
if it is the most popular one. Callers that need exact results push the
ordering down with Query.OrderBy instead.
*/
type Window struct {
	// Factor multiplies the page size. Ignored when Ceiling is set.
	Factor int

	// Ceiling is a fixed candidate count.
	Ceiling int
}

// Size returns how many candidates to fetch for one page.
func (w Window) Size(pageSize int) int {
	if w.Ceiling > 0 {
		return w.Ceiling
	}
	f := w.Factor
	if f < 1 {
		f = 1
	}
	return pageSize * f
}

/*
queryWithFallback runs q and, if the store cannot serve its ordering, runs it
again without one and sorts the result in memory.

The fallback keeps the filters and the limit, so the candidates it sorts are an
arbitrary subset when more documents match than the limit allows.
*/
func queryWithFallback(ctx context.Context, store docstore.Store, logger zerolog.Logger, collection string, q docstore.Query) ([]docstore.Document, error) {
	docs, err := store.Query(ctx, collection, q)
	if err == nil || len(q.OrderBy) == 0 || !errors.Is(err, docstore.ErrIndexRequired) {
		return docs, err
	}

	logger.Warn().Err(err).Str("collection", collection).Msg("ordered query unavailable, sorting client-side")
	docs, err = store.Query(ctx, collection, q.Unordered())
	if err != nil {
		return nil, err
	}
	docstore.Sort(docs, q.OrderBy)
	return docs, nil
}

// listenSpec names a listener for the connection manager.
type listenSpec struct {
	key      string
	scope    string
	category connmgr.Category
}

// opener starts a store listener. Events must call touch; failures must call fail.
type opener func(ctx context.Context, touch func(), fail docstore.ErrorFunc) (docstore.Unsubscribe, error)

/*
listen opens a listener and registers it with the connection manager.

A listener that fails is logged and released from the manager, then onError
runs if set. A replacement opened from onError must use a different key: the
failure may be reported before the failed listener is registered.
*/
func listen(ctx context.Context, d Deps, ln listenSpec, open opener, onError func(error)) error {
	if err := d.Conns.Wait(ctx); err != nil {
		return err
	}

	reg := &registration{}
	touch := func() { d.Conns.Touch(ln.key) }
	fail := func(err error) {
		d.Logger.Error().Err(err).Str("key", ln.key).Str("category", string(ln.category)).Msg("listener failed")
		reg.fail(d.Conns, ln.key)
		if onError != nil {
			onError(err)
		}
	}

	unsub, err := open(ctx, touch, fail)
	if err != nil {
		d.Logger.Error().Err(err).Str("key", ln.key).Msg("listener not opened")
		return err
	}
	reg.registered(d.Conns, ln.key, d.Conns.Register(ln.key, unsub, ln.scope, ln.category))
	return nil
}

// registration bridges a failure reported before Register returned.
type registration struct {
	mu     sync.Mutex
	gen    uint64
	done   bool
	failed bool
}

func (r *registration) registered(conns *connmgr.Manager, key string, gen uint64) {
	r.mu.Lock()
	r.gen, r.done = gen, true
	failed := r.failed
	r.mu.Unlock()
	if failed {
		conns.Release(key, gen)
	}
}

func (r *registration) fail(conns *connmgr.Manager, key string) {
	r.mu.Lock()
	r.failed = true
	gen, done := r.gen, r.done
	r.mu.Unlock()
	if done {
		conns.Release(key, gen)
	}
}
