// Package dedup collapses concurrent fetches of the same key into one round trip.
package dedup

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/krisalay/client-cache/types"
)

/*
Group is the in-flight request deduplicator.

singleflight ensures that:
  - If 100 goroutines request the same missing key,
    only ONE of them runs the loader.
  - Others wait for the result and receive the same value or the same error.
  - Nothing is remembered once the call settles, so a failure is never cached.

The loader runs with a context detached from the caller. A caller whose ctx is
cancelled stops waiting and gets ctx.Err(), but the shared fetch keeps running
for the other callers (and for the cache the loader populates).
*/
type Group[V any] struct {
	name    string
	sf      singleflight.Group
	metrics types.Metrics

	mu      sync.Mutex
	pending map[string]int
}

// New creates a Group. name labels its metrics.
func New[V any](name string, metrics types.Metrics) *Group[V] {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &Group[V]{name: name, metrics: metrics, pending: make(map[string]int)}
}

// Do runs loader for key unless a call for key is already in flight, in which case it waits for that one.
func (g *Group[V]) Do(ctx context.Context, key string, loader types.LoaderFunc[V]) (V, error) {
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (any, error) {
		g.mu.Lock()
		g.pending[key]++
		g.mu.Unlock()
		defer g.settle(key)

		return loader(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.metrics.Shared(g.name)
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Pending reports whether a call for key is in flight.
func (g *Group[V]) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending[key] > 0
}

// Len returns the number of keys with a call in flight.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// settle runs once per loader execution.
func (g *Group[V]) settle(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[key]--; g.pending[key] <= 0 {
		delete(g.pending, key)
	}
}
