package writepolicy

import (
	"context"
	"sync/atomic"

	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/types"
)

/*
This file implements the "write-through" policy.

Whenever a facade writes, the same update goes to the store immediately.

So the flow is: OnWrite → store.BatchWrite (synchronous, one operation)
*/

type WriteThroughPolicy struct {

	// store is where data must be persisted immediately.
	store   docstore.Store
	metrics types.Metrics
	closed  atomic.Bool
}

func NewWriteThroughPolicy(store docstore.Store, metrics types.Metrics) *WriteThroughPolicy {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	return &WriteThroughPolicy{store: store, metrics: metrics}
}

/*
OnWrite is synchronous: the mutation is not considered done until the store
acknowledged it, and the store's error is returned to the caller.
*/
func (w *WriteThroughPolicy) OnWrite(ctx context.Context, m Mutation) error {
	if w.closed.Load() {
		return ErrClosed
	}
	err := w.store.BatchWrite(ctx, []docstore.Write{docstore.UpdateDoc(m.Collection, m.ID, m.Fields)})
	w.metrics.BatchCommit(1, err)
	m.report(err)
	return err
}

// Flush has nothing to do: nothing is ever pending.
func (w *WriteThroughPolicy) Flush(context.Context) error { return nil }

func (w *WriteThroughPolicy) Close(context.Context) error {
	w.closed.Store(true)
	return nil
}
