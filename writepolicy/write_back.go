package writepolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/types"
)

// This file implements the "write-back" policy: the batch writer.

// WriteBackConfig tunes the batch writer.
type WriteBackConfig struct {
	// Delay is the quiet period after the last mutation before a flush.
	Delay time.Duration

	// MaxBatchSize caps the operations in one commit. It never exceeds docstore.MaxBatchWrites.
	MaxBatchSize int

	// MaxParallelScopes caps how many scopes commit at once. Zero means no limit.
	MaxParallelScopes int

	// FlushTimeout bounds a flush started by the debounce timer.
	FlushTimeout time.Duration
}

func DefaultWriteBackConfig() WriteBackConfig {
	return WriteBackConfig{
		Delay:        time.Second,
		MaxBatchSize: docstore.MaxBatchWrites,
		FlushTimeout: 30 * time.Second,
	}
}

/*
WriteBackPolicy coalesces many small mutations into periodic bulk writes.

  - The last mutation for a (scope, collection, id) wins; earlier ones are dropped.
  - A flush runs Delay after the most recent mutation (trailing-edge debounce).
  - A flush groups mutations by scope. Scopes commit in parallel; within a scope
    the chunks of at most MaxBatchSize operations commit one after the other.
  - A failed chunk is logged and counted. It is not retried or re-queued, and
    the remaining chunks still commit. Each mutation's Done hook hears the
    outcome of its chunk, so callers can undo their optimistic updates.
*/
type WriteBackPolicy struct {
	store   docstore.Store
	cfg     WriteBackConfig
	clock   clock.Clock
	metrics types.Metrics
	logger  zerolog.Logger

	debounce *Debouncer

	mu      sync.Mutex
	queue   map[mutationKey]Mutation
	order   []mutationKey
	closed  bool
	stopped bool
	flushWG sync.WaitGroup
}

func NewWriteBackPolicy(store docstore.Store, cfg WriteBackConfig, clk clock.Clock, metrics types.Metrics, logger zerolog.Logger) *WriteBackPolicy {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > docstore.MaxBatchWrites {
		cfg.MaxBatchSize = docstore.MaxBatchWrites
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}

	w := &WriteBackPolicy{
		store:   store,
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger.With().Str("component", "batch_writer").Logger(),
		queue:   make(map[mutationKey]Mutation),
	}
	w.debounce = NewDebouncer(clk, cfg.Delay, w.flushFromTimer)
	return w
}

// Enqueue is OnWrite for callers that do not carry a context.
func (w *WriteBackPolicy) Enqueue(scopeID, collection, id string, fields map[string]any) error {
	return w.OnWrite(context.Background(), Mutation{ScopeID: scopeID, Collection: collection, ID: id, Fields: fields})
}

// OnWrite queues m and restarts the debounce timer. It never touches the store.
func (w *WriteBackPolicy) OnWrite(_ context.Context, m Mutation) error {
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = w.clock.Now()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	k := m.key()
	if prev, exists := w.queue[k]; exists {
		m.Done = chainDone(prev.Done, m.Done)
	} else {
		w.order = append(w.order, k)
	}
	w.queue[k] = m
	w.mu.Unlock()

	w.debounce.Trigger()
	return nil
}

// Pending returns the number of queued mutations.
func (w *WriteBackPolicy) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

/*
Flush cancels the debounce timer and commits everything queued so far.

An empty queue produces no commit. The returned error joins every chunk
failure; the queue is empty afterwards either way.
*/
func (w *WriteBackPolicy) Flush(ctx context.Context) error {
	w.debounce.Cancel()

	w.mu.Lock()
	if w.stopped || len(w.queue) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := make([]Mutation, 0, len(w.order))
	for _, k := range w.order {
		batch = append(batch, w.queue[k])
	}
	w.queue = make(map[mutationKey]Mutation)
	w.order = nil
	w.flushWG.Add(1)
	w.mu.Unlock()
	defer w.flushWG.Done()

	return w.commit(ctx, batch)
}

/*
Close stops the timer, flushes what is queued and waits for in-progress flushes.

Flushes register with flushWG under mu; once stopped is set no new one can, so
Wait never races an Add.
*/
func (w *WriteBackPolicy) Close(ctx context.Context) error {
	w.debounce.Stop()

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(ctx)

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.flushWG.Wait()
	return err
}

func (w *WriteBackPolicy) flushFromTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()
	// failures were already logged per chunk
	_ = w.Flush(ctx)
}

func (w *WriteBackPolicy) commit(ctx context.Context, batch []Mutation) error {
	var scopes []string
	byScope := make(map[string][]Mutation)
	for _, m := range batch {
		if _, ok := byScope[m.ScopeID]; !ok {
			scopes = append(scopes, m.ScopeID)
		}
		byScope[m.ScopeID] = append(byScope[m.ScopeID], m)
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	if w.cfg.MaxParallelScopes > 0 {
		g.SetLimit(w.cfg.MaxParallelScopes)
	}
	for _, scope := range scopes {
		muts := byScope[scope]
		g.Go(func() error {
			if scopeErrs := w.commitScope(gctx, scope, muts); len(scopeErrs) > 0 {
				errMu.Lock()
				errs = append(errs, scopeErrs...)
				errMu.Unlock()
			}
			// one scope failing must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Debug().Int("mutations", len(batch)).Int("scopes", len(scopes)).Int("failed_chunks", len(errs)).Msg("batch flushed")
	return errors.Join(errs...)
}

func (w *WriteBackPolicy) commitScope(ctx context.Context, scope string, muts []Mutation) []error {
	var errs []error
	for start := 0; start < len(muts); start += w.cfg.MaxBatchSize {
		end := min(start+w.cfg.MaxBatchSize, len(muts))

		writes := make([]docstore.Write, 0, end-start)
		for _, m := range muts[start:end] {
			writes = append(writes, docstore.UpdateDoc(m.Collection, m.ID, m.Fields))
		}

		err := w.store.BatchWrite(ctx, writes)
		w.metrics.BatchCommit(len(writes), err)
		if err != nil {
			w.logger.Error().Err(err).Str("scope", scope).Int("operations", len(writes)).Msg("batch commit failed")
			errs = append(errs, fmt.Errorf("scope %s chunk at %d: %w", scope, start, err))
		}
		for _, m := range muts[start:end] {
			m.report(err)
		}
	}
	return errs
}
