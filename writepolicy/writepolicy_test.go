package writepolicy_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/memstore"
	"github.com/krisalay/client-cache/types"
	"github.com/krisalay/client-cache/writepolicy"
)

//
// ================= HELPERS =================
//

type commitMetrics struct {
	types.NoopMetrics
	mu     sync.Mutex
	ops    []int
	failed int
}

func (m *commitMetrics) BatchCommit(ops int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, ops)
	if err != nil {
		m.failed++
	}
}

func seedMessages(s *memstore.Store, room string, n int) {
	docs := make([]docstore.Document, n)
	for i := range docs {
		docs[i] = docstore.Document{ID: fmt.Sprintf("m%04d", i), Fields: map[string]any{"status": "sent"}}
	}
	s.Seed("chats/"+room+"/messages", docs...)
}

func newWriter(t *testing.T) (*writepolicy.WriteBackPolicy, *memstore.Store, *clock.Fake, *commitMetrics) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memstore.New(memstore.WithClock(clk))
	metrics := &commitMetrics{}
	w := writepolicy.NewWriteBackPolicy(store, writepolicy.DefaultWriteBackConfig(), clk, metrics, zerolog.Nop())
	return w, store, clk, metrics
}

func commitSizes(s *memstore.Store) []int {
	var sizes []int
	for _, c := range s.Commits() {
		sizes = append(sizes, len(c))
	}
	return sizes
}

//
// ================= DEBOUNCER =================
//

func TestDebouncerTrailingEdge(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	d := writepolicy.NewDebouncer(clk, time.Second, func() { calls++ })

	d.Trigger()
	clk.Advance(900 * time.Millisecond)
	d.Trigger()
	clk.Advance(900 * time.Millisecond)
	assert.Equal(t, 0, calls, "each trigger restarts the wait")

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, d.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, calls)
}

func TestDebouncerCancelAndStop(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	d := writepolicy.NewDebouncer(clk, time.Second, func() { calls++ })

	d.Trigger()
	assert.True(t, d.Cancel())
	assert.False(t, d.Cancel())
	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, calls)

	d.Stop()
	d.Trigger()
	clk.Advance(2 * time.Second)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, clk.Pending())
}

//
// ================= BATCH WRITER =================
//

func TestEmptyFlushIsNoop(t *testing.T) {
	w, store, _, metrics := newWriter(t)

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 0, store.Calls(memstore.OpBatchWrite))
	assert.Empty(t, metrics.ops)
}

func TestCoalescingLastWriteWins(t *testing.T) {
	w, store, _, _ := newWriter(t)
	seedMessages(store, "r1", 1)

	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "delivered"}))
	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "read"}))
	assert.Equal(t, 1, w.Pending())

	require.NoError(t, w.Flush(context.Background()))

	commits := store.Commits()
	require.Len(t, commits, 1)
	require.Len(t, commits[0], 1)
	assert.Equal(t, "read", commits[0][0].Fields["status"])

	d, err := store.Get(context.Background(), "chats/r1/messages", "m0000")
	require.NoError(t, err)
	assert.Equal(t, "read", d.String("status"))
}

func TestChunking(t *testing.T) {
	w, store, _, metrics := newWriter(t)
	seedMessages(store, "r1", 1200)

	for i := 0; i < 1200; i++ {
		require.NoError(t, w.Enqueue("r1", "chats/r1/messages", fmt.Sprintf("m%04d", i), map[string]any{"status": "read"}))
	}
	require.NoError(t, w.Flush(context.Background()))

	assert.Equal(t, []int{500, 500, 200}, commitSizes(store))
	assert.Equal(t, []int{500, 500, 200}, metrics.ops)
	assert.Equal(t, 0, w.Pending())

	// a second flush does not replay the previous batch
	require.NoError(t, w.Flush(context.Background()))
	assert.Len(t, store.Commits(), 3)
}

func TestScopesCommitSeparately(t *testing.T) {
	w, store, _, _ := newWriter(t)
	seedMessages(store, "r1", 3)
	seedMessages(store, "r2", 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue("r1", "chats/r1/messages", fmt.Sprintf("m%04d", i), map[string]any{"status": "read"}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, w.Enqueue("r2", "chats/r2/messages", fmt.Sprintf("m%04d", i), map[string]any{"status": "read"}))
	}
	require.NoError(t, w.Flush(context.Background()))

	assert.ElementsMatch(t, []int{3, 2}, commitSizes(store))
}

func TestDebouncedFlush(t *testing.T) {
	w, store, clk, _ := newWriter(t)
	seedMessages(store, "r1", 2)

	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "read"}))
	clk.Advance(500 * time.Millisecond)
	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0001", map[string]any{"status": "read"}))

	clk.Advance(999 * time.Millisecond)
	assert.Empty(t, store.Commits(), "flush waits for a quiet period after the last enqueue")

	clk.Advance(time.Millisecond)
	assert.Equal(t, []int{2}, commitSizes(store))
}

func TestExplicitFlushCancelsTimer(t *testing.T) {
	w, store, clk, _ := newWriter(t)
	seedMessages(store, "r1", 1)

	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "read"}))
	require.NoError(t, w.Flush(context.Background()))
	clk.Advance(5 * time.Second)

	assert.Len(t, store.Commits(), 1)
}

func TestChunkFailureDoesNotStopOtherChunks(t *testing.T) {
	w, store, _, metrics := newWriter(t)
	seedMessages(store, "r1", 1200)

	calls := 0
	boom := errors.New("deadline exceeded")
	store.Intercept(func(op memstore.Op, _ string) error {
		if op != memstore.OpBatchWrite {
			return nil
		}
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	for i := 0; i < 1200; i++ {
		require.NoError(t, w.Enqueue("r1", "chats/r1/messages", fmt.Sprintf("m%04d", i), map[string]any{"status": "read"}))
	}
	err := w.Flush(context.Background())
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []int{500, 200}, commitSizes(store))
	assert.Equal(t, 1, metrics.failed)
	assert.Equal(t, 0, w.Pending(), "failed mutations are not re-queued")
}

func TestDoneHearsItsChunkOutcome(t *testing.T) {
	w, store, _, _ := newWriter(t)
	seedMessages(store, "r1", 1)

	var (
		mu       sync.Mutex
		outcomes = map[string][]error{}
	)
	done := func(name string) func(error) {
		return func(err error) {
			mu.Lock()
			defer mu.Unlock()
			outcomes[name] = append(outcomes[name], err)
		}
	}
	enqueue := func(scope, id, name string) {
		require.NoError(t, w.OnWrite(context.Background(), writepolicy.Mutation{
			ScopeID:    scope,
			Collection: "chats/" + scope + "/messages",
			ID:         id,
			Fields:     map[string]any{"status": "read"},
			Done:       done(name),
		}))
	}
	enqueue("r1", "m0000", "first")
	enqueue("r1", "m0000", "second")
	enqueue("r2", "gone", "missing")

	err := w.Flush(context.Background())
	require.ErrorIs(t, err, docstore.ErrNotFound)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []error{nil}, outcomes["first"], "a replaced mutation reports the commit that carried its successor")
	assert.Equal(t, []error{nil}, outcomes["second"])
	require.Len(t, outcomes["missing"], 1)
	assert.ErrorIs(t, outcomes["missing"][0], docstore.ErrNotFound)
}

func TestCloseRacingTimerFlush(t *testing.T) {
	for range 50 {
		w, store, clk, _ := newWriter(t)
		seedMessages(store, "r1", 1)
		require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "read"}))

		fired := make(chan struct{})
		go func() {
			defer close(fired)
			clk.Advance(time.Second)
		}()
		require.NoError(t, w.Close(context.Background()))
		<-fired

		assert.Len(t, store.Commits(), 1, "the queued mutation commits exactly once")
	}
}

func TestCloseFlushesAndRejects(t *testing.T) {
	w, store, _, _ := newWriter(t)
	seedMessages(store, "r1", 1)

	require.NoError(t, w.Enqueue("r1", "chats/r1/messages", "m0000", map[string]any{"status": "read"}))
	require.NoError(t, w.Close(context.Background()))
	assert.Len(t, store.Commits(), 1)

	assert.ErrorIs(t, w.Enqueue("r1", "chats/r1/messages", "m0000", nil), writepolicy.ErrClosed)
}

//
// ================= WRITE THROUGH =================
//

func TestWriteThrough(t *testing.T) {
	store := memstore.New()
	seedMessages(store, "r1", 1)
	w := writepolicy.NewWriteThroughPolicy(store, nil)

	err := w.OnWrite(context.Background(), writepolicy.Mutation{Collection: "chats/r1/messages", ID: "m0000", Fields: map[string]any{"status": "read"}})
	require.NoError(t, err)
	assert.Len(t, store.Commits(), 1)

	var reported error
	err = w.OnWrite(context.Background(), writepolicy.Mutation{
		Collection: "chats/r1/messages",
		ID:         "missing",
		Fields:     map[string]any{"status": "read"},
		Done:       func(err error) { reported = err },
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
	assert.ErrorIs(t, reported, docstore.ErrNotFound)

	require.NoError(t, w.Close(context.Background()))
	assert.ErrorIs(t, w.OnWrite(context.Background(), writepolicy.Mutation{}), writepolicy.ErrClosed)
}
