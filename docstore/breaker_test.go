package docstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/memstore"
)

var errNetwork = errors.New("connection reset")

func newBreaker(t *testing.T) (*docstore.Breaker, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	b := docstore.NewBreaker(store, docstore.BreakerConfig{
		Name:                "test",
		ConsecutiveFailures: 3,
		Timeout:             time.Hour,
	}, zerolog.Nop())
	return b, store
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	b, store := newBreaker(t)
	store.Intercept(func(memstore.Op, string) error { return errNetwork })

	for i := 0; i < 3; i++ {
		_, err := b.Get(ctx, "users", "u1")
		require.ErrorIs(t, err, errNetwork)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	assert.Equal(t, 3, store.Calls(memstore.OpGet), "an open circuit does not reach the store")

	_, err = b.Subscribe(ctx, "users", docstore.Query{}, func(docstore.Snapshot) {}, func(error) {})
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	ctx := context.Background()
	b, _ := newBreaker(t)

	for i := 0; i < 5; i++ {
		_, err := b.Get(ctx, "users", "missing")
		require.ErrorIs(t, err, docstore.ErrNotFound)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerPassesResultsThrough(t *testing.T) {
	ctx := context.Background()
	b, store := newBreaker(t)
	store.Seed("users", docstore.Document{ID: "u1", Fields: map[string]any{"name": "ann"}})

	d, err := b.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "ann", d.String("name"))

	docs, err := b.Query(ctx, "users", docstore.Query{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, b.BatchWrite(ctx, []docstore.Write{docstore.MergeDoc("users", "u1", map[string]any{"bio": "x"})}))
}
