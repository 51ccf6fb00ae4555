package facade_test

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
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/memstore"
	"github.com/krisalay/client-cache/expiration"
	"github.com/krisalay/client-cache/facade"
	"github.com/krisalay/client-cache/writepolicy"
)

//
// ================= HELPERS =================
//

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	deps   facade.Deps
	store  *memstore.Store
	clock  *clock.Fake
	writer *writepolicy.WriteBackPolicy
}

func newEnv(t *testing.T, opts ...memstore.Option) *env {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := memstore.New(append([]memstore.Option{memstore.WithClock(clk)}, opts...)...)
	conns := connmgr.New(connmgr.DefaultConfig(), clk, nil, zerolog.Nop())
	writer := writepolicy.NewWriteBackPolicy(store, writepolicy.DefaultWriteBackConfig(), clk, nil, zerolog.Nop())
	t.Cleanup(func() {
		conns.Close()
		_ = writer.Close(context.Background())
		_ = store.Close()
	})
	return &env{
		deps: facade.Deps{
			Store:  store,
			Conns:  conns,
			Writer: writer,
			Clock:  clk,
			Logger: zerolog.Nop(),
		},
		store:  store,
		clock:  clk,
		writer: writer,
	}
}

func doc(id string, fields map[string]any) docstore.Document {
	return docstore.Document{ID: id, Fields: fields}
}

func seedUsers(e *env, n int) []string {
	ids := make([]string, n)
	docs := make([]docstore.Document, n)
	for i := range n {
		ids[i] = fmt.Sprintf("u%02d", i)
		docs[i] = doc(ids[i], map[string]any{
			"displayName": fmt.Sprintf("User %d", i),
			"username":    fmt.Sprintf("user%d", i),
		})
	}
	e.store.Seed(facade.UsersCollection, docs...)
	return ids
}

func newUsers(t *testing.T, e *env) *facade.Users {
	t.Helper()
	u, err := facade.NewUsers(e.deps, facade.DefaultUsersCache, 0)
	require.NoError(t, err)
	return u
}

//
// ================= SINGLE FETCH =================
//

func TestGetOneMissThenHit(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	users := newUsers(t, e)
	ctx := context.Background()

	u, err := users.GetOne(ctx, "u00")
	require.NoError(t, err)
	assert.Equal(t, "User 0", u.DisplayName)
	assert.Equal(t, 1, e.store.Calls(memstore.OpGet))

	u, err = users.GetOne(ctx, "u00")
	require.NoError(t, err)
	assert.Equal(t, "User 0", u.DisplayName)
	assert.Equal(t, 1, e.store.Calls(memstore.OpGet), "second read must be served from the cache")
}

func TestGetOneRefetchesAfterTTL(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	users := newUsers(t, e)
	ctx := context.Background()

	_, err := users.GetOne(ctx, "u00")
	require.NoError(t, err)

	e.clock.Advance(facade.DefaultUsersCache.TTL + time.Second)
	_, err = users.GetOne(ctx, "u00")
	require.NoError(t, err)
	assert.Equal(t, 2, e.store.Calls(memstore.OpGet))
}

func TestGetOneSlidingExpiration(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	cfg := facade.CacheConfig{TTL: time.Minute, MaxSize: 10, Expiration: expiration.AfterAccess}
	users, err := facade.NewUsers(e.deps, cfg, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for range 5 {
		_, err = users.GetOne(ctx, "u00")
		require.NoError(t, err)
		e.clock.Advance(40 * time.Second)
	}
	assert.Equal(t, 1, e.store.Calls(memstore.OpGet), "every read extends the lifetime")

	e.clock.Advance(time.Minute)
	_, err = users.GetOne(ctx, "u00")
	require.NoError(t, err)
	assert.Equal(t, 2, e.store.Calls(memstore.OpGet))
}

func TestGetOneNotFoundIsNotCached(t *testing.T) {
	e := newEnv(t)
	users := newUsers(t, e)
	ctx := context.Background()

	_, err := users.GetOne(ctx, "ghost")
	require.ErrorIs(t, err, docstore.ErrNotFound)

	e.store.Seed(facade.UsersCollection, doc("ghost", map[string]any{"displayName": "Casper"}))
	u, err := users.GetOne(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "Casper", u.DisplayName)
}

func TestGetOneFailureLeavesCacheUnchanged(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	users := newUsers(t, e)
	boom := errors.New("network down")
	e.store.Intercept(func(memstore.Op, string) error { return boom })

	_, err := users.GetOne(context.Background(), "u00")
	require.ErrorIs(t, err, boom)
	_, cached := users.Peek("u00")
	assert.False(t, cached)
}

func TestGetOneConcurrentCallersShareOneFetch(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	users := newUsers(t, e)

	release := make(chan struct{})
	e.store.Intercept(func(op memstore.Op, _ string) error {
		if op == memstore.OpGet {
			<-release
		}
		return nil
	})

	var wg sync.WaitGroup
	results := make([]facade.User, 8)
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = users.GetOne(context.Background(), "u00")
		}()
	}
	require.Eventually(t, func() bool { return users.Stats().Pending == 1 }, time.Second, time.Millisecond)
	// let the remaining callers reach the in-flight fetch
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range 8 {
		require.NoError(t, errs[i])
		assert.Equal(t, "User 0", results[i].DisplayName)
	}
	assert.Equal(t, 1, e.store.Calls(memstore.OpGet))
	assert.Equal(t, 0, users.Stats().Pending)
}

//
// ================= BATCH FETCH =================
//

func TestGetManyChunksMissingIDs(t *testing.T) {
	e := newEnv(t)
	ids := seedUsers(e, 25)
	users := newUsers(t, e)

	got, err := users.GetMany(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, 3, e.store.Calls(memstore.OpQuery), "25 ids in chunks of 10")

	got, err = users.GetMany(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, got, 25)
	assert.Equal(t, 3, e.store.Calls(memstore.OpQuery), "every id is cached now")
}

func TestGetManyFetchesOnlyWhatIsMissing(t *testing.T) {
	e := newEnv(t)
	ids := seedUsers(e, 15)
	users := newUsers(t, e)
	ctx := context.Background()

	require.NoError(t, users.Preload(ctx, ids[:5]))
	queries := e.store.Calls(memstore.OpQuery)

	got, err := users.GetMany(ctx, append(ids, "missing", ids[0]))
	require.NoError(t, err)
	assert.Len(t, got, 15)
	assert.NotContains(t, got, "missing")
	assert.Equal(t, queries+2, e.store.Calls(memstore.OpQuery), "10 uncached ids plus one unknown id take 2 chunks")
}

func TestGetManyReturnsPartialResultOnFailure(t *testing.T) {
	e := newEnv(t)
	ids := seedUsers(e, 3)
	users := newUsers(t, e)
	ctx := context.Background()

	_, err := users.GetOne(ctx, ids[0])
	require.NoError(t, err)

	boom := errors.New("unavailable")
	e.store.Intercept(func(op memstore.Op, _ string) error {
		if op == memstore.OpQuery {
			return boom
		}
		return nil
	})
	got, err := users.GetMany(ctx, ids)
	require.ErrorIs(t, err, boom)
	assert.Len(t, got, 1)
	assert.Contains(t, got, ids[0])
}

func TestAuthorsFallBackToAnonymous(t *testing.T) {
	e := newEnv(t)
	e.store.Seed(facade.UsersCollection,
		doc("a", map[string]any{"fullName": "Ada Lovelace", "email": "ada@example.com"}),
		doc("b", map[string]any{}),
	)
	users := newUsers(t, e)

	authors, err := users.Authors(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, facade.Author{DisplayName: "Ada Lovelace", Username: "ada@example.com"}, authors["a"])
	assert.Equal(t, "Anonymous", authors["b"].DisplayName)
}

func TestPatchAndRestore(t *testing.T) {
	e := newEnv(t)
	seedUsers(e, 1)
	users := newUsers(t, e)
	_, err := users.GetOne(context.Background(), "u00")
	require.NoError(t, err)

	saved := users.Patch("u00", func(u facade.User) (facade.User, bool) {
		u.DisplayName = "Renamed"
		return u, true
	})
	u, _ := users.Peek("u00")
	assert.Equal(t, "Renamed", u.DisplayName)

	users.Restore(saved)
	u, _ = users.Peek("u00")
	assert.Equal(t, "User 0", u.DisplayName)
}

func TestClearCacheAndPurge(t *testing.T) {
	e := newEnv(t)
	ids := seedUsers(e, 4)
	users := newUsers(t, e)
	_, err := users.GetMany(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 4, users.Stats().Size)

	e.clock.Advance(facade.DefaultUsersCache.TTL + time.Second)
	assert.Equal(t, 4, users.PurgeExpired())

	_, err = users.GetMany(context.Background(), ids)
	require.NoError(t, err)
	users.ClearCache()
	assert.Equal(t, 0, users.Stats().Size)
	require.Len(t, users.CacheStats(), 1)
	assert.Equal(t, "users", users.CacheStats()[0].Name)
}
