package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/api"
	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/docstore/memstore"
	"github.com/krisalay/client-cache/facade"
	"github.com/krisalay/client-cache/httpapi"
	"github.com/krisalay/client-cache/metrics"
	"github.com/krisalay/client-cache/writepolicy"
)

//
// ================= HELPERS =================
//

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	router http.Handler
	store  *memstore.Store
	clock  *clock.Fake
	conns  *connmgr.Manager
	writer *writepolicy.WriteBackPolicy
	users  *facade.Users
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := memstore.New(memstore.WithClock(clk))
	prom := metrics.New(metrics.DefaultNamespace)
	conns := connmgr.New(connmgr.DefaultConfig(), clk, prom, zerolog.Nop())
	writer := writepolicy.NewWriteBackPolicy(store, writepolicy.DefaultWriteBackConfig(), clk, prom, zerolog.Nop())
	t.Cleanup(func() {
		conns.Close()
		_ = writer.Close(context.Background())
	})

	users, err := facade.NewUsers(facade.Deps{
		Store: store, Conns: conns, Writer: writer, Clock: clk, Metrics: prom, Logger: zerolog.Nop(),
	}, facade.DefaultUsersCache, 0)
	require.NoError(t, err)

	router := httpapi.NewRouter(httpapi.Deps{
		Facades: []api.Named{{Name: "users", Facade: users}},
		Conns:   conns,
		Writer:  writer,
		Metrics: prom.Handler(),
		Logger:  zerolog.Nop(),
	})
	return &fixture{router: router, store: store, clock: clk, conns: conns, writer: writer, users: users}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

//
// ================= ROUTES =================
//

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(facade.UsersCollection, docstore.Document{ID: "u1", Fields: map[string]any{"displayName": "Ada"}})
	_, err := f.users.GetOne(context.Background(), "u1")
	require.NoError(t, err)
	f.conns.Register("messages_room", func() {}, "room", connmgr.Messages)
	require.NoError(t, f.writer.Enqueue("room", "rooms/room/messages", "m1", map[string]any{"status": "read"}))

	rec := f.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[httpapi.StatsResponse](t, rec)
	require.Len(t, body.Caches["users"], 1)
	assert.Equal(t, 1, body.Caches["users"][0].Size)
	assert.Equal(t, 1, body.Connections.Total)
	assert.Equal(t, 1, body.PendingWrite)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_, _ = f.users.GetOne(context.Background(), "missing")

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clientcache_cache_misses_total{cache="users"} 1`)
}

func TestPriorityCleanup(t *testing.T) {
	f := newFixture(t)
	f.conns.Register("typing_a", func() {}, "a", connmgr.Typing)
	f.conns.Register("typing_b", func() {}, "b", connmgr.Typing)
	f.conns.Register("presence_a", func() {}, "a", connmgr.Presence)
	f.conns.Register("messages_a", func() {}, "a", connmgr.Messages)

	rec := f.do(t, http.MethodPost, "/connections/priority-cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[httpapi.CountResponse](t, rec).Count)
	assert.Equal(t, []string{"messages_a"}, f.conns.Keys())

	rec = f.do(t, http.MethodGet, "/connections/priority-cleanup")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPurgeAndClear(t *testing.T) {
	f := newFixture(t)
	f.store.Seed(facade.UsersCollection, docstore.Document{ID: "u1", Fields: map[string]any{}})
	_, err := f.users.GetOne(context.Background(), "u1")
	require.NoError(t, err)

	f.clock.Advance(facade.DefaultUsersCache.TTL + time.Second)
	rec := f.do(t, http.MethodPost, "/caches/purge")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[httpapi.CountResponse](t, rec).Count)

	_, err = f.users.GetOne(context.Background(), "u1")
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/caches/clear")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.users.CacheStats()[0].Size)
}

func TestFlush(t *testing.T) {
	f := newFixture(t)
	f.store.Seed("rooms/r/messages", docstore.Document{ID: "m1", Fields: map[string]any{}})
	require.NoError(t, f.writer.Enqueue("r", "rooms/r/messages", "m1", map[string]any{"status": "read"}))

	rec := f.do(t, http.MethodPost, "/writes/flush")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.writer.Pending())

	require.NoError(t, f.writer.Enqueue("r", "rooms/r/messages", "gone", map[string]any{"status": "read"}))
	rec = f.do(t, http.MethodPost, "/writes/flush")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "error"))
}
