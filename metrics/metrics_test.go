package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/metrics"
)

func count(t *testing.T, g prometheus.Gatherer, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(g, name)
	require.NoError(t, err)
	return n
}

func TestCacheCounters(t *testing.T) {
	m := metrics.New("test")

	m.Hit("users")
	m.Hit("users")
	m.Miss("users")
	m.Expire("users", 3)
	m.Eviction("posts", 2)
	m.Size("posts", 7)
	m.Shared("users")

	expected := `
# HELP test_cache_hits_total Cache reads served from a fresh entry.
# TYPE test_cache_hits_total counter
test_cache_hits_total{cache="users"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "test_cache_hits_total"))

	assert.Equal(t, 1, count(t, m.Registry(), "test_cache_misses_total"))
	assert.Equal(t, 1, count(t, m.Registry(), "test_cache_expirations_total"))
	assert.Equal(t, 1, count(t, m.Registry(), "test_cache_evictions_total"))
	assert.Equal(t, 1, count(t, m.Registry(), "test_dedup_shared_total"))

	gauge := `
# HELP test_cache_entries Entries currently held.
# TYPE test_cache_entries gauge
test_cache_entries{cache="posts"} 7
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(gauge), "test_cache_entries"))
}

func TestBatchAndConnectionMetrics(t *testing.T) {
	m := metrics.New("")

	m.BatchCommit(500, nil)
	m.BatchCommit(200, errors.New("quota"))
	m.ConnectionClosed("idle")
	m.ConnectionClosed("idle")
	m.ConnectionClosed("capacity")
	m.Connections(4)

	expected := `
# HELP clientcache_batch_commits_total Batch commits by outcome.
# TYPE clientcache_batch_commits_total counter
clientcache_batch_commits_total{result="error"} 1
clientcache_batch_commits_total{result="ok"} 1
# HELP clientcache_connections_closed_total Realtime connections torn down, by reason.
# TYPE clientcache_connections_closed_total counter
clientcache_connections_closed_total{reason="capacity"} 1
clientcache_connections_closed_total{reason="idle"} 2
# HELP clientcache_connections_live Realtime connections currently registered.
# TYPE clientcache_connections_live gauge
clientcache_connections_live 4
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"clientcache_batch_commits_total", "clientcache_connections_closed_total", "clientcache_connections_live"))
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := metrics.New("x"), metrics.New("x")
	a.Hit("users")
	assert.Equal(t, 0, count(t, b.Registry(), "x_cache_hits_total"))
}

func TestHandlerServesExposition(t *testing.T) {
	m := metrics.New("")
	m.Hit("groups")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `clientcache_cache_hits_total{cache="groups"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
