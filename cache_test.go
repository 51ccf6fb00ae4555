package cache_test

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/engine"
	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/expiration"
	"github.com/krisalay/client-cache/types"
)

//
// ================= TEST METRICS =================
//

type countingMetrics struct {
	types.NoopMetrics
	mu        sync.Mutex
	hits      int
	misses    int
	expired   int
	evictions int
}

func (m *countingMetrics) Hit(string)  { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *countingMetrics) Miss(string) { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *countingMetrics) Expire(_ string, n int) {
	m.mu.Lock()
	m.expired += n
	m.mu.Unlock()
}
func (m *countingMetrics) Eviction(_ string, n int) {
	m.mu.Lock()
	m.evictions += n
	m.mu.Unlock()
}

//
// ================= HELPER: CREATE CACHE =================
//

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, maxSize int, ttl time.Duration, policy eviction.PolicyType) (*cache.Cache[string], *clock.Fake, *countingMetrics) {
	t.Helper()

	clk := clock.NewFake(epoch)
	metrics := &countingMetrics{}

	exp, err := expiration.New(expiration.AfterWrite, ttl)
	require.NoError(t, err)
	ev, err := eviction.NewEvictionPolicy(policy)
	require.NoError(t, err)

	e := engine.NewCacheEngine("test", clk, exp, ev, metrics, zerolog.Nop())
	return cache.New[string](maxSize, e), clk, metrics
}

//
// ================= BASIC OPERATIONS =================
//

func TestMissThenHit(t *testing.T) {
	c, _, metrics := newTestCache(t, 10, 5*time.Minute, eviction.WriteTime)

	_, ok := c.Get("u1")
	assert.False(t, ok)

	c.Set("u1", "ann")

	v, ok := c.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "ann", v)
	assert.Equal(t, 1, metrics.hits)
	assert.Equal(t, 1, metrics.misses)
}

func TestUpdateExistingKey(t *testing.T) {
	c, _, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("key1", "value1")
	c.Set("key1", "value2")

	v, ok := c.Get("key1")
	require.True(t, ok)
	assert.Equal(t, "value2", v)
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateAndClear(t *testing.T) {
	c, _, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("a", "1")
	c.Set("b", "2")

	assert.True(t, c.Invalidate("a"))
	assert.False(t, c.Invalidate("a"), "removing a missing key is a no-op")

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateFunc(t *testing.T) {
	c, _, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("q:trending:1", "x")
	c.Set("q:trending:2", "y")
	c.Set("q:search:go", "z")

	n := c.InvalidateFunc(func(key, _ string) bool { return strings.HasPrefix(key, "q:trending:") })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
}

//
// ================= TTL =================
//

func TestEntryValidUntilTTL(t *testing.T) {
	c, clk, metrics := newTestCache(t, 10, 5*time.Minute, eviction.WriteTime)

	c.Set("k", "v")

	clk.Advance(5*time.Minute - time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry must be valid just before the TTL")

	clk.Advance(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must be expired at exactly the TTL")
	assert.Equal(t, 0, c.Len(), "expired entry is deleted on read")
	assert.Equal(t, 1, metrics.expired)
}

func TestReadsDoNotExtendWriteTTL(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("k", "v")
	for i := 0; i < 5; i++ {
		clk.Advance(10 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok)
	}

	clk.Advance(10 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("old", "1")
	clk.Advance(30 * time.Second)
	c.Set("new", "2")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("new")
	assert.True(t, ok)
}

//
// ================= CAPACITY & EVICTION =================
//

func TestEvictionRemovesOldestThirtyPercent(t *testing.T) {
	c, clk, metrics := newTestCache(t, 10, time.Hour, eviction.WriteTime)

	for i := 0; i < 10; i++ {
		c.Set("k"+strconv.Itoa(i), "v")
		clk.Advance(time.Second)
	}
	require.Equal(t, 10, c.Len())

	c.Set("k10", "v")

	assert.Equal(t, 8, c.Len())
	for i := 0; i < 3; i++ {
		_, ok := c.Get("k" + strconv.Itoa(i))
		assert.False(t, ok, "k%d is among the three oldest", i)
	}
	for i := 3; i <= 10; i++ {
		_, ok := c.Get("k" + strconv.Itoa(i))
		assert.True(t, ok, "k%d must survive", i)
	}
	assert.Equal(t, 3, metrics.evictions)
}

func TestExpiredEntriesGoBeforeEviction(t *testing.T) {
	c, clk, metrics := newTestCache(t, 3, time.Minute, eviction.WriteTime)

	c.Set("a", "1")
	clk.Advance(30 * time.Second)
	c.Set("b", "2")
	c.Set("c", "3")
	clk.Advance(30 * time.Second)

	c.Set("d", "4")

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 0, metrics.evictions, "dropping the expired entry freed enough room")
	_, ok := c.Get("b")
	assert.True(t, ok)
}

func TestOverwriteAtCapacityDoesNotEvict(t *testing.T) {
	c, clk, _ := newTestCache(t, 3, time.Hour, eviction.WriteTime)

	c.Set("a", "1")
	clk.Advance(time.Second)
	c.Set("b", "2")
	clk.Advance(time.Second)
	c.Set("c", "3")

	c.Set("a", "updated")

	assert.Equal(t, 3, c.Len())
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "updated", v)
}

func TestSizeNeverExceedsMax(t *testing.T) {
	c, clk, _ := newTestCache(t, 50, time.Hour, eviction.WriteTime)

	for i := 0; i < 1000; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
		clk.Advance(time.Millisecond)
		require.LessOrEqual(t, c.Len(), 50)
	}
}

func TestAccessTimePolicyKeepsRecentlyRead(t *testing.T) {
	c, clk, _ := newTestCache(t, 3, time.Hour, eviction.AccessTime)

	c.Set("a", "1")
	clk.Advance(time.Second)
	c.Set("b", "2")
	clk.Advance(time.Second)
	c.Set("c", "3")
	clk.Advance(time.Second)

	_, _ = c.Get("a")
	clk.Advance(time.Second)

	c.Set("d", "4")

	_, ok := c.Get("a")
	assert.True(t, ok, "a was read most recently")
	_, ok = c.Get("b")
	assert.False(t, ok, "b was read least recently")
}

//
// ================= OPTIMISTIC PATCH =================
//

func TestPatchAndRestore(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("list:1", "likes=1")
	c.Set("list:2", "likes=1")
	c.Set("other", "x")
	clk.Advance(10 * time.Second)

	saved := c.Patch(func(key, v string) (string, bool) {
		if v != "likes=1" {
			return v, false
		}
		return "likes=2", true
	})
	require.Len(t, saved, 2)

	v, _ := c.Get("list:1")
	assert.Equal(t, "likes=2", v)

	c.Restore(saved)

	v, _ = c.Get("list:1")
	assert.Equal(t, "likes=1", v)
	v, _ = c.Get("list:2")
	assert.Equal(t, "likes=1", v)
}

func TestPatchKeepsCachedAt(t *testing.T) {
	c, clk, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("k", "v1")
	clk.Advance(50 * time.Second)
	c.PatchKey("k", func(string) (string, bool) { return "v2", true })

	clk.Advance(10 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok, "an optimistic patch must not refresh the entry")
}

func TestRestoreSkipsInvalidatedKeys(t *testing.T) {
	c, _, _ := newTestCache(t, 10, time.Minute, eviction.WriteTime)

	c.Set("k", "v1")
	saved := c.PatchKey("k", func(string) (string, bool) { return "v2", true })
	c.Invalidate("k")

	c.Restore(saved)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

//
// ================= STATS & CONCURRENCY =================
//

func TestStats(t *testing.T) {
	c, _, _ := newTestCache(t, 25, 3*time.Minute, eviction.WriteTime)
	c.Set("a", "1")

	st := c.Stats()
	assert.Equal(t, "test", st.Name)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, 25, st.MaxSize)
	assert.Equal(t, 3*time.Minute, st.TTL)
}

func TestConcurrentAccess(t *testing.T) {
	c, _, _ := newTestCache(t, 100, time.Minute, eviction.WriteTime)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := fmt.Sprintf("k%d", (g*500+i)%300)
				c.Set(k, "v")
				c.Get(k)
				if i%50 == 0 {
					c.Invalidate(k)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}
