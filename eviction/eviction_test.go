package eviction_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/eviction"
	"github.com/krisalay/client-cache/types"
)

// ===== QUOTA =====

func TestQuotaRoundsUp(t *testing.T) {
	assert.Equal(t, 3, eviction.Quota(10, eviction.DefaultFraction))
	assert.Equal(t, 1, eviction.Quota(1, eviction.DefaultFraction))
	assert.Equal(t, 16, eviction.Quota(50, eviction.DefaultFraction))
	assert.Equal(t, 300, eviction.Quota(1000, eviction.DefaultFraction))
	assert.Equal(t, 0, eviction.Quota(0, eviction.DefaultFraction))
}

// ===== POLICIES =====

func TestWriteTimeVictims(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []types.EntryMeta{
		{Key: "c", CachedAt: base.Add(3 * time.Second), LastAccessedAt: base},
		{Key: "a", CachedAt: base.Add(1 * time.Second), LastAccessedAt: base.Add(9 * time.Second)},
		{Key: "b", CachedAt: base.Add(2 * time.Second), LastAccessedAt: base},
		{Key: "d", CachedAt: base.Add(4 * time.Second), LastAccessedAt: base},
	}

	p, err := eviction.NewEvictionPolicy(eviction.WriteTime)
	require.NoError(t, err)

	// ceil(4 * 0.3) = 2
	assert.Equal(t, []string{"a", "b"}, p.Victims(entries, 4))
}

func TestAccessTimeVictims(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []types.EntryMeta{
		{Key: "a", CachedAt: base, LastAccessedAt: base.Add(9 * time.Second)},
		{Key: "b", CachedAt: base.Add(time.Second), LastAccessedAt: base.Add(2 * time.Second)},
		{Key: "c", CachedAt: base.Add(2 * time.Second), LastAccessedAt: base.Add(3 * time.Second)},
	}

	p, err := eviction.NewEvictionPolicy(eviction.AccessTime)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, p.Victims(entries, 3))
}

func TestUnknownPolicy(t *testing.T) {
	_, err := eviction.NewEvictionPolicy("lfu")
	assert.Error(t, err)
}

// ===== RECENCY =====

func TestRecencyOrder(t *testing.T) {
	l := eviction.NewRecency()

	_, ok := l.Oldest()
	assert.False(t, ok)

	l.Touch("a")
	l.Touch("b")
	l.Touch("c")

	oldest, _ := l.Oldest()
	newest, _ := l.Newest()
	assert.Equal(t, "a", oldest)
	assert.Equal(t, "c", newest)

	l.Touch("a")
	oldest, _ = l.Oldest()
	newest, _ = l.Newest()
	assert.Equal(t, "b", oldest)
	assert.Equal(t, "a", newest)

	l.Remove("b")
	l.Remove("missing")
	oldest, _ = l.Oldest()
	assert.Equal(t, "c", oldest)
	assert.Equal(t, 2, l.Len())

	l.Remove("c")
	l.Remove("a")
	_, ok = l.Newest()
	assert.False(t, ok)
	assert.Equal(t, 0, l.Len())
}
