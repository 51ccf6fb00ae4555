package docstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/client-cache/docstore"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func doc(id string, fields map[string]any) docstore.Document {
	return docstore.Document{ID: id, Fields: fields, UpdateTime: t0}
}

func ids(docs []docstore.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

// ===== FIELD ACCESS =====

func TestDocumentTypedAccess(t *testing.T) {
	d := doc("p1", map[string]any{
		"title":     "hello",
		"likes":     float64(4),
		"stats":     map[string]any{"shares": 2},
		"tags":      []any{"go", "cache"},
		"featured":  true,
		"createdAt": t0.Format(time.RFC3339Nano),
	})

	assert.Equal(t, "hello", d.String("title"))
	assert.Equal(t, int64(4), d.Int("likes"))
	assert.Equal(t, int64(2), d.Int("stats.shares"))
	assert.Equal(t, []string{"go", "cache"}, d.Strings("tags"))
	assert.True(t, d.Bool("featured"))
	assert.True(t, t0.Equal(d.Time("createdAt")))
	assert.Equal(t, int64(0), d.Int("missing"))
}

func TestCloneIsDeep(t *testing.T) {
	d := doc("p1", map[string]any{"stats": map[string]any{"likes": 1}, "tags": []any{"a"}})
	c := d.Clone()

	c.Fields["stats"].(map[string]any)["likes"] = 99
	c.Fields["tags"].([]any)[0] = "z"

	assert.Equal(t, int64(1), d.Int("stats.likes"))
	assert.Equal(t, []string{"a"}, d.Strings("tags"))
}

// ===== QUERIES =====

func TestApplyQueryFilterSortLimit(t *testing.T) {
	docs := []docstore.Document{
		doc("a", map[string]any{"type": "bar", "rating": 4.5, "members": []any{"u1"}}),
		doc("b", map[string]any{"type": "bar", "rating": 3.0, "members": []any{"u2"}}),
		doc("c", map[string]any{"type": "cafe", "rating": 5.0, "members": []any{"u1", "u2"}}),
		doc("d", map[string]any{"type": "bar", "rating": 4.9}),
	}

	q := docstore.Query{}.
		Where("type", docstore.Eq, "bar").
		Order("rating", docstore.Desc).
		WithLimit(2)
	assert.Equal(t, []string{"d", "a"}, ids(docstore.ApplyQuery(docs, q)))

	q = docstore.Query{}.Where("members", docstore.ArrayContains, "u2")
	assert.Equal(t, []string{"b", "c"}, ids(docstore.ApplyQuery(docs, q)))

	q = docstore.Query{}.Where(docstore.IDField, docstore.In, []string{"c", "a", "zz"})
	assert.Equal(t, []string{"a", "c"}, ids(docstore.ApplyQuery(docs, q)))

	q = docstore.Query{}.Where("rating", docstore.GTE, 4.5).Where("rating", docstore.LT, 5)
	assert.Equal(t, []string{"a", "d"}, ids(docstore.ApplyQuery(docs, q)))
}

func TestApplyQueryStartAfter(t *testing.T) {
	var docs []docstore.Document
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		docs = append(docs, doc(id, map[string]any{"createdAt": t0.Add(time.Duration(i) * time.Minute)}))
	}

	q := docstore.Query{}.Order("createdAt", docstore.Desc).WithLimit(2)
	page1 := docstore.ApplyQuery(docs, q)
	require.Equal(t, []string{"e", "d"}, ids(page1))

	page2 := docstore.ApplyQuery(docs, q.After(&page1[len(page1)-1]))
	assert.Equal(t, []string{"c", "b"}, ids(page2))
}

func TestTimestampStringsSortChronologically(t *testing.T) {
	docs := []docstore.Document{
		doc("late", map[string]any{"at": t0.Add(500 * time.Millisecond).Format(time.RFC3339Nano)}),
		doc("early", map[string]any{"at": t0.Format(time.RFC3339Nano)}),
	}
	q := docstore.Query{}.Order("at", docstore.Asc)
	assert.Equal(t, []string{"early", "late"}, ids(docstore.ApplyQuery(docs, q)))
}

func TestValidateRejectsLargeIn(t *testing.T) {
	vals := make([]string, docstore.MaxInValues+1)
	for i := range vals {
		vals[i] = string(rune('a' + i))
	}
	assert.Error(t, docstore.Query{}.Where(docstore.IDField, docstore.In, vals).Validate())
	assert.NoError(t, docstore.Query{}.Where(docstore.IDField, docstore.In, vals[:10]).Validate())
	assert.Error(t, docstore.Query{}.Where("x", docstore.In, "not-a-list").Validate())
}

func TestApplyWriteTransforms(t *testing.T) {
	existing := doc("h1", map[string]any{
		"stats":   map[string]any{"joinedCount": 2},
		"members": []any{"u1"},
	})

	w := docstore.UpdateDoc("hotSpots", "h1", map[string]any{
		"stats.joinedCount": docstore.Increment(1),
		"members":           docstore.ArrayUnion("u2", "u1"),
		"updatedAt":         docstore.ServerTimestamp,
	})
	now := t0.Add(time.Hour)
	next, err := docstore.ApplyWrite(&existing, w, now)
	require.NoError(t, err)

	assert.Equal(t, int64(3), next.Int("stats.joinedCount"))
	assert.Equal(t, []string{"u1", "u2"}, next.Strings("members"))
	assert.Equal(t, now, next.Time("updatedAt"))
	assert.Equal(t, now, next.UpdateTime)
	assert.Equal(t, int64(2), existing.Int("stats.joinedCount"), "existing document is not modified")

	w = docstore.UpdateDoc("hotSpots", "h1", map[string]any{"members": docstore.ArrayRemove("u1")})
	next, err = docstore.ApplyWrite(next, w, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, next.Strings("members"))
}

func TestApplyWriteKinds(t *testing.T) {
	existing := doc("u1", map[string]any{"name": "ann", "bio": "hi"})

	next, err := docstore.ApplyWrite(&existing, docstore.SetDoc("users", "u1", map[string]any{"name": "bob"}), t0)
	require.NoError(t, err)
	_, hasBio := next.Get("bio")
	assert.False(t, hasBio, "set replaces the whole document")

	next, err = docstore.ApplyWrite(&existing, docstore.MergeDoc("users", "u1", map[string]any{"name": "bob"}), t0)
	require.NoError(t, err)
	assert.Equal(t, "hi", next.String("bio"))

	_, err = docstore.ApplyWrite(nil, docstore.UpdateDoc("users", "u9", map[string]any{"x": 1}), t0)
	assert.ErrorIs(t, err, docstore.ErrNotFound)

	next, err = docstore.ApplyWrite(&existing, docstore.DeleteDoc("users", "u1"), t0)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSnapshotHelpers(t *testing.T) {
	s := docstore.Snapshot{Changes: []docstore.Change{
		{Kind: docstore.Added, Doc: doc("a", nil)},
		{Kind: docstore.Modified, Doc: doc("b", nil)},
		{Kind: docstore.Removed, Doc: doc("c", nil)},
	}}
	assert.Equal(t, []string{"a"}, ids(s.Added()))
	assert.Equal(t, []string{"b"}, ids(s.Modified()))
	assert.Equal(t, []string{"c"}, ids(s.Removed()))
}
