package facade

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
)

var DefaultHashtagsCache = CacheConfig{TTL: 10 * time.Minute, MaxSize: 100}

const (
	maxHashtagsPerPost   = 10
	minSuggestionLength  = 2
	defaultTrendingLimit = 20
	defaultSearchLimit   = 10
	defaultSuggestLimit  = 5
	cleanupScanLimit     = 100
)

var hashtagPattern = regexp.MustCompile(`(?i)#[\w\x{00c0}-\x{024f}\x{1e00}-\x{1eff}]+`)

// CountUpdate changes the usage count of one hashtag.
type CountUpdate struct {
	Tag   string
	Delta int64
}

/*
Hashtags caches trending and search results over the hashtags collection and
the posts listed under a hashtag. Usage counts are maintained from post
content with ProcessPost.
*/
type Hashtags struct {
	deps   Deps
	users  *Users
	logger zerolog.Logger

	tags     *cache.Cache[[]Hashtag]
	tagLoads *dedup.Group[[]Hashtag]

	posts     *cache.Cache[[]Post]
	postLoads *dedup.Group[[]Post]

	background sync.WaitGroup
}

func NewHashtags(d Deps, users *Users, cfg CacheConfig) (*Hashtags, error) {
	d = d.withDefaults()
	tags, err := newCache[[]Hashtag](d, "hashtags", cfg)
	if err != nil {
		return nil, err
	}
	posts, err := newCache[[]Post](d, "hashtags.posts", cfg)
	if err != nil {
		return nil, err
	}
	return &Hashtags{
		deps:      d,
		users:     users,
		logger:    d.Logger.With().Str("component", "facade").Str("facade", "hashtags").Logger(),
		tags:      tags,
		tagLoads:  dedup.New[[]Hashtag]("hashtags", d.Metrics),
		posts:     posts,
		postLoads: dedup.New[[]Post]("hashtags.posts", d.Metrics),
	}, nil
}

// cachedTags serves key from the cache or runs q, keeping the limit highest counts.
func (h *Hashtags) cachedTags(ctx context.Context, key string, q docstore.Query, limit int) ([]Hashtag, error) {
	if v, ok := h.tags.Get(key); ok {
		return slices.Clone(v), nil
	}
	v, err := h.tagLoads.Do(ctx, key, func(ctx context.Context) ([]Hashtag, error) {
		docs, err := h.deps.Store.Query(ctx, HashtagsCollection, q)
		if err != nil {
			h.logger.Error().Err(err).Str("key", key).Msg("hashtag query failed")
			return nil, err
		}
		out := make([]Hashtag, len(docs))
		for i, d := range docs {
			out[i] = decodeHashtag(d)
		}
		slices.SortStableFunc(out, func(a, b Hashtag) int { return cmpDesc(a.Count, b.Count) })
		if len(out) > limit {
			out = out[:limit]
		}
		h.tags.Set(key, out)
		return out, nil
	})
	return slices.Clone(v), err
}

// Trending returns the limit most used hashtags.
func (h *Hashtags) Trending(ctx context.Context, limit int) ([]Hashtag, error) {
	if limit <= 0 {
		limit = defaultTrendingLimit
	}
	q := docstore.Query{}.Order("count", docstore.Desc).WithLimit(limit * 2)
	return h.cachedTags(ctx, fmt.Sprintf("hashtag_trending_%d", limit), q, limit)
}

// Search returns the most used hashtags starting with term.
func (h *Hashtags) Search(ctx context.Context, term string, limit int) ([]Hashtag, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	q := docstore.Query{}.
		Where("tag", docstore.GTE, term).
		Where("tag", docstore.LTE, term+"\uf8ff").
		WithLimit(limit * 2)
	return h.cachedTags(ctx, fmt.Sprintf("hashtag_search_%s_%d", term, limit), q, limit)
}

// Suggestions completes a partially typed hashtag. Fewer than two characters yield nothing.
func (h *Hashtags) Suggestions(ctx context.Context, partial string, limit int) ([]string, error) {
	if len([]rune(partial)) < minSuggestionLength {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSuggestLimit
	}
	found, err := h.Search(ctx, partial, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(found))
	for i, t := range found {
		out[i] = t.Tag
	}
	return out, nil
}

// PopularByCategory returns popular tags for category. Hashtags carry no category yet, so this is Trending.
func (h *Hashtags) PopularByCategory(ctx context.Context, _ string, limit int) ([]string, error) {
	found, err := h.Trending(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(found))
	for i, t := range found {
		out[i] = t.Tag
	}
	return out, nil
}

// hashtagFormats lists the spellings a tag may be stored under in posts.
func hashtagFormats(tag string) []string {
	lower := strings.ToLower(tag)
	withHash := tag
	if !strings.HasPrefix(tag, "#") {
		withHash = "#" + tag
	}
	var out []string
	for _, f := range []string{tag, lower, withHash, strings.ToLower(withHash)} {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

/*
PostsByHashtag returns the limit newest posts tagged with tag.

Posts store tags as typed, so every spelling (as given, lower case, with and
without the leading #) is queried and the results are merged.
*/
func (h *Hashtags) PostsByHashtag(ctx context.Context, tag string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = postsPageSize
	}
	key := fmt.Sprintf("posts_hashtag_%s_%d", tag, limit)
	if v, ok := h.posts.Get(key); ok {
		return slices.Clone(v), nil
	}

	v, err := h.postLoads.Do(ctx, key, func(ctx context.Context) ([]Post, error) {
		formats := hashtagFormats(tag)
		results := make([][]docstore.Document, len(formats))
		g, gctx := errgroup.WithContext(ctx)
		for i, f := range formats {
			g.Go(func() error {
				q := docstore.Query{}.Where("hashtags", docstore.ArrayContains, f).WithLimit(limit)
				docs, err := h.deps.Store.Query(gctx, PostsCollection, q)
				results[i] = docs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			h.logger.Error().Err(err).Str("tag", tag).Msg("hashtag posts query failed")
			return nil, err
		}

		var posts []Post
		var authors []string
		seen := make(map[string]bool)
		for _, docs := range results {
			for _, d := range docs {
				if seen[d.ID] {
					continue
				}
				seen[d.ID] = true
				p := decodePost(d)
				posts = append(posts, p)
				if p.UserID != "" && !slices.Contains(authors, p.UserID) {
					authors = append(authors, p.UserID)
				}
			}
		}
		slices.SortStableFunc(posts, func(a, b Post) int { return b.Timestamp.Compare(a.Timestamp) })
		if len(posts) > limit {
			posts = posts[:limit]
		}
		attachAuthors(ctx, h.users, h.logger, posts, authors)
		h.posts.Set(key, posts)
		return posts, nil
	})
	return slices.Clone(v), err
}

// Extract returns the distinct hashtags of content, lower-cased, at most ten.
func Extract(content string) []string {
	var out []string
	for _, m := range hashtagPattern.FindAllString(content, -1) {
		tag := strings.ToLower(strings.TrimSpace(m))
		if slices.Contains(out, tag) {
			continue
		}
		out = append(out, tag)
		if len(out) == maxHashtagsPerPost {
			break
		}
	}
	return out
}

func (h *Hashtags) Extract(content string) []string { return Extract(content) }

/*
ProcessPost extracts the hashtags of a new post and returns them. Their usage
counts are incremented in the background; a failure there is only logged.
Wait blocks until those background updates are done.
*/
func (h *Hashtags) ProcessPost(ctx context.Context, content string) []string {
	tags := Extract(content)
	if len(tags) == 0 {
		return tags
	}
	updates := make([]CountUpdate, len(tags))
	for i, t := range tags {
		updates[i] = CountUpdate{Tag: t, Delta: 1}
	}

	bg := context.WithoutCancel(ctx)
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if err := h.BatchUpdateCounts(bg, updates); err != nil {
			h.logger.Error().Err(err).Strs("tags", tags).Msg("hashtag counts not updated")
		}
	}()
	return tags
}

// Wait blocks until every background count update started by ProcessPost has finished.
func (h *Hashtags) Wait() { h.background.Wait() }

/*
BatchUpdateCounts applies usage count changes, creating the hashtags that do
not exist yet with a count of at least one. Updates for the same tag are summed
first. Cached trending and search results are dropped afterwards.
*/
func (h *Hashtags) BatchUpdateCounts(ctx context.Context, updates []CountUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	var order []string
	deltas := make(map[string]int64)
	for _, u := range updates {
		tag := strings.ToLower(u.Tag)
		if _, ok := deltas[tag]; !ok {
			order = append(order, tag)
		}
		deltas[tag] += u.Delta
	}

	writes := make([]docstore.Write, 0, len(order))
	for _, tag := range order {
		q := docstore.Query{}.Where("tag", docstore.Eq, tag).WithLimit(1)
		existing, err := h.deps.Store.Query(ctx, HashtagsCollection, q)
		if err != nil {
			h.logger.Error().Err(err).Str("tag", tag).Msg("hashtag lookup failed")
			return err
		}
		if len(existing) == 0 {
			writes = append(writes, docstore.SetDoc(HashtagsCollection, h.deps.Store.NewID(), map[string]any{
				"tag":       tag,
				"count":     max(1, deltas[tag]),
				"createdAt": docstore.ServerTimestamp,
				"lastUsed":  docstore.ServerTimestamp,
			}))
			continue
		}
		writes = append(writes, docstore.UpdateDoc(HashtagsCollection, existing[0].ID, map[string]any{
			"count":    docstore.Increment(float64(deltas[tag])),
			"lastUsed": docstore.ServerTimestamp,
		}))
	}

	for chunk := range slices.Chunk(writes, docstore.MaxBatchWrites) {
		err := h.deps.Store.BatchWrite(ctx, chunk)
		h.deps.Metrics.BatchCommit(len(chunk), err)
		if err != nil {
			h.logger.Error().Err(err).Int("operations", len(chunk)).Msg("hashtag count commit failed")
			return err
		}
	}

	h.tags.InvalidateFunc(func(key string, _ []Hashtag) bool {
		return strings.Contains(key, "trending") || strings.Contains(key, "search")
	})
	return nil
}

// IncrementUsage adds one use of tag.
func (h *Hashtags) IncrementUsage(ctx context.Context, tag string) error {
	return h.BatchUpdateCounts(ctx, []CountUpdate{{Tag: tag, Delta: 1}})
}

/*
CleanupUnused deletes hashtags used at most minCount times and not used for
olderThan. One call scans at most 100 candidates; it returns how many it
deleted. A hashtag with no recorded last use is kept.
*/
func (h *Hashtags) CleanupUnused(ctx context.Context, minCount int64, olderThan time.Duration) (int, error) {
	cutoff := h.deps.Clock.Now().Add(-olderThan)
	q := docstore.Query{}.Where("count", docstore.LTE, minCount).WithLimit(cleanupScanLimit)
	docs, err := h.deps.Store.Query(ctx, HashtagsCollection, q)
	if err != nil {
		h.logger.Error().Err(err).Msg("unused hashtag scan failed")
		return 0, err
	}

	var writes []docstore.Write
	for _, d := range docs {
		last := d.Time("lastUsed")
		if !last.IsZero() && last.Before(cutoff) {
			writes = append(writes, docstore.DeleteDoc(HashtagsCollection, d.ID))
		}
	}
	if len(writes) == 0 {
		return 0, nil
	}
	if err := h.deps.Store.BatchWrite(ctx, writes); err != nil {
		h.logger.Error().Err(err).Int("hashtags", len(writes)).Msg("unused hashtag delete failed")
		return 0, err
	}
	h.tags.Clear()
	h.logger.Info().Int("deleted", len(writes)).Msg("unused hashtags removed")
	return len(writes), nil
}

func (h *Hashtags) ClearCache() {
	h.tags.Clear()
	h.posts.Clear()
}

func (h *Hashtags) PurgeExpired() int { return h.tags.PurgeExpired() + h.posts.PurgeExpired() }

func (h *Hashtags) CacheStats() []cache.Stats { return []cache.Stats{h.tags.Stats(), h.posts.Stats()} }
