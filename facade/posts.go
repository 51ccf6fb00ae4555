package facade

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
)

var DefaultPostsCache = CacheConfig{TTL: 5 * time.Minute, MaxSize: 100}

// DefaultPostsWindow over-fetches twice the page size.
var DefaultPostsWindow = Window{Factor: 2}

const postsPageSize = 20

type PostSort string

const (
	PostsLatest   PostSort = "latest"
	PostsPopular  PostSort = "popular"
	PostsTrending PostSort = "trending"
)

// feed is the posts loaded so far for one feed key.
type feed = cursorPage[Post]

// LikeToggle likes (Like true) or unlikes a post on behalf of UserID.
type LikeToggle struct {
	PostID string
	UserID string
	Like   bool
}

/*
Posts caches social feeds.

A feed is keyed by sort, hashtag and viewer. Its first page comes from a window
of the newest posts, re-sorted in memory; LoadMore continues after the last
document fetched and appends to the cached feed. Share posts are never listed.
*/
type Posts struct {
	deps   Deps
	users  *Users
	window Window
	logger zerolog.Logger

	feeds *cache.Cache[feed]
	loads *dedup.Group[feed]
}

func NewPosts(d Deps, users *Users, cfg CacheConfig, window Window) (*Posts, error) {
	d = d.withDefaults()
	feeds, err := newCache[feed](d, "posts", cfg)
	if err != nil {
		return nil, err
	}
	if window == (Window{}) {
		window = DefaultPostsWindow
	}
	return &Posts{
		deps:   d,
		users:  users,
		window: window,
		logger: d.Logger.With().Str("component", "facade").Str("facade", "posts").Logger(),
		feeds:  feeds,
		loads:  dedup.New[feed]("posts", d.Metrics),
	}, nil
}

func feedKey(sort PostSort, hashtag, userID string) string {
	if hashtag == "" {
		hashtag = "all"
	}
	return fmt.Sprintf("posts_%s_%s_%s", sort, hashtag, userID)
}

func feedQuery(hashtag string) docstore.Query {
	q := docstore.Query{}.Order("timestamp", docstore.Desc)
	if hashtag != "" {
		q = q.Where("hashtags", docstore.ArrayContains, hashtag)
	}
	return q
}

// Feed returns the first page of the feed userID sees.
func (p *Posts) Feed(ctx context.Context, userID string, sort PostSort, hashtag string) (Page[Post], error) {
	if sort == "" {
		sort = PostsLatest
	}
	key := feedKey(sort, hashtag, userID)
	if f, ok := p.feeds.Get(key); ok {
		return clonePage(f.Page), nil
	}

	f, err := p.loads.Do(ctx, key, func(ctx context.Context) (feed, error) {
		q := feedQuery(hashtag).WithLimit(p.window.Size(postsPageSize))
		docs, err := queryWithFallback(ctx, p.deps.Store, p.logger, PostsCollection, q)
		if err != nil {
			p.logger.Error().Err(err).Str("key", key).Msg("feed query failed")
			return feed{}, err
		}

		posts := p.decode(ctx, docs)
		sortPosts(posts, sort)
		f := feed{Page: Page[Post]{Items: posts, HasMore: len(posts) > postsPageSize}}
		if f.HasMore {
			f.Items = f.Items[:postsPageSize]
		}
		if len(docs) > 0 {
			f.last = &docs[len(docs)-1]
		}
		p.feeds.Set(key, f)
		return f, nil
	})
	if err != nil {
		return Page[Post]{}, err
	}
	return clonePage(f.Page), nil
}

/*
LoadMore fetches the next page of a feed opened with Feed and appends it to
the cached feed. It returns only the new posts; the page is empty when the feed
is not cached or has no more posts.
*/
func (p *Posts) LoadMore(ctx context.Context, userID string, sort PostSort, hashtag string) (Page[Post], error) {
	if sort == "" {
		sort = PostsLatest
	}
	key := feedKey(sort, hashtag, userID)
	cur, ok := p.feeds.Get(key)
	if !ok || cur.last == nil || !cur.HasMore {
		return Page[Post]{}, nil
	}

	q := feedQuery(hashtag).After(cur.last).WithLimit(postsPageSize)
	docs, err := queryWithFallback(ctx, p.deps.Store, p.logger, PostsCollection, q)
	if err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("load more failed")
		return Page[Post]{}, err
	}

	posts := p.decode(ctx, docs)
	next := Page[Post]{Items: posts, HasMore: len(docs) == postsPageSize}

	merged := feed{
		Page: Page[Post]{Items: append(slices.Clone(cur.Items), posts...), HasMore: next.HasMore},
		last: cur.last,
	}
	if len(docs) > 0 {
		merged.last = &docs[len(docs)-1]
	}
	p.feeds.Set(key, merged)
	return clonePage(next), nil
}

// decode turns documents into posts, dropping shares and attaching authors.
func (p *Posts) decode(ctx context.Context, docs []docstore.Document) []Post {
	posts := make([]Post, 0, len(docs))
	var authorIDs []string
	for _, d := range docs {
		post := decodePost(d)
		if post.Type == "share" {
			continue
		}
		posts = append(posts, post)
		if post.UserID != "" && !slices.Contains(authorIDs, post.UserID) {
			authorIDs = append(authorIDs, post.UserID)
		}
	}
	attachAuthors(ctx, p.users, p.logger, posts, authorIDs)
	return posts
}

// attachAuthors fills Post.Author. A lookup failure leaves posts without authors.
func attachAuthors(ctx context.Context, users *Users, logger zerolog.Logger, posts []Post, ids []string) {
	if users == nil || len(ids) == 0 {
		return
	}
	authors, err := users.Authors(ctx, ids)
	if err != nil {
		logger.Warn().Err(err).Int("authors", len(ids)).Msg("author lookup incomplete")
	}
	for i := range posts {
		if a, ok := authors[posts[i].UserID]; ok {
			posts[i].Author = &a
		}
	}
}

func sortPosts(posts []Post, sort PostSort) {
	switch sort {
	case PostsPopular:
		slices.SortStableFunc(posts, func(a, b Post) int { return cmpDesc(int64(a.LikeCount()), int64(b.LikeCount())) })
	case PostsTrending:
		slices.SortStableFunc(posts, func(a, b Post) int { return cmpDesc(a.Engagement(), b.Engagement()) })
	default:
		slices.SortStableFunc(posts, func(a, b Post) int { return b.Timestamp.Compare(a.Timestamp) })
	}
}

// ToggleLike likes or unlikes postID for userID.
func (p *Posts) ToggleLike(ctx context.Context, postID, userID string, like bool) error {
	return p.BatchToggleLikes(ctx, []LikeToggle{{PostID: postID, UserID: userID, Like: like}})
}

/*
BatchToggleLikes applies every toggle in one batch write.

Cached feeds are updated before the write. If the write fails they are
restored to what they held before, and the error is returned.
*/
func (p *Posts) BatchToggleLikes(ctx context.Context, toggles []LikeToggle) error {
	if len(toggles) == 0 {
		return nil
	}
	if len(toggles) > docstore.MaxBatchWrites {
		return fmt.Errorf("%d like toggles: %w", len(toggles), docstore.ErrBatchTooLarge)
	}

	writes := make([]docstore.Write, len(toggles))
	for i, t := range toggles {
		tr := docstore.ArrayUnion(t.UserID)
		if !t.Like {
			tr = docstore.ArrayRemove(t.UserID)
		}
		writes[i] = docstore.UpdateDoc(PostsCollection, t.PostID, map[string]any{"likes": tr})
	}

	saved := p.patchPosts(func(post Post) (Post, bool) {
		changed := false
		for _, t := range toggles {
			if t.PostID != post.ID {
				continue
			}
			has := slices.Contains(post.Likes, t.UserID)
			switch {
			case t.Like && !has:
				post.Likes = append(slices.Clone(post.Likes), t.UserID)
				changed = true
			case !t.Like && has:
				post.Likes = slices.DeleteFunc(slices.Clone(post.Likes), func(id string) bool { return id == t.UserID })
				changed = true
			}
		}
		return post, changed
	})

	if err := p.deps.Store.BatchWrite(ctx, writes); err != nil {
		p.feeds.Restore(saved)
		p.logger.Error().Err(err).Int("toggles", len(toggles)).Msg("like toggle failed, rolled back")
		return err
	}
	return nil
}

// IncrementShares adds one to the share counter of postID.
func (p *Posts) IncrementShares(ctx context.Context, postID string) error {
	saved := p.patchPosts(func(post Post) (Post, bool) {
		if post.ID != postID {
			return post, false
		}
		post.Shares++
		return post, true
	})
	err := p.deps.Store.BatchWrite(ctx, []docstore.Write{
		docstore.UpdateDoc(PostsCollection, postID, map[string]any{"shares": docstore.Increment(1)}),
	})
	if err != nil {
		p.feeds.Restore(saved)
		p.logger.Error().Err(err).Str("post", postID).Msg("share increment failed, rolled back")
		return err
	}
	return nil
}

// patchPosts applies update to every cached copy of every post.
func (p *Posts) patchPosts(update func(Post) (Post, bool)) []cache.Saved[feed] {
	return p.feeds.Patch(func(_ string, f feed) (feed, bool) {
		var items []Post
		for i, post := range f.Items {
			next, changed := update(post)
			if !changed {
				continue
			}
			if items == nil {
				items = slices.Clone(f.Items)
			}
			items[i] = next
		}
		if items == nil {
			return f, false
		}
		f.Items = items
		return f, true
	})
}

// ClearUser drops every feed cached for userID.
func (p *Posts) ClearUser(userID string) int {
	return p.feeds.InvalidateFunc(func(key string, _ feed) bool {
		return strings.HasSuffix(key, "_"+userID)
	})
}

func (p *Posts) ClearCache() { p.feeds.Clear() }

func (p *Posts) PurgeExpired() int { return p.feeds.PurgeExpired() }

func (p *Posts) CacheStats() []cache.Stats { return []cache.Stats{p.feeds.Stats()} }
