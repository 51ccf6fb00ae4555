package facade

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
	"github.com/krisalay/client-cache/expiration"
)

var DefaultHotSpotsCache = CacheConfig{TTL: 10 * time.Minute, MaxSize: 100}

// DefaultHotSpotsWindow fetches the 100 most relevant active hot spots per list query.
var DefaultHotSpotsWindow = Window{Ceiling: 100}

const (
	interactionsLimit = 200
	variationLimit    = 20
)

type HotSpotSort string

const (
	SortNewest  HotSpotSort = "newest"
	SortPopular HotSpotSort = "popular"
	SortRating  HotSpotSort = "rating"
)

// HotSpotFilter selects hot spots. Zero fields do not filter.
type HotSpotFilter struct {
	// Type "all" matches every type.
	Type     string
	Category string
	Featured bool

	// Search matches a case-insensitive substring of the title.
	Search string
	Sort   HotSpotSort
}

func (f HotSpotFilter) key(limit int) string {
	return fmt.Sprintf("hotspots_%s|%s|%t|%s|%s_%d", f.Type, f.Category, f.Featured, strings.ToLower(f.Search), f.sort(), limit)
}

func (f HotSpotFilter) sort() HotSpotSort {
	if f.Sort == "" {
		return SortNewest
	}
	return f.Sort
}

func (f HotSpotFilter) match(h HotSpot) bool {
	if f.Type != "" && f.Type != "all" && h.Type != f.Type {
		return false
	}
	if f.Category != "" && h.Category != f.Category {
		return false
	}
	if f.Featured && !h.IsFeatured {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(h.Title), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// apply filters and sorts candidates into a page of at most limit items.
func (f HotSpotFilter) apply(candidates []HotSpot, limit int) Page[HotSpot] {
	out := make([]HotSpot, 0, len(candidates))
	for _, h := range candidates {
		if f.match(h) {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b HotSpot) int {
		switch f.sort() {
		case SortPopular:
			return cmpDesc(a.Stats.Joined, b.Stats.Joined)
		case SortRating:
			return cmpDesc(a.Stats.Rating, b.Stats.Rating)
		default:
			return b.CreatedAt.Compare(a.CreatedAt)
		}
	})
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return Page[HotSpot]{Items: out, HasMore: hasMore}
}

func cmpDesc[N int64 | float64](a, b N) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

/*
HotSpots caches filtered hot spot lists and the interactions of each user.

A list query fetches one window of active hot spots and derives the requested
page from it in memory. The same window also pre-warms the popular, rating and
featured variations of the filter, which are what users usually switch to next.
*/
type HotSpots struct {
	deps   Deps
	window Window
	logger zerolog.Logger

	lists *cache.Cache[Page[HotSpot]]
	loads *dedup.Group[Page[HotSpot]]

	interactions     *cache.Cache[[]Interaction]
	interactionLoads *dedup.Group[[]Interaction]
}

// NewHotSpots builds the facade. The interaction cache shares cfg's TTL and size but always expires after access.
func NewHotSpots(d Deps, cfg CacheConfig, window Window) (*HotSpots, error) {
	d = d.withDefaults()
	lists, err := newCache[Page[HotSpot]](d, "hotspots", cfg)
	if err != nil {
		return nil, err
	}
	icfg := cfg
	icfg.Expiration = expiration.AfterAccess
	interactions, err := newCache[[]Interaction](d, "hotspots.interactions", icfg)
	if err != nil {
		return nil, err
	}
	if window == (Window{}) {
		window = DefaultHotSpotsWindow
	}
	return &HotSpots{
		deps:             d,
		window:           window,
		logger:           d.Logger.With().Str("component", "facade").Str("facade", "hotspots").Logger(),
		lists:            lists,
		loads:            dedup.New[Page[HotSpot]]("hotspots", d.Metrics),
		interactions:     interactions,
		interactionLoads: dedup.New[[]Interaction]("hotspots.interactions", d.Metrics),
	}, nil
}

// List returns up to limit active hot spots matching f.
func (h *HotSpots) List(ctx context.Context, f HotSpotFilter, limit int) (Page[HotSpot], error) {
	if limit <= 0 {
		limit = variationLimit
	}
	key := f.key(limit)
	if p, ok := h.lists.Get(key); ok {
		return clonePage(p), nil
	}

	p, err := h.loads.Do(ctx, key, func(ctx context.Context) (Page[HotSpot], error) {
		q := docstore.Query{}.Where("isActive", docstore.Eq, true).WithLimit(h.window.Size(limit))
		docs, err := h.deps.Store.Query(ctx, HotSpotsCollection, q)
		if err != nil {
			h.logger.Error().Err(err).Str("key", key).Msg("hot spot query failed")
			return Page[HotSpot]{}, err
		}
		candidates := make([]HotSpot, len(docs))
		for i, d := range docs {
			candidates[i] = decodeHotSpot(d)
		}

		page := f.apply(candidates, limit)
		h.lists.Set(key, page)
		h.warmVariations(f, candidates)
		return page, nil
	})
	if err != nil {
		return Page[HotSpot]{}, err
	}
	return clonePage(p), nil
}

func (h *HotSpots) warmVariations(base HotSpotFilter, candidates []HotSpot) {
	popular, rating, featured := base, base, base
	popular.Sort = SortPopular
	rating.Sort = SortRating
	featured.Featured = true

	for _, v := range []HotSpotFilter{popular, rating, featured} {
		key := v.key(variationLimit)
		if _, ok := h.lists.Get(key); ok {
			continue
		}
		h.lists.Set(key, v.apply(candidates, variationLimit))
	}
}

// Invalidate drops every cached list. The next List goes to the store.
func (h *HotSpots) Invalidate() { h.lists.Clear() }

func (h *HotSpots) ClearCache() {
	h.lists.Clear()
	h.interactions.Clear()
}

func (h *HotSpots) PurgeExpired() int {
	return h.lists.PurgeExpired() + h.interactions.PurgeExpired()
}

func (h *HotSpots) CacheStats() []cache.Stats {
	return []cache.Stats{h.lists.Stats(), h.interactions.Stats()}
}

/*
Interactions returns the interactions of userID with each of hotSpotIDs.

All of a user's interactions are fetched with one query and cached together;
later calls for other hot spots are served from that entry.
*/
func (h *HotSpots) Interactions(ctx context.Context, userID string, hotSpotIDs []string) (map[string][]Interaction, error) {
	all, ok := h.interactions.Get(userID)
	if !ok {
		var err error
		all, err = h.interactionLoads.Do(ctx, userID, func(ctx context.Context) ([]Interaction, error) {
			q := docstore.Query{}.Where("userId", docstore.Eq, userID).WithLimit(interactionsLimit)
			docs, err := h.deps.Store.Query(ctx, HotSpotInteractionsColl, q)
			if err != nil {
				h.logger.Error().Err(err).Str("user", userID).Msg("interaction query failed")
				return nil, err
			}
			out := make([]Interaction, len(docs))
			for i, d := range docs {
				out[i] = decodeInteraction(d)
			}
			h.interactions.Set(userID, out)
			return out, nil
		})
		if err != nil {
			return nil, err
		}
	}

	res := make(map[string][]Interaction)
	for _, in := range all {
		if slices.Contains(hotSpotIDs, in.HotSpotID) {
			res[in.HotSpotID] = append(res[in.HotSpotID], in)
		}
	}
	return res, nil
}

// Join records that userID joined hotSpotID and bumps its joined and participant counters.
func (h *HotSpots) Join(ctx context.Context, userID, hotSpotID string) error {
	return h.interact(ctx, userID, hotSpotID, InteractionJoin, map[string]any{"isJoined": true},
		map[string]int64{"stats.joined": 1, "participantCount": 1})
}

func (h *HotSpots) MarkInterested(ctx context.Context, userID, hotSpotID string) error {
	return h.interact(ctx, userID, hotSpotID, InteractionInterested, map[string]any{"isInterested": true},
		map[string]int64{"stats.interested": 1})
}

// CheckIn records a check-in, optionally at loc.
func (h *HotSpots) CheckIn(ctx context.Context, userID, hotSpotID string, loc *Location) error {
	extra := map[string]any{"hasCheckedIn": true, "location": nil}
	if loc != nil {
		extra["location"] = map[string]any{"latitude": loc.Latitude, "longitude": loc.Longitude}
	}
	return h.interact(ctx, userID, hotSpotID, InteractionCheckIn, extra, map[string]int64{"stats.checkins": 1})
}

func (h *HotSpots) AddFavorite(ctx context.Context, userID, hotSpotID string) error {
	return h.interact(ctx, userID, hotSpotID, InteractionFavorite, map[string]any{"isFavorited": true}, nil)
}

// RemoveFavorite deletes every favorite interaction of userID with hotSpotID.
func (h *HotSpots) RemoveFavorite(ctx context.Context, userID, hotSpotID string) error {
	return h.retract(ctx, userID, hotSpotID, InteractionFavorite, nil)
}

// RemoveInterested deletes the interested interactions and decrements the interested counter.
func (h *HotSpots) RemoveInterested(ctx context.Context, userID, hotSpotID string) error {
	return h.retract(ctx, userID, hotSpotID, InteractionInterested, map[string]int64{"stats.interested": -1})
}

/*
interact writes one interaction document and the counter changes in a single
batch. Cached lists are patched before the write and rolled back if it fails.
*/
func (h *HotSpots) interact(ctx context.Context, userID, hotSpotID string, typ InteractionType, extra map[string]any, counters map[string]int64) error {
	fields := map[string]any{
		"userId":    userID,
		"hotSpotId": hotSpotID,
		"type":      string(typ),
		"timestamp": docstore.ServerTimestamp,
		"createdAt": docstore.ServerTimestamp,
	}
	for k, v := range extra {
		fields[k] = v
	}
	writes := []docstore.Write{docstore.SetDoc(HotSpotInteractionsColl, h.deps.Store.NewID(), fields)}
	return h.commit(ctx, userID, hotSpotID, writes, counters)
}

func (h *HotSpots) retract(ctx context.Context, userID, hotSpotID string, typ InteractionType, counters map[string]int64) error {
	q := docstore.Query{}.
		Where("userId", docstore.Eq, userID).
		Where("hotSpotId", docstore.Eq, hotSpotID).
		Where("type", docstore.Eq, string(typ))
	docs, err := h.deps.Store.Query(ctx, HotSpotInteractionsColl, q)
	if err != nil {
		h.logger.Error().Err(err).Str("user", userID).Str("hotspot", hotSpotID).Msg("interaction lookup failed")
		return err
	}
	writes := make([]docstore.Write, 0, len(docs))
	for _, d := range docs {
		writes = append(writes, docstore.DeleteDoc(HotSpotInteractionsColl, d.ID))
	}
	return h.commit(ctx, userID, hotSpotID, writes, counters)
}

func (h *HotSpots) commit(ctx context.Context, userID, hotSpotID string, writes []docstore.Write, counters map[string]int64) error {
	var saved []cache.Saved[Page[HotSpot]]
	if len(counters) > 0 {
		update := map[string]any{"updatedAt": docstore.ServerTimestamp}
		for field, delta := range counters {
			update[field] = docstore.Increment(float64(delta))
		}
		writes = append(writes, docstore.UpdateDoc(HotSpotsCollection, hotSpotID, update))
		saved = h.patchLists(hotSpotID, func(hs HotSpot) HotSpot { return applyCounters(hs, counters) })
	}
	if len(writes) == 0 {
		return nil
	}

	if err := h.deps.Store.BatchWrite(ctx, writes); err != nil {
		h.lists.Restore(saved)
		h.logger.Error().Err(err).Str("user", userID).Str("hotspot", hotSpotID).Msg("interaction write failed")
		return err
	}
	h.interactions.Invalidate(userID)
	return nil
}

func applyCounters(hs HotSpot, counters map[string]int64) HotSpot {
	for field, delta := range counters {
		switch field {
		case "stats.joined":
			hs.Stats.Joined += delta
		case "stats.interested":
			hs.Stats.Interested += delta
		case "stats.checkins":
			hs.Stats.Checkins += delta
		case "participantCount":
			hs.ParticipantCount += delta
		}
	}
	return hs
}

// patchLists replaces hotSpotID in every cached list with update(it).
func (h *HotSpots) patchLists(hotSpotID string, update func(HotSpot) HotSpot) []cache.Saved[Page[HotSpot]] {
	return h.lists.Patch(func(_ string, p Page[HotSpot]) (Page[HotSpot], bool) {
		i := slices.IndexFunc(p.Items, func(hs HotSpot) bool { return hs.ID == hotSpotID })
		if i < 0 {
			return p, false
		}
		next := clonePage(p)
		next.Items[i] = update(next.Items[i])
		return next, true
	})
}

func hotSpotKey(id string) string { return "hotspot_" + id }

/*
Subscribe listens to hotSpotID. Every change replaces the hot spot in all
cached lists and is passed to cb; a deleted hot spot is dropped from them and
cb is not called.
*/
func (h *HotSpots) Subscribe(ctx context.Context, hotSpotID string, cb func(HotSpot)) error {
	ln := listenSpec{key: hotSpotKey(hotSpotID), scope: hotSpotID, category: connmgr.Documents}
	return listen(ctx, h.deps, ln, func(ctx context.Context, touch func(), fail docstore.ErrorFunc) (docstore.Unsubscribe, error) {
		return h.deps.Store.SubscribeDocument(ctx, HotSpotsCollection, hotSpotID, func(d *docstore.Document) {
			touch()
			if d == nil {
				h.lists.Patch(func(_ string, p Page[HotSpot]) (Page[HotSpot], bool) {
					next := clonePage(p)
					next.Items = slices.DeleteFunc(next.Items, func(hs HotSpot) bool { return hs.ID == hotSpotID })
					return next, len(next.Items) != len(p.Items)
				})
				return
			}
			hs := decodeHotSpot(*d)
			h.patchLists(hotSpotID, func(HotSpot) HotSpot { return hs })
			if cb != nil {
				cb(hs)
			}
		}, fail)
	}, nil)
}

func (h *HotSpots) Unsubscribe(hotSpotID string) bool {
	return h.deps.Conns.Remove(hotSpotKey(hotSpotID))
}

func clonePage[T any](p Page[T]) Page[T] {
	return Page[T]{Items: slices.Clone(p.Items), HasMore: p.HasMore}
}
