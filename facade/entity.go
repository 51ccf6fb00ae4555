package facade

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/dedup"
	"github.com/krisalay/client-cache/docstore"
)

// DefaultChunkSize is how many ids one "id in" query asks for.
const DefaultChunkSize = docstore.MaxInValues

/*
Entity caches the documents of one collection by id.

Reads go cache, then dedup, then store. A missing document is reported as
docstore.ErrNotFound and is not cached, so a document created later is seen on
the next read.
*/
type Entity[T any] struct {
	collection string
	decode     func(docstore.Document) T
	store      docstore.Store
	cache      *cache.Cache[T]
	loads      *dedup.Group[T]
	chunkSize  int
	logger     zerolog.Logger
}

// EntityStats describes an entity cache.
type EntityStats struct {
	cache.Stats
	Pending int `json:"pending"`
}

func newEntity[T any](d Deps, name, collection string, cfg CacheConfig, chunkSize int, decode func(docstore.Document) T) (*Entity[T], error) {
	c, err := newCache[T](d, name, cfg)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 || chunkSize > docstore.MaxInValues {
		chunkSize = DefaultChunkSize
	}
	return &Entity[T]{
		collection: collection,
		decode:     decode,
		store:      d.Store,
		cache:      c,
		loads:      dedup.New[T](name, d.Metrics),
		chunkSize:  chunkSize,
		logger:     d.Logger.With().Str("component", "facade").Str("entity", name).Logger(),
	}, nil
}

// GetOne returns the document id, from the cache when it holds a fresh copy.
func (e *Entity[T]) GetOne(ctx context.Context, id string) (T, error) {
	if v, ok := e.cache.Get(id); ok {
		return v, nil
	}
	return e.loads.Do(ctx, id, func(ctx context.Context) (T, error) {
		doc, err := e.store.Get(ctx, e.collection, id)
		if err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				e.logger.Error().Err(err).Str("id", id).Msg("fetch failed")
			}
			var zero T
			return zero, err
		}
		v := e.decode(doc)
		e.cache.Set(id, v)
		return v, nil
	})
}

/*
GetMany returns every document of ids that exists.

Fresh cached copies are served directly. The rest are fetched with "id in"
queries of at most chunkSize ids each, run in parallel, and cached. If a chunk
fails, GetMany returns what it has together with the error.
*/
func (e *Entity[T]) GetMany(ctx context.Context, ids []string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	var missing []string
	for _, id := range ids {
		if _, seen := out[id]; seen || slices.Contains(missing, id) {
			continue
		}
		if v, ok := e.cache.Get(id); ok {
			out[id] = v
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for chunk := range slices.Chunk(missing, e.chunkSize) {
		g.Go(func() error {
			docs, err := e.store.Query(gctx, e.collection, docstore.Query{}.Where(docstore.IDField, docstore.In, chunk))
			if err != nil {
				return err
			}
			fetched := make(map[string]T, len(docs))
			for _, d := range docs {
				fetched[d.ID] = e.decode(d)
			}
			e.cache.SetMany(fetched)

			mu.Lock()
			maps.Copy(out, fetched)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error().Err(err).Int("ids", len(missing)).Msg("batch fetch failed")
		return out, err
	}
	return out, nil
}

// Preload fetches the ids that are not cached yet.
func (e *Entity[T]) Preload(ctx context.Context, ids []string) error {
	_, err := e.GetMany(ctx, ids)
	return err
}

// Put caches v under id, replacing any cached copy.
func (e *Entity[T]) Put(id string, v T) { e.cache.Set(id, v) }

// Peek returns the cached copy of id without fetching.
func (e *Entity[T]) Peek(id string) (T, bool) { return e.cache.Get(id) }

// Patch applies an optimistic update to the cached copy of id.
func (e *Entity[T]) Patch(id string, mutate func(T) (T, bool)) []cache.Saved[T] {
	return e.cache.PatchKey(id, mutate)
}

// Restore rolls back a Patch.
func (e *Entity[T]) Restore(saved []cache.Saved[T]) { e.cache.Restore(saved) }

func (e *Entity[T]) Invalidate(id string) bool { return e.cache.Invalidate(id) }

func (e *Entity[T]) ClearCache() { e.cache.Clear() }

func (e *Entity[T]) Stats() EntityStats {
	return EntityStats{Stats: e.cache.Stats(), Pending: e.loads.Len()}
}

// PurgeExpired drops expired entries.
func (e *Entity[T]) PurgeExpired() int { return e.cache.PurgeExpired() }

func (e *Entity[T]) CacheStats() []cache.Stats { return []cache.Stats{e.cache.Stats()} }
