/*
Package badgerstore is a docstore.Store persisted in BadgerDB.

Documents are JSON-encoded under "doc:<collection>\x00<id>". Queries scan the
collection prefix and are evaluated in process, so every ordering is supported.
Listeners are local to this process.
*/
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/docstore"
)

const docKeyPrefix = "doc:"

type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	Clock    clock.Clock
	Logger   zerolog.Logger
}

type Store struct {
	db     *badger.DB
	clock  clock.Clock
	hub    *docstore.Hub
	logger zerolog.Logger

	// writeMu serializes commits so read-modify-write transforms never conflict.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

var _ docstore.Store = (*Store)(nil)

func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger.With().Str("component", "badgerstore").Logger()

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(badgerLogger{logger})
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{db: db, clock: clk, hub: docstore.NewHub(), logger: logger}, nil
}

func (s *Store) NewID() string { return uuid.NewString() }

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return docstore.Document{}, &docstore.OpError{Op: "get", Collection: collection, ID: id, Err: err}
	}
	doc, err := s.get(collection, id)
	if err != nil {
		return docstore.Document{}, &docstore.OpError{Op: "get", Collection: collection, ID: id, Err: err}
	}
	if doc == nil {
		return docstore.Document{}, &docstore.OpError{Op: "get", Collection: collection, ID: id, Err: docstore.ErrNotFound}
	}
	return *doc, nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := s.check(ctx); err != nil {
		return nil, &docstore.OpError{Op: "query", Collection: collection, Err: err}
	}
	docs, err := s.query(collection, q)
	if err != nil {
		return nil, &docstore.OpError{Op: "query", Collection: collection, Err: err}
	}
	return docs, nil
}

// BatchWrite commits writes in one badger transaction.
func (s *Store) BatchWrite(ctx context.Context, writes []docstore.Write) error {
	if err := s.check(ctx); err != nil {
		return &docstore.OpError{Op: "batch_write", Err: err}
	}
	if len(writes) > docstore.MaxBatchWrites {
		return &docstore.OpError{Op: "batch_write", Err: docstore.ErrBatchTooLarge}
	}
	if len(writes) == 0 {
		return nil
	}

	s.writeMu.Lock()
	now := s.clock.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		staged := make(map[docstore.DocKey]*docstore.Document)
		for _, w := range writes {
			k := docstore.DocKey{Collection: w.Collection, ID: w.ID}
			cur, ok := staged[k]
			if !ok {
				var err error
				if cur, err = readDoc(txn, k); err != nil {
					return err
				}
			}
			next, err := docstore.ApplyWrite(cur, w, now)
			if err != nil {
				return err
			}
			staged[k] = next
		}

		for k, d := range staged {
			if d == nil {
				if err := txn.Delete(docKey(k)); err != nil {
					return fmt.Errorf("delete %s/%s: %w", k.Collection, k.ID, err)
				}
				continue
			}
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", k.Collection, k.ID, err)
			}
			if err := txn.Set(docKey(k), data); err != nil {
				return fmt.Errorf("set %s/%s: %w", k.Collection, k.ID, err)
			}
		}
		return nil
	})
	s.writeMu.Unlock()

	if err != nil {
		var opErr *docstore.OpError
		if errors.As(err, &opErr) {
			return err
		}
		return &docstore.OpError{Op: "batch_write", Err: err}
	}

	s.hub.Notify(docstore.Touched(writes), s.query, s.get)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := s.check(ctx); err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, Err: err}
	}
	initial, err := s.query(collection, q)
	if err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, Err: err}
	}
	return s.hub.WatchQuery(collection, q, initial, onSnapshot, onError), nil
}

func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, onDoc docstore.DocumentFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := s.check(ctx); err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, ID: id, Err: err}
	}
	initial, err := s.get(collection, id)
	if err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, ID: id, Err: err}
	}
	return s.hub.WatchDocument(collection, id, initial, onDoc, onError), nil
}

// Close fails every listener and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.CloseAll(docstore.ErrClosed)
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

func (s *Store) get(collection, id string) (*docstore.Document, error) {
	var doc *docstore.Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, docstore.DocKey{Collection: collection, ID: id})
		return err
	})
	return doc, err
}

func (s *Store) query(collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var all []docstore.Document
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := collectionPrefix(collection)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var d docstore.Document
				if err := json.Unmarshal(val, &d); err != nil {
					return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
				}
				all = append(all, d)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docstore.ApplyQuery(all, q), nil
}

func readDoc(txn *badger.Txn, k docstore.DocKey) (*docstore.Document, error) {
	item, err := txn.Get(docKey(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", k.Collection, k.ID, err)
	}

	var d docstore.Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", k.Collection, k.ID, err)
	}
	return &d, nil
}

func collectionPrefix(collection string) []byte {
	return []byte(docKeyPrefix + collection + "\x00")
}

func docKey(k docstore.DocKey) []byte {
	return append(collectionPrefix(k.Collection), k.ID...)
}

// badgerLogger routes badger's own logging into zerolog.
type badgerLogger struct {
	zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.Logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.Logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.Logger.Trace().Msgf(format, args...)
}
