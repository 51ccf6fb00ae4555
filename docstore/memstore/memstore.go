/*
Package memstore is an in-process docstore.Store.

It backs the tests and the demo binary. Beyond the Store contract it can
inject failures (Intercept), count calls per operation and refuse ordered
queries the way a store without the matching composite index would.
*/
package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/krisalay/client-cache/clock"
	"github.com/krisalay/client-cache/docstore"
)

// Op names an operation for Intercept and Calls.
type Op string

const (
	OpGet        Op = "get"
	OpQuery      Op = "query"
	OpBatchWrite Op = "batch_write"
	OpSubscribe  Op = "subscribe"
)

// InterceptFunc runs before every operation; a non-nil error fails it.
type InterceptFunc func(op Op, collection string) error

type Option func(*Store)

// WithClock stamps UpdateTime and server timestamps from clk.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// WithoutOrderedQueries makes every query that combines a filter with an ordering
// fail with docstore.ErrIndexRequired, for queries and listeners alike.
func WithoutOrderedQueries() Option {
	return func(s *Store) { s.noOrdered = true }
}

type Store struct {
	mu        sync.RWMutex
	data      map[string]map[string]docstore.Document
	closed    bool
	clock     clock.Clock
	noOrdered bool
	hub       *docstore.Hub

	imu       sync.Mutex
	intercept InterceptFunc
	calls     map[Op]int
	commits   [][]docstore.Write
}

var _ docstore.Store = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		data:  make(map[string]map[string]docstore.Document),
		clock: clock.Real{},
		hub:   docstore.NewHub(),
		calls: make(map[Op]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Intercept installs fn in front of every operation. Pass nil to remove it.
func (s *Store) Intercept(fn InterceptFunc) {
	s.imu.Lock()
	defer s.imu.Unlock()
	s.intercept = fn
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Store) Calls(op Op) int {
	s.imu.Lock()
	defer s.imu.Unlock()
	return s.calls[op]
}

// Commits returns every successfully committed batch, in commit order.
func (s *Store) Commits() [][]docstore.Write {
	s.imu.Lock()
	defer s.imu.Unlock()
	out := make([][]docstore.Write, len(s.commits))
	copy(out, s.commits)
	return out
}

// Listeners returns the number of live listeners.
func (s *Store) Listeners() int { return s.hub.Len() }

// Seed writes documents directly, bypassing Intercept and call counting. Listeners are notified.
func (s *Store) Seed(collection string, docs ...docstore.Document) {
	now := s.clock.Now()
	keys := make([]docstore.DocKey, 0, len(docs))
	s.mu.Lock()
	for _, d := range docs {
		d = d.Clone()
		if d.UpdateTime.IsZero() {
			d.UpdateTime = now
		}
		s.collection(collection)[d.ID] = d
		keys = append(keys, docstore.DocKey{Collection: collection, ID: d.ID})
	}
	s.mu.Unlock()
	s.hub.Notify(keys, s.query, s.get)
}

func (s *Store) NewID() string { return uuid.NewString() }

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := s.before(ctx, OpGet, collection); err != nil {
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
	if err := s.before(ctx, OpQuery, collection); err != nil {
		return nil, &docstore.OpError{Op: "query", Collection: collection, Err: err}
	}
	docs, err := s.query(collection, q)
	if err != nil {
		return nil, &docstore.OpError{Op: "query", Collection: collection, Err: err}
	}
	return docs, nil
}

func (s *Store) BatchWrite(ctx context.Context, writes []docstore.Write) error {
	if err := s.before(ctx, OpBatchWrite, ""); err != nil {
		return &docstore.OpError{Op: "batch_write", Err: err}
	}
	if len(writes) > docstore.MaxBatchWrites {
		return &docstore.OpError{Op: "batch_write", Err: docstore.ErrBatchTooLarge}
	}
	if len(writes) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &docstore.OpError{Op: "batch_write", Err: docstore.ErrClosed}
	}

	// stage every write first so a failing one leaves the store untouched
	now := s.clock.Now()
	staged := make(map[docstore.DocKey]*docstore.Document)
	for _, w := range writes {
		k := docstore.DocKey{Collection: w.Collection, ID: w.ID}
		cur, ok := staged[k]
		if !ok {
			if d, exists := s.data[w.Collection][w.ID]; exists {
				cur = &d
			}
		}
		next, err := docstore.ApplyWrite(cur, w, now)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		staged[k] = next
	}
	for k, d := range staged {
		if d == nil {
			delete(s.data[k.Collection], k.ID)
			continue
		}
		s.collection(k.Collection)[k.ID] = *d
	}
	s.mu.Unlock()

	s.imu.Lock()
	s.commits = append(s.commits, append([]docstore.Write(nil), writes...))
	s.imu.Unlock()

	s.hub.Notify(docstore.Touched(writes), s.query, s.get)
	return nil
}

/*
Subscribe registers a query listener.

A query the store cannot serve does not fail Subscribe itself: like a realtime
backend, the listener is accepted and onError fires shortly after, on another
goroutine.
*/
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query, onSnapshot docstore.SnapshotFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := s.before(ctx, OpSubscribe, collection); err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, Err: err}
	}

	initial, err := s.query(collection, q)
	if err != nil {
		var once sync.Once
		stopped := make(chan struct{})
		go func() {
			select {
			case <-stopped:
			default:
				onError(&docstore.OpError{Op: "listen", Collection: collection, Err: err})
			}
		}()
		return func() { once.Do(func() { close(stopped) }) }, nil
	}

	return s.hub.WatchQuery(collection, q, initial, onSnapshot, onError), nil
}

func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, onDoc docstore.DocumentFunc, onError docstore.ErrorFunc) (docstore.Unsubscribe, error) {
	if err := s.before(ctx, OpSubscribe, collection); err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, ID: id, Err: err}
	}
	initial, err := s.get(collection, id)
	if err != nil {
		return nil, &docstore.OpError{Op: "subscribe", Collection: collection, ID: id, Err: err}
	}
	return s.hub.WatchDocument(collection, id, initial, onDoc, onError), nil
}

// Close fails every listener with ErrClosed. Later calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.CloseAll(docstore.ErrClosed)
	return nil
}

func (s *Store) before(ctx context.Context, op Op, collection string) error {
	s.imu.Lock()
	s.calls[op]++
	fn := s.intercept
	s.imu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if fn != nil {
		if err := fn(op, collection); err != nil {
			return err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

func (s *Store) collection(name string) map[string]docstore.Document {
	c, ok := s.data[name]
	if !ok {
		c = make(map[string]docstore.Document)
		s.data[name] = c
	}
	return c
}

func (s *Store) get(collection, id string) (*docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	d, ok := s.data[collection][id]
	if !ok {
		return nil, nil
	}
	c := d.Clone()
	return &c, nil
}

func (s *Store) query(collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.noOrdered && len(q.OrderBy) > 0 && len(q.Filters) > 0 {
		return nil, docstore.ErrIndexRequired
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, docstore.ErrClosed
	}
	all := make([]docstore.Document, 0, len(s.data[collection]))
	for _, d := range s.data[collection] {
		all = append(all, d)
	}
	s.mu.RUnlock()

	res := docstore.ApplyQuery(all, q)
	for i := range res {
		res[i] = res[i].Clone()
	}
	return res, nil
}
