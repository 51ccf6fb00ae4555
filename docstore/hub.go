package docstore

import (
	"sync"
	"sync/atomic"
)

// QueryFunc and GetFunc let the hub re-read a store after a commit.
type (
	QueryFunc func(collection string, q Query) ([]Document, error)
	GetFunc   func(collection, id string) (*Document, error)
)

/*
Hub keeps the realtime listeners of a store and turns commits into snapshots.

After every commit the store calls Notify with the documents it touched. Each
affected listener re-runs its query, diffs the result against the previous one
and receives only what changed. Deliveries to one listener are serialized and
run in commit order, never under a hub or listener lock. A callback may write to
the collection it watches: the resulting snapshot is queued and delivered after
the callback returns. A callback may call its own Unsubscribe.
*/
type Hub struct {
	mu      sync.Mutex
	seq     int
	queries map[int]*queryListener
	docs    map[int]*docListener
}

/*
mailbox runs queued deliveries one at a time outside mu.

Whichever goroutine finds the mailbox idle drains it; everyone else only
enqueues. A post made from inside a running delivery therefore never blocks.
*/
type mailbox struct {
	mu       sync.Mutex
	active   atomic.Bool
	queue    []func()
	draining bool
}

// postLocked queues fn. mu must be held.
func (m *mailbox) postLocked(fn func()) {
	m.queue = append(m.queue, fn)
}

func (m *mailbox) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
		m.mu.Lock()
	}
	m.queue = nil
	m.draining = false
	m.mu.Unlock()
}

// failLocked deactivates the listener and queues onError once. mu must be held.
func (m *mailbox) failLocked(onError ErrorFunc, err error) {
	if m.active.Swap(false) {
		m.postLocked(func() { onError(err) })
	}
}

type queryListener struct {
	mailbox
	collection string
	q          Query
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	last       map[string]Document
	delivered  bool
}

type docListener struct {
	mailbox
	key     DocKey
	onDoc   DocumentFunc
	onError ErrorFunc
	last    *Document
}

func NewHub() *Hub {
	return &Hub{
		queries: make(map[int]*queryListener),
		docs:    make(map[int]*docListener),
	}
}

// WatchQuery registers a query listener and delivers initial as its first snapshot.
func (h *Hub) WatchQuery(collection string, q Query, initial []Document, onSnapshot SnapshotFunc, onError ErrorFunc) Unsubscribe {
	l := &queryListener{
		collection: collection,
		q:          q,
		onSnapshot: onSnapshot,
		onError:    onError,
		last:       map[string]Document{},
	}
	l.active.Store(true)

	h.mu.Lock()
	h.seq++
	id := h.seq
	h.queries[id] = l
	h.mu.Unlock()

	l.mu.Lock()
	l.diffLocked(initial)
	l.mu.Unlock()
	l.drain()

	return func() {
		l.active.Store(false)
		h.mu.Lock()
		delete(h.queries, id)
		h.mu.Unlock()
	}
}

// WatchDocument registers a document listener and delivers initial (nil if missing) first.
func (h *Hub) WatchDocument(collection, id string, initial *Document, onDoc DocumentFunc, onError ErrorFunc) Unsubscribe {
	l := &docListener{
		key:     DocKey{Collection: collection, ID: id},
		onDoc:   onDoc,
		onError: onError,
	}
	l.active.Store(true)

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.docs[seq] = l
	h.mu.Unlock()

	l.mu.Lock()
	l.last = initial
	l.postDocLocked(initial)
	l.mu.Unlock()
	l.drain()

	return func() {
		l.active.Store(false)
		h.mu.Lock()
		delete(h.docs, seq)
		h.mu.Unlock()
	}
}

// Notify re-evaluates every listener affected by a commit that touched keys.
func (h *Hub) Notify(keys []DocKey, query QueryFunc, get GetFunc) {
	collections := make(map[string]bool)
	docs := make(map[DocKey]bool)
	for _, k := range keys {
		collections[k.Collection] = true
		docs[k] = true
	}

	h.mu.Lock()
	var ql []*queryListener
	for _, l := range h.queries {
		if collections[l.collection] {
			ql = append(ql, l)
		}
	}
	var dl []*docListener
	for _, l := range h.docs {
		if docs[l.key] {
			dl = append(dl, l)
		}
	}
	h.mu.Unlock()

	for _, l := range ql {
		l.mu.Lock()
		if l.active.Load() {
			res, err := query(l.collection, l.q)
			if err != nil {
				l.failLocked(l.onError, err)
			} else {
				l.diffLocked(res)
			}
		}
		l.mu.Unlock()
		l.drain()
	}

	for _, l := range dl {
		l.mu.Lock()
		if l.active.Load() {
			doc, err := get(l.key.Collection, l.key.ID)
			if err != nil {
				l.failLocked(l.onError, err)
			} else if changedDoc(l.last, doc) {
				l.last = doc
				l.postDocLocked(doc)
			}
		}
		l.mu.Unlock()
		l.drain()
	}
}

// CloseAll fails every listener with err and forgets them.
func (h *Hub) CloseAll(err error) {
	h.mu.Lock()
	queries := h.queries
	docs := h.docs
	h.queries = make(map[int]*queryListener)
	h.docs = make(map[int]*docListener)
	h.mu.Unlock()

	for _, l := range queries {
		l.mu.Lock()
		l.failLocked(l.onError, err)
		l.mu.Unlock()
		l.drain()
	}
	for _, l := range docs {
		l.mu.Lock()
		l.failLocked(l.onError, err)
		l.mu.Unlock()
		l.drain()
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queries) + len(h.docs)
}

// diffLocked diffs docs against the previous result and queues the snapshot.
// The first delivery is sent even when empty.
func (l *queryListener) diffLocked(docs []Document) {
	first := !l.delivered
	next := make(map[string]Document, len(docs))
	var changes []Change
	for _, d := range docs {
		next[d.ID] = d
		prev, ok := l.last[d.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: Added, Doc: d.Clone()})
		case !prev.UpdateTime.Equal(d.UpdateTime):
			changes = append(changes, Change{Kind: Modified, Doc: d.Clone()})
		}
	}
	for id, d := range l.last {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: Removed, Doc: d.Clone()})
		}
	}
	l.last = next
	if len(changes) == 0 && !first {
		return
	}
	l.delivered = true

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = d.Clone()
	}
	snap := Snapshot{Docs: out, Changes: changes}
	l.postLocked(func() {
		if l.active.Load() {
			l.onSnapshot(snap)
		}
	})
}

func (l *docListener) postDocLocked(doc *Document) {
	c := cloneDocPtr(doc)
	l.postLocked(func() {
		if l.active.Load() {
			l.onDoc(c)
		}
	})
}

func changedDoc(prev, next *Document) bool {
	switch {
	case prev == nil && next == nil:
		return false
	case prev == nil || next == nil:
		return true
	}
	return !prev.UpdateTime.Equal(next.UpdateTime)
}

func cloneDocPtr(d *Document) *Document {
	if d == nil {
		return nil
	}
	c := d.Clone()
	return &c
}
