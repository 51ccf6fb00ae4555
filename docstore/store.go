package docstore

import "context"

// ChangeKind classifies one document change in a query snapshot.
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	}
	return "unknown"
}

type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is delivered to a query listener: the full current result plus what changed since the last one.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Added returns the documents that entered the result.
func (s Snapshot) Added() []Document { return s.filter(Added) }

func (s Snapshot) Modified() []Document { return s.filter(Modified) }

func (s Snapshot) Removed() []Document { return s.filter(Removed) }

func (s Snapshot) filter(kind ChangeKind) []Document {
	var out []Document
	for _, c := range s.Changes {
		if c.Kind == kind {
			out = append(out, c.Doc)
		}
	}
	return out
}

type (
	SnapshotFunc func(Snapshot)

	// DocumentFunc receives nil when the document does not exist.
	DocumentFunc func(*Document)

	ErrorFunc func(error)

	// Unsubscribe stops a listener. Calling it more than once is safe.
	Unsubscribe func()
)

/*
Store is the remote document store.

Listeners receive an initial snapshot and then one snapshot per committed
change that affects them. A listener that fails (a query needing a missing
index, a closed store) gets exactly one onError call and is then dead: there is
no automatic reconnect.
*/
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// BatchWrite commits up to MaxBatchWrites writes atomically.
	BatchWrite(ctx context.Context, writes []Write) error

	Subscribe(ctx context.Context, collection string, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Unsubscribe, error)
	SubscribeDocument(ctx context.Context, collection, id string, onDoc DocumentFunc, onError ErrorFunc) (Unsubscribe, error)

	// NewID returns a fresh document id.
	NewID() string

	Close() error
}

// DocKey names one document.
type DocKey struct {
	Collection string
	ID         string
}

// Touched returns the documents a batch writes to.
func Touched(writes []Write) []DocKey {
	seen := make(map[DocKey]bool, len(writes))
	out := make([]DocKey, 0, len(writes))
	for _, w := range writes {
		k := DocKey{Collection: w.Collection, ID: w.ID}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
