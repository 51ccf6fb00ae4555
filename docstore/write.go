package docstore

import (
	"fmt"
	"strings"
	"time"
)

// MaxBatchWrites is the largest number of writes one BatchWrite accepts.
const MaxBatchWrites = 500

// WriteKind says how a Write treats the existing document.
type WriteKind int

const (
	// Set replaces the document, creating it if needed.
	Set WriteKind = iota
	// Merge updates the named fields, creating the document if needed.
	Merge
	// Update updates the named fields of an existing document and fails with ErrNotFound otherwise.
	Update
	// Delete removes the document. Deleting a missing document succeeds.
	Delete
)

func (k WriteKind) String() string {
	switch k {
	case Set:
		return "set"
	case Merge:
		return "merge"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("WriteKind(%d)", int(k))
}

// Write is one operation of a batch. Keys of Fields may be dotted paths for Merge and Update.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     map[string]any
}

func SetDoc(collection, id string, fields map[string]any) Write {
	return Write{Kind: Set, Collection: collection, ID: id, Fields: fields}
}

func MergeDoc(collection, id string, fields map[string]any) Write {
	return Write{Kind: Merge, Collection: collection, ID: id, Fields: fields}
}

func UpdateDoc(collection, id string, fields map[string]any) Write {
	return Write{Kind: Update, Collection: collection, ID: id, Fields: fields}
}

func DeleteDoc(collection, id string) Write {
	return Write{Kind: Delete, Collection: collection, ID: id}
}

// Transform values are resolved by the store against the stored value at commit time.
type Transform interface {
	apply(current any, now time.Time) any
}

type increment struct{ by float64 }

// Increment adds by to a numeric field; a missing field counts as zero.
func Increment(by float64) Transform { return increment{by: by} }

func (t increment) apply(current any, _ time.Time) any {
	f, _ := toFloat(current)
	return f + t.by
}

type arrayUnion struct{ values []any }

// ArrayUnion appends each value not already present.
func ArrayUnion(values ...any) Transform { return arrayUnion{values: values} }

func (t arrayUnion) apply(current any, _ time.Time) any {
	out := toAnySlice(current)
	for _, v := range t.values {
		if !listContains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

type arrayRemove struct{ values []any }

// ArrayRemove drops every occurrence of each value.
func ArrayRemove(values ...any) Transform { return arrayRemove{values: values} }

func (t arrayRemove) apply(current any, _ time.Time) any {
	out := []any{}
	for _, e := range toAnySlice(current) {
		if !listContains(t.values, e) {
			out = append(out, e)
		}
	}
	return out
}

type serverTimestamp struct{}

// ServerTimestamp is replaced by the commit time.
var ServerTimestamp Transform = serverTimestamp{}

func (serverTimestamp) apply(_ any, now time.Time) any { return now }

func toAnySlice(v any) []any {
	switch l := v.(type) {
	case []any:
		return append([]any(nil), l...)
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	}
	return []any{}
}

/*
ApplyWrite computes the document that results from w.

existing is nil when the document does not exist. The result is nil when the
document no longer exists after the write. Neither argument is modified.
*/
func ApplyWrite(existing *Document, w Write, now time.Time) (*Document, error) {
	switch w.Kind {
	case Delete:
		return nil, nil
	case Update:
		if existing == nil {
			return nil, &OpError{Op: "update", Collection: w.Collection, ID: w.ID, Err: ErrNotFound}
		}
	case Set, Merge:
	default:
		return nil, fmt.Errorf("unknown write kind %v", w.Kind)
	}

	doc := Document{ID: w.ID, Fields: map[string]any{}}
	if existing != nil && w.Kind != Set {
		doc = existing.Clone()
	}
	doc.UpdateTime = now

	for k, v := range w.Fields {
		if w.Kind == Set {
			current := doc.Fields[k]
			doc.Fields[k] = resolve(current, v, now)
			continue
		}
		setPath(doc.Fields, k, v, now)
	}
	return &doc, nil
}

func resolve(current, v any, now time.Time) any {
	switch t := v.(type) {
	case Transform:
		return t.apply(current, now)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = resolve(nil, e, now)
		}
		return out
	}
	return cloneValue(v)
}

func setPath(fields map[string]any, path string, v any, now time.Time) {
	parts := strings.Split(path, ".")
	m := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	last := parts[len(parts)-1]
	m[last] = resolve(m[last], v, now)
}
