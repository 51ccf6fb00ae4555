/*
Package docstore describes the remote document store the caching layer sits in
front of: collections of schemaless documents that can be fetched by id,
queried, written in atomic batches and watched in realtime.

Two backends live in sub-packages: memstore (in-process, used by tests and the
demo) and badgerstore (persistent, on disk). Breaker decorates either one.
*/
package docstore

import (
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"
)

// IDField addresses the document id in filters and orderings.
const IDField = "__name__"

// Document is one stored record. Fields may nest maps; dotted paths address nested fields.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`

	// UpdateTime is stamped by the store on every committed write.
	UpdateTime time.Time `json:"update_time"`
}

// Clone returns a deep copy of the document. Stores hand out clones so callers can't corrupt them.
func (d Document) Clone() Document {
	d.Fields = cloneMap(d.Fields)
	return d
}

// Get returns the value at a dotted field path.
func (d Document) Get(path string) (any, bool) {
	if path == IDField {
		return d.ID, true
	}
	var cur any = d.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d Document) String(path string) string {
	v, _ := d.Get(path)
	s, _ := v.(string)
	return s
}

// Int returns the field as an integer. Numbers decoded from JSON arrive as float64.
func (d Document) Int(path string) int64 {
	v, _ := d.Get(path)
	f, _ := toFloat(v)
	return int64(f)
}

func (d Document) Float(path string) float64 {
	v, _ := d.Get(path)
	f, _ := toFloat(v)
	return f
}

func (d Document) Bool(path string) bool {
	v, _ := d.Get(path)
	b, _ := v.(bool)
	return b
}

// Time returns the field as a time. RFC 3339 strings are accepted.
func (d Document) Time(path string) time.Time {
	v, _ := d.Get(path)
	t, _ := toTime(v)
	return t
}

func (d Document) Strings(path string) []string {
	v, _ := d.Get(path)
	switch s := v.(type) {
	case []string:
		return slices.Clone(s)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// compare orders two field values. ok is false when the values are not comparable.
func compare(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := toTime(b)
		if !bok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if as, aok := a.(string); aok {
		if bt, bok := b.(time.Time); bok {
			if at, ok := toTime(as); ok {
				return at.Compare(bt), true
			}
		}
		bs, bok := b.(string)
		if !bok {
			return 0, false
		}
		// timestamps decoded from JSON arrive as strings and do not sort lexically
		if looksLikeTime(as) && looksLikeTime(bs) {
			at, aerr := time.Parse(time.RFC3339Nano, as)
			bt, berr := time.Parse(time.RFC3339Nano, bs)
			if aerr == nil && berr == nil {
				return at.Compare(bt), true
			}
		}
		return strings.Compare(as, bs), true
	}
	if ab, aok := a.(bool); aok {
		bb, bok := b.(bool)
		if !bok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func looksLikeTime(s string) bool {
	return len(s) >= 20 && s[4] == '-' && s[7] == '-' && s[10] == 'T'
}

func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		return ok && maps.EqualFunc(am, bm, equal)
	}
	return reflect.DeepEqual(a, b)
}
