package docstore

import (
	"fmt"
	"slices"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	Eq            Op = "=="
	In            Op = "in"
	ArrayContains Op = "array-contains"
	GT            Op = ">"
	GTE           Op = ">="
	LT            Op = "<"
	LTE           Op = "<="
)

// MaxInValues is the largest value list an In filter accepts.
const MaxInValues = 10

// Filter restricts a query to documents whose Field satisfies Op against Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Direction of an ordering.
type Direction int

const (
	Asc Direction = iota
	Desc
)

type Order struct {
	Field string
	Dir   Direction
}

/*
Query selects documents from one collection.

Results are ordered by OrderBy and then by document id, so pagination with
StartAfter is stable even when many documents share a sort value.
*/
type Query struct {
	Filters []Filter
	OrderBy []Order
	Limit   int

	// StartAfter resumes a query after this document (the last one of the previous page).
	StartAfter *Document
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Where(field, op, value))
	return q
}

// Order returns a copy of q with one more ordering.
func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = append(slices.Clone(q.OrderBy), Order{Field: field, Dir: dir})
	return q
}

// WithLimit returns a copy of q limited to n results.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// After returns a copy of q that resumes after doc.
func (q Query) After(doc *Document) Query {
	q.StartAfter = doc
	return q
}

// Unordered returns a copy of q without OrderBy, the simplified form facades fall back to.
func (q Query) Unordered() Query {
	q.OrderBy = nil
	return q
}

// Validate rejects queries no store would accept.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		switch f.Op {
		case Eq, ArrayContains, GT, GTE, LT, LTE:
		case In:
			n, ok := listLen(f.Value)
			if !ok {
				return fmt.Errorf("filter %s in: value must be a list", f.Field)
			}
			if n > MaxInValues {
				return fmt.Errorf("filter %s in: %d values exceeds the limit of %d", f.Field, n, MaxInValues)
			}
		default:
			return fmt.Errorf("filter %s: unknown operator %q", f.Field, f.Op)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("negative limit %d", q.Limit)
	}
	return nil
}

// Match reports whether doc satisfies every filter.
func Match(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchOne(doc, f) {
			return false
		}
	}
	return true
}

func matchOne(doc Document, f Filter) bool {
	v, ok := doc.Get(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case Eq:
		return equal(v, f.Value)
	case In:
		return listContains(f.Value, v)
	case ArrayContains:
		return listContains(v, f.Value)
	}

	c, ok := compare(v, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case GT:
		return c > 0
	case GTE:
		return c >= 0
	case LT:
		return c < 0
	case LTE:
		return c <= 0
	}
	return false
}

// Sort orders docs in place.
func Sort(docs []Document, orders []Order) {
	slices.SortStableFunc(docs, func(a, b Document) int { return cmpDocs(a, b, orders) })
}

func cmpDocs(a, b Document, orders []Order) int {
	for _, o := range orders {
		av, aok := a.Get(o.Field)
		bv, bok := b.Get(o.Field)
		var c int
		switch {
		case !aok && !bok:
			c = 0
		case !aok:
			c = -1
		case !bok:
			c = 1
		default:
			c, _ = compare(av, bv)
		}
		if o.Dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}

// ApplyQuery runs q over an unordered set of documents: filter, sort, cursor, limit.
func ApplyQuery(docs []Document, q Query) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if Match(d, q.Filters) {
			out = append(out, d)
		}
	}
	Sort(out, q.OrderBy)

	if q.StartAfter != nil {
		cursor := *q.StartAfter
		i := 0
		for i < len(out) && cmpDocs(out[i], cursor, q.OrderBy) <= 0 {
			i++
		}
		out = out[i:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func listLen(v any) (int, bool) {
	switch l := v.(type) {
	case []any:
		return len(l), true
	case []string:
		return len(l), true
	}
	return 0, false
}

func listContains(list any, v any) bool {
	switch l := list.(type) {
	case []any:
		for _, e := range l {
			if equal(e, v) {
				return true
			}
		}
	case []string:
		s, ok := v.(string)
		return ok && slices.Contains(l, s)
	}
	return false
}
