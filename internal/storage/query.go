package storage

import (
	"slices"

	"go.mongodb.org/mongo-driver/bson"
)

// SortField orders query results by one field.
type SortField struct {
	Field string
	Desc  bool
}

// Query describes a read over one collection. Results are ordered by Sort and
// then by primary key, so the order is total and After can resume a scan.
type Query struct {
	Filter Filter
	Sort   []SortField
	// After, when set, restricts results to documents ordered strictly after
	// this previously returned document.
	After bson.Raw
	Skip  int64
	Limit int64
}

func (q Query) filter() Filter {
	if q.Filter == nil {
		return All()
	}
	return q.Filter
}

// Effective returns the filter of the query combined with its resume position.
func (q Query) Effective() Filter {
	if q.After == nil {
		return q.filter()
	}
	return And(q.filter(), AfterFilter(q.Sort, q.After))
}

// AfterFilter selects documents ordered strictly after the given document
// under sort, with the primary key as final tie breaker.
func AfterFilter(sort []SortField, after bson.Raw) Filter {
	keys := append(slices.Clone(sort), SortField{Field: IDField})
	branches := make([]Filter, 0, len(keys))
	for i, key := range keys {
		terms := make([]Filter, 0, i+1)
		for _, prev := range keys[:i] {
			v, _ := Lookup(after, prev.Field)
			terms = append(terms, Eq(prev.Field, v))
		}
		v, _ := Lookup(after, key.Field)
		if key.Desc {
			terms = append(terms, Lt(key.Field, v))
		} else {
			terms = append(terms, Gt(key.Field, v))
		}
		branches = append(branches, And(terms...))
	}
	return Or(branches...)
}

// SortBSON renders the total order of sort as a MongoDB sort document.
func SortBSON(sort []SortField) bson.D {
	d := make(bson.D, 0, len(sort)+1)
	for _, s := range sort {
		dir := 1
		if s.Desc {
			dir = -1
		}
		d = append(d, bson.E{Key: s.Field, Value: dir})
	}
	return append(d, bson.E{Key: IDField, Value: 1})
}

// Evaluate runs a query in memory over a set of encoded documents.
func Evaluate(docs []bson.Raw, q Query) []bson.Raw {
	filter := q.Effective()
	out := make([]bson.Raw, 0)
	for _, doc := range docs {
		if filter.Match(doc) {
			out = append(out, doc)
		}
	}
	slices.SortStableFunc(out, func(a, b bson.Raw) int {
		return CompareDocs(a, b, q.Sort)
	})
	if q.Skip > 0 {
		if q.Skip >= int64(len(out)) {
			return out[:0]
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && int64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// CompareDocs orders two documents under sort, then by primary key.
func CompareDocs(a, b bson.Raw, sort []SortField) int {
	for _, s := range sort {
		av, _ := Lookup(a, s.Field)
		bv, _ := Lookup(b, s.Field)
		c, ok := Compare(av, bv)
		if !ok {
			c = int(av.Type) - int(bv.Type)
		}
		if c != 0 {
			if s.Desc {
				return -c
			}
			return c
		}
	}
	ai, _ := IDOf(a)
	bi, _ := IDOf(b)
	return compareIDs(ai, bi)
}
