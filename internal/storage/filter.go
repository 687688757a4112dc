package storage

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Filter selects documents. Every filter renders itself as a MongoDB query
// document and can also be evaluated in memory against an encoded document,
// so engines without a query language share one evaluator.
type Filter interface {
	BSON() bson.D
	Match(doc bson.Raw) bool
}

type allFilter struct{}

// All matches every document.
func All() Filter { return allFilter{} }

func (allFilter) BSON() bson.D { return bson.D{} }
func (allFilter) Match(_ bson.Raw) bool { return true }

type noneFilter struct{}

// None matches no document.
func None() Filter { return noneFilter{} }

func (noneFilter) BSON() bson.D {
	return bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{}}}}}
}
func (noneFilter) Match(_ bson.Raw) bool { return false }

type compareFilter struct {
	field string
	op    string
	value any
}

// Eq matches documents whose field equals value. Dotted fields address
// embedded documents.
func Eq(field string, value any) Filter { return compareFilter{field, "$eq", value} }

// Gt matches documents whose field is greater than value.
func Gt(field string, value any) Filter { return compareFilter{field, "$gt", value} }

// Lt matches documents whose field is less than value.
func Lt(field string, value any) Filter { return compareFilter{field, "$lt", value} }

func (f compareFilter) BSON() bson.D {
	if f.op == "$eq" {
		return bson.D{{Key: f.field, Value: f.value}}
	}
	return bson.D{{Key: f.field, Value: bson.D{{Key: f.op, Value: f.value}}}}
}

func (f compareFilter) Match(doc bson.Raw) bool {
	v, ok := Lookup(doc, f.field)
	if !ok {
		return false
	}
	c, ok := Compare(v, ToRawValue(f.value))
	if !ok {
		return false
	}
	switch f.op {
	case "$gt":
		return c > 0
	case "$lt":
		return c < 0
	default:
		return c == 0
	}
}

type setFilter struct {
	field  string
	values []any
	negate bool
}

// In matches documents whose field equals one of values.
func In[T any](field string, values []T) Filter {
	return setFilter{field: field, values: toAny(values)}
}

// NotIn matches documents whose field equals none of values, including
// documents that lack the field.
func NotIn[T any](field string, values []T) Filter {
	return setFilter{field: field, values: toAny(values), negate: true}
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (f setFilter) BSON() bson.D {
	op := "$in"
	if f.negate {
		op = "$nin"
	}
	return bson.D{{Key: f.field, Value: bson.D{{Key: op, Value: bson.A(f.values)}}}}
}

func (f setFilter) Match(doc bson.Raw) bool {
	v, ok := Lookup(doc, f.field)
	found := false
	if ok {
		for _, want := range f.values {
			if c, ok := Compare(v, ToRawValue(want)); ok && c == 0 {
				found = true
				break
			}
		}
	}
	return found != f.negate
}

type prefixFilter struct {
	field  string
	prefix string
}

// HasPrefix matches documents whose string field starts with prefix. The
// prefix is literal; regular expression metacharacters are escaped.
func HasPrefix(field, prefix string) Filter { return prefixFilter{field, prefix} }

func (f prefixFilter) BSON() bson.D {
	return bson.D{{Key: f.field, Value: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(f.prefix)}}}
}

func (f prefixFilter) Match(doc bson.Raw) bool {
	v, ok := Lookup(doc, f.field)
	if !ok {
		return false
	}
	s, ok := v.StringValueOK()
	return ok && strings.HasPrefix(s, f.prefix)
}

type logicalFilter struct {
	op      string
	filters []Filter
}

// And matches documents matched by every filter.
func And(filters ...Filter) Filter {
	if len(filters) == 1 {
		return filters[0]
	}
	return logicalFilter{"$and", filters}
}

// Or matches documents matched by at least one filter. Or of nothing matches
// nothing.
func Or(filters ...Filter) Filter {
	switch len(filters) {
	case 0:
		return None()
	case 1:
		return filters[0]
	}
	return logicalFilter{"$or", filters}
}

func (f logicalFilter) BSON() bson.D {
	if len(f.filters) == 0 {
		return bson.D{}
	}
	clauses := make(bson.A, 0, len(f.filters))
	for _, sub := range f.filters {
		clauses = append(clauses, sub.BSON())
	}
	return bson.D{{Key: f.op, Value: clauses}}
}

func (f logicalFilter) Match(doc bson.Raw) bool {
	if f.op == "$and" {
		for _, sub := range f.filters {
			if !sub.Match(doc) {
				return false
			}
		}
		return true
	}
	for _, sub := range f.filters {
		if sub.Match(doc) {
			return true
		}
	}
	return false
}
