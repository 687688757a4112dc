// Package storage defines the query interface of the physical document store
// behind the logical persistence stores.
//
// An Engine hands out named Collections. Each collection is loaded on its own,
// holds BSON documents keyed by an ObjectID primary key and is queried with
// engine-neutral Filters, so the memory, pebble and MongoDB engines are
// interchangeable.
package storage

import (
	"bytes"
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotLoaded = errors.New("collection not loaded")
	ErrClosed    = errors.New("collection closed")
)

// Index describes a secondary index. Engines without index support ignore it.
type Index struct {
	Name   string
	Fields []string
	Unique bool
}

// Update describes a single-document modification.
type Update struct {
	field   string
	value   any
	replace any
}

// Set changes one dotted field of the matched document.
func Set(field string, value any) Update { return Update{field: field, value: value} }

// Replace swaps the matched document for doc, keeping its primary key.
func Replace(doc any) Update { return Update{replace: doc} }

// IsReplace reports whether the update replaces the whole document.
func (u Update) IsReplace() bool { return u.replace != nil }

// Field returns the field and value of a Set update.
func (u Update) Field() (string, any) { return u.field, u.value }

// Document returns the replacement of a Replace update.
func (u Update) Document() any { return u.replace }

// Apply performs the update on an encoded document in memory.
func (u Update) Apply(doc bson.Raw) (bson.Raw, error) {
	id, _ := IDOf(doc)
	if u.IsReplace() {
		return WithID(u.replace, id)
	}
	return SetField(doc, u.field, u.value)
}

// Collection is one physical collection backing one logical store.
type Collection interface {
	// Name returns the physical name of the collection.
	Name() string
	// Load opens the backing storage. It must complete before any other call.
	Load(ctx context.Context) error
	// Insert stores every document, assigning primary keys where missing.
	Insert(ctx context.Context, docs ...any) error
	// Find returns the documents selected by q.
	Find(ctx context.Context, q Query) ([]bson.Raw, error)
	// FindOne returns the first document in primary key order matching f, or
	// nil when there is none.
	FindOne(ctx context.Context, f Filter) (bson.Raw, error)
	// Upsert replaces the first document matching f with doc, or inserts doc.
	Upsert(ctx context.Context, f Filter, doc any) error
	// UpdateOne modifies the first document matching f and returns it as
	// updated, or nil when nothing matched.
	UpdateOne(ctx context.Context, f Filter, u Update) (bson.Raw, error)
	// Remove deletes every document matching f.
	Remove(ctx context.Context, f Filter) (int64, error)
	// Count returns the number of documents matching f.
	Count(ctx context.Context, f Filter) (int64, error)
	// CountDistinct returns the number of distinct values of field among the
	// documents matching f.
	CountDistinct(ctx context.Context, field string, f Filter) (int64, error)
	// Compact reclaims space held by deleted and replaced documents.
	Compact(ctx context.Context) error
	// Close releases the collection.
	Close() error
}

// Engine opens collections on one physical store.
type Engine interface {
	Collection(name string, indexes ...Index) (Collection, error)
	Close(ctx context.Context) error
}

func compareIDs(a, b primitive.ObjectID) int {
	return bytes.Compare(a[:], b[:])
}

// DistinctCount counts distinct values of field among docs, ignoring
// documents that lack it.
func DistinctCount(docs []bson.Raw, field string) int64 {
	seen := make(map[string]struct{})
	for _, doc := range docs {
		v, ok := Lookup(doc, field)
		if !ok {
			continue
		}
		key := string(rune(v.Type)) + string(v.Value)
		seen[key] = struct{}{}
	}
	return int64(len(seen))
}
