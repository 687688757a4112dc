// Package stream implements lazy, pull-driven cursors over store query results.
//
// A Cursor fetches one record per Next call and keeps no handle open in the
// store between calls. Each fetch resumes strictly after the previously
// returned record, so a consumer can stop pulling at any time without any
// cleanup.
package stream

import (
	"context"
	"iter"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// Source returns the record that follows after, or nil when none is left.
// after is nil on the first fetch.
type Source func(ctx context.Context, after bson.Raw) (bson.Raw, error)

// Decoder converts a stored record into the value yielded by a cursor.
type Decoder[T any] func(doc bson.Raw) (T, error)

// Collection returns a Source pulling the records selected by q one at a time
// in q's sort order, breaking ties by primary key.
func Collection(coll storage.Collection, q storage.Query) Source {
	return func(ctx context.Context, after bson.Raw) (bson.Raw, error) {
		page := q
		page.After = after
		page.Skip = 0
		page.Limit = 1
		docs, err := coll.Find(ctx, page)
		if err != nil || len(docs) == 0 {
			return nil, err
		}
		return docs[0], nil
	}
}

// Cursor is a forward-only, single-consumer sequence. It is not safe for
// concurrent use.
type Cursor[T any] struct {
	source Source
	decode Decoder[T]
	last   bson.Raw
	value  T
	err    error
	done   bool
}

func New[T any](source Source, decode Decoder[T]) *Cursor[T] {
	return &Cursor[T]{source: source, decode: decode}
}

// Next fetches the next value. It returns false at the end of the sequence or
// on the first error, after which the cursor stays exhausted.
func (c *Cursor[T]) Next(ctx context.Context) bool {
	if c.done {
		return false
	}
	doc, err := c.source(ctx, c.last)
	if err != nil {
		return c.stop(err)
	}
	if doc == nil {
		return c.stop(nil)
	}
	value, err := c.decode(doc)
	if err != nil {
		return c.stop(err)
	}
	c.last = doc
	c.value = value
	return true
}

func (c *Cursor[T]) stop(err error) bool {
	var zero T
	c.value = zero
	c.err = err
	c.done = true
	return false
}

// Value returns the value fetched by the last successful Next.
func (c *Cursor[T]) Value() T {
	return c.value
}

// Err returns the error that ended the sequence, if any.
func (c *Cursor[T]) Err() error {
	return c.err
}

// All drains the cursor.
func (c *Cursor[T]) All(ctx context.Context) ([]T, error) {
	var out []T
	for c.Next(ctx) {
		out = append(out, c.value)
	}
	return out, c.err
}

// Seq adapts the cursor to a range-over-func iterator. Breaking out of the
// loop stops pulling; check Err afterwards.
func (c *Cursor[T]) Seq(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for c.Next(ctx) {
			if !yield(c.value) {
				return
			}
		}
	}
}
