// Package diskstore is the file-backed storage engine. Every collection is an
// independent pebble database stored under <path>/<prefix.><name>.db, keyed
// by the 12 raw bytes of the document ObjectID with the BSON document as value.
package diskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Options configures where the engine keeps its files.
type Options struct {
	// Path is the directory holding one database per collection.
	Path string
	// Prefix is prepended, followed by a dot, to every database name.
	Prefix string
	// FS overrides the filesystem, vfs.NewMem() keeps everything in memory.
	FS vfs.FS
}

// Engine opens pebble-backed collections.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	if opts.Path == "" {
		opts.Path = "./data"
	}
	return &Engine{opts: opts}
}

// Filename returns the database location of a collection.
func (e *Engine) Filename(name string) string {
	prefix := ""
	if e.opts.Prefix != "" {
		prefix = e.opts.Prefix + "."
	}
	return filepath.Join(e.opts.Path, prefix+name+".db")
}

func (e *Engine) Collection(name string, _ ...storage.Index) (storage.Collection, error) {
	return &Collection{name: name, filename: e.Filename(name), fs: e.opts.FS}, nil
}

// Close is a no-op, collections own their databases.
func (e *Engine) Close(_ context.Context) error {
	return nil
}

var (
	keyLow  = []byte{0x00}
	keyHigh = bytes.Repeat([]byte{0xff}, 13)
)

// Collection is one pebble database.
type Collection struct {
	name     string
	filename string
	fs       vfs.FS

	// mu serialises read-modify-write operations
	mu sync.Mutex
	db *pebble.DB

	// visited counts documents read from pebble
	visited atomic.Int64
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}

	startTime := time.Now()
	opts := &pebble.Options{}
	if c.fs != nil {
		opts.FS = c.fs
	} else if err := os.MkdirAll(filepath.Dir(c.filename), 0755); err != nil {
		return fmt.Errorf("error occured while creating data directory: %w", err)
	}
	db, err := pebble.Open(c.filename, opts)
	if err != nil {
		return fmt.Errorf("error occured while opening %s: %w", c.filename, err)
	}
	c.db = db

	documents := 0
	if err = c.each(nil, func(bson.Raw) bool { documents++; return true }); err != nil {
		_ = db.Close()
		c.db = nil
		return fmt.Errorf("error occured while reading %s: %w", c.filename, err)
	}
	logger.DebugF("disk collection %s loaded from %s, documents=%d, cost: %v",
		c.name, c.filename, documents, time.Since(startTime))
	return nil
}

func (c *Collection) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.db == nil {
		return storage.ErrNotLoaded
	}
	return nil
}

// each visits the documents in key order until visit returns false. When
// after is set the scan seeks past its key instead of starting at the first
// document. Callers hold c.mu.
func (c *Collection) each(after bson.Raw, visit func(doc bson.Raw) bool) error {
	it, err := c.db.NewIter(&pebble.IterOptions{LowerBound: keyLow, UpperBound: keyHigh})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	ok := it.First()
	if after != nil {
		id, found := storage.IDOf(after)
		if !found {
			return fmt.Errorf("%w: resume document without _id", storage.ErrInvalidDocument)
		}
		ok = it.SeekGE(id[:])
		if ok && bytes.Equal(it.Key(), id[:]) {
			ok = it.Next()
		}
	}
	for ; ok; ok = it.Next() {
		c.visited.Add(1)
		raw := bson.Raw(bytes.Clone(it.Value()))
		if err = raw.Validate(); err != nil {
			return fmt.Errorf("%w: key %x: %v", storage.ErrInvalidDocument, it.Key(), err)
		}
		if !visit(raw) {
			break
		}
	}
	return it.Error()
}

// query answers q by walking the key space. Queries ordered by key alone
// resume at q.After and stop as soon as q.Limit documents matched, so a
// stream pull reads only the documents between two results.
func (c *Collection) query(ctx context.Context, q storage.Query) ([]bson.Raw, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	out := make([]bson.Raw, 0)
	if len(q.Sort) > 0 {
		// no secondary index, so every document is read, but a limited query
		// only keeps its best q.Skip+q.Limit matches
		filter := q.Effective()
		keep := int64(-1)
		if q.Limit > 0 {
			keep = q.Skip + q.Limit
		}
		err := c.each(nil, func(doc bson.Raw) bool {
			if !filter.Match(doc) {
				return true
			}
			i, _ := slices.BinarySearchFunc(out, doc, func(a, b bson.Raw) int {
				return storage.CompareDocs(a, b, q.Sort)
			})
			if keep < 0 || int64(i) < keep {
				out = slices.Insert(out, i, doc)
				if keep >= 0 && int64(len(out)) > keep {
					out = out[:keep]
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		return storage.Evaluate(out, q), nil
	}

	filter := q.Filter
	if filter == nil {
		filter = storage.All()
	}
	skip := q.Skip
	err := c.each(q.After, func(doc bson.Raw) bool {
		if !filter.Match(doc) {
			return true
		}
		if skip > 0 {
			skip--
			return true
		}
		out = append(out, doc)
		return q.Limit <= 0 || int64(len(out)) < q.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Collection) first(ctx context.Context, f storage.Filter) (bson.Raw, error) {
	found, err := c.query(ctx, storage.Query{Filter: f, Limit: 1})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (c *Collection) Insert(ctx context.Context, docs ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return err
	}
	batch := c.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, doc := range docs {
		raw, id, err := storage.EnsureID(doc)
		if err != nil {
			return err
		}
		if err = batch.Set(id[:], raw, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (c *Collection) Find(ctx context.Context, q storage.Query) ([]bson.Raw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query(ctx, q)
}

func (c *Collection) FindOne(ctx context.Context, f storage.Filter) (bson.Raw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first(ctx, f)
}

func (c *Collection) Upsert(ctx context.Context, f storage.Filter, doc any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	found, err := c.first(ctx, f)
	if err != nil {
		return err
	}
	var (
		raw bson.Raw
		id  primitive.ObjectID
	)
	if found != nil {
		id, _ = storage.IDOf(found)
		raw, err = storage.WithID(doc, id)
	} else {
		raw, id, err = storage.EnsureID(doc)
	}
	if err != nil {
		return err
	}
	return c.db.Set(id[:], raw, pebble.Sync)
}

func (c *Collection) UpdateOne(ctx context.Context, f storage.Filter, u storage.Update) (bson.Raw, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found, err := c.first(ctx, f)
	if err != nil || found == nil {
		return nil, err
	}
	updated, err := u.Apply(found)
	if err != nil {
		return nil, err
	}
	id, _ := storage.IDOf(updated)
	if err = c.db.Set(id[:], updated, pebble.Sync); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *Collection) Remove(ctx context.Context, f storage.Filter) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	found, err := c.query(ctx, storage.Query{Filter: f})
	if err != nil || len(found) == 0 {
		return 0, err
	}
	batch := c.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, doc := range found {
		id, _ := storage.IDOf(doc)
		if err = batch.Delete(id[:], nil); err != nil {
			return 0, err
		}
	}
	if err = batch.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return int64(len(found)), nil
}

func (c *Collection) Count(ctx context.Context, f storage.Filter) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	if f == nil {
		f = storage.All()
	}
	var n int64
	err := c.each(nil, func(doc bson.Raw) bool {
		if f.Match(doc) {
			n++
		}
		return true
	})
	return n, err
}

func (c *Collection) CountDistinct(ctx context.Context, field string, f storage.Filter) (int64, error) {
	docs, err := c.Find(ctx, storage.Query{Filter: f})
	if err != nil {
		return 0, err
	}
	return storage.DistinctCount(docs, field), nil
}

// Compact forces a manual compaction over the whole key space, dropping
// tombstones of removed and replaced documents.
func (c *Collection) Compact(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(ctx); err != nil {
		return err
	}
	startTime := time.Now()
	if err := c.db.Compact(keyLow, keyHigh, true); err != nil {
		return err
	}
	logger.DebugF("disk collection %s compacted, cost: %v", c.name, time.Since(startTime))
	return nil
}

func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err != nil && !errors.Is(err, pebble.ErrClosed) {
		return err
	}
	return nil
}
