// Package memstore is a non-durable storage engine keeping every collection
// in process memory. Collections survive being closed and reopened on the
// same Engine, which lets tests exercise restarts without touching disk.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*collectionData
}

type collectionData struct {
	mu   sync.RWMutex
	docs map[primitive.ObjectID]bson.Raw
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*collectionData)}
}

func (ms *MemoryStore) Collection(name string, _ ...storage.Index) (storage.Collection, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	data, ok := ms.collections[name]
	if !ok {
		data = &collectionData{docs: make(map[primitive.ObjectID]bson.Raw)}
		ms.collections[name] = data
	}
	return &Collection{name: name, data: data}, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}

// Collection is a handle on one in-memory collection.
type Collection struct {
	name   string
	data   *collectionData
	mu     sync.RWMutex
	loaded bool
	closed bool
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.loaded = true
	c.closed = false
	c.mu.Unlock()

	c.data.mu.RLock()
	logger.DebugF("memory collection %s loaded, documents=%d", c.name, len(c.data.docs))
	c.data.mu.RUnlock()
	return nil
}

func (c *Collection) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return storage.ErrClosed
	}
	if !c.loaded {
		return storage.ErrNotLoaded
	}
	return nil
}

// snapshot returns the documents in primary key order. Callers hold data.mu.
func (c *Collection) snapshot() []bson.Raw {
	ids := make([]primitive.ObjectID, 0, len(c.data.docs))
	for id := range c.data.docs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b primitive.ObjectID) int {
		return slices.Compare(a[:], b[:])
	})
	docs := make([]bson.Raw, len(ids))
	for i, id := range ids {
		docs[i] = c.data.docs[id]
	}
	return docs
}

func (c *Collection) Insert(ctx context.Context, docs ...any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	encoded := make(map[primitive.ObjectID]bson.Raw, len(docs))
	for _, doc := range docs {
		raw, id, err := storage.EnsureID(doc)
		if err != nil {
			return err
		}
		encoded[id] = raw
	}
	c.data.mu.Lock()
	defer c.data.mu.Unlock()
	for id, raw := range encoded {
		c.data.docs[id] = raw
	}
	return nil
}

func (c *Collection) Find(ctx context.Context, q storage.Query) ([]bson.Raw, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.data.mu.RLock()
	defer c.data.mu.RUnlock()
	return storage.Evaluate(c.snapshot(), q), nil
}

func (c *Collection) FindOne(ctx context.Context, f storage.Filter) (bson.Raw, error) {
	docs, err := c.Find(ctx, storage.Query{Filter: f, Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) Upsert(ctx context.Context, f storage.Filter, doc any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	c.data.mu.Lock()
	defer c.data.mu.Unlock()
	if found := storage.Evaluate(c.snapshot(), storage.Query{Filter: f, Limit: 1}); len(found) > 0 {
		id, _ := storage.IDOf(found[0])
		raw, err := storage.WithID(doc, id)
		if err != nil {
			return err
		}
		c.data.docs[id] = raw
		return nil
	}
	raw, id, err := storage.EnsureID(doc)
	if err != nil {
		return err
	}
	c.data.docs[id] = raw
	return nil
}

func (c *Collection) UpdateOne(ctx context.Context, f storage.Filter, u storage.Update) (bson.Raw, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	c.data.mu.Lock()
	defer c.data.mu.Unlock()
	found := storage.Evaluate(c.snapshot(), storage.Query{Filter: f, Limit: 1})
	if len(found) == 0 {
		return nil, nil
	}
	updated, err := u.Apply(found[0])
	if err != nil {
		return nil, err
	}
	id, _ := storage.IDOf(updated)
	c.data.docs[id] = updated
	return updated, nil
}

func (c *Collection) Remove(ctx context.Context, f storage.Filter) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	c.data.mu.Lock()
	defer c.data.mu.Unlock()
	found := storage.Evaluate(c.snapshot(), storage.Query{Filter: f})
	for _, doc := range found {
		id, _ := storage.IDOf(doc)
		delete(c.data.docs, id)
	}
	return int64(len(found)), nil
}

func (c *Collection) Count(ctx context.Context, f storage.Filter) (int64, error) {
	docs, err := c.Find(ctx, storage.Query{Filter: f})
	return int64(len(docs)), err
}

func (c *Collection) CountDistinct(ctx context.Context, field string, f storage.Filter) (int64, error) {
	docs, err := c.Find(ctx, storage.Query{Filter: f})
	if err != nil {
		return 0, err
	}
	return storage.DistinctCount(docs, field), nil
}

// Compact is a no-op: deleted documents are released to the garbage collector.
func (c *Collection) Compact(ctx context.Context) error {
	return c.check(ctx)
}

func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
