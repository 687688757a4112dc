package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is one MongoDB collection.
type Collection struct {
	engine     *Engine
	collection *mongo.Collection
	indexes    []storage.Index
}

func (c *Collection) Name() string {
	return c.collection.Name()
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

// Load creates the indexes of the collection.
func (c *Collection) Load(ctx context.Context) error {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	if len(c.indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(c.indexes))
	for _, index := range c.indexes {
		keys := bson.D{}
		for _, field := range index.Fields {
			keys = append(keys, bson.E{Key: field, Value: 1})
		}
		opts := options.Index().SetUnique(index.Unique)
		if index.Name != "" {
			opts.SetName(c.Name() + "_" + index.Name)
		}
		models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
	}
	startTime := time.Now()
	if _, err := c.collection.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("error occured while creating indexes of %s: %w", c.Name(), err)
	}
	logger.DebugF("mongo collection %s loaded, indexes=%d, cost: %v", c.Name(), len(models), time.Since(startTime))
	return nil
}

func (c *Collection) Insert(ctx context.Context, docs ...any) error {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	encoded := make([]any, 0, len(docs))
	for _, doc := range docs {
		raw, _, err := storage.EnsureID(doc)
		if err != nil {
			return err
		}
		encoded = append(encoded, raw)
	}
	if len(encoded) == 0 {
		return nil
	}
	if _, err := c.collection.InsertMany(ctx, encoded); err != nil {
		return handleErr(err)
	}
	return nil
}

func (c *Collection) Find(ctx context.Context, q storage.Query) ([]bson.Raw, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(storage.SortBSON(q.Sort))
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	startTime := time.Now()
	cursor, err := c.collection.Find(ctx, q.Effective().BSON(), opts)
	if err != nil {
		return nil, handleErr(err)
	}
	docs := make([]bson.Raw, 0)
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, handleErr(err)
	}
	logger.DebugF("%s query cost: %v", c.Name(), time.Since(startTime))
	return docs, nil
}

func (c *Collection) FindOne(ctx context.Context, f storage.Filter) (bson.Raw, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	opts := options.FindOne().SetSort(storage.SortBSON(nil))
	raw, err := c.collection.FindOne(ctx, f.BSON(), opts).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, handleErr(err)
	}
	return raw, nil
}

func (c *Collection) Upsert(ctx context.Context, f storage.Filter, doc any) error {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	replacement, err := withoutID(doc)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	result, err := c.collection.ReplaceOne(ctx, f.BSON(), replacement, opts)
	if err != nil {
		return handleErr(err)
	}
	logger.DebugF("%s upsert: matched=%d, modified=%d, upserted=%v",
		c.Name(), result.MatchedCount, result.ModifiedCount, result.UpsertedID != nil)
	return nil
}

func (c *Collection) UpdateOne(ctx context.Context, f storage.Filter, u storage.Update) (bson.Raw, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	var result *mongo.SingleResult
	if u.IsReplace() {
		replacement, err := withoutID(u.Document())
		if err != nil {
			return nil, err
		}
		opts := options.FindOneAndReplace().SetReturnDocument(options.After).SetSort(storage.SortBSON(nil))
		result = c.collection.FindOneAndReplace(ctx, f.BSON(), replacement, opts)
	} else {
		field, value := u.Field()
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetSort(storage.SortBSON(nil))
		update := bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: value}}}}
		result = c.collection.FindOneAndUpdate(ctx, f.BSON(), update, opts)
	}
	raw, err := result.Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, handleErr(err)
	}
	return raw, nil
}

func (c *Collection) Remove(ctx context.Context, f storage.Filter) (int64, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	result, err := c.collection.DeleteMany(ctx, f.BSON())
	if err != nil {
		return 0, handleErr(err)
	}
	return result.DeletedCount, nil
}

func (c *Collection) Count(ctx context.Context, f storage.Filter) (int64, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	n, err := c.collection.CountDocuments(ctx, f.BSON())
	if err != nil {
		return 0, handleErr(err)
	}
	return n, nil
}

func (c *Collection) CountDistinct(ctx context.Context, field string, f storage.Filter) (int64, error) {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	values, err := c.collection.Distinct(ctx, field, f.BSON())
	if err != nil {
		return 0, handleErr(err)
	}
	return int64(len(values)), nil
}

// Compact runs the compact command, which needs no exclusive lock on recent
// server versions.
func (c *Collection) Compact(ctx context.Context) error {
	ctx, cancel := c.engine.withTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	err := c.engine.database.RunCommand(ctx, bson.D{{Key: "compact", Value: c.Name()}}).Err()
	if err != nil {
		// compact is rejected for collections that do not exist yet
		if isNamespaceNotFound(err) {
			return nil
		}
		return handleErr(err)
	}
	logger.DebugF("%s compacted, cost: %v", c.Name(), time.Since(startTime))
	return nil
}

// codeNamespaceNotFound is the server error code of a missing collection.
const codeNamespaceNotFound = 26

func isNamespaceNotFound(err error) bool {
	var cmdErr mongo.CommandError
	return errors.As(err, &cmdErr) && cmdErr.HasErrorCode(codeNamespaceNotFound)
}

// Close is a no-op, the engine owns the client.
func (c *Collection) Close() error {
	return nil
}

// withoutID encodes doc and drops its primary key, which replacements must
// not change.
func withoutID(doc any) (bson.D, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidDocument, err)
	}
	var d bson.D
	if err = bson.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidDocument, err)
	}
	out := make(bson.D, 0, len(d))
	for _, e := range d {
		if e.Key != storage.IDField {
			out = append(out, e)
		}
	}
	return out, nil
}
