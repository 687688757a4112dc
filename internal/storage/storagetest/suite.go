// Package storagetest holds the behaviour every storage engine must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

type record struct {
	ClientID string `bson:"clientId"`
	Topic    string `bson:"topic"`
	QoS      int32  `bson:"qos"`
	Nested   struct {
		MessageID int32  `bson:"messageId,omitempty"`
		BrokerID  string `bson:"brokerId,omitempty"`
	} `bson:"nested"`
}

func newRecord(client, topic string, qos int32) record {
	return record{ClientID: client, Topic: topic, QoS: qos}
}

func decode(t *testing.T, docs []bson.Raw) []record {
	t.Helper()
	out := make([]record, len(docs))
	for i, doc := range docs {
		require.NoError(t, bson.Unmarshal(doc, &out[i]))
	}
	return out
}

func topics(records []record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ClientID + ":" + r.Topic
	}
	return out
}

// Run exercises an engine. newEngine must return an engine with no data in
// the collections named by the suite.
func Run(t *testing.T, newEngine func(t *testing.T) storage.Engine) {
	ctx := context.Background()

	open := func(t *testing.T, name string) storage.Collection {
		engine := newEngine(t)
		coll, err := engine.Collection(name, storage.Index{Name: "client", Fields: []string{"clientId"}})
		require.NoError(t, err)
		require.NoError(t, coll.Load(ctx))
		t.Cleanup(func() { _ = coll.Close() })
		return coll
	}

	t.Run("InsertAndFind", func(t *testing.T) {
		coll := open(t, "insert")
		require.NoError(t, coll.Insert(ctx,
			newRecord("b", "x/1", 1),
			newRecord("a", "x/2", 0),
			newRecord("a", "y/1", 2),
		))

		docs, err := coll.Find(ctx, storage.Query{
			Filter: storage.Eq("clientId", "a"),
			Sort:   []storage.SortField{{Field: "topic"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a:x/2", "a:y/1"}, topics(decode(t, docs)))

		docs, err = coll.Find(ctx, storage.Query{
			Filter: storage.Gt("qos", 0),
			Sort:   []storage.SortField{{Field: "topic", Desc: true}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a:y/1", "b:x/1"}, topics(decode(t, docs)))

		n, err := coll.Count(ctx, storage.All())
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})

	t.Run("Filters", func(t *testing.T) {
		coll := open(t, "filters")
		require.NoError(t, coll.Insert(ctx,
			newRecord("a", "home/kitchen", 1),
			newRecord("b", "home/garage", 1),
			newRecord("c", "office/desk", 1),
			newRecord("d", "home.x", 1),
		))

		count := func(f storage.Filter) int64 {
			n, err := coll.Count(ctx, f)
			require.NoError(t, err)
			return n
		}
		assert.EqualValues(t, 2, count(storage.HasPrefix("topic", "home/")))
		assert.EqualValues(t, 3, count(storage.HasPrefix("topic", "home")))
		assert.EqualValues(t, 0, count(storage.HasPrefix("topic", "home/.")))
		assert.EqualValues(t, 2, count(storage.In("clientId", []string{"a", "c"})))
		assert.EqualValues(t, 2, count(storage.NotIn("clientId", []string{"a", "c"})))
		assert.EqualValues(t, 4, count(storage.NotIn("clientId", []string{})))
		assert.EqualValues(t, 0, count(storage.Or()))
		assert.EqualValues(t, 3, count(storage.Or(
			storage.HasPrefix("topic", "office"),
			storage.HasPrefix("topic", "home/"),
		)))
		assert.EqualValues(t, 1, count(storage.And(
			storage.HasPrefix("topic", "home"),
			storage.Eq("clientId", "b"),
		)))
	})

	t.Run("ResumeAfter", func(t *testing.T) {
		coll := open(t, "resume")
		require.NoError(t, coll.Insert(ctx,
			newRecord("c", "t", 1),
			newRecord("a", "t", 1),
			newRecord("b", "t", 1),
			newRecord("a", "u", 1),
		))

		sort := []storage.SortField{{Field: "clientId"}}
		var (
			seen []string
			last bson.Raw
		)
		for {
			docs, err := coll.Find(ctx, storage.Query{Sort: sort, After: last, Limit: 1})
			require.NoError(t, err)
			if len(docs) == 0 {
				break
			}
			last = docs[0]
			seen = append(seen, decode(t, docs)[0].ClientID)
		}
		assert.Equal(t, []string{"a", "a", "b", "c"}, seen)
	})

	t.Run("SkipAndLimit", func(t *testing.T) {
		coll := open(t, "paging")
		for _, client := range []string{"a", "b", "c", "d"} {
			require.NoError(t, coll.Insert(ctx, newRecord(client, "t", 0)))
		}
		docs, err := coll.Find(ctx, storage.Query{
			Sort:  []storage.SortField{{Field: "clientId"}},
			Skip:  1,
			Limit: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b:t", "c:t"}, topics(decode(t, docs)))
	})

	t.Run("UpsertReplacesSingleDocument", func(t *testing.T) {
		coll := open(t, "upsert")
		filter := storage.Eq("topic", "retained/a")
		require.NoError(t, coll.Upsert(ctx, filter, newRecord("a", "retained/a", 0)))
		require.NoError(t, coll.Upsert(ctx, filter, newRecord("b", "retained/a", 1)))

		docs, err := coll.Find(ctx, storage.Query{Filter: filter})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "b", decode(t, docs)[0].ClientID)
	})

	t.Run("UpdateOne", func(t *testing.T) {
		coll := open(t, "update")
		r := newRecord("a", "t", 1)
		r.Nested.BrokerID = "broker"
		require.NoError(t, coll.Insert(ctx, r))

		updated, err := coll.UpdateOne(ctx,
			storage.And(storage.Eq("clientId", "a"), storage.Eq("nested.brokerId", "broker")),
			storage.Set("nested.messageId", 9))
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.EqualValues(t, 9, decode(t, []bson.Raw{updated})[0].Nested.MessageID)

		replacement := newRecord("a", "t2", 2)
		replacement.Nested.MessageID = 9
		updated, err = coll.UpdateOne(ctx,
			storage.And(storage.Eq("clientId", "a"), storage.Eq("nested.messageId", 9)),
			storage.Replace(replacement))
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, "t2", updated.Lookup("topic").StringValue())

		n, err := coll.Count(ctx, storage.All())
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		missing, err := coll.UpdateOne(ctx, storage.Eq("clientId", "zz"), storage.Set("qos", 0))
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("RemoveAndDistinct", func(t *testing.T) {
		coll := open(t, "remove")
		require.NoError(t, coll.Insert(ctx,
			newRecord("a", "t1", 1),
			newRecord("a", "t2", 1),
			newRecord("b", "t1", 1),
			newRecord("c", "t1", 0),
		))

		topicsCount, err := coll.CountDistinct(ctx, "topic", storage.Gt("qos", 0))
		require.NoError(t, err)
		assert.EqualValues(t, 2, topicsCount)
		clients, err := coll.CountDistinct(ctx, "clientId", storage.Gt("qos", 0))
		require.NoError(t, err)
		assert.EqualValues(t, 2, clients)

		removed, err := coll.Remove(ctx, storage.Eq("clientId", "a"))
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed)

		doc, err := coll.FindOne(ctx, storage.Eq("clientId", "a"))
		require.NoError(t, err)
		assert.Nil(t, doc)

		removed, err = coll.Remove(ctx, storage.All())
		require.NoError(t, err)
		assert.EqualValues(t, 2, removed)
		require.NoError(t, coll.Compact(ctx))
	})
}
