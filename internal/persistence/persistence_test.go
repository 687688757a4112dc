package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/diskstore"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsBeforeReadyRunInIssueOrder(t *testing.T) {
	ctx := context.Background()
	engine := newHeldEngine()
	p := openPersistence(t, engine)
	assert.False(t, p.Ready())

	var wg sync.WaitGroup
	for i, payload := range []string{"1", "2", "", "3", "3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.StoreRetained(ctx, publish("t", payload, 0)))
		}()
		// wait for the call to queue before issuing the next one
		require.Eventually(t, func() bool { return p.gate.Queued() == i+1 }, time.Second, time.Millisecond)
	}
	assert.Empty(t, engine.recorded())

	close(engine.release)
	wg.Wait()
	require.NoError(t, p.WaitReady(ctx))
	assert.True(t, p.Ready())

	// repeated calls are not coalesced
	assert.Equal(t, []string{"t=1", "t=2", "remove", "t=3", "t=3"}, engine.recorded())

	got, err := p.StreamRetained("t").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t=3"}, payloads(got))
}

func TestStreamBeforeReadyWaits(t *testing.T) {
	ctx := context.Background()
	engine := newHeldEngine()
	p := openPersistence(t, engine)

	go func() {
		assert.NoError(t, p.StoreRetained(ctx, publish("a", "1", 0)))
	}()
	require.Eventually(t, func() bool { return p.gate.Queued() == 1 }, time.Second, time.Millisecond)

	cursor := p.StreamRetained("#")
	results := make(chan []string, 1)
	go func() {
		got, err := cursor.All(ctx)
		assert.NoError(t, err)
		results <- payloads(got)
	}()
	require.Eventually(t, func() bool { return p.gate.Queued() == 2 }, time.Second, time.Millisecond)

	close(engine.release)
	select {
	case got := <-results:
		assert.Equal(t, []string{"a=1"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestBootstrapFailure(t *testing.T) {
	ctx := context.Background()
	engine := newHeldEngine()
	corrupt := errors.New("corrupt file")
	engine.fail[WillStoreName] = corrupt

	p := openPersistence(t, engine)
	queued := make(chan error, 1)
	go func() {
		_, err := p.GetWill(ctx, "c")
		queued <- err
	}()
	require.Eventually(t, func() bool { return p.gate.Queued() == 1 }, time.Second, time.Millisecond)
	close(engine.release)

	require.ErrorIs(t, <-queued, corrupt)
	require.ErrorIs(t, p.WaitReady(ctx), corrupt)
	assert.False(t, p.Ready())

	_, err := p.GetWill(ctx, "c")
	require.ErrorIs(t, err, corrupt)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	p := openReady(t, engines[0].open(t))
	require.NoError(t, p.PutWill(ctx, "c", publish("w", "x", 0)))

	cursor := p.StreamUnclaimedWills(nil)
	require.NoError(t, p.Destroy(ctx))

	_, err := p.GetWill(ctx, "c")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, p.StoreRetained(ctx, publish("r", "1", 0)), ErrStoreUnavailable)
	require.ErrorIs(t, p.RemoveAll(ctx), ErrStoreUnavailable)
	require.ErrorIs(t, p.WaitReady(ctx), ErrStoreUnavailable)

	assert.False(t, cursor.Next(ctx))
	require.ErrorIs(t, cursor.Err(), ErrStoreUnavailable)

	assert.Panics(t, func() { _ = p.Destroy(ctx) })
	// the shutdown hook tolerates an already destroyed instance
	require.NoError(t, p.Invoke(ctx))
}

func TestDestroyBeforeReady(t *testing.T) {
	ctx := context.Background()
	p := openPersistence(t, newHeldEngine())

	queued := make(chan error, 1)
	go func() {
		queued <- p.PutWill(ctx, "c", publish("w", "x", 0))
	}()
	require.Eventually(t, func() bool { return p.gate.Queued() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Destroy(ctx))
	require.ErrorIs(t, <-queued, ErrStoreUnavailable)
}

func TestDurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	open := func() *Persistence {
		return openReady(t, diskstore.New(diskstore.Options{Path: dir, Prefix: "broker"}))
	}

	p := open()
	require.NoError(t, p.StoreRetained(ctx, publish("r/1", "kept", 1)))
	require.NoError(t, p.StoreRetained(ctx, publish("r/2", "dropped", 1)))
	require.NoError(t, p.StoreRetained(ctx, publish("r/2", "", 1)))
	require.NoError(t, p.AddSubscriptions(ctx, "c", []Subscription{{Topic: "r/#", QoS: 1}}))
	require.NoError(t, p.EnqueueOutgoing(ctx, publish("r/1", "queued", 1), Subscription{ClientID: "c"}))
	incoming := publish("r/1", "in", 2)
	incoming.MessageID = 3
	require.NoError(t, p.StoreIncoming(ctx, "c", incoming))
	require.NoError(t, p.PutWill(ctx, "c", publish("w", "bye", 0)))
	require.NoError(t, p.Compact(ctx))
	require.NoError(t, p.Destroy(ctx))

	p = open()
	retained, err := p.StreamRetained("r/#").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r/1=kept"}, payloads(retained))

	subs, err := p.ListSubscriptionsByClient(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{ClientID: "c", Topic: "r/#", QoS: 1}}, subs)

	outgoing, err := p.StreamOutgoing("c").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r/1=queued"}, payloads(outgoing))

	got, err := p.GetIncoming(ctx, "c", &packet.Packet{MessageID: 3})
	require.NoError(t, err)
	assert.True(t, incoming.Equal(got))

	will, err := p.GetWill(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, will)
	assert.Equal(t, "bye", string(will.Payload))
}

func TestBackgroundCompaction(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := Open(Options{
		Engine:             engines[1].open(t),
		CompactionInterval: 10 * time.Millisecond,
		Registerer:         reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Invoke(context.Background()) })
	require.NoError(t, p.WaitReady(context.Background()))
	assert.NotEmpty(t, p.BrokerID(), "a broker id is generated")

	require.Eventually(t, func() bool {
		families, err := reg.Gather()
		if err != nil {
			return false
		}
		for _, family := range families {
			if family.GetName() == "mqtt_persistence_compactions_total" {
				return len(family.GetMetric()) == len(storeNames)
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenWithoutEngine(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestTopicPrefix(t *testing.T) {
	tests := []struct {
		filter string
		expect string
	}{
		{"a/b/c", "a/b/c"},
		{"a/#", "a/"},
		{"a/+/c", "a/"},
		{"#", ""},
		{"+/x/#", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, TopicPrefix(tt.filter), tt.filter)
	}
}

// indexEngine records the indexes every collection is created with.
type indexEngine struct {
	storage.Engine
	indexes map[string][]storage.Index
}

func (e *indexEngine) Collection(name string, indexes ...storage.Index) (storage.Collection, error) {
	e.indexes[name] = indexes
	return e.Engine.Collection(name, indexes...)
}

func TestUniqueIndexes(t *testing.T) {
	engine := &indexEngine{Engine: memstore.NewMemoryStore(), indexes: make(map[string][]storage.Index)}
	openReady(t, engine)

	unique := func(store string) []string {
		var names []string
		for _, index := range engine.indexes[store] {
			if index.Unique {
				names = append(names, index.Name)
			}
		}
		return names
	}
	assert.Equal(t, []string{"client_topic"}, unique(SubscriptionStoreName))
	assert.Equal(t, []string{"topic"}, unique(RetainedStoreName))
	assert.Equal(t, []string{"client"}, unique(WillStoreName))
	assert.Empty(t, unique(OutgoingStoreName))
}
