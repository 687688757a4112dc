package persistence

import (
	"context"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloads(pkts []*packet.Packet) []string {
	out := make([]string, len(pkts))
	for i, pkt := range pkts {
		out[i] = pkt.Topic + "=" + string(pkt.Payload)
	}
	return out
}

func TestRetained(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		kitchen := publish("home/kitchen/temp", "21", 1)
		kitchen.Retain = true
		require.NoError(t, p.StoreRetained(ctx, kitchen))

		got, err := p.StreamRetainedMatching(kitchen.Topic).All(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, kitchen.Equal(got[0]), "got %s", got[0])

		// a second store on the topic replaces the first
		update := kitchen.Clone()
		update.Payload = []byte("22")
		require.NoError(t, p.StoreRetained(ctx, update))
		require.NoError(t, p.StoreRetained(ctx, publish("office/desk", "on", 0)))

		got, err = p.StreamRetained(kitchen.Topic).All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"home/kitchen/temp=22"}, payloads(got))

		tests := []struct {
			patterns []string
			expect   []string
		}{
			{[]string{"home/#"}, []string{"home/kitchen/temp=22"}},
			{[]string{"home/+/temp", "office/#"}, []string{"home/kitchen/temp=22", "office/desk=on"}},
			{[]string{"#"}, []string{"home/kitchen/temp=22", "office/desk=on"}},
			{[]string{"garden/#"}, []string{}},
			{nil, []string{}},
		}
		for _, tt := range tests {
			got, err := p.StreamRetainedMatching(tt.patterns...).All(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expect, payloads(got), "patterns %v", tt.patterns)
		}

		// an empty payload deletes the retained message
		require.NoError(t, p.StoreRetained(ctx, publish(kitchen.Topic, "", 0)))
		got, err = p.StreamRetainedMatching("home/#").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)

		require.ErrorIs(t, p.StoreRetained(ctx, &packet.Packet{Payload: []byte("x")}), ErrInvalidPacket)
		require.ErrorIs(t, p.StoreRetained(ctx, nil), ErrInvalidPacket)
	})
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		require.NoError(t, p.AddSubscriptions(ctx, "c1", []Subscription{
			{Topic: "a/b", QoS: 1},
			{Topic: "a/c", QoS: 0},
			{Topic: "x", QoS: 2},
		}))
		require.NoError(t, p.AddSubscriptions(ctx, "c1", []Subscription{
			{Topic: "x", QoS: 1},
			{Topic: "y", QoS: 0},
			{Topic: "y", QoS: 2},
		}))

		subs, err := p.ListSubscriptionsByClient(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, []Subscription{
			{ClientID: "c1", Topic: "a/b", QoS: 1},
			{ClientID: "c1", Topic: "a/c", QoS: 0},
			{ClientID: "c1", Topic: "x", QoS: 1},
			{ClientID: "c1", Topic: "y", QoS: 2},
		}, subs)

		require.NoError(t, p.RemoveSubscriptions(ctx, "c1", []string{"a/c", "missing"}))
		subs, err = p.ListSubscriptionsByClient(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, subs, 3)

		// the cached list is a copy
		subs[0].Topic = "mutated"
		subs, err = p.ListSubscriptionsByClient(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "a/b", subs[0].Topic)

		require.NoError(t, p.AddSubscriptions(ctx, "c2", []Subscription{{Topic: "a/z", QoS: 1}, {Topic: "a", QoS: 0}}))
		byTopic, err := p.ListSubscriptionsByTopic(ctx, "a/#")
		require.NoError(t, err)
		assert.Equal(t, []Subscription{
			{ClientID: "c2", Topic: "a/z", QoS: 1},
			{ClientID: "c1", Topic: "a/b", QoS: 1},
		}, byTopic)

		require.NoError(t, p.ClearSubscriptions(ctx, "c1"))
		subs, err = p.ListSubscriptionsByClient(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, subs)

		_, err = p.ListSubscriptionsByClient(ctx, "")
		require.ErrorIs(t, err, ErrClientIDEmpty)
		require.ErrorIs(t, p.AddSubscriptions(ctx, "", nil), ErrClientIDEmpty)
	})
}

func TestCountOffline(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		require.NoError(t, p.AddSubscriptions(ctx, "c1", []Subscription{{Topic: "t1", QoS: 1}}))
		require.NoError(t, p.AddSubscriptions(ctx, "c2", []Subscription{{Topic: "t1", QoS: 1}, {Topic: "t2", QoS: 2}}))
		require.NoError(t, p.AddSubscriptions(ctx, "c3", []Subscription{{Topic: "t2", QoS: 1}}))
		require.NoError(t, p.AddSubscriptions(ctx, "c4", []Subscription{{Topic: "t3", QoS: 0}}))

		topics, clients, err := p.CountOffline(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, topics)
		assert.EqualValues(t, 3, clients)
	})
}

func TestListClientsByTopic(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		require.NoError(t, p.AddSubscriptions(ctx, "zed", []Subscription{{Topic: "t1"}, {Topic: "t2"}}))
		require.NoError(t, p.AddSubscriptions(ctx, "amy", []Subscription{{Topic: "t1"}}))
		require.NoError(t, p.AddSubscriptions(ctx, "bob", []Subscription{{Topic: "t2"}}))

		clients, err := p.ListClientsByTopic("t1").All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"amy", "zed"}, clients)

		clients, err = p.ListClientsByTopic("").All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"amy", "bob", "zed"}, clients)

		clients, err = p.ListClientsByTopic("none").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, clients)
	})
}

func TestOutgoing(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		pkt := publish("news", "hello", 1)
		pkt.MessageID = 77
		require.NoError(t, p.EnqueueOutgoing(ctx, pkt, Subscription{ClientID: "a"}, Subscription{ClientID: "b"}))

		queuedA, err := p.StreamOutgoing("a").All(ctx)
		require.NoError(t, err)
		require.Len(t, queuedA, 1)
		queuedB, err := p.StreamOutgoing("b").All(ctx)
		require.NoError(t, err)
		require.Len(t, queuedB, 1)

		stored := queuedA[0]
		assert.Equal(t, "broker-1", stored.BrokerID)
		assert.NotZero(t, stored.BrokerCounter)
		assert.Zero(t, stored.MessageID, "enqueued copies have no wire id")
		assert.Equal(t, stored.BrokerCounter, queuedB[0].BrokerCounter)
		assert.EqualValues(t, 77, pkt.MessageID, "the caller's packet is untouched")

		// phase one: the surrogate identity gets a wire id
		assign := stored.Clone()
		assign.MessageID = 10
		updated, err := p.UpdateOutgoing(ctx, "a", assign)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.EqualValues(t, 10, updated.MessageID)
		assert.Equal(t, "hello", string(updated.Payload))

		// phase two: redelivery replaces the packet held under the wire id
		redeliver := &packet.Packet{Cmd: packet.PUBREL, MessageID: 10, QoS: 1}
		updated, err = p.UpdateOutgoing(ctx, "a", redeliver)
		require.NoError(t, err)
		require.NotNil(t, updated)
		assert.Equal(t, packet.PUBREL, updated.Cmd)

		queuedA, err = p.StreamOutgoing("a").All(ctx)
		require.NoError(t, err)
		require.Len(t, queuedA, 1, "updates never create records")
		assert.True(t, redeliver.Equal(queuedA[0]))

		// b's record is independent
		queuedB, err = p.StreamOutgoing("b").All(ctx)
		require.NoError(t, err)
		require.Len(t, queuedB, 1)
		assert.Zero(t, queuedB[0].MessageID)

		missing, err := p.UpdateOutgoing(ctx, "a", &packet.Packet{MessageID: 99})
		require.NoError(t, err)
		assert.Nil(t, missing)

		cleared, err := p.ClearOutgoingMessageID(ctx, "a", &packet.Packet{MessageID: 10})
		require.NoError(t, err)
		require.NotNil(t, cleared)
		assert.Equal(t, packet.PUBREL, cleared.Cmd)

		cleared, err = p.ClearOutgoingMessageID(ctx, "a", &packet.Packet{MessageID: 10})
		require.NoError(t, err)
		assert.Nil(t, cleared)

		queuedA, err = p.StreamOutgoing("a").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, queuedA)

		_, err = p.StreamOutgoing("").All(ctx)
		require.ErrorIs(t, err, ErrClientIDEmpty)
		require.ErrorIs(t, p.EnqueueOutgoing(ctx, pkt, Subscription{}), ErrClientIDEmpty)
	})
}

func TestEnqueueKeepsBrokerIdentity(t *testing.T) {
	ctx := context.Background()
	p := openReady(t, engines[0].open(t))

	pkt := publish("t", "x", 2)
	pkt.BrokerID = "other-broker"
	pkt.BrokerCounter = 42
	require.NoError(t, p.EnqueueOutgoing(ctx, pkt, Subscription{ClientID: "a"}))

	first := publish("t", "y", 1)
	second := publish("t", "z", 1)
	require.NoError(t, p.EnqueueOutgoing(ctx, first, Subscription{ClientID: "a"}))
	require.NoError(t, p.EnqueueOutgoing(ctx, second, Subscription{ClientID: "a"}))

	queued, err := p.StreamOutgoing("a").All(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "other-broker", queued[0].BrokerID)
	assert.EqualValues(t, 42, queued[0].BrokerCounter)
	assert.Equal(t, p.BrokerID(), queued[1].BrokerID)
	assert.Less(t, queued[1].BrokerCounter, queued[2].BrokerCounter)
}

func TestIncoming(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		pkt := publish("in", "payload", 2)
		pkt.MessageID = 5
		require.NoError(t, p.StoreIncoming(ctx, "c", pkt))

		// storing again under the same id keeps a single record
		again := pkt.Clone()
		again.Dup = true
		require.NoError(t, p.StoreIncoming(ctx, "c", again))

		got, err := p.GetIncoming(ctx, "c", &packet.Packet{MessageID: 5})
		require.NoError(t, err)
		assert.True(t, again.Equal(got))

		_, err = p.GetIncoming(ctx, "other", &packet.Packet{MessageID: 5})
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, p.DelIncoming(ctx, "c", &packet.Packet{MessageID: 5}))
		_, err = p.GetIncoming(ctx, "c", &packet.Packet{MessageID: 5})
		require.ErrorIs(t, err, ErrNotFound)

		// deleting an absent packet is not an error
		require.NoError(t, p.DelIncoming(ctx, "c", &packet.Packet{MessageID: 5}))
	})
}

func TestWills(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		will := publish("clients/c1/status", "offline", 1)
		require.NoError(t, p.PutWill(ctx, "c1", will))
		assert.Empty(t, will.BrokerID, "the caller's packet is untouched")

		got, err := p.GetWill(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "broker-1", got.BrokerID)
		assert.Equal(t, "offline", string(got.Payload))

		// reconnecting overwrites the will
		replacement := publish("clients/c1/status", "gone", 1)
		require.NoError(t, p.PutWill(ctx, "c1", replacement))

		deleted, err := p.DelWill(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, deleted)
		assert.Equal(t, "gone", string(deleted.Payload))

		deleted, err = p.DelWill(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, deleted)
		got, err = p.GetWill(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStreamUnclaimedWills(t *testing.T) {
	ctx := context.Background()
	engine := engines[0].open(t)
	other, err := Open(Options{Engine: engine, BrokerID: "broker-2", CompactionInterval: -1})
	require.NoError(t, err)
	require.NoError(t, other.WaitReady(ctx))
	require.NoError(t, other.PutWill(ctx, "c2", publish("w", "2", 0)))
	require.NoError(t, other.Destroy(ctx))

	p := openReady(t, engine)
	require.NoError(t, p.PutWill(ctx, "c1", publish("w", "1", 0)))

	clientsOf := func(wills []Will) []string {
		out := make([]string, len(wills))
		for i, w := range wills {
			out[i] = w.ClientID + "@" + w.Packet.BrokerID
		}
		return out
	}

	wills, err := p.StreamUnclaimedWills([]string{"broker-1"}).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2@broker-2"}, clientsOf(wills))

	wills, err = p.StreamUnclaimedWills([]string{"broker-1", "broker-2"}).All(ctx)
	require.NoError(t, err)
	assert.Empty(t, wills)

	wills, err = p.StreamUnclaimedWills(nil).All(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1@broker-1", "c2@broker-2"}, clientsOf(wills))
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	forEachEngine(t, func(t *testing.T, p *Persistence) {
		require.NoError(t, p.StoreRetained(ctx, publish("r", "1", 0)))
		require.NoError(t, p.AddSubscriptions(ctx, "c", []Subscription{{Topic: "r", QoS: 1}}))
		require.NoError(t, p.EnqueueOutgoing(ctx, publish("r", "1", 1), Subscription{ClientID: "c"}))
		incoming := publish("r", "1", 2)
		incoming.MessageID = 1
		require.NoError(t, p.StoreIncoming(ctx, "c", incoming))
		require.NoError(t, p.PutWill(ctx, "c", publish("w", "1", 0)))

		// warm the subscription cache
		_, err := p.ListSubscriptionsByClient(ctx, "c")
		require.NoError(t, err)

		require.NoError(t, p.RemoveAll(ctx))

		retained, err := p.StreamRetainedMatching("#").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, retained)
		subs, err := p.ListSubscriptionsByClient(ctx, "c")
		require.NoError(t, err)
		assert.Nil(t, subs)
		clients, err := p.ListClientsByTopic("").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, clients)
		outgoing, err := p.StreamOutgoing("c").All(ctx)
		require.NoError(t, err)
		assert.Empty(t, outgoing)
		_, err = p.GetIncoming(ctx, "c", incoming)
		require.ErrorIs(t, err, ErrNotFound)
		wills, err := p.StreamUnclaimedWills(nil).All(ctx)
		require.NoError(t, err)
		assert.Empty(t, wills)
	})
}

func TestSharedEngineSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	engine := memstore.NewMemoryStore()
	open := func(broker string) *Persistence {
		p, err := Open(Options{Engine: engine, BrokerID: broker, CompactionInterval: -1})
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Invoke(ctx) })
		require.NoError(t, p.WaitReady(ctx))
		return p
	}
	a, b := open("broker-a"), open("broker-b")

	require.NoError(t, a.AddSubscriptions(ctx, "c", []Subscription{{Topic: "x", QoS: 1}}))
	subs, err := a.ListSubscriptionsByClient(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{ClientID: "c", Topic: "x", QoS: 1}}, subs)

	require.NoError(t, b.ClearSubscriptions(ctx, "c"))
	subs, err = a.ListSubscriptionsByClient(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, subs)

	require.NoError(t, b.AddSubscriptions(ctx, "c", []Subscription{{Topic: "y", QoS: 2}}))
	subs, err = a.ListSubscriptionsByClient(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []Subscription{{ClientID: "c", Topic: "y", QoS: 2}}, subs)
}
