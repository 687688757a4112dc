package persistence

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/stream"
	"go.mongodb.org/mongo-driver/bson"
)

// outgoingQueue holds the packets queued for delivery to each client. Several
// records may share (client, message id) while a surrogate id is renamed.
type outgoingQueue struct {
	coll storage.Collection
}

func (q *outgoingQueue) enqueue(ctx context.Context, subs []Subscription, pkt *packet.Packet) error {
	docs := make([]any, 0, len(subs))
	for _, sub := range subs {
		docs = append(docs, clientRecord{ClientID: sub.ClientID, Packet: *pkt})
	}
	return q.coll.Insert(ctx, docs...)
}

func (q *outgoingQueue) update(ctx context.Context, client string, pkt *packet.Packet) (*packet.Packet, error) {
	var (
		filter storage.Filter
		update storage.Update
	)
	if pkt.HasBrokerIdentity() {
		// the wire id is now known, rename the surrogate identity
		filter = storage.And(
			storage.Eq(fieldClientID, client),
			storage.Eq(fieldBrokerID, pkt.BrokerID),
			storage.Eq(fieldBrokerCounter, pkt.BrokerCounter),
		)
		update = storage.Set(fieldMessageID, pkt.MessageID)
	} else {
		filter = storage.And(storage.Eq(fieldClientID, client), storage.Eq(fieldMessageID, pkt.MessageID))
		update = storage.Replace(clientRecord{ClientID: client, Packet: *pkt})
	}

	doc, err := q.coll.UpdateOne(ctx, filter, update)
	if err != nil || doc == nil {
		return nil, err
	}
	return decodeRecordPacket(doc)
}

func (q *outgoingQueue) clearMessageID(ctx context.Context, client string, messageID uint16) (*packet.Packet, error) {
	doc, err := q.coll.FindOne(ctx, storage.And(storage.Eq(fieldClientID, client), storage.Eq(fieldMessageID, messageID)))
	if err != nil || doc == nil {
		return nil, err
	}
	pkt, err := decodeRecordPacket(doc)
	if err != nil {
		return nil, err
	}
	id, ok := storage.IDOf(doc)
	if !ok {
		return nil, fmt.Errorf("%w: outgoing record without primary key", storage.ErrInvalidDocument)
	}
	if _, err = q.coll.Remove(ctx, storage.Eq(storage.IDField, id)); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (q *outgoingQueue) stream(client string) stream.Source {
	return stream.Collection(q.coll, storage.Query{Filter: storage.Eq(fieldClientID, client)})
}

func decodeRecordPacket(doc bson.Raw) (*packet.Packet, error) {
	var rec clientRecord
	if err := bson.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidDocument, err)
	}
	return &rec.Packet, nil
}

// EnqueueOutgoing queues a copy of pkt for every subscriber. The copy has no
// wire message id; it keeps the surrogate ids of pkt when set and gets fresh
// ones from this broker otherwise, shared by all subscribers.
func (p *Persistence) EnqueueOutgoing(ctx context.Context, pkt *packet.Packet, subs ...Subscription) error {
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	for _, sub := range subs {
		if sub.ClientID == "" {
			return ErrClientIDEmpty
		}
	}
	if len(subs) == 0 {
		return nil
	}

	queued := pkt.Clone()
	queued.MessageID = 0
	if !queued.HasBrokerIdentity() {
		queued.BrokerID = p.opts.BrokerID
		queued.BrokerCounter = p.nextBrokerCounter()
	}
	return p.exec(ctx, OutgoingStoreName, "enqueue", func(ctx context.Context) error {
		return p.outgoing.enqueue(ctx, subs, queued)
	})
}

// UpdateOutgoing reconciles a queued packet with its wire identity.
//
// When pkt carries surrogate ids, the matching record gets pkt's message id.
// Otherwise the record holding pkt's message id is replaced by pkt. The updated
// packet is returned, or nil when no record matched.
func (p *Persistence) UpdateOutgoing(ctx context.Context, client string, pkt *packet.Packet) (*packet.Packet, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	pkt = pkt.Clone()
	return run(ctx, p, OutgoingStoreName, "update", func(ctx context.Context) (*packet.Packet, error) {
		return p.outgoing.update(ctx, client, pkt)
	})
}

// ClearOutgoingMessageID removes the queued packet holding pkt's message id and
// returns it, or nil when there was none.
func (p *Persistence) ClearOutgoingMessageID(ctx context.Context, client string, pkt *packet.Packet) (*packet.Packet, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	messageID := pkt.MessageID
	return run(ctx, p, OutgoingStoreName, "clearMessageId", func(ctx context.Context) (*packet.Packet, error) {
		return p.outgoing.clearMessageID(ctx, client, messageID)
	})
}

// StreamOutgoing streams the packets queued for client.
func (p *Persistence) StreamOutgoing(client string) *stream.Cursor[*packet.Packet] {
	if client == "" {
		return failedCursor[*packet.Packet](ErrClientIDEmpty)
	}
	return cursor(p, OutgoingStoreName, "stream", p.outgoing.stream(client), decodeRecordPacket)
}
