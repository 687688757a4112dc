package persistence

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
)

// incomingQueue holds inbound QoS 2 packets awaiting PUBREL, one per
// (client, message id).
type incomingQueue struct {
	coll storage.Collection
}

func incomingFilter(client string, messageID uint16) storage.Filter {
	return storage.And(storage.Eq(fieldClientID, client), storage.Eq(fieldMessageID, messageID))
}

func (q *incomingQueue) store(ctx context.Context, client string, pkt *packet.Packet) error {
	return q.coll.Upsert(ctx, incomingFilter(client, pkt.MessageID), clientRecord{ClientID: client, Packet: *pkt})
}

func (q *incomingQueue) get(ctx context.Context, client string, messageID uint16) (*packet.Packet, error) {
	doc, err := q.coll.FindOne(ctx, incomingFilter(client, messageID))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return decodeRecordPacket(doc)
}

func (q *incomingQueue) del(ctx context.Context, client string, messageID uint16) error {
	_, err := q.coll.Remove(ctx, incomingFilter(client, messageID))
	return err
}

func (p *Persistence) StoreIncoming(ctx context.Context, client string, pkt *packet.Packet) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	pkt = pkt.Clone()
	return p.exec(ctx, IncomingStoreName, "store", func(ctx context.Context) error {
		return p.incoming.store(ctx, client, pkt)
	})
}

// GetIncoming returns the stored packet with pkt's message id. It fails with
// ErrNotFound when there is none, since the QoS 2 handshake expects it.
func (p *Persistence) GetIncoming(ctx context.Context, client string, pkt *packet.Packet) (*packet.Packet, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	if pkt == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	messageID := pkt.MessageID
	return run(ctx, p, IncomingStoreName, "get", func(ctx context.Context) (*packet.Packet, error) {
		return p.incoming.get(ctx, client, messageID)
	})
}

func (p *Persistence) DelIncoming(ctx context.Context, client string, pkt *packet.Packet) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	messageID := pkt.MessageID
	return p.exec(ctx, IncomingStoreName, "del", func(ctx context.Context) error {
		return p.incoming.del(ctx, client, messageID)
	})
}
