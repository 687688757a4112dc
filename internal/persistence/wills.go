package persistence

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/stream"
	"go.mongodb.org/mongo-driver/bson"
)

// willStore keeps at most one will per client.
type willStore struct {
	coll storage.Collection
}

func (s *willStore) put(ctx context.Context, client string, pkt *packet.Packet) error {
	return s.coll.Upsert(ctx, storage.Eq(fieldClientID, client), clientRecord{ClientID: client, Packet: *pkt})
}

func (s *willStore) get(ctx context.Context, client string) (*packet.Packet, error) {
	doc, err := s.coll.FindOne(ctx, storage.Eq(fieldClientID, client))
	if err != nil || doc == nil {
		return nil, err
	}
	return decodeRecordPacket(doc)
}

func (s *willStore) del(ctx context.Context, client string) (*packet.Packet, error) {
	pkt, err := s.get(ctx, client)
	if err != nil || pkt == nil {
		return nil, err
	}
	if _, err = s.coll.Remove(ctx, storage.Eq(fieldClientID, client)); err != nil {
		return nil, err
	}
	return pkt, nil
}

func (s *willStore) unclaimed(liveBrokers []string) stream.Source {
	filter := storage.All()
	if liveBrokers != nil {
		filter = storage.NotIn(fieldBrokerID, liveBrokers)
	}
	return stream.Collection(s.coll, storage.Query{Filter: filter})
}

func decodeWill(doc bson.Raw) (Will, error) {
	var rec clientRecord
	if err := bson.Unmarshal(doc, &rec); err != nil {
		return Will{}, fmt.Errorf("%w: %v", storage.ErrInvalidDocument, err)
	}
	return Will{ClientID: rec.ClientID, Packet: &rec.Packet}, nil
}

// PutWill stores pkt as the will of client, owned by this broker, replacing
// any previous will.
func (p *Persistence) PutWill(ctx context.Context, client string, pkt *packet.Packet) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	if pkt == nil {
		return fmt.Errorf("%w: nil packet", ErrInvalidPacket)
	}
	will := pkt.Clone()
	will.BrokerID = p.opts.BrokerID
	return p.exec(ctx, WillStoreName, "put", func(ctx context.Context) error {
		return p.wills.put(ctx, client, will)
	})
}

// GetWill returns the will of client, or nil when it has none.
func (p *Persistence) GetWill(ctx context.Context, client string) (*packet.Packet, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	return run(ctx, p, WillStoreName, "get", func(ctx context.Context) (*packet.Packet, error) {
		return p.wills.get(ctx, client)
	})
}

// DelWill removes the will of client and returns it, or nil when it had none.
func (p *Persistence) DelWill(ctx context.Context, client string) (*packet.Packet, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	return run(ctx, p, WillStoreName, "del", func(ctx context.Context) (*packet.Packet, error) {
		return p.wills.del(ctx, client)
	})
}

// StreamUnclaimedWills streams the wills owned by brokers not listed in
// liveBrokers. A nil list streams every will.
func (p *Persistence) StreamUnclaimedWills(liveBrokers []string) *stream.Cursor[Will] {
	return cursor(p, WillStoreName, "streamUnclaimed", p.wills.unclaimed(liveBrokers), decodeWill)
}
