package persistence

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/stream"
)

// retainedStore keeps the last retained packet of each topic. A record is the
// packet document itself.
type retainedStore struct {
	coll storage.Collection
}

func (s *retainedStore) store(ctx context.Context, pkt *packet.Packet) error {
	filter := storage.Eq(fieldTopic, pkt.Topic)
	if len(pkt.Payload) == 0 {
		_, err := s.coll.Remove(ctx, filter)
		return err
	}
	return s.coll.Upsert(ctx, filter, pkt)
}

func (s *retainedStore) matching(patterns []string) stream.Source {
	filters := make([]storage.Filter, 0, len(patterns))
	for _, pattern := range patterns {
		filters = append(filters, storage.HasPrefix(fieldTopic, TopicPrefix(pattern)))
	}
	return stream.Collection(s.coll, storage.Query{Filter: storage.Or(filters...)})
}

// StoreRetained saves pkt as the retained message of its topic, or deletes the
// retained message when pkt has no payload.
func (p *Persistence) StoreRetained(ctx context.Context, pkt *packet.Packet) error {
	if pkt == nil || pkt.Topic == "" {
		return fmt.Errorf("%w: retained packet without topic", ErrInvalidPacket)
	}
	pkt = pkt.Clone()
	return p.exec(ctx, RetainedStoreName, "store", func(ctx context.Context) error {
		return p.retained.store(ctx, pkt)
	})
}

// StreamRetainedMatching streams the retained packets whose topic starts with
// the literal prefix of any of the given filters. Wildcards are not matched
// level by level, callers needing exact matching must filter the results.
func (p *Persistence) StreamRetainedMatching(patterns ...string) *stream.Cursor[*packet.Packet] {
	return cursor(p, RetainedStoreName, "stream", p.retained.matching(patterns), packet.Decode)
}

// StreamRetained is StreamRetainedMatching with a single filter.
func (p *Persistence) StreamRetained(pattern string) *stream.Cursor[*packet.Packet] {
	return p.StreamRetainedMatching(pattern)
}
