package persistence

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/stream"
	"go.mongodb.org/mongo-driver/bson"
)

type subscriptionStore struct {
	coll storage.Collection

	// mu serializes writes, keeping one record per (client, topic), and
	// orders cache fills against invalidations.
	mu         sync.Mutex
	cache      *expirable.LRU[string, []Subscription] // nil when disabled
	generation uint64
}

func (s *subscriptionStore) invalidate(client string) {
	s.generation++
	if s.cache != nil {
		s.cache.Remove(client)
	}
}

func (s *subscriptionStore) purge() {
	s.generation++
	if s.cache != nil {
		s.cache.Purge()
	}
}

func (s *subscriptionStore) add(ctx context.Context, client string, subs []Subscription) error {
	// the last entry wins when a topic is given twice
	qos := make(map[string]byte, len(subs))
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		if _, ok := qos[sub.Topic]; !ok {
			topics = append(topics, sub.Topic)
		}
		qos[sub.Topic] = sub.QoS
	}
	if len(topics) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate(client)

	filter := storage.And(storage.Eq(fieldClientID, client), storage.In(fieldTopic, topics))
	if _, err := s.coll.Remove(ctx, filter); err != nil {
		return err
	}
	docs := make([]any, 0, len(topics))
	for _, topic := range topics {
		docs = append(docs, Subscription{ClientID: client, Topic: topic, QoS: qos[topic]})
	}
	return s.coll.Insert(ctx, docs...)
}

func (s *subscriptionStore) remove(ctx context.Context, client string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate(client)

	_, err := s.coll.Remove(ctx, storage.And(storage.Eq(fieldClientID, client), storage.In(fieldTopic, topics)))
	return err
}

func (s *subscriptionStore) clear(ctx context.Context, client string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.invalidate(client)

	_, err := s.coll.Remove(ctx, storage.Eq(fieldClientID, client))
	return err
}

func (s *subscriptionStore) byClient(ctx context.Context, client string) ([]Subscription, error) {
	if s.cache != nil {
		if subs, ok := s.cache.Get(client); ok {
			return slices.Clone(subs), nil
		}
	}

	s.mu.Lock()
	generation := s.generation
	s.mu.Unlock()

	docs, err := s.coll.Find(ctx, storage.Query{
		Filter: storage.Eq(fieldClientID, client),
		Sort:   []storage.SortField{{Field: fieldTopic}},
	})
	if err != nil {
		return nil, err
	}
	subs, err := decodeSubscriptions(docs)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		subs = nil
	}

	if s.cache != nil {
		s.mu.Lock()
		if s.generation == generation {
			s.cache.Add(client, subs)
		}
		s.mu.Unlock()
	}
	return slices.Clone(subs), nil
}

func (s *subscriptionStore) byTopic(ctx context.Context, pattern string) ([]Subscription, error) {
	docs, err := s.coll.Find(ctx, storage.Query{
		Filter: storage.And(storage.HasPrefix(fieldTopic, TopicPrefix(pattern)), storage.Gt(fieldQoS, 0)),
		Sort:   []storage.SortField{{Field: fieldTopic, Desc: true}},
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscriptions(docs)
}

func (s *subscriptionStore) countOffline(ctx context.Context) (offline, error) {
	filter := storage.Gt(fieldQoS, 0)
	topics, err := s.coll.CountDistinct(ctx, fieldTopic, filter)
	if err != nil {
		return offline{}, err
	}
	clients, err := s.coll.CountDistinct(ctx, fieldClientID, filter)
	if err != nil {
		return offline{}, err
	}
	return offline{topics: topics, clients: clients}, nil
}

// clients returns a source over the distinct subscribed clients in client id
// order, restricted to subscriptions of topic unless it is empty.
func (s *subscriptionStore) clients(topic string) stream.Source {
	base := storage.All()
	if topic != "" {
		base = storage.Eq(fieldTopic, topic)
	}
	sort := []storage.SortField{{Field: fieldClientID}}
	return func(ctx context.Context, after bson.Raw) (bson.Raw, error) {
		filter := base
		if after != nil {
			last, _ := storage.Lookup(after, fieldClientID)
			filter = storage.And(base, storage.Gt(fieldClientID, last))
		}
		docs, err := s.coll.Find(ctx, storage.Query{Filter: filter, Sort: sort, Limit: 1})
		if err != nil || len(docs) == 0 {
			return nil, err
		}
		return docs[0], nil
	}
}

type offline struct {
	topics, clients int64
}

func decodeSubscriptions(docs []bson.Raw) ([]Subscription, error) {
	subs := make([]Subscription, len(docs))
	for i, doc := range docs {
		if err := bson.Unmarshal(doc, &subs[i]); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrInvalidDocument, err)
		}
	}
	return subs, nil
}

func decodeClientID(doc bson.Raw) (string, error) {
	v, ok := storage.Lookup(doc, fieldClientID)
	if !ok {
		return "", fmt.Errorf("%w: subscription without client id", storage.ErrInvalidDocument)
	}
	id, ok := v.StringValueOK()
	if !ok {
		return "", fmt.Errorf("%w: client id of type %s", storage.ErrInvalidDocument, v.Type)
	}
	return id, nil
}

// AddSubscriptions stores subs for client, replacing the records of any topic
// the client was already subscribed to. The ClientID of each sub is ignored.
func (p *Persistence) AddSubscriptions(ctx context.Context, client string, subs []Subscription) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	return p.exec(ctx, SubscriptionStoreName, "add", func(ctx context.Context) error {
		return p.subscriptions.add(ctx, client, subs)
	})
}

func (p *Persistence) RemoveSubscriptions(ctx context.Context, client string, topics []string) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	return p.exec(ctx, SubscriptionStoreName, "remove", func(ctx context.Context) error {
		return p.subscriptions.remove(ctx, client, topics)
	})
}

// ListSubscriptionsByClient returns the subscriptions of client sorted by
// topic, or nil when it has none.
func (p *Persistence) ListSubscriptionsByClient(ctx context.Context, client string) ([]Subscription, error) {
	if client == "" {
		return nil, ErrClientIDEmpty
	}
	return run(ctx, p, SubscriptionStoreName, "listByClient", func(ctx context.Context) ([]Subscription, error) {
		return p.subscriptions.byClient(ctx, client)
	})
}

// ListSubscriptionsByTopic returns the subscriptions with QoS above zero whose
// topic starts with the literal prefix of pattern, sorted by topic descending.
func (p *Persistence) ListSubscriptionsByTopic(ctx context.Context, pattern string) ([]Subscription, error) {
	return run(ctx, p, SubscriptionStoreName, "listByTopic", func(ctx context.Context) ([]Subscription, error) {
		return p.subscriptions.byTopic(ctx, pattern)
	})
}

// CountOffline returns the number of distinct topics and distinct clients
// among the subscriptions with QoS above zero.
func (p *Persistence) CountOffline(ctx context.Context) (topics, clients int64, err error) {
	counts, err := run(ctx, p, SubscriptionStoreName, "countOffline", p.subscriptions.countOffline)
	return counts.topics, counts.clients, err
}

func (p *Persistence) ClearSubscriptions(ctx context.Context, client string) error {
	if client == "" {
		return ErrClientIDEmpty
	}
	return p.exec(ctx, SubscriptionStoreName, "clear", func(ctx context.Context) error {
		return p.subscriptions.clear(ctx, client)
	})
}

// ListClientsByTopic streams the distinct ids of the clients subscribed to
// topic, or of every subscribed client when topic is empty, in id order.
func (p *Persistence) ListClientsByTopic(topic string) *stream.Cursor[string] {
	return cursor(p, SubscriptionStoreName, "listClients", p.subscriptions.clients(topic), decodeClientID)
}
