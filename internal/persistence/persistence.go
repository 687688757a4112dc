// Package persistence is the durable state layer of the broker: retained
// messages, subscriptions, in-flight QoS queues and last wills.
//
// Open returns at once and loads the five stores in the background. Calls
// issued before every store has loaded wait behind a readiness gate and run in
// issue order once the stores are ready. Streams pull one record per Next call.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/metric"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/readiness"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/stream"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

type Persistence struct {
	opts    Options
	engine  storage.Engine
	gate    *readiness.Gate
	metrics *metric.Metrics

	retained      *retainedStore
	subscriptions *subscriptionStore
	outgoing      *outgoingQueue
	incoming      *incomingQueue
	wills         *willStore

	counter atomic.Uint64

	mu        sync.RWMutex
	destroyed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open creates the five stores on opts.Engine and starts loading them.
func Open(opts Options) (*Persistence, error) {
	if opts.Engine == nil {
		return nil, errors.New("persistence: no storage engine configured")
	}
	opts.setDefaults()

	metrics, err := metric.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("error occured while registering metrics: %w", err)
	}

	p := &Persistence{
		opts:    opts,
		engine:  opts.Engine,
		gate:    readiness.New(storeNames...),
		metrics: metrics,
	}
	p.counter.Store(uint64(time.Now().UnixNano()))

	incoming, err := opts.Engine.Collection(IncomingStoreName, storage.Index{
		Name: "client_message", Fields: []string{fieldClientID, fieldMessageID},
	})
	if err != nil {
		return nil, err
	}
	outgoing, err := opts.Engine.Collection(OutgoingStoreName,
		storage.Index{Name: "client_message", Fields: []string{fieldClientID, fieldMessageID}},
		storage.Index{Name: "client_broker", Fields: []string{fieldClientID, fieldBrokerID, fieldBrokerCounter}},
	)
	if err != nil {
		return nil, err
	}
	retained, err := opts.Engine.Collection(RetainedStoreName, storage.Index{
		Name: "topic", Fields: []string{fieldTopic}, Unique: true,
	})
	if err != nil {
		return nil, err
	}
	subscriptions, err := opts.Engine.Collection(SubscriptionStoreName,
		storage.Index{Name: "client_topic", Fields: []string{fieldClientID, fieldTopic}, Unique: true},
		storage.Index{Name: "topic_qos", Fields: []string{fieldTopic, fieldQoS}},
	)
	if err != nil {
		return nil, err
	}
	wills, err := opts.Engine.Collection(WillStoreName, storage.Index{
		Name: "client", Fields: []string{fieldClientID}, Unique: true,
	})
	if err != nil {
		return nil, err
	}

	var cache *expirable.LRU[string, []Subscription]
	if opts.CacheSize > 0 {
		cache = expirable.NewLRU[string, []Subscription](opts.CacheSize, nil, opts.CacheTTL)
	}

	p.incoming = &incomingQueue{coll: incoming}
	p.outgoing = &outgoingQueue{coll: outgoing}
	p.retained = &retainedStore{coll: retained}
	p.subscriptions = &subscriptionStore{coll: subscriptions, cache: cache}
	p.wills = &willStore{coll: wills}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.bootstrap(ctx)
	return p, nil
}

func (p *Persistence) collections() map[string]storage.Collection {
	return map[string]storage.Collection{
		IncomingStoreName:     p.incoming.coll,
		OutgoingStoreName:     p.outgoing.coll,
		RetainedStoreName:     p.retained.coll,
		SubscriptionStoreName: p.subscriptions.coll,
		WillStoreName:         p.wills.coll,
	}
}

// bootstrap loads every store concurrently. The goroutine that loads the last
// store replays the operations queued on the gate.
func (p *Persistence) bootstrap(ctx context.Context) {
	defer p.wg.Done()

	logger.DebugF("Loading %d stores", len(storeNames))
	startTime := time.Now()
	group, groupCtx := errgroup.WithContext(ctx)
	for name, coll := range p.collections() {
		group.Go(func() error {
			loadStart := time.Now()
			if err := coll.Load(groupCtx); err != nil {
				if ctx.Err() != nil {
					err = ErrStoreUnavailable
				}
				p.gate.Fail(name, err)
				return fmt.Errorf("error occured while loading store %s: %w", name, err)
			}
			p.metrics.Loaded(name, time.Since(loadStart))
			logger.DebugF("Store %s loaded from %s, cost: %v", name, coll.Name(), time.Since(loadStart))
			p.gate.Report(name)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		logger.ErrorF("Persistence bootstrap failed: %v", err)
		return
	}

	p.metrics.SetReady(true)
	logger.InfoF("Persistence ready, broker id %s, cost: %v", p.opts.BrokerID, time.Since(startTime))

	if p.opts.CompactionInterval > 0 {
		p.wg.Add(1)
		go p.compactLoop(ctx)
	}
}

func (p *Persistence) compactLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.compactAll(ctx); err != nil && ctx.Err() == nil {
				logger.WarnF("Background compaction failed: %v", err)
			}
		}
	}
}

func (p *Persistence) compactAll(ctx context.Context) error {
	var errs []error
	for name, coll := range p.collections() {
		err := coll.Compact(ctx)
		p.metrics.Compacted(name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("compact %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Persistence) isDestroyed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.destroyed
}

// run executes one store operation through the readiness gate.
func run[T any](ctx context.Context, p *Persistence, store, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.isDestroyed() {
		return zero, ErrStoreUnavailable
	}
	if !p.gate.Ready() {
		p.metrics.Deferred()
	}
	return readiness.Do(ctx, p.gate, func(ctx context.Context) (T, error) {
		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.destroyed {
			return zero, ErrStoreUnavailable
		}

		startTime := time.Now()
		v, err := fn(ctx)
		p.metrics.Observe(store, op, startTime, err)
		logger.DebugF("%s %s cost: %v", store, op, time.Since(startTime))
		if err != nil {
			return zero, fmt.Errorf("%s %s: %w", store, op, err)
		}
		return v, nil
	})
}

func (p *Persistence) exec(ctx context.Context, store, op string, fn func(ctx context.Context) error) error {
	_, err := run(ctx, p, store, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// cursor gates every pull of source.
func cursor[T any](p *Persistence, store, op string, source stream.Source, decode stream.Decoder[T]) *stream.Cursor[T] {
	return stream.New(func(ctx context.Context, after bson.Raw) (bson.Raw, error) {
		return run(ctx, p, store, op, func(ctx context.Context) (bson.Raw, error) {
			return source(ctx, after)
		})
	}, decode)
}

func failedCursor[T any](err error) *stream.Cursor[T] {
	return stream.New(func(context.Context, bson.Raw) (bson.Raw, error) {
		return nil, err
	}, func(bson.Raw) (T, error) {
		var zero T
		return zero, err
	})
}

// BrokerID returns the id recorded on wills and enqueued packets.
func (p *Persistence) BrokerID() string {
	return p.opts.BrokerID
}

func (p *Persistence) nextBrokerCounter() uint64 {
	return p.counter.Add(1)
}

// Ready reports whether every store loaded.
func (p *Persistence) Ready() bool {
	return p.gate.Ready()
}

// WaitReady blocks until every store loaded, the bootstrap failed or ctx is done.
func (p *Persistence) WaitReady(ctx context.Context) error {
	if p.isDestroyed() {
		return ErrStoreUnavailable
	}
	return p.gate.Wait(ctx)
}

// Compact compacts every store now.
func (p *Persistence) Compact(ctx context.Context) error {
	return p.exec(ctx, "all", "compact", p.compactAll)
}

// RemoveAll empties the five stores.
func (p *Persistence) RemoveAll(ctx context.Context) error {
	return p.exec(ctx, "all", "removeAll", func(ctx context.Context) error {
		p.subscriptions.mu.Lock()
		defer p.subscriptions.mu.Unlock()
		defer p.subscriptions.purge()

		for name, coll := range p.collections() {
			if _, err := coll.Remove(ctx, storage.All()); err != nil {
				return fmt.Errorf("clear %s: %w", name, err)
			}
		}
		return nil
	})
}

// Destroy stops background work and closes the stores and the engine. Every
// later call fails with ErrStoreUnavailable. Destroying twice panics.
func (p *Persistence) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		panic("persistence: Destroy called twice")
	}
	p.destroyed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.metrics.SetReady(false)
	p.subscriptions.purge()

	var errs []error
	for name, coll := range p.collections() {
		if err := coll.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if err := p.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	logger.InfoF("Persistence destroyed")
	return errors.Join(errs...)
}

// Invoke lets the shutdown cleaner destroy the instance.
func (p *Persistence) Invoke(ctx context.Context) error {
	if p.isDestroyed() {
		return nil
	}
	return p.Destroy(ctx)
}
