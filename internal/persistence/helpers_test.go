package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/packet"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/diskstore"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

var engines = []struct {
	name string
	open func(t *testing.T) storage.Engine
}{
	{"memory", func(*testing.T) storage.Engine { return memstore.NewMemoryStore() }},
	{"disk", func(t *testing.T) storage.Engine { return diskstore.New(diskstore.Options{Path: t.TempDir()}) }},
}

// forEachEngine runs fn against a ready persistence on every engine.
func forEachEngine(t *testing.T, fn func(t *testing.T, p *Persistence)) {
	for _, engine := range engines {
		t.Run(engine.name, func(t *testing.T) {
			fn(t, openReady(t, engine.open(t)))
		})
	}
}

func openPersistence(t *testing.T, engine storage.Engine) *Persistence {
	t.Helper()
	p, err := Open(Options{Engine: engine, BrokerID: "broker-1", CompactionInterval: -1, CacheSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Invoke(context.Background()) })
	return p
}

func openReady(t *testing.T, engine storage.Engine) *Persistence {
	t.Helper()
	p := openPersistence(t, engine)
	require.NoError(t, p.WaitReady(context.Background()))
	return p
}

func publish(topic, payload string, qos byte) *packet.Packet {
	pkt := &packet.Packet{Cmd: packet.PUBLISH, Topic: topic, QoS: qos}
	if payload != "" {
		pkt.Payload = []byte(payload)
	}
	return pkt
}

// heldEngine holds every collection load until release is closed and records
// the retained payloads written.
type heldEngine struct {
	storage.Engine
	release chan struct{}
	fail    map[string]error

	mu     sync.Mutex
	writes []string
}

func newHeldEngine() *heldEngine {
	return &heldEngine{
		Engine:  memstore.NewMemoryStore(),
		release: make(chan struct{}),
		fail:    make(map[string]error),
	}
}

func (e *heldEngine) Collection(name string, indexes ...storage.Index) (storage.Collection, error) {
	coll, err := e.Engine.Collection(name, indexes...)
	if err != nil {
		return nil, err
	}
	return &heldCollection{Collection: coll, engine: e, name: name}, nil
}

func (e *heldEngine) recorded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.writes...)
}

type heldCollection struct {
	storage.Collection
	engine *heldEngine
	name   string
}

func (c *heldCollection) Load(ctx context.Context) error {
	select {
	case <-c.engine.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.engine.fail[c.name]; err != nil {
		return err
	}
	return c.Collection.Load(ctx)
}

func (c *heldCollection) Upsert(ctx context.Context, f storage.Filter, doc any) error {
	if pkt, ok := doc.(*packet.Packet); ok {
		c.engine.mu.Lock()
		c.engine.writes = append(c.engine.writes, pkt.Topic+"="+string(pkt.Payload))
		c.engine.mu.Unlock()
	}
	return c.Collection.Upsert(ctx, f, doc)
}

func (c *heldCollection) Remove(ctx context.Context, f storage.Filter) (int64, error) {
	if c.name == RetainedStoreName {
		c.engine.mu.Lock()
		c.engine.writes = append(c.engine.writes, "remove")
		c.engine.mu.Unlock()
	}
	return c.Collection.Remove(ctx, f)
}
