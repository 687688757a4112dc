package persistence

import (
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultCompactionInterval = 60 * time.Second
	DefaultCacheTTL           = 10 * time.Minute
)

// Options configures Open.
type Options struct {
	// Engine is the physical store holding the five collections.
	Engine storage.Engine
	// BrokerID identifies the running broker on stored wills and outgoing
	// packets. A random id is generated when empty.
	BrokerID string
	// CompactionInterval is the period of background compaction, a negative
	// value disables it.
	CompactionInterval time.Duration
	// CacheSize enables a per-client cache of subscription lists holding up to
	// CacheSize clients. It is off by default. The cache only sees writes made
	// through this instance, so enable it only when no other broker or tool
	// writes to the same engine.
	CacheSize int
	CacheTTL  time.Duration
	// Registerer receives the store metrics, nil disables them.
	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.BrokerID == "" {
		o.BrokerID = uuid.NewString()
	}
	if o.CompactionInterval == 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
}
