// Package metric instruments the logical stores with Prometheus metrics.
package metric

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_persistence"

// Result labels of an operation.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds the collectors of one persistence instance. A nil *Metrics
// records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec   // operations by store, operation and result
	latency     *prometheus.HistogramVec // store time by store and operation
	deferred    prometheus.Counter       // operations queued before readiness
	ready       prometheus.Gauge         // 1 once every store loaded
	loadTime    *prometheus.GaugeVec     // bootstrap time by store
	compactions *prometheus.CounterVec   // compaction runs by store and result
}

// New creates the collectors and registers them with reg. A nil reg disables
// metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total store operations by result",
		}, []string{"store", "operation", "result"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in the physical store per operation",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 9),
		}, []string{"store", "operation"}),

		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_operations_total",
			Help:      "Operations issued before every store finished loading",
		}),

		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready",
			Help:      "Whether every store finished loading (1=ready)",
		}),

		loadTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time taken to load a store at startup",
		}, []string{"store"}),

		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by result",
		}, []string{"store", "result"}),
	}

	var err error
	if m.operations, err = register(reg, m.operations); err != nil {
		return nil, err
	}
	if m.latency, err = register(reg, m.latency); err != nil {
		return nil, err
	}
	if m.deferred, err = register(reg, m.deferred); err != nil {
		return nil, err
	}
	if m.ready, err = register(reg, m.ready); err != nil {
		return nil, err
	}
	if m.loadTime, err = register(reg, m.loadTime); err != nil {
		return nil, err
	}
	if m.compactions, err = register(reg, m.compactions); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing the collector already registered by another
// instance under the same name.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Observe records one finished operation.
func (m *Metrics) Observe(store, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(store, operation, result(err)).Inc()
	m.latency.WithLabelValues(store, operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Deferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}

// Loaded records the bootstrap time of a store.
func (m *Metrics) Loaded(store string, took time.Duration) {
	if m == nil {
		return
	}
	m.loadTime.WithLabelValues(store).Set(took.Seconds())
}

func (m *Metrics) SetReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}

func (m *Metrics) Compacted(store string, err error) {
	if m == nil {
		return
	}
	m.compactions.WithLabelValues(store, result(err)).Inc()
}
