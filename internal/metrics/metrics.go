// Package metrics is a thin abstraction over Prometheus so that every
// vfscore cache can be used with or without metrics, generalizing
// pkg/metrics.go from the teacher cache (which wired one noop/prom pair
// per-cache-type) into a single sink shared by attrcache, namecache and
// opencache: all three need the same (hit, miss, insert) counter shape plus
// a per-shard gauge, and deserve one series-label ("cache") rather than
// three near-identical metric sets.
//
// Metrics never appear on the hot path of a cache miss when disabled:
// NewPrometheus with a nil registry yields a noopSink whose methods compile
// down to nothing.
//
// © 2025 vfscore authors. MIT License.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is implemented by noopSink and promSink. Cache packages only depend
// on this interface, never on *prometheus.Registry directly.
type Sink interface {
	IncHit(shard int)
	IncMiss(shard int)
	IncInsert(shard int)
	IncAcquire(shard int)
	SetGauge(shard int, value float64)
}

type noopSink struct{}

func (noopSink) IncHit(int)            {}
func (noopSink) IncMiss(int)           {}
func (noopSink) IncInsert(int)         {}
func (noopSink) IncAcquire(int)        {}
func (noopSink) SetGauge(int, float64) {}

// Noop returns a Sink that discards everything; used when a cache is
// constructed without WithMetrics.
func Noop() Sink { return noopSink{} }

type promSink struct {
	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	inserts *prometheus.CounterVec
	acquire *prometheus.CounterVec
	gauge   *prometheus.GaugeVec
}

// NewPrometheus registers a fresh set of series-labeled collectors under the
// given metric-name prefix (e.g. "vfscore_attr_cache") and cache instance
// name (e.g. "attr", "name", "open-file"), mirroring newPromMetrics in the
// teacher cache.
func NewPrometheus(reg *prometheus.Registry, namePrefix, cacheName string) Sink {
	if reg == nil {
		return noopSink{}
	}
	labels := []string{"cache", "shard"}
	mk := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namePrefix,
			Name:      name,
			Help:      help,
		}, labels)
	}
	ps := &promSink{
		hits:    mk("hits_total", "Number of cache hits."),
		misses:  mk("misses_total", "Number of cache misses."),
		inserts: mk("inserts_total", "Number of cache inserts."),
		acquire: mk("acquire_total", "Number of acquire calls."),
		gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namePrefix,
			Name:      "entries",
			Help:      "Live entries held by the cache.",
		}, labels),
	}
	reg.MustRegister(ps.hits, ps.misses, ps.inserts, ps.acquire, ps.gauge)
	return &boundSink{sink: ps, cacheName: cacheName}
}

// boundSink curries the "cache" label so call sites only pass a shard index.
type boundSink struct {
	sink      *promSink
	cacheName string
}

func (b *boundSink) labels(shard int) prometheus.Labels {
	return prometheus.Labels{"cache": b.cacheName, "shard": strconv.Itoa(shard)}
}

func (b *boundSink) IncHit(shard int)     { b.sink.hits.With(b.labels(shard)).Inc() }
func (b *boundSink) IncMiss(shard int)    { b.sink.misses.With(b.labels(shard)).Inc() }
func (b *boundSink) IncInsert(shard int)  { b.sink.inserts.With(b.labels(shard)).Inc() }
func (b *boundSink) IncAcquire(shard int) { b.sink.acquire.With(b.labels(shard)).Inc() }
func (b *boundSink) SetGauge(shard int, value float64) {
	b.sink.gauge.With(b.labels(shard)).Set(value)
}
