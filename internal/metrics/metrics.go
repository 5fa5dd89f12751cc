// Package metrics exposes the daemon's Prometheus instrumentation. The
// choice of prometheus/client_golang is grounded in autobrr-qui's go.mod
// and other_examples/dcache, both of which instrument a cache/service
// layer with it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every counter/gauge/histogram the cache daemon emits.
// Construct one with New, which registers every metric on the given
// *prometheus.Registry (or prometheus.DefaultRegisterer), before serving
// /metrics.
type Metrics struct {
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	WriteQueueDepth   prometheus.Gauge
	WriterBusyRetries prometheus.Counter
	WriterDrainSecs   prometheus.Histogram
}

// New constructs and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ssplus_cache_hits_total",
			Help: "Cache Map reads that returned a live, non-sentinel entry.",
		}, []string{"source"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ssplus_cache_misses_total",
			Help: "Cache Map reads that returned no usable entry, by reason.",
		}, []string{"reason"}),
		WriteQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ssplus_write_queue_depth",
			Help: "Number of write intents currently queued for the Writer Thread.",
		}),
		WriterBusyRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ssplus_writer_busy_retries_total",
			Help: "Write intents rescheduled after the backing store returned BUSY.",
		}),
		WriterDrainSecs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ssplus_writer_drain_seconds",
			Help:    "Per-intent execution latency as observed by the Writer Thread.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Miss reasons used with CacheMisses: a probed-and-confirmed-absent
// sentinel, a cold miss that triggered a store probe, or an entry found
// but already expired.
const (
	MissReasonSentinel  = "sentinel"
	MissReasonColdProbe = "store-miss"
	MissReasonExpired   = "expired"
)

// Hit sources used with CacheHits.
const (
	HitSourceMemory = "memory"
	HitSourceStore  = "store-probe"
)
