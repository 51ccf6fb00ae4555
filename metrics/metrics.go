/*
Package metrics exports the caching layer's events to Prometheus.

Prometheus implements types.Metrics on its own registry, so several instances
(one per test, say) never collide on the default registerer.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krisalay/client-cache/types"
)

const DefaultNamespace = "clientcache"

type Prometheus struct {
	registry *prometheus.Registry

	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	expirations *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	size        *prometheus.GaugeVec
	shared      *prometheus.CounterVec

	batchCommits *prometheus.CounterVec
	batchOps     prometheus.Histogram

	connectionsClosed *prometheus.CounterVec
	connections       prometheus.Gauge
}

var _ types.Metrics = (*Prometheus)(nil)

// New registers every collector under namespace, plus the Go runtime and process collectors.
func New(namespace string) *Prometheus {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,

		hits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache reads served from a fresh entry.",
		}, []string{"cache"}),
		misses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache reads that found no fresh entry.",
		}, []string{"cache"}),
		expirations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "expirations_total",
			Help: "Entries removed because they outlived their TTL.",
		}, []string{"cache"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Entries removed to make room.",
		}, []string{"cache"}),
		size: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Entries currently held.",
		}, []string{"cache"}),
		shared: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dedup", Name: "shared_total",
			Help: "Callers that joined a fetch already in flight.",
		}, []string{"group"}),

		batchCommits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "commits_total",
			Help: "Batch commits by outcome.",
		}, []string{"result"}),
		batchOps: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "batch", Name: "operations",
			Help:    "Operations per batch commit.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connections", Name: "closed_total",
			Help: "Realtime connections torn down, by reason.",
		}, []string{"reason"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connections", Name: "live",
			Help: "Realtime connections currently registered.",
		}),
	}
}

func (p *Prometheus) Hit(cache string)  { p.hits.WithLabelValues(cache).Inc() }
func (p *Prometheus) Miss(cache string) { p.misses.WithLabelValues(cache).Inc() }

func (p *Prometheus) Expire(cache string, n int) {
	p.expirations.WithLabelValues(cache).Add(float64(n))
}

func (p *Prometheus) Eviction(cache string, n int) {
	p.evictions.WithLabelValues(cache).Add(float64(n))
}

func (p *Prometheus) Size(cache string, n int) { p.size.WithLabelValues(cache).Set(float64(n)) }

func (p *Prometheus) Shared(group string) { p.shared.WithLabelValues(group).Inc() }

func (p *Prometheus) BatchCommit(ops int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.batchCommits.WithLabelValues(result).Inc()
	p.batchOps.Observe(float64(ops))
}

func (p *Prometheus) ConnectionClosed(reason string) {
	p.connectionsClosed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) Connections(n int) { p.connections.Set(float64(n)) }

// Registry is the registry every collector is registered on.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
