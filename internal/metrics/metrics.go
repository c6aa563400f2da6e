package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Resolve outcomes.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultNotFound = "not_found"
)

// Reload outcomes.
const (
	ReloadApplied   = "applied"
	ReloadUnchanged = "unchanged"
)

// Registry holds metrics. It owns a private prometheus registry so several
// gateways can live in one process (and in one test binary).
type Registry struct {
	reg *prometheus.Registry

	resolves     *prometheus.CounterVec
	reloads      *prometheus.CounterVec
	rules        prometheus.Gauge
	parseSkipped prometheus.Gauge
	generation   prometheus.Gauge
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// NewRegistry creates the gateway metrics together with the Go runtime and
// process collectors.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.resolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "resolve_total",
		Help:      "Path resolutions by outcome",
	}, []string{"result"})
	r.reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "reloads_total",
		Help:      "Route table reloads by outcome",
	}, []string{"result"})
	r.rules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "rules",
		Help:      "Rules in the current route table",
	})
	r.parseSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "parse_skipped",
		Help:      "Records and options skipped while parsing the current route table",
	})
	r.generation = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "generation",
		Help:      "Generation number of the current route table",
	})
	r.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of requests",
	}, []string{"route", "method", "status"})
	r.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_latency_seconds",
		Help:      "Upstream latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	r.reg.MustRegister(
		r.resolves, r.reloads, r.rules, r.parseSkipped, r.generation,
		r.requests, r.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// IncResolve counts one resolution. Safe on a nil registry.
func (r *Registry) IncResolve(result string) {
	if r == nil {
		return
	}
	r.resolves.WithLabelValues(result).Inc()
}

// ObserveReload records a reload and the shape of the installed table.
func (r *Registry) ObserveReload(result string, generation uint64, rules, skipped int) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(result).Inc()
	if result != ReloadApplied {
		return
	}
	r.generation.Set(float64(generation))
	r.rules.Set(float64(rules))
	r.parseSkipped.Set(float64(skipped))
}

// IncRequest counts one served request. Safe on a nil registry.
func (r *Registry) IncRequest(route, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, method, status).Inc()
}

// ObserveLatency records the duration of one upstream round trip, so a
// retried request contributes one sample per attempt. Safe on a nil registry.
func (r *Registry) ObserveLatency(route string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
