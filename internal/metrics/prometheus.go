package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "legalinfer"

// LatencyBuckets covers inference latencies from 50ms to 2 minutes.
var LatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120}

// promMetrics is the Prometheus side of a Collector. Each Collector owns
// its own registry, so tests and multiple instances never collide on the
// global default registry.
type promMetrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	providerAttempts *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	rateLimited      prometheus.Counter
	errors           *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	p := &promMetrics{
		registry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Inference requests by outcome",
			},
			[]string{"outcome", "provider", "cached"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end inference request latency",
				Buckets:   LatencyBuckets,
			},
			[]string{"cached"},
		),
		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_attempts_total",
				Help:      "Provider calls by outcome and error kind",
			},
			[]string{"provider", "outcome", "kind"},
		),
		providerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_latency_seconds",
				Help:      "Provider call latency",
				Buckets:   LatencyBuckets,
			},
			[]string{"provider"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_rejected_total",
				Help:      "Requests rejected by the tenant rate limiter",
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed requests by error type",
			},
			[]string{"type"},
		),
	}

	p.registry.MustRegister(
		p.requests,
		p.requestLatency,
		p.providerAttempts,
		p.providerLatency,
		p.cacheLookups,
		p.rateLimited,
		p.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the Collector's Prometheus registry, e.g. for tests or
// for registering extra collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.prom.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.prom.registry, promhttp.HandlerOpts{})
}
