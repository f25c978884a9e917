// Package metrics collects request, provider, cache and rate-limit metrics
// for the inference service. A Collector keeps in-process aggregates for the
// admin API and mirrors every observation into its own Prometheus registry
// for scraping.
package metrics

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/howard-nolan/legalinfer/internal/provider"
)

// latencyWindow is how many latency samples are kept, globally and per
// provider. Averages are over this trailing window.
const latencyWindow = 1000

// ring is a fixed-size buffer of the most recent latency samples.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring { return &ring{buf: make([]float64, size)} }

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) mean() float64 {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.buf[:n] {
		sum += v
	}
	return sum / float64(n)
}

// providerStats is one provider's counters. Each has its own lock so
// providers never contend with each other.
type providerStats struct {
	mu        sync.Mutex
	requests  int64
	successes int64
	failures  int64
	latencies *ring
}

// RequestRecord describes one completed inference request.
type RequestRecord struct {
	Latency   time.Duration
	Success   bool
	Provider  string
	Cached    bool
	ErrorType string // only counted when Success is false
}

// Collector aggregates metrics. It is safe for concurrent use. The zero
// value is not usable; call New.
type Collector struct {
	now     func() time.Time
	started atomic.Int64 // unix nanos, moved by Reset

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	latMu     sync.Mutex
	latencies *ring

	providers sync.Map // name → *providerStats
	errors    sync.Map // type → *atomic.Int64

	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	rateLimitHits atomic.Int64

	prom *promMetrics
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock replaces time.Now for uptime and timestamps.
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		now:       time.Now,
		latencies: newRing(latencyWindow),
		prom:      newPromMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started.Store(c.now().UnixNano())
	return c
}

// Collector satisfies provider.Recorder so the Manager can report each
// attempt directly.
var _ provider.Recorder = (*Collector)(nil)

// RecordRequest records one end-to-end inference request.
func (c *Collector) RecordRequest(r RequestRecord) {
	c.total.Add(1)
	outcome := "success"
	if r.Success {
		c.successful.Add(1)
	} else {
		outcome = "failure"
		c.failed.Add(1)
		if r.ErrorType != "" {
			c.errorCounter(r.ErrorType).Add(1)
			c.prom.errors.WithLabelValues(r.ErrorType).Inc()
		}
	}

	ms := durationMS(r.Latency)
	c.latMu.Lock()
	c.latencies.add(ms)
	c.latMu.Unlock()

	if r.Cached {
		c.cacheHits.Add(1)
		c.prom.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.cacheMisses.Add(1)
		c.prom.cacheLookups.WithLabelValues("miss").Inc()
	}

	cached := strconv.FormatBool(r.Cached)
	c.prom.requests.WithLabelValues(outcome, r.Provider, cached).Inc()
	c.prom.requestLatency.WithLabelValues(cached).Observe(r.Latency.Seconds())
}

// RecordProviderResult records one provider attempt.
func (c *Collector) RecordProviderResult(name string, success bool, latency time.Duration, kind provider.ErrorKind) {
	ps := c.providerStats(name)
	ps.mu.Lock()
	ps.requests++
	if success {
		ps.successes++
	} else {
		ps.failures++
	}
	ps.latencies.add(durationMS(latency))
	ps.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.prom.providerAttempts.WithLabelValues(name, outcome, string(kind)).Inc()
	c.prom.providerLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// RecordRateLimitRejection counts one request turned away by the limiter.
func (c *Collector) RecordRateLimitRejection() {
	c.rateLimitHits.Add(1)
	c.prom.rateLimited.Inc()
}

func (c *Collector) providerStats(name string) *providerStats {
	if v, ok := c.providers.Load(name); ok {
		return v.(*providerStats)
	}
	v, _ := c.providers.LoadOrStore(name, &providerStats{latencies: newRing(latencyWindow)})
	return v.(*providerStats)
}

func (c *Collector) errorCounter(kind string) *atomic.Int64 {
	if v, ok := c.errors.Load(kind); ok {
		return v.(*atomic.Int64)
	}
	v, _ := c.errors.LoadOrStore(kind, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Snapshot is the admin view of the Collector.
type Snapshot struct {
	Timestamp     time.Time                `json:"timestamp"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Requests      RequestStats             `json:"requests"`
	Providers     map[string]ProviderStats `json:"providers"`
	Cache         CacheStats               `json:"cache"`
	RateLimiting  RateLimitStats           `json:"rate_limiting"`
	Errors        map[string]int64         `json:"errors"`
}

type RequestStats struct {
	Total             int64   `json:"total"`
	Successful        int64   `json:"successful"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
}

type ProviderStats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

type RateLimitStats struct {
	Rejections int64 `json:"rejections"`
}

// Snapshot returns the current aggregates. Rates are percentages rounded
// to two decimals.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	uptime := now.Sub(time.Unix(0, c.started.Load())).Seconds()

	total := c.total.Load()
	successful := c.successful.Load()

	c.latMu.Lock()
	avg := c.latencies.mean()
	c.latMu.Unlock()

	var rps float64
	if uptime > 0 {
		rps = float64(total) / uptime
	}

	providers := make(map[string]ProviderStats)
	c.providers.Range(func(k, v any) bool {
		ps := v.(*providerStats)
		ps.mu.Lock()
		providers[k.(string)] = ProviderStats{
			Requests:     ps.requests,
			Successes:    ps.successes,
			Failures:     ps.failures,
			SuccessRate:  round2(percent(ps.successes, ps.requests)),
			AvgLatencyMS: round2(ps.latencies.mean()),
		}
		ps.mu.Unlock()
		return true
	})

	errs := make(map[string]int64)
	c.errors.Range(func(k, v any) bool {
		errs[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})

	hits, misses := c.cacheHits.Load(), c.cacheMisses.Load()

	return Snapshot{
		Timestamp:     now.UTC(),
		UptimeSeconds: round2(uptime),
		Requests: RequestStats{
			Total:             total,
			Successful:        successful,
			Failed:            c.failed.Load(),
			SuccessRate:       round2(percent(successful, total)),
			RequestsPerSecond: round2(rps),
			AvgLatencyMS:      round2(avg),
		},
		Providers: providers,
		Cache: CacheStats{
			Hits:    hits,
			Misses:  misses,
			Total:   hits + misses,
			HitRate: round2(percent(hits, hits+misses)),
		},
		RateLimiting: RateLimitStats{Rejections: c.rateLimitHits.Load()},
		Errors:       errs,
	}
}

// Reset clears the in-process aggregates and restarts the uptime clock.
// Prometheus series are cumulative and are left alone.
func (c *Collector) Reset() {
	c.started.Store(c.now().UnixNano())
	c.total.Store(0)
	c.successful.Store(0)
	c.failed.Store(0)

	c.latMu.Lock()
	c.latencies = newRing(latencyWindow)
	c.latMu.Unlock()

	c.providers.Range(func(k, _ any) bool {
		c.providers.Delete(k)
		return true
	})
	c.errors.Range(func(k, _ any) bool {
		c.errors.Delete(k)
		return true
	})

	c.cacheHits.Store(0)
	c.cacheMisses.Store(0)
	c.rateLimitHits.Store(0)
}

func durationMS(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func percent(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
