// Package ratelimit implements per-tenant sliding-window admission control.
//
// Each tenant gets its own window: the timestamps of its admitted requests
// within the trailing window duration. A request is admitted while the
// window holds fewer than the tenant's limit.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults used when no limit is configured.
const (
	DefaultMaxRequests = 100
	DefaultWindow      = 60 * time.Second
)

// Limit is a request budget over a trailing window.
type Limit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"-"`
}

// Decision is the result of one Check.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	TenantID     string    `json:"tenant_id"`
	CurrentCount int       `json:"current_count"`
	Limit        int       `json:"limit"`
	Window       float64   `json:"window_seconds"`
	ResetAt      time.Time `json:"reset_at"`
}

// RetryAfter is how long until the oldest request leaves the window.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// window is one tenant's state. The mutex makes prune-then-append atomic
// per tenant; unrelated tenants never share a lock.
type window struct {
	mu         sync.Mutex
	limit      Limit       // resolved under mu on every use
	timestamps []time.Time // oldest first
}

// prune drops timestamps older than now - limit.Window. Callers hold mu.
func (w *window) prune(now time.Time) {
	start := now.Add(-w.limit.Window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(start) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Limiter is the multi-tenant rate limiter. It is safe for concurrent use.
type Limiter struct {
	defaults Limit

	limitsMu sync.RWMutex
	limits   map[string]Limit // per-tenant overrides

	windows sync.Map // tenant → *window

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithLogger sets the Limiter's logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Limiter) { l.logger = lg } }

// WithTenantLimits seeds per-tenant overrides.
func WithTenantLimits(limits map[string]Limit) Option {
	return func(l *Limiter) {
		for id, lim := range limits {
			l.limits[id] = lim
		}
	}
}

// New creates a Limiter. Non-positive fields of defaults fall back to
// DefaultMaxRequests and DefaultWindow.
func New(defaults Limit, opts ...Option) *Limiter {
	l := &Limiter{
		defaults: normalize(defaults, Limit{MaxRequests: DefaultMaxRequests, Window: DefaultWindow}),
		limits:   make(map[string]Limit),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger.Info("rate limiter initialized",
		"max_requests", l.defaults.MaxRequests,
		"window", l.defaults.Window.String(),
	)
	return l
}

func normalize(lim, fallback Limit) Limit {
	if lim.MaxRequests <= 0 {
		lim.MaxRequests = fallback.MaxRequests
	}
	if lim.Window <= 0 {
		lim.Window = fallback.Window
	}
	return lim
}

// limitFor resolves tenant's configured limit.
func (l *Limiter) limitFor(tenant string) Limit {
	l.limitsMu.RLock()
	defer l.limitsMu.RUnlock()
	if lim, ok := l.limits[tenant]; ok {
		return normalize(lim, l.defaults)
	}
	return l.defaults
}

func (l *Limiter) windowFor(tenant string) *window {
	if w, ok := l.windows.Load(tenant); ok {
		return w.(*window)
	}
	w, _ := l.windows.LoadOrStore(tenant, &window{})
	return w.(*window)
}

// Check decides whether tenant may make one more request now, and records
// it if so.
func (l *Limiter) Check(tenant string) Decision {
	w := l.windowFor(tenant)
	now := l.now()

	w.mu.Lock()
	w.limit = l.limitFor(tenant)
	w.prune(now)
	count := len(w.timestamps)
	allowed := count < w.limit.MaxRequests
	if allowed {
		w.timestamps = append(w.timestamps, now)
		count++
	}
	resetAt := now
	if len(w.timestamps) > 0 {
		resetAt = w.timestamps[0].Add(w.limit.Window)
	}
	lim := w.limit
	w.mu.Unlock()

	d := Decision{
		Allowed:      allowed,
		TenantID:     tenant,
		CurrentCount: count,
		Limit:        lim.MaxRequests,
		Window:       lim.Window.Seconds(),
		ResetAt:      resetAt,
	}
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			"tenant_id", tenant,
			"current_count", count,
			"limit", lim.MaxRequests,
		)
	}
	return d
}

// SetTenantLimit overrides tenant's limit and discards its current window,
// so the tenant starts fresh under the new limit.
func (l *Limiter) SetTenantLimit(tenant string, maxRequests int, window time.Duration) error {
	if maxRequests <= 0 || window <= 0 {
		return fmt.Errorf("ratelimit: invalid limit %d per %s", maxRequests, window)
	}
	l.limitsMu.Lock()
	l.limits[tenant] = Limit{MaxRequests: maxRequests, Window: window}
	l.limitsMu.Unlock()

	l.windows.Delete(tenant)
	l.logger.Info("tenant rate limit set",
		"tenant_id", tenant,
		"max_requests", maxRequests,
		"window", window.String(),
	)
	return nil
}

// TenantStats is the rate-limit view of one tenant.
type TenantStats struct {
	TenantID           string  `json:"tenant_id"`
	CurrentRequests    int     `json:"current_requests"`
	Limit              int     `json:"limit"`
	Window             float64 `json:"window_seconds"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// TenantStats reports tenant's window as of now. Unseen tenants report
// zero usage against the limit they would get.
func (l *Limiter) TenantStats(tenant string) TenantStats {
	v, ok := l.windows.Load(tenant)
	if !ok {
		lim := l.limitFor(tenant)
		return TenantStats{TenantID: tenant, Limit: lim.MaxRequests, Window: lim.Window.Seconds()}
	}
	return l.statsOf(tenant, v.(*window), l.now())
}

func (l *Limiter) statsOf(tenant string, w *window, now time.Time) TenantStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = l.limitFor(tenant)
	w.prune(now)
	n := len(w.timestamps)
	var util float64
	if w.limit.MaxRequests > 0 {
		util = float64(n) / float64(w.limit.MaxRequests) * 100
	}
	return TenantStats{
		TenantID:           tenant,
		CurrentRequests:    n,
		Limit:              w.limit.MaxRequests,
		Window:             w.limit.Window.Seconds(),
		UtilizationPercent: util,
	}
}

// DefaultLimits is Limit as reported in Stats.
type DefaultLimits struct {
	MaxRequests int     `json:"max_requests"`
	Window      float64 `json:"window_seconds"`
}

// Stats is the global rate-limit view.
type Stats struct {
	DefaultLimits DefaultLimits          `json:"default_limits"`
	ActiveTenants int                    `json:"active_tenants"`
	Tenants       map[string]TenantStats `json:"tenants"`
}

// Stats reports every tenant seen so far.
func (l *Limiter) Stats() Stats {
	now := l.now()
	tenants := make(map[string]TenantStats)
	l.windows.Range(func(k, v any) bool {
		id := k.(string)
		tenants[id] = l.statsOf(id, v.(*window), now)
		return true
	})
	return Stats{
		DefaultLimits: DefaultLimits{MaxRequests: l.defaults.MaxRequests, Window: l.defaults.Window.Seconds()},
		ActiveTenants: len(tenants),
		Tenants:       tenants,
	}
}
