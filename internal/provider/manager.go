package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Names used on the synthesized response when no provider could answer.
const (
	FallbackModel    = "fallback"
	FallbackProvider = "system-fallback"
)

// Recorder receives one call per provider attempt. metrics.Collector
// implements it; the Manager doesn't import the metrics package.
type Recorder interface {
	RecordProviderResult(provider string, success bool, latency time.Duration, kind ErrorKind)
}

// Outcome is what happened to one provider during a Generate call.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"   // unhealthy, not the last candidate
	OutcomeCancelled Outcome = "cancelled" // caller's context ended mid-call
)

// Attempt is the result value for one candidate in the try-order. The
// failover loop builds a list of these instead of propagating errors.
type Attempt struct {
	Provider  string    `json:"provider"`
	Outcome   Outcome   `json:"outcome"`
	Kind      ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
}

// entry is one registered provider. desc.Priority and desc.Enabled are
// guarded by Manager.mu; every other field is fixed after Register.
type entry struct {
	provider Provider
	desc     Descriptor
	index    int
	health   *healthState
	usage    usage
}

// usage is the Manager's own per-provider counter set, reported by Status.
type usage struct {
	mu           sync.Mutex
	requests     int64
	successes    int64
	failures     int64
	avgLatencyMS float64 // running mean over successes
}

func (u *usage) record(success bool, latency time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests++
	if !success {
		u.failures++
		return
	}
	u.successes++
	ms := float64(latency) / float64(time.Millisecond)
	u.avgLatencyMS += (ms - u.avgLatencyMS) / float64(u.successes)
}

func (u *usage) snapshot() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UsageStats{
		Requests:     u.requests,
		Successes:    u.successes,
		Failures:     u.failures,
		AvgLatencyMS: u.avgLatencyMS,
	}
}

// Manager holds the configured providers and runs the failover loop.
//
// It's safe for concurrent use. The RWMutex only protects the provider
// set and the mutable descriptor fields; no lock is held across a
// provider call or a health probe.
type Manager struct {
	mu      sync.RWMutex
	entries []*entry // registration order
	byName  map[string]*entry

	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
	probeTimeout time.Duration

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	fallbacks  atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets where per-attempt results are reported.
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithLogger sets the Manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces time.Now for health-check scheduling.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithProbeTimeout bounds each health probe. Default 5s.
func WithProbeTimeout(d time.Duration) Option { return func(m *Manager) { m.probeTimeout = d } }

// NewManager creates an empty Manager. Add providers with Register.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byName:       make(map[string]*entry),
		logger:       slog.Default(),
		now:          time.Now,
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Build constructs every adapter in descs through reg and registers them
// in order. Disabled descriptors are registered too so they can be
// enabled later.
func Build(descs []Descriptor, reg *Registry, client *http.Client, opts ...Option) (*Manager, error) {
	m := NewManager(opts...)
	for _, d := range descs {
		p, err := reg.Build(d, client)
		if err != nil {
			return nil, err
		}
		if err := m.Register(d, p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds p under desc.Name. Registration order breaks priority ties.
func (m *Manager) Register(desc Descriptor, p Provider) error {
	if desc.Name == "" {
		desc.Name = p.Name()
	}
	desc = desc.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[desc.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateProvider, desc.Name)
	}
	e := &entry{
		provider: p,
		desc:     desc,
		index:    len(m.entries),
		health:   newHealthState(desc.HealthCheckInterval),
	}
	m.entries = append(m.entries, e)
	m.byName[desc.Name] = e

	m.logger.Info("provider registered",
		"provider", desc.Name,
		"type", string(desc.Type),
		"priority", desc.Priority,
		"enabled", desc.Enabled,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Failover
// ---------------------------------------------------------------------------

type generateOptions struct {
	failover bool
}

// GenerateOption tunes a single Generate call.
type GenerateOption func(*generateOptions)

// WithoutFailover stops after the first candidate, whatever its outcome.
func WithoutFailover() GenerateOption {
	return func(o *generateOptions) { o.failover = false }
}

// Generate answers req using exactly one successful provider call, trying
// candidates in order until one succeeds.
//
// It always returns a well-formed Response. When no provider answers, the
// response is synthesized with Fallback set and Provider "system-fallback".
func (m *Manager) Generate(ctx context.Context, req *Request, opts ...GenerateOption) *Response {
	o := generateOptions{failover: true}
	for _, opt := range opts {
		opt(&o)
	}

	m.total.Add(1)
	order, first := m.tryOrder(req.Provider)
	if len(order) == 0 {
		m.logger.WarnContext(ctx, "no enabled providers")
		m.failed.Add(1)
		m.fallbacks.Add(1)
		return systemFallback(req, nil, "No AI providers are enabled")
	}

	attempts := make([]Attempt, 0, len(order))
	reason := "All providers failed"

	for i, e := range order {
		if ctx.Err() != nil {
			reason = "Request cancelled"
			break
		}

		last := i == len(order)-1
		if m.health(ctx, e) == StatusUnhealthy && !last {
			m.logger.DebugContext(ctx, "skipping unhealthy provider", "provider", e.desc.Name)
			attempts = append(attempts, Attempt{Provider: e.desc.Name, Outcome: OutcomeSkipped})
			continue
		}

		resp, a := m.attempt(ctx, e, req, i+1)
		attempts = append(attempts, a)

		if a.Outcome == OutcomeSuccess {
			if e.desc.Name != first {
				resp.Fallback = true
				m.fallbacks.Add(1)
			}
			m.successful.Add(1)
			resp.Attempts = attempts
			return resp
		}

		if a.Outcome == OutcomeCancelled {
			reason = "Request cancelled"
			break
		}
		reason = a.Error
		if !o.failover {
			break
		}
	}

	m.failed.Add(1)
	m.fallbacks.Add(1)
	m.logger.ErrorContext(ctx, "all providers failed", "attempts", len(attempts), "reason", reason)
	return systemFallback(req, attempts, reason)
}

// tryOrder returns the enabled providers in the order Generate should try
// them, plus the name of the highest-priority enabled provider (the one
// whose success doesn't count as a fallback).
func (m *Manager) tryOrder(override string) ([]*entry, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.desc.Enabled {
			order = append(order, e)
		}
	}
	// entries is already in registration order, so a stable sort on
	// priority alone yields (priority, index).
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].desc.Priority < order[j].desc.Priority
	})
	if len(order) == 0 {
		return nil, ""
	}
	first := order[0].desc.Name

	if override == "" || override == first {
		return order, first
	}
	for i, e := range order {
		if e.desc.Name == override {
			reordered := make([]*entry, 0, len(order))
			reordered = append(reordered, e)
			reordered = append(reordered, order[:i]...)
			reordered = append(reordered, order[i+1:]...)
			return reordered, first
		}
	}
	return order, first
}

// attempt makes one provider call and converts its outcome into an Attempt.
func (m *Manager) attempt(ctx context.Context, e *entry, req *Request, n int) (*Response, Attempt) {
	name := e.desc.Name
	start := time.Now()
	resp, err := e.provider.Generate(ctx, req)
	latency := time.Since(start)

	a := Attempt{Provider: name, LatencyMS: float64(latency) / float64(time.Millisecond)}
	if err == nil && resp == nil {
		err = &Error{Kind: KindBadResponse, Provider: name, Message: "adapter returned no response"}
	}

	if err != nil {
		a.Error = err.Error()
		a.Kind = KindOf(err)

		// A caller that went away isn't the provider's fault.
		if ctx.Err() != nil {
			a.Outcome = OutcomeCancelled
			m.logger.InfoContext(ctx, "provider call cancelled", "provider", name, "attempt", n)
			return nil, a
		}

		a.Outcome = OutcomeFailure
		e.usage.record(false, latency)
		m.record(name, false, latency, a.Kind)
		m.logger.WarnContext(ctx, "provider call failed",
			"provider", name,
			"attempt", n,
			"kind", string(a.Kind),
			"latency_ms", a.LatencyMS,
			"error", err,
		)
		return nil, a
	}

	a.Outcome = OutcomeSuccess
	e.usage.record(true, latency)
	m.record(name, true, latency, "")

	if resp.Provider == "" {
		resp.Provider = name
	}
	if resp.Latency == 0 {
		resp.Latency = latency
	}
	m.logger.DebugContext(ctx, "provider call succeeded", "provider", name, "attempt", n, "latency_ms", a.LatencyMS)
	return resp, a
}

func (m *Manager) record(name string, success bool, latency time.Duration, kind ErrorKind) {
	if m.recorder != nil {
		m.recorder.RecordProviderResult(name, success, latency, kind)
	}
}

// health returns e's status, probing first if a probe is due. The probe is
// bounded by probeTimeout.
func (m *Manager) health(ctx context.Context, e *entry) Status {
	if e.health.claim(m.now()) {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		ok := e.provider.HealthCheck(probeCtx)
		cancel()
		e.health.record(ok, m.now())
		if !ok {
			m.logger.WarnContext(ctx, "provider health check failed", "provider", e.desc.Name)
		}
	}
	status, _ := e.health.snapshot()
	return status
}

// systemFallback builds the response returned when no provider answered.
func systemFallback(req *Request, attempts []Attempt, reason string) *Response {
	answer := fmt.Sprintf(`I apologize, but I'm temporarily unable to process your legal query.

**Your Query:** %s

**Status:** All AI providers are currently unavailable

**What's happening:**
- %s
- The system attempted to use multiple AI providers
- All providers were unable to respond at this time

**Next Steps:**
1. Please try again in a few moments
2. For urgent legal matters, consult a qualified legal professional
3. Check system status for updates

This is an automated fallback response. We're working to restore service.

[System Fallback - All Providers Unavailable]`, req.Query, reason)

	return &Response{
		Answer:     answer,
		Model:      FallbackModel,
		Provider:   FallbackProvider,
		Confidence: float64Ptr(0),
		TokensUsed: len(strings.Fields(answer)),
		Fallback:   true,
		Metadata:   map[string]any{"assistant_confidence": "low"},
		Attempts:   attempts,
	}
}

// ---------------------------------------------------------------------------
// Startup validation
// ---------------------------------------------------------------------------

// ValidateAll checks every registered provider concurrently and returns a
// name → ok map. It never fails: a provider that doesn't validate is
// marked unhealthy and startup carries on. Results also seed the health
// state so the first request doesn't have to probe.
func (m *Manager) ValidateAll(ctx context.Context) map[string]bool {
	m.mu.RLock()
	entries := append([]*entry(nil), m.entries...)
	m.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(entries))
		g       errgroup.Group
	)
	for _, e := range entries {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			var ok bool
			if v, isValidator := e.provider.(CredentialValidator); isValidator {
				ok = v.ValidateCredentials(probeCtx)
			} else {
				ok = e.provider.HealthCheck(probeCtx)
			}
			e.health.record(ok, m.now())

			mu.Lock()
			results[e.desc.Name] = ok
			mu.Unlock()

			if ok {
				m.logger.InfoContext(ctx, "provider validated", "provider", e.desc.Name)
			} else {
				m.logger.WarnContext(ctx, "provider validation failed", "provider", e.desc.Name)
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return an error
	return results
}

// ---------------------------------------------------------------------------
// Management operations
// ---------------------------------------------------------------------------

// SwitchProvider makes name the active provider by giving it a priority
// one lower than the current minimum. It returns false if name is unknown
// or disabled.
func (m *Manager) SwitchProvider(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.byName[name]
	if !ok || !target.desc.Enabled {
		return false
	}
	lowest := target.desc.Priority
	for _, e := range m.entries {
		if e != target && e.desc.Priority < lowest {
			lowest = e.desc.Priority
		}
	}
	// Already strictly first: nothing to change.
	if lowest == target.desc.Priority && m.strictlyFirstLocked(target) {
		return true
	}
	target.desc.Priority = lowest - 1
	m.logger.Info("active provider switched", "provider", name, "priority", target.desc.Priority)
	return true
}

// strictlyFirstLocked reports whether target alone holds the lowest
// priority. Callers hold m.mu.
func (m *Manager) strictlyFirstLocked(target *entry) bool {
	for _, e := range m.entries {
		if e != target && e.desc.Priority <= target.desc.Priority {
			return false
		}
	}
	return true
}

// SetPriority sets name's priority. Returns false if name is unknown.
func (m *Manager) SetPriority(name string, priority int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return false
	}
	e.desc.Priority = priority
	return true
}

// EnableProvider puts name back into the try-order.
func (m *Manager) EnableProvider(name string) bool { return m.setEnabled(name, true) }

// DisableProvider removes name from the try-order.
func (m *Manager) DisableProvider(name string) bool { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byName[name]
	if !ok {
		return false
	}
	e.desc.Enabled = enabled
	m.logger.Info("provider toggled", "provider", name, "enabled", enabled)
	return true
}

// Provider returns the adapter registered under name.
func (m *Manager) Provider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

// UsageStats is the Manager's per-provider counter set.
type UsageStats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Stats are the Manager's aggregate counters.
type Stats struct {
	TotalRequests      int64                 `json:"total_requests"`
	SuccessfulRequests int64                 `json:"successful_requests"`
	FailedRequests     int64                 `json:"failed_requests"`
	FallbackCount      int64                 `json:"fallback_count"`
	ProviderUsage      map[string]UsageStats `json:"provider_usage"`
}

// Info describes one provider in a status report.
type Info struct {
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	Status       Status       `json:"status"`
	Enabled      bool         `json:"enabled"`
	Priority     int          `json:"priority"`
	DefaultModel string       `json:"default_model,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	LastChecked  *time.Time   `json:"last_health_check,omitempty"`
}

// StatusReport is the full management view of the Manager.
type StatusReport struct {
	Providers      []Info    `json:"providers"`
	ActiveProvider string    `json:"active_provider"`
	Metrics        Stats     `json:"metrics"`
	Timestamp      time.Time `json:"timestamp"`
}

// Providers lists every registered provider, enabled ones first in
// try-order, then disabled ones in registration order.
func (m *Manager) Providers() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := append([]*entry(nil), m.entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].desc, sorted[j].desc
		if a.Enabled != b.Enabled {
			return a.Enabled
		}
		if a.Enabled {
			return a.Priority < b.Priority
		}
		return false
	})

	out := make([]Info, 0, len(sorted))
	for _, e := range sorted {
		status, checked := e.health.snapshot()
		info := Info{
			Name:         e.desc.Name,
			Type:         e.desc.Type,
			Status:       status,
			Enabled:      e.desc.Enabled,
			Priority:     e.desc.Priority,
			DefaultModel: e.desc.DefaultModel,
			Capabilities: e.provider.Capabilities(),
		}
		if !checked.IsZero() {
			t := checked
			info.LastChecked = &t
		}
		out = append(out, info)
	}
	return out
}

// ActiveProvider returns the highest-priority enabled provider, or "".
func (m *Manager) ActiveProvider() string {
	_, first := m.tryOrder("")
	return first
}

// Stats returns the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	usage := make(map[string]UsageStats, len(m.entries))
	for _, e := range m.entries {
		usage[e.desc.Name] = e.usage.snapshot()
	}
	m.mu.RUnlock()

	return Stats{
		TotalRequests:      m.total.Load(),
		SuccessfulRequests: m.successful.Load(),
		FailedRequests:     m.failed.Load(),
		FallbackCount:      m.fallbacks.Load(),
		ProviderUsage:      usage,
	}
}

// Status returns the full status report.
func (m *Manager) Status() StatusReport {
	return StatusReport{
		Providers:      m.Providers(),
		ActiveProvider: m.ActiveProvider(),
		Metrics:        m.Stats(),
		Timestamp:      m.now().UTC(),
	}
}

// AnyHealthy reports whether at least one enabled provider is not known
// to be unhealthy. Providers that were never probed count as usable.
func (m *Manager) AnyHealthy() bool {
	for _, info := range m.Providers() {
		if info.Enabled && info.Status != StatusUnhealthy {
			return true
		}
	}
	return false
}
