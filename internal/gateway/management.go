package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/howard-nolan/legalinfer/internal/cache"
	"github.com/howard-nolan/legalinfer/internal/metrics"
	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
	"github.com/howard-nolan/legalinfer/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// Providers returns the provider status report.
func (s *Service) Providers() provider.StatusReport { return s.manager.Status() }

// SwitchProvider makes name the active provider.
func (s *Service) SwitchProvider(name string) error {
	if _, ok := s.manager.Provider(name); !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}
	if !s.manager.SwitchProvider(name) {
		return fmt.Errorf("%w: %s", ErrProviderDisabled, name)
	}
	return nil
}

// SetProviderEnabled enables or disables name.
func (s *Service) SetProviderEnabled(name string, enabled bool) error {
	var ok bool
	if enabled {
		ok = s.manager.EnableProvider(name)
	} else {
		ok = s.manager.DisableProvider(name)
	}
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

// CacheStats reports cache size and hit rate.
func (s *Service) CacheStats(ctx context.Context) (cache.Stats, error) {
	if s.cache == nil {
		return cache.Stats{}, ErrCacheDisabled
	}
	return s.cache.Stats(ctx), nil
}

// ClearCache drops every cached response.
func (s *Service) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return ErrCacheDisabled
	}
	return s.cache.Clear(ctx)
}

// ---------------------------------------------------------------------------
// Rate limits
// ---------------------------------------------------------------------------

// RateLimitsEnabled reports whether a limiter is configured.
func (s *Service) RateLimitsEnabled() bool { return s.limiter != nil }

// RateLimitStats is the global rate-limit view. It is the zero Stats when
// rate limiting is off.
func (s *Service) RateLimitStats() ratelimit.Stats {
	if s.limiter == nil {
		return ratelimit.Stats{Tenants: map[string]ratelimit.TenantStats{}}
	}
	return s.limiter.Stats()
}

// TenantRateLimit is tenant's rate-limit view.
func (s *Service) TenantRateLimit(tenant string) ratelimit.TenantStats {
	if s.limiter == nil {
		return ratelimit.TenantStats{TenantID: tenant}
	}
	return s.limiter.TenantStats(tenant)
}

// SetTenantRateLimit overrides tenant's limit.
func (s *Service) SetTenantRateLimit(tenant string, maxRequests int, window time.Duration) error {
	if s.limiter == nil {
		return fmt.Errorf("%w: rate limiting disabled", ErrInvalidRequest)
	}
	if err := s.limiter.SetTenantLimit(tenant, maxRequests, window); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Metrics and configuration
// ---------------------------------------------------------------------------

// Metrics returns the aggregate metrics snapshot.
func (s *Service) Metrics() metrics.Snapshot { return s.metrics.Snapshot() }

// ResetMetrics zeroes the in-process aggregates.
func (s *Service) ResetMetrics() { s.metrics.Reset() }

// PipelineConfig returns the current pipeline configuration.
func (s *Service) PipelineConfig() pipeline.Config { return s.pipeline.Config() }

// UpdatePipelineConfig replaces the pipeline configuration.
func (s *Service) UpdatePipelineConfig(cfg pipeline.Config) { s.pipeline.UpdateConfig(cfg) }

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Overall health values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// ProviderHealth is one provider's entry in a HealthReport.
type ProviderHealth struct {
	Status  provider.Status `json:"status"`
	Enabled bool            `json:"enabled"`
	Type    provider.Type   `json:"type"`
}

// ProvidersHealth summarizes provider health.
type ProvidersHealth struct {
	Status    string                    `json:"status"`
	Healthy   int                       `json:"healthy"`
	Total     int                       `json:"total"`
	Providers map[string]ProviderHealth `json:"providers"`
}

// HealthReport is the response of the health endpoint.
type HealthReport struct {
	Status        string          `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	UptimeSeconds float64         `json:"uptime_seconds"`
	Providers     ProvidersHealth `json:"providers"`
	Cache         *cache.Stats    `json:"cache,omitempty"`
}

// Health reports overall status. It is degraded when no enabled provider
// is usable.
func (s *Service) Health(ctx context.Context) HealthReport {
	infos := s.manager.Providers()
	ph := ProvidersHealth{
		Status:    HealthOK,
		Total:     len(infos),
		Providers: make(map[string]ProviderHealth, len(infos)),
	}
	for _, info := range infos {
		if info.Enabled && info.Status == provider.StatusHealthy {
			ph.Healthy++
		}
		ph.Providers[info.Name] = ProviderHealth{Status: info.Status, Enabled: info.Enabled, Type: info.Type}
	}

	now := s.now()
	report := HealthReport{
		Status:        HealthOK,
		Timestamp:     now.UTC(),
		UptimeSeconds: now.Sub(s.started).Seconds(),
	}
	if !s.manager.AnyHealthy() {
		ph.Status = HealthDegraded
		report.Status = HealthDegraded
	}
	report.Providers = ph

	if s.cache != nil {
		stats := s.cache.Stats(ctx)
		report.Cache = &stats
	}
	return report
}

// Ready reports whether at least one provider is enabled.
func (s *Service) Ready() bool { return s.manager.ActiveProvider() != "" }
