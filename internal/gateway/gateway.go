// Package gateway is the request flow in front of the pipeline: rate
// limit, cache lookup, pipeline, cache store and metrics, in that order.
// It also exposes the management operations the admin API needs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/legalinfer/internal/cache"
	"github.com/howard-nolan/legalinfer/internal/metrics"
	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
	"github.com/howard-nolan/legalinfer/internal/ratelimit"
)

// Request bounds, checked before any work is done.
const (
	MaxTokensLimit = 4000
	MaxTemperature = 2.0
)

var (
	// ErrInvalidRequest wraps every request validation failure.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCacheDisabled is returned by cache management calls when no cache
	// is configured.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrProviderDisabled is returned when switching to a disabled
	// provider.
	ErrProviderDisabled = errors.New("provider disabled")
)

// RateLimitExceededError is returned when the tenant's window is full. No
// provider was called.
type RateLimitExceededError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %q: %d/%d requests per %gs",
		e.Decision.TenantID, e.Decision.CurrentCount, e.Decision.Limit, e.Decision.Window)
}

// Request is a pipeline request plus the caller-facing cache switch.
type Request struct {
	pipeline.Request

	// EnableCache defaults to true when nil.
	EnableCache *bool `json:"enable_cache,omitempty"`
}

// cacheEnabled reports whether the response may be read from or written to
// the cache. Only structured answers are cached: the key does not carry the
// format, and a simple answer lacks the summaries a structured one has.
func (r *Request) cacheEnabled() bool {
	if r.EnableCache != nil && !*r.EnableCache {
		return false
	}
	return r.ResponseFormat == "" || r.ResponseFormat == pipeline.FormatStructured
}

// Validate checks the request's numeric bounds and response format.
// Query length is the pipeline's concern.
func (r *Request) Validate() error {
	if r.MaxTokens < 0 || r.MaxTokens > MaxTokensLimit {
		return fmt.Errorf("%w: max_tokens must be between 0 (provider default) and %d", ErrInvalidRequest, MaxTokensLimit)
	}
	if t := r.Temperature; t != nil && (*t < 0 || *t > MaxTemperature) {
		return fmt.Errorf("%w: temperature must be between 0 and %g", ErrInvalidRequest, MaxTemperature)
	}
	switch r.ResponseFormat {
	case "", pipeline.FormatStructured, pipeline.FormatSimple, pipeline.FormatDetailed:
	default:
		return fmt.Errorf("%w: unknown response_format %q", ErrInvalidRequest, r.ResponseFormat)
	}
	return nil
}

// SimpleResponse is the reduced answer returned by InferSimple.
type SimpleResponse struct {
	Query    string `json:"query"`
	Answer   string `json:"answer"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

// Service wires the request flow together. Cache and rate limiter are
// optional; a nil one is skipped.
type Service struct {
	pipeline *pipeline.Pipeline
	manager  *provider.Manager
	metrics  *metrics.Collector

	cache    *cache.Cache
	cacheTTL time.Duration
	limiter  *ratelimit.Limiter

	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	started time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables response caching with the given TTL (0 = the cache's
// default).
func WithCache(c *cache.Cache, ttl time.Duration) Option {
	return func(s *Service) { s.cache, s.cacheTTL = c, ttl }
}

// WithRateLimiter enables per-tenant admission control.
func WithRateLimiter(l *ratelimit.Limiter) Option { return func(s *Service) { s.limiter = l } }

// WithLogger sets the Service's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithIDGenerator replaces uuid.NewString for request ids.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// New creates a Service.
func New(p *pipeline.Pipeline, m *provider.Manager, mc *metrics.Collector, opts ...Option) *Service {
	s := &Service{
		pipeline: p,
		manager:  m,
		metrics:  mc,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.started = s.now()
	return s
}

// Infer runs one request for tenant.
//
// Errors: *RateLimitExceededError, *pipeline.SanitizationError, or an
// ErrInvalidRequest wrap. Provider failures never surface as errors; they
// produce a fallback Response instead.
func (s *Service) Infer(ctx context.Context, tenant string, req *Request) (*pipeline.Response, error) {
	start := s.now()
	if tenant == "" {
		tenant = "default"
	}
	requestID := s.newID()
	log := s.logger.With("request_id", requestID, "tenant_id", tenant)

	if err := req.Validate(); err != nil {
		s.recordFailure(start, "invalid_request")
		return nil, err
	}

	if s.limiter != nil {
		if d := s.limiter.Check(tenant); !d.Allowed {
			s.metrics.RecordRateLimitRejection()
			return nil, &RateLimitExceededError{Decision: d}
		}
	}

	preq := req.Request
	preq.TenantID = tenant
	q := cache.Query{Text: preq.Query, Provider: preq.Provider, Model: preq.Model, Tenant: tenant}
	useCache := s.cache != nil && req.cacheEnabled()

	if useCache {
		var cached pipeline.Response
		hit, err := s.cache.GetCachedResponse(ctx, q, &cached)
		if err != nil {
			log.WarnContext(ctx, "cache read failed", "error", err)
		}
		if hit {
			cached.Cached = true
			cached.LatencyMS = ms(s.now().Sub(start))
			cached.Metadata = withRequestID(cached.Metadata, requestID)
			s.metrics.RecordRequest(metrics.RequestRecord{
				Latency:  s.now().Sub(start),
				Success:  true,
				Provider: cached.Provider,
				Cached:   true,
			})
			log.InfoContext(ctx, "cache hit", "provider", cached.Provider)
			return &cached, nil
		}
	}

	resp, err := s.pipeline.Process(ctx, &preq)
	if err != nil {
		s.recordFailure(start, "sanitization_error")
		log.InfoContext(ctx, "query rejected", "error", err)
		return nil, err
	}

	if useCache && !resp.IsFallback() {
		if err := s.cache.CacheResponse(ctx, q, resp, s.cacheTTL); err != nil {
			log.WarnContext(ctx, "cache write failed", "error", err)
		}
	}

	rec := metrics.RequestRecord{
		Latency:  s.now().Sub(start),
		Success:  !resp.Fallback,
		Provider: resp.Provider,
	}
	if resp.Fallback {
		rec.ErrorType = "fallback"
	}
	s.metrics.RecordRequest(rec)

	resp.Metadata = withRequestID(resp.Metadata, requestID)
	log.InfoContext(ctx, "inference complete",
		"provider", resp.Provider,
		"model", resp.Model,
		"tokens_used", resp.TokensUsed,
		"fallback", resp.Fallback,
		"latency_ms", resp.LatencyMS,
	)
	return resp, nil
}

// InferSimple runs a query without summaries and returns only the answer.
func (s *Service) InferSimple(ctx context.Context, tenant, query, userContext string) (*SimpleResponse, error) {
	resp, err := s.Infer(ctx, tenant, &Request{Request: pipeline.Request{
		Query:          query,
		Context:        userContext,
		ResponseFormat: pipeline.FormatSimple,
	}})
	if err != nil {
		return nil, err
	}
	return &SimpleResponse{Query: query, Answer: resp.Answer, Model: resp.Model, Provider: resp.Provider}, nil
}

func (s *Service) recordFailure(start time.Time, kind string) {
	s.metrics.RecordRequest(metrics.RequestRecord{
		Latency:   s.now().Sub(start),
		Success:   false,
		ErrorType: kind,
	})
}

func withRequestID(md map[string]any, id string) map[string]any {
	out := make(map[string]any, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	out["request_id"] = id
	return out
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
