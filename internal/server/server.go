// Package server is the HTTP shell over the gateway: routing, request
// decoding, status mapping and JSON encoding. All behavior lives in
// gateway.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/legalinfer/internal/gateway"
)

// TenantHeader carries the caller's tenant id. Requests without it run as
// the default tenant.
const TenantHeader = "X-Tenant-ID"

// maxBodyBytes caps decoded request bodies.
const maxBodyBytes = 1 << 20

// Server holds the HTTP router and the gateway the handlers call.
type Server struct {
	router  chi.Router
	gw      *gateway.Service
	metrics http.Handler
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithLogger sets the access and error logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithClock replaces time.Now for rate-limit headers.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New creates a Server with its routes wired, ready to use as an
// http.Handler.
func New(gw *gateway.Service, opts ...Option) *Server {
	s := &Server{gw: gw, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Get("/status", s.handleStatus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/inference", s.handleInference)
		r.Post("/inference/simple", s.handleInferenceSimple)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/providers", s.handleProviders)
			r.Post("/providers/switch", s.handleSwitchProvider)
			r.Post("/providers/{name}/enable", s.handleSetProviderEnabled(true))
			r.Post("/providers/{name}/disable", s.handleSetProviderEnabled(false))

			r.Get("/cache/stats", s.handleCacheStats)
			r.Post("/cache/clear", s.handleClearCache)

			r.Get("/rate-limits", s.handleRateLimits)
			r.Get("/rate-limits/{tenant}", s.handleTenantRateLimit)
			r.Put("/rate-limits/{tenant}", s.handleSetTenantRateLimit)

			r.Get("/metrics", s.handleMetrics)
			r.Post("/metrics/reset", s.handleResetMetrics)

			r.Get("/config", s.handlePipelineConfig)
			r.Put("/config", s.handleUpdatePipelineConfig)
		})
	})

	s.router = r
}

// ServeHTTP delegates to the chi router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// accessLog writes one line per request after it completes.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.String("tenant_id", r.Header.Get(TenantHeader)),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
