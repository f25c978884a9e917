package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/legalinfer/internal/pipeline"
)

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Providers())
}

type switchRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gw.SwitchProvider(req.Provider); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "active_provider": req.Provider})
}

func (s *Server) handleSetProviderEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.gw.SetProviderEnabled(name, enabled); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provider": name, "enabled": enabled})
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gw.CacheStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.ClearCache(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.gw.RateLimitsEnabled(),
		"stats":   s.gw.RateLimitStats(),
	})
}

func (s *Server) handleTenantRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.TenantRateLimit(chi.URLParam(r, "tenant")))
}

type tenantLimitRequest struct {
	MaxRequests   int     `json:"max_requests"`
	WindowSeconds float64 `json:"window_seconds"`
}

func (s *Server) handleSetTenantRateLimit(w http.ResponseWriter, r *http.Request) {
	var req tenantLimitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tenant := chi.URLParam(r, "tenant")
	window := time.Duration(req.WindowSeconds * float64(time.Second))
	if err := s.gw.SetTenantRateLimit(tenant, req.MaxRequests, window); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.gw.TenantRateLimit(tenant))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Metrics())
}

func (s *Server) handleResetMetrics(w http.ResponseWriter, _ *http.Request) {
	s.gw.ResetMetrics()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handlePipelineConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.PipelineConfig())
}

// handleUpdatePipelineConfig replaces the whole pipeline config. Omitted
// fields take their zero value, so callers send the full document.
func (s *Server) handleUpdatePipelineConfig(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.Config
	if err := decode(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.gw.UpdatePipelineConfig(cfg)
	writeJSON(w, http.StatusOK, s.gw.PipelineConfig())
}
