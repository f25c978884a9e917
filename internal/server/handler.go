package server

import (
	"net/http"

	"github.com/howard-nolan/legalinfer/internal/gateway"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Health(r.Context()))
}

// handleReady is 503 until at least one provider is enabled.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.gw.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

type statusResponse struct {
	Service           string `json:"service"`
	Providers         any    `json:"providers"`
	RateLimitsEnabled bool   `json:"rate_limiting_enabled"`
	Metrics           any    `json:"metrics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Service:           "legalinfer",
		Providers:         s.gw.Providers(),
		RateLimitsEnabled: s.gw.RateLimitsEnabled(),
		Metrics:           s.gw.Metrics(),
	})
}

// handleInference handles POST /v1/inference.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.gw.Infer(r.Context(), r.Header.Get(TenantHeader), &req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type simpleRequest struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
}

// handleInferenceSimple handles POST /v1/inference/simple.
func (s *Server) handleInferenceSimple(w http.ResponseWriter, r *http.Request) {
	var req simpleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.gw.InferSimple(r.Context(), r.Header.Get(TenantHeader), req.Query, req.Context)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
