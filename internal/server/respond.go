package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/howard-nolan/legalinfer/internal/gateway"
	"github.com/howard-nolan/legalinfer/internal/pipeline"
	"github.com/howard-nolan/legalinfer/internal/provider"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body of at most maxBodyBytes into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// fail maps a gateway error to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rl *gateway.RateLimitExceededError
		se *pipeline.SanitizationError
	)
	switch {
	case errors.As(err, &rl):
		s.rateLimitHeaders(w, rl)
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Detail: rl.Decision})
	case errors.As(err, &se):
		writeError(w, http.StatusBadRequest, se.Error())
	case errors.Is(err, gateway.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, gateway.ErrProviderDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, gateway.ErrCacheDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) rateLimitHeaders(w http.ResponseWriter, rl *gateway.RateLimitExceededError) {
	d := rl.Decision
	remaining := max(d.Limit-d.CurrentCount, 0)
	retry := int(math.Ceil(d.RetryAfter(s.now()).Seconds()))

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("Retry-After", strconv.Itoa(retry))
}
