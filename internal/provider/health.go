package provider

import (
	"sync"
	"time"
)

// Status is a provider's last-known health.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// healthState tracks one provider's health. It is updated by lazy probes
// from the failover loop and by ValidateAll at startup.
//
// Probes race harmlessly: two goroutines may both decide a probe is due,
// but claim() lets only the first one through, and a result is just a
// status overwrite.
type healthState struct {
	mu          sync.Mutex
	status      Status
	lastChecked time.Time // zero until the first probe is claimed
	interval    time.Duration
}

func newHealthState(interval time.Duration) *healthState {
	return &healthState{status: StatusUnknown, interval: interval}
}

// claim reports whether the caller should run a probe now, and if so marks
// the probe as started so concurrent callers skip it. The first probe is
// always due.
func (h *healthState) claim(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastChecked.IsZero() && now.Sub(h.lastChecked) < h.interval {
		return false
	}
	h.lastChecked = now
	return true
}

// record stores a probe result.
func (h *healthState) record(healthy bool, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if healthy {
		h.status = StatusHealthy
	} else {
		h.status = StatusUnhealthy
	}
	h.lastChecked = now
}

// snapshot returns the current status and the time of the last probe.
func (h *healthState) snapshot() (Status, time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.lastChecked
}
