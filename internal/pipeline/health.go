package pipeline

import (
	"slices"
	"sync"
	"time"
)

// HealthStatus represents the health state of the worker pool.
type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"

	// DefaultUnhealthyThreshold is the number of consecutive failed queue
	// entries before the pool is considered unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultDegradedLatencyThreshold is the P95 handling latency
	// before the pool is considered degraded.
	DefaultDegradedLatencyThreshold = 5 * time.Second

	latencyWindowSize = 20
)

// Health tracks the outcome of queue entries handled by the workers.
type Health struct {
	mu                       sync.RWMutex
	now                      func() time.Time
	workers                  int
	status                   HealthStatus
	consecutiveFailures      int
	handled                  int64
	lastSuccessAt            *time.Time
	lastFailureAt            *time.Time
	unhealthyThreshold       int
	recentLatencies          []time.Duration
	degradedLatencyThreshold time.Duration
}

func NewHealth(workers int, now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{
		now:                      now,
		workers:                  workers,
		status:                   HealthStatusUnknown,
		unhealthyThreshold:       DefaultUnhealthyThreshold,
		recentLatencies:          make([]time.Duration, 0, latencyWindowSize),
		degradedLatencyThreshold: DefaultDegradedLatencyThreshold,
	}
}

// RecordSuccess records a handled entry and reports whether the pool
// recovered from an unhealthy state on this call.
func (h *Health) RecordSuccess(latency time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	wasUnhealthy := h.status == HealthStatusUnhealthy
	h.handled++
	h.consecutiveFailures = 0
	h.lastSuccessAt = &now
	h.recordLatencyLocked(latency)
	if h.isLatencyDegraded() {
		h.status = HealthStatusDegraded
	} else {
		h.status = HealthStatusHealthy
	}
	return wasUnhealthy
}

// RecordFailure records a failed entry. Returns true if the pool
// transitioned to unhealthy on this call.
func (h *Health) RecordFailure() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.handled++
	h.consecutiveFailures++
	h.lastFailureAt = &now
	if h.consecutiveFailures >= h.unhealthyThreshold && h.status != HealthStatusUnhealthy {
		h.status = HealthStatusUnhealthy
		return true
	}
	return false
}

func (h *Health) recordLatencyLocked(d time.Duration) {
	if len(h.recentLatencies) >= latencyWindowSize {
		h.recentLatencies = h.recentLatencies[1:]
	}
	h.recentLatencies = append(h.recentLatencies, d)
}

// Must be called with mu held.
func (h *Health) isLatencyDegraded() bool {
	if len(h.recentLatencies) < 2 {
		return false
	}
	return h.percentileLatency(95) > h.degradedLatencyThreshold
}

// Must be called with mu held.
func (h *Health) percentileLatency(pct int) time.Duration {
	n := len(h.recentLatencies)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(h.recentLatencies)
	slices.Sort(sorted)
	idx := (pct*n - 1) / 100
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Snapshot returns the current health state.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Status:              string(h.status),
		Workers:             h.workers,
		Handled:             h.handled,
		ConsecutiveFailures: h.consecutiveFailures,
		P95Latency:          h.percentileLatency(95).String(),
		LastSuccessAt:       h.lastSuccessAt,
		LastFailureAt:       h.lastFailureAt,
	}
}

// HealthSnapshot is a point-in-time view of worker health (JSON-safe).
type HealthSnapshot struct {
	Status              string     `json:"status"`
	Workers             int        `json:"workers"`
	Handled             int64      `json:"handled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	P95Latency          string     `json:"p95_latency"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Healthy reports whether the snapshot should pass a liveness probe.
func (s HealthSnapshot) Healthy() bool {
	return s.Status != string(HealthStatusUnhealthy)
}
