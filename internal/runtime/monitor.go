// Package runtime watches the health of the execution plane: the Monitor
// is the circuit breaker that decides when to route turns to the embedded
// fallback, and the Gate blocks dispatch until a user's execution worker
// is ready.
package runtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/metrics"
	"github.com/loopwire/loopwire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Monitor records the outcome of every execution-plane invocation in a
// bounded ring and flips a process-wide fallback flag when the rolling
// window breaches a threshold. Two states: Closed (normal) and Open
// (fallback enabled, with a human-readable reason).
//
// Tripping requires a minimum sample count so one or two bad data points
// cannot open the circuit. Recovery requires the error rate to fall below
// a strictly lower bound than the trip threshold (hysteresis), so the
// circuit cannot flap around a single threshold.
//
// The monitor never fails and never blocks; it is pure bookkeeping.
// Retries belong to callers.
type Monitor struct {
	cfg     config.MonitorConfig
	metrics *metrics.Metrics

	mu      sync.Mutex
	records []models.ExecutionOutcome
	start   int
	count   int
	open    bool
	reason  string
}

// NewMonitor creates a closed-circuit monitor. Metrics may be nil in tests.
func NewMonitor(cfg config.MonitorConfig, m *metrics.Metrics) *Monitor {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	return &Monitor{
		cfg:     cfg,
		metrics: m,
		records: make([]models.ExecutionOutcome, cfg.MaxRecords),
	}
}

// Record appends one outcome, evicting the oldest past capacity, then
// re-evaluates the circuit for the primary execution mode.
func (m *Monitor) Record(o models.ExecutionOutcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	if m.count < len(m.records) {
		m.records[(m.start+m.count)%len(m.records)] = o
		m.count++
	} else {
		m.records[m.start] = o
		m.start = (m.start + 1) % len(m.records)
	}
	m.evaluateLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		status := "success"
		if !o.Success {
			status = "error"
			if isTimeout(o) {
				status = "timeout"
			}
		}
		m.metrics.ExecutionOutcomes.WithLabelValues(string(o.Mode), status).Inc()
		m.metrics.ExecutionDuration.WithLabelValues(string(o.Mode)).
			Observe(float64(o.LatencyMs) / 1000)
	}
}

// Metrics summarizes outcomes for one mode within the window. A
// non-positive window uses the configured default. Returns zero metrics
// when nothing matches.
func (m *Monitor) Metrics(mode models.ExecutionMode, window time.Duration) models.HealthMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked(mode, window)
}

func (m *Monitor) metricsLocked(mode models.ExecutionMode, window time.Duration) models.HealthMetrics {
	if window <= 0 {
		window = m.cfg.Window
	}
	cutoff := time.Now().UTC().Add(-window)

	var out models.HealthMetrics
	var latencySum int64
	for i := 0; i < m.count; i++ {
		r := m.records[(m.start+i)%len(m.records)]
		if r.Mode != mode || r.Timestamp.Before(cutoff) {
			continue
		}
		out.Total++
		latencySum += r.LatencyMs
		if r.Success {
			out.Success++
			continue
		}
		out.Error++
		if isTimeout(r) {
			out.Timeout++
		}
	}

	if out.Total > 0 {
		out.AvgLatencyMs = float64(latencySum) / float64(out.Total)
		out.ErrorRate = float64(out.Error) / float64(out.Total)
		out.TimeoutRate = float64(out.Timeout) / float64(out.Total)
	}
	return out
}

// evaluateLocked re-runs the trip/recovery decision for the primary
// (remote) mode. Caller holds m.mu.
func (m *Monitor) evaluateLocked() {
	stats := m.metricsLocked(models.ModeRemote, 0)
	if stats.Total < m.cfg.MinSamples {
		return
	}

	latencyCeiling := float64(m.cfg.TimeoutThreshold.Milliseconds()) * m.cfg.LatencyMultiplier

	switch {
	case stats.ErrorRate > m.cfg.ErrorRateThreshold:
		m.tripLocked(fmt.Sprintf("error rate %.0f%% over %.0f%% threshold",
			stats.ErrorRate*100, m.cfg.ErrorRateThreshold*100))
	case stats.TimeoutRate > m.cfg.TimeoutRateThreshold:
		m.tripLocked(fmt.Sprintf("timeout rate %.0f%% over %.0f%% threshold",
			stats.TimeoutRate*100, m.cfg.TimeoutRateThreshold*100))
	case stats.AvgLatencyMs > latencyCeiling:
		m.tripLocked(fmt.Sprintf("average latency %.0fms over %.0fms ceiling",
			stats.AvgLatencyMs, latencyCeiling))
	default:
		recovery := m.cfg.ErrorRateThreshold * m.cfg.RecoveryMultiplier
		if m.open && stats.ErrorRate < recovery {
			m.open = false
			m.reason = ""
			if m.metrics != nil {
				m.metrics.CircuitOpen.Set(0)
			}
			log.Info().
				Float64("error_rate", stats.ErrorRate).
				Float64("recovery_threshold", recovery).
				Msg("execution plane recovered, circuit closed")
		}
	}
}

func (m *Monitor) tripLocked(reason string) {
	if m.open {
		// Already open: keep the original reason, do not churn it.
		return
	}
	m.open = true
	m.reason = reason
	if m.metrics != nil {
		m.metrics.CircuitOpen.Set(1)
	}
	log.Warn().Str("reason", reason).Msg("execution plane unhealthy, circuit opened")
}

// ShouldFallback reports whether turns should route to the fallback path.
func (m *Monitor) ShouldFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Reason returns why the circuit opened, or "" while closed.
func (m *Monitor) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// State returns the externally visible circuit state.
func (m *Monitor) State() models.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CircuitState{FallbackEnabled: m.open, Reason: m.reason}
}

// Reset forces the circuit closed. Operational override only; the next
// Record re-evaluates as usual.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.open = false
	m.reason = ""
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.CircuitOpen.Set(0)
	}
	log.Info().Msg("circuit breaker manually reset")
}

// isTimeout classifies a failed outcome as a timeout from its error text.
func isTimeout(o models.ExecutionOutcome) bool {
	if o.Success {
		return false
	}
	e := strings.ToLower(o.Error)
	return strings.Contains(e, "timeout") || strings.Contains(e, "deadline exceeded")
}
