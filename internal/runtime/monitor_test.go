package runtime_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwire/loopwire/internal/config"
	"github.com/loopwire/loopwire/internal/runtime"
	"github.com/loopwire/loopwire/pkg/models"
)

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Window:               5 * time.Minute,
		MinSamples:           10,
		MaxRecords:           100,
		ErrorRateThreshold:   0.5,
		TimeoutRateThreshold: 0.3,
		TimeoutThreshold:     60 * time.Second,
		LatencyMultiplier:    0.8,
		RecoveryMultiplier:   0.5,
	}
}

func success(latencyMs int64) models.ExecutionOutcome {
	return models.ExecutionOutcome{
		SessionID: "s1",
		Mode:      models.ModeRemote,
		Success:   true,
		LatencyMs: latencyMs,
	}
}

func failure(errText string) models.ExecutionOutcome {
	return models.ExecutionOutcome{
		SessionID: "s1",
		Mode:      models.ModeRemote,
		Success:   false,
		Error:     errText,
		LatencyMs: 100,
	}
}

// ─── Trip Conditions ─────────────────────────────────────────

func TestNoTripBelowMinSamples(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 9; i++ {
		m.Record(failure("upstream exploded"))
	}

	assert.False(t, m.ShouldFallback(), "9 samples is below the 10-sample floor")
}

func TestTripOnErrorRate(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 12; i++ {
		m.Record(failure("upstream exploded"))
	}

	require.True(t, m.ShouldFallback())
	assert.Contains(t, m.Reason(), "error rate")
}

func TestTripOnTimeoutRate(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	// 40% failures, all timeouts: under the 50% error threshold but over
	// the 30% timeout threshold.
	for i := 0; i < 6; i++ {
		m.Record(success(100))
	}
	for i := 0; i < 4; i++ {
		m.Record(failure("context deadline exceeded"))
	}

	require.True(t, m.ShouldFallback())
	assert.Contains(t, m.Reason(), "timeout rate")
}

func TestTripOnAvgLatency(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	// Ceiling is 60s * 0.8 = 48000ms; all successes but far too slow.
	for i := 0; i < 10; i++ {
		m.Record(success(50000))
	}

	require.True(t, m.ShouldFallback())
	assert.Contains(t, m.Reason(), "average latency")
}

func TestHealthyTrafficKeepsCircuitClosed(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 50; i++ {
		m.Record(success(500))
	}

	assert.False(t, m.ShouldFallback())
	assert.Empty(t, m.Reason())
}

func TestEmbeddedOutcomesDoNotTrip(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 20; i++ {
		m.Record(models.ExecutionOutcome{
			SessionID: "s1",
			Mode:      models.ModeEmbedded,
			Success:   false,
			Error:     "fallback also broken",
		})
	}

	assert.False(t, m.ShouldFallback(), "only remote outcomes drive the circuit")
}

func TestOldOutcomesAgeOut(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	stale := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < 12; i++ {
		o := failure("upstream exploded")
		o.Timestamp = stale
		m.Record(o)
	}

	assert.False(t, m.ShouldFallback(), "outcomes outside the window must not count")
	assert.Equal(t, 0, m.Metrics(models.ModeRemote, 0).Total)
}

// ─── Recovery ────────────────────────────────────────────────

func TestPartialRecoveryKeepsCircuitOpen(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 12; i++ {
		m.Record(failure("upstream exploded"))
	}
	require.True(t, m.ShouldFallback())

	// 12 failures / 20 total = 60% error rate: below nothing, still open.
	for i := 0; i < 8; i++ {
		m.Record(success(100))
	}

	assert.True(t, m.ShouldFallback(), "error rate must fall below threshold*recovery before closing")
}

func TestRecoveryRequiresHysteresisBound(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 12; i++ {
		m.Record(failure("upstream exploded"))
	}
	require.True(t, m.ShouldFallback())

	// Keep succeeding until the windowed error rate drops below the
	// recovery bound of 0.5 * 0.5 = 25%. 12/49 ≈ 24.5% crosses it.
	for i := 0; i < 37; i++ {
		m.Record(success(100))
	}

	assert.False(t, m.ShouldFallback())
	assert.Empty(t, m.Reason())
}

func TestReasonStableWhileOpen(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 12; i++ {
		m.Record(failure("upstream exploded"))
	}
	require.True(t, m.ShouldFallback())
	first := m.Reason()

	m.Record(failure("context deadline exceeded"))

	assert.Equal(t, first, m.Reason(), "reason must not churn while the circuit stays open")
}

func TestResetClosesCircuit(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	for i := 0; i < 12; i++ {
		m.Record(failure("upstream exploded"))
	}
	require.True(t, m.ShouldFallback())

	m.Reset()

	assert.False(t, m.ShouldFallback())
	assert.Empty(t, m.Reason())
	assert.Equal(t, models.CircuitState{}, m.State())
}

// ─── Metrics ─────────────────────────────────────────────────

func TestMetricsComputation(t *testing.T) {
	m := runtime.NewMonitor(testMonitorConfig(), nil)

	m.Record(success(100))
	m.Record(success(300))
	m.Record(failure("boom"))
	m.Record(failure("request timeout"))

	got := m.Metrics(models.ModeRemote, 0)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 2, got.Success)
	assert.Equal(t, 2, got.Error)
	assert.Equal(t, 1, got.Timeout)
	assert.InDelta(t, 0.5, got.ErrorRate, 1e-9)
	assert.InDelta(t, 0.25, got.TimeoutRate, 1e-9)
	assert.InDelta(t, 150, got.AvgLatencyMs, 1e-9)
}

func TestRecordEvictsPastCapacity(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.MaxRecords = 10
	m := runtime.NewMonitor(cfg, nil)

	for i := 0; i < 10; i++ {
		m.Record(failure(fmt.Sprintf("fail %d", i)))
	}
	for i := 0; i < 10; i++ {
		m.Record(success(100))
	}

	got := m.Metrics(models.ModeRemote, 0)
	assert.Equal(t, 10, got.Total, "old records must be evicted at capacity")
	assert.Equal(t, 10, got.Success)
}
