package efficiency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/observability"
)

func newTestMonitor(t *testing.T, cfg Config) *Monitor {
	t.Helper()
	tm := observability.NewTraceManager("commcore-efficiency-test")
	m, err := New(cfg, clock.New(), tm, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return m
}

func TestPublishScoresHealthyTrafficHigh(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())
	for i := 0; i < 50; i++ {
		m.Record(Sample{Component: "router", LatencyMs: 20, Success: true, ProtocolOverheadPct: 0.02, ResourceUsage: 0.3})
	}
	snap, _ := m.Publish(context.Background())
	assert.Greater(t, snap.Score, 0.8)
	assert.Equal(t, 1.0, snap.Reliability)
	assert.InDelta(t, 20, snap.Latency.P50, 1)
}

func TestPublishScoresDegradedTrafficLow(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())
	for i := 0; i < 50; i++ {
		m.Record(Sample{Component: "pool", LatencyMs: 1800, Success: i%2 == 0, ProtocolOverheadPct: 0.4, ResourceUsage: 0.95})
	}
	snap, _ := m.Publish(context.Background())
	assert.Less(t, snap.Score, 0.5)
}

func TestPublishEmitsAdaptationEventOnLargeDeviation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptationThreshold = 0.1
	cfg.BaselineAlpha = 0.5
	m := newTestMonitor(t, cfg)

	for i := 0; i < 30; i++ {
		m.Record(Sample{Component: "router", LatencyMs: 10, Success: true, ResourceUsage: 0.1})
	}
	_, event := m.Publish(context.Background())
	assert.Nil(t, event, "first publish establishes the baseline and must not fire an event")

	for i := 0; i < 30; i++ {
		m.Record(Sample{Component: "router", LatencyMs: 1900, Success: false, ProtocolOverheadPct: 0.5, ResourceUsage: 0.99})
	}
	snap, event := m.Publish(context.Background())
	require.NotNil(t, event, "a sharp efficiency drop must trigger an AdaptationEvent")
	assert.Equal(t, "efficiency degraded", event.Reason)
	assert.Less(t, event.Delta, 0.0)
	assert.Equal(t, snap.Score, event.Score)
}

func TestComponentEfficiencyTrackedIndependently(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())
	for i := 0; i < 20; i++ {
		m.Record(Sample{Component: "fast", LatencyMs: 5, Success: true, ResourceUsage: 0.1})
		m.Record(Sample{Component: "slow", LatencyMs: 1950, Success: false, ResourceUsage: 0.98})
	}
	snap, _ := m.Publish(context.Background())
	require.Contains(t, snap.ComponentEfficiency, "fast")
	require.Contains(t, snap.ComponentEfficiency, "slow")
	assert.Greater(t, snap.ComponentEfficiency["fast"], snap.ComponentEfficiency["slow"])
}

func TestPublishResetsThroughputWindow(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig())
	m.Record(Sample{Component: "router", LatencyMs: 10, Success: true})
	snap1, _ := m.Publish(context.Background())
	assert.Greater(t, snap1.ThroughputPerSec, 0.0)

	snap2, _ := m.Publish(context.Background())
	assert.Equal(t, 0.0, snap2.ThroughputPerSec, "no samples recorded since the prior publish")
}
