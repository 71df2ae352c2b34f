package health

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/health/anomaly"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

type capturingSink struct{ alerts []notify.Alert }

func (c *capturingSink) Raise(_ context.Context, a notify.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestMonitor(t *testing.T, cfg Config, sink notify.AlertSink, det anomaly.Detector) *Monitor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-health-test")
	m, err := New(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), sink, det)
	require.NoError(t, err)
	return m
}

func TestCollectTracksEMAAndTrend(t *testing.T) {
	m := newTestMonitor(t, DefaultConfig(), notify.NoopSink{}, nil)
	now := time.Now()
	for i, v := range []float64{10, 12, 14, 16, 18} {
		state, _, err := m.Collect(context.Background(), Sample{
			AgentID: "agent-1", Component: "cpu", Metric: "usage", Value: v,
			Criticality: 1, Timestamp: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		_ = state
	}
	state, ok := m.State("agent-1")
	require.True(t, ok)
	mv := state.Custom["cpu.usage"]
	assert.InDelta(t, 18, mv.Max, 0.01)
	assert.InDelta(t, 10, mv.Min, 0.01)
	assert.Equal(t, TrendUp, mv.Trend)
}

func TestCollectRaisesAnomalyAlert(t *testing.T) {
	cfg := DefaultConfig()
	det := anomaly.NewStatistical(anomaly.Config{Sensitivity: 0.95, MinDataPoints: 4})
	sink := &capturingSink{}
	m := newTestMonitor(t, cfg, sink, det)
	now := time.Now()

	var lastAlerts []Alert
	for i, v := range []float64{30, 32, 31, 33, 97} {
		_, alerts, err := m.Collect(context.Background(), Sample{
			AgentID: "agent-1", Component: "cpu", Metric: "usage", Value: v,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		lastAlerts = alerts
	}
	require.Len(t, lastAlerts, 1)
	assert.Equal(t, "anomaly", lastAlerts[0].Type)
	assert.InDelta(t, 97, lastAlerts[0].Observed, 0.01)
}

func TestDegradationRequiresHysteresisBeforeOverallChanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradeDuration = 2 * time.Second
	cfg.DegradeConsecutive = 3
	cfg.ComponentBands = map[string]Bands{"cpu": {Degraded: 80, Unhealthy: 90, Critical: 98}}
	m := newTestMonitor(t, cfg, notify.NoopSink{}, anomaly.NewStatistical(anomaly.DefaultConfig()))
	now := time.Now()

	for i := 0; i < 2; i++ {
		state, _, err := m.Collect(context.Background(), Sample{
			AgentID: "agent-1", Component: "cpu", Metric: "usage", Value: 85, Criticality: 1,
			Timestamp: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusUnknown, state.Overall, "should not flip before hysteresis window elapses")
	}

	state, _, err := m.Collect(context.Background(), Sample{
		AgentID: "agent-1", Component: "cpu", Metric: "usage", Value: 85, Criticality: 1,
		Timestamp: now.Add(3 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, state.Overall)
}

func TestResolvedAlertIsTerminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ComponentBands = map[string]Bands{"cpu": {Degraded: 10}}
	m := newTestMonitor(t, cfg, notify.NoopSink{}, anomaly.NewStatistical(anomaly.DefaultConfig()))
	_, alerts, err := m.Collect(context.Background(), Sample{AgentID: "a", Component: "cpu", Metric: "usage", Value: 50, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	require.NoError(t, m.Resolve(alerts[0].ID))
	require.NoError(t, m.Resolve(alerts[0].ID)) // idempotent

	require.NoError(t, m.Acknowledge(alerts[0].ID)) // no-op, state must stay resolved
}

func TestSweepEscalationsAdvancesUnacknowledgedAlerts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alert.AckTimeout = 1 * time.Millisecond
	cfg.ComponentBands = map[string]Bands{"cpu": {Degraded: 10}}
	m := newTestMonitor(t, cfg, notify.NoopSink{}, anomaly.NewStatistical(anomaly.DefaultConfig()))
	_, alerts, err := m.Collect(context.Background(), Sample{AgentID: "a", Component: "cpu", Metric: "usage", Value: 50, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	time.Sleep(5 * time.Millisecond)
	n := m.SweepEscalations(context.Background())
	assert.Equal(t, 1, n)
}
