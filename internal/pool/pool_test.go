package pool

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
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

type fakeHandle struct{ closed bool }

func (f *fakeHandle) Close() error { f.closed = true; return nil }

func fakeFactory(ctx context.Context, endpoint string) (io.Closer, Descriptor, error) {
	return &fakeHandle{}, Descriptor{Trust: 1, BandwidthBps: 1_000_000}, nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-pool-test")
	m, err := NewManager(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), notify.NoopSink{})
	require.NoError(t, err)
	return m
}

func TestAcquireCreatesNewConnectionWithinMax(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	lease, err := m.Acquire(context.Background(), AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051"}, fakeFactory)
	require.NoError(t, err)
	assert.NotEmpty(t, lease.LeaseID)
}

func TestAcquireReusesReleasedIdleConnection(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	req := AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051"}

	lease1, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, req.Protocol, req.Endpoint, lease1.LeaseID, &UsageReport{Success: true, LatencyMs: 5}))

	lease2, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)
	assert.Equal(t, lease1.ConnectionID, lease2.ConnectionID)
}

func TestAcquireTimesOutWhenPoolExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	m := newTestManager(t, cfg)
	ctx := context.Background()
	req := AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051"}

	_, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, req, fakeFactory)
	assert.ErrorIs(t, err, errs.ErrAcquireTimeout)
}

func TestAcquireWakesWaiterOnRelease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	cfg.AcquireTimeout = time.Second
	m := newTestManager(t, cfg)
	ctx := context.Background()
	req := AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051"}

	lease1, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, req, fakeFactory)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(ctx, req.Protocol, req.Endpoint, lease1.LeaseID, &UsageReport{Success: true}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken by release")
	}
}

func TestReleaseFailsConnectionAfterConsecutiveErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Health.ConsecutiveFailureThreshold = 2
	m := newTestManager(t, cfg)
	ctx := context.Background()
	req := AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051"}

	lease1, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, req.Protocol, req.Endpoint, lease1.LeaseID, &UsageReport{Success: false, LatencyMs: 100}))

	lease2, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, req.Protocol, req.Endpoint, lease2.LeaseID, &UsageReport{Success: false, LatencyMs: 100}))

	p := m.poolFor(req.Protocol, req.Endpoint, fakeFactory)
	cs := p.connections[lease2.ConnectionID]
	assert.Equal(t, ConnFailed, cs.conn.Status)
}

func TestSweepExpiredLeasesFailsConnection(t *testing.T) {
	m := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	req := AcquireRequest{Protocol: "grpcstream", Endpoint: "agent.worker:50051", LeaseTTL: 1 * time.Millisecond}

	lease, err := m.Acquire(ctx, req, fakeFactory)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n := m.SweepExpiredLeases(ctx)
	assert.Equal(t, 1, n)

	p := m.poolFor(req.Protocol, req.Endpoint, fakeFactory)
	cs := p.connections[lease.ConnectionID]
	assert.Equal(t, ConnFailed, cs.conn.Status)
}
