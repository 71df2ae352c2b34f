package loadbalancer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/observability"
)

func newTestLB(t *testing.T, cfg Config) *LoadBalancer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-loadbalancer-test")
	lb, err := New(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return lb
}

func target(id string, loadFactor, trust float64, healthy bool) LoadBalanceTarget {
	return LoadBalanceTarget{
		ID:         id,
		Endpoint:   id + ":9000",
		Weight:     0.5,
		LoadFactor: loadFactor,
		Healthy:    healthy,
		Governance: GovernanceProfile{Trust: trust, ComplianceLevel: 0.8, AuditCapable: true},
		Perf:       PerfProfile{SuccessRate: 0.95, EMAResponseTimeMs: 50},
	}
}

func TestSelectExcludesOverloadedAndUnhealthy(t *testing.T) {
	lb := newTestLB(t, DefaultConfig())
	lb.RegisterTargets("route-1", []LoadBalanceTarget{
		target("a", 0.9, 0.8, true),  // overloaded
		target("b", 0.2, 0.8, false), // unhealthy
		target("c", 0.3, 0.8, true),
	})

	sel, err := lb.Select(context.Background(), "route-1", SelectRequest{RequestID: "r1", Algorithm: "round_robin"})
	require.NoError(t, err)
	assert.Equal(t, "c", sel.Primary.ID)
}

func TestSelectNoEligibleTargetsReturnsErrNoRoute(t *testing.T) {
	lb := newTestLB(t, DefaultConfig())
	lb.RegisterTargets("route-1", []LoadBalanceTarget{target("a", 0.2, 0.8, false)})

	_, err := lb.Select(context.Background(), "route-1", SelectRequest{RequestID: "r1"})
	assert.ErrorIs(t, err, errs.ErrNoRoute)
}

func TestSelectTrustBasedPrefersHighestTrust(t *testing.T) {
	lb := newTestLB(t, DefaultConfig())
	lb.RegisterTargets("route-1", []LoadBalanceTarget{
		target("low-trust", 0.1, 0.3, true),
		target("high-trust", 0.1, 0.95, true),
	})

	sel, err := lb.Select(context.Background(), "route-1", SelectRequest{RequestID: "r1", Algorithm: "trust_based"})
	require.NoError(t, err)
	assert.Equal(t, "high-trust", sel.Primary.ID)
}

func TestSelectReturnsFailoverAlternates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAlternates = 2
	lb := newTestLB(t, cfg)
	lb.RegisterTargets("route-1", []LoadBalanceTarget{
		target("a", 0.1, 0.9, true),
		target("b", 0.2, 0.8, true),
		target("c", 0.3, 0.7, true),
		target("d", 0.4, 0.6, true),
	})

	sel, err := lb.Select(context.Background(), "route-1", SelectRequest{RequestID: "r1", Algorithm: "trust_based"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Primary.ID)
	assert.Len(t, sel.Alternates, 2)
	assert.Equal(t, "b", sel.Alternates[0].ID)
}

func TestReportCompletionOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	lb := newTestLB(t, cfg)
	lb.RegisterTargets("route-1", []LoadBalanceTarget{target("a", 0.1, 0.9, true)})

	ctx := context.Background()
	sel, err := lb.Select(ctx, "route-1", SelectRequest{RequestID: "r1", Algorithm: "round_robin"})
	require.NoError(t, err)
	lb.ReportCompletion(ctx, CompletionReport{RequestID: "r1", TargetID: sel.Primary.ID, Success: false})

	sel2, err := lb.Select(ctx, "route-1", SelectRequest{RequestID: "r2", Algorithm: "round_robin"})
	require.NoError(t, err)
	lb.ReportCompletion(ctx, CompletionReport{RequestID: "r2", TargetID: sel2.Primary.ID, Success: false})

	assert.Equal(t, BreakerOpen, lb.breakerFor("a").State())

	_, err = lb.Select(ctx, "route-1", SelectRequest{RequestID: "r3", Algorithm: "round_robin"})
	assert.ErrorIs(t, err, errs.ErrNoRoute)
}

func TestChooseAlgorithmHonorsAdaptiveMLSeam(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveAlgorithms = true
	lb := newTestLB(t, cfg)
	lb.RegisterTargets("route-1", []LoadBalanceTarget{target("a", 0.1, 0.9, true)})

	sel, err := lb.Select(context.Background(), "route-1", SelectRequest{RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "a", sel.Primary.ID)
}
