package router

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

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-router-test")
	r, err := New(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), nil)
	require.NoError(t, err)
	return r
}

func candidate(id string, latencyMs, load, reliability float64) Candidate {
	return Candidate{RouteID: id, Destination: "agent.worker", ProtocolID: "grpcstream", EstLatencyMs: latencyMs, LoadFactor: load, Reliability: reliability}
}

func TestPickSelectsLowestCost(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	msg := ScoredMessage{ID: "m1", Type: "task_assignment"}

	candidates := []Candidate{
		candidate("slow", 500, 0.1, 0.99),
		candidate("fast", 10, 0.1, 0.99),
	}

	decision, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", candidates, "shortestPath")
	require.NoError(t, err)
	assert.Equal(t, "fast", decision.SelectedRoute.RouteID)
	assert.Len(t, decision.Alternatives, 1)
	assert.Equal(t, "slow", decision.Alternatives[0].RouteID)
}

func TestPickNoCandidatesReturnsErrNoRoute(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	msg := ScoredMessage{ID: "m2", Type: "task_assignment"}

	_, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", nil, "")
	assert.ErrorIs(t, err, errs.ErrNoRoute)
}

func TestPickAllOpenReturnsErrAllOpen(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	msg := ScoredMessage{ID: "m3", Type: "task_assignment"}

	candidates := []Candidate{
		{RouteID: "a", Destination: "agent.worker", CircuitOpen: true},
		{RouteID: "b", Destination: "agent.worker", CircuitOpen: true},
	}
	_, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", candidates, "")
	assert.ErrorIs(t, err, errs.ErrAllOpen)
}

func TestPickCachesDecisionWithinTTL(t *testing.T) {
	cfg := DefaultConfig()
	r := newTestRouter(t, cfg)
	msg := ScoredMessage{ID: "m4", Type: "task_assignment"}
	candidates := []Candidate{candidate("only", 20, 0.2, 0.95)}

	first, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", candidates, "shortestPath")
	require.NoError(t, err)

	// A second Pick with a disjoint candidate set should still return the
	// cached route since the cache entry is fresh.
	second, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", []Candidate{candidate("different", 5, 0.0, 0.99)}, "shortestPath")
	require.NoError(t, err)
	assert.Equal(t, first.SelectedRoute.RouteID, second.SelectedRoute.RouteID)
}

func TestRecordOutcomeExcludesFailedRouteForMessage(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	msg := ScoredMessage{ID: "m5", Type: "task_assignment", MaxAttempts: 1}

	candidates := []Candidate{
		candidate("bad", 10, 0.1, 0.99),
		candidate("good", 50, 0.1, 0.99),
	}

	decision, err := r.Pick(context.Background(), msg, "agent.a", "dest-excl", candidates, "shortestPath")
	require.NoError(t, err)
	require.Equal(t, "bad", decision.SelectedRoute.RouteID)

	r.RecordOutcome(msg, "bad", decision.SelectedRoute.CostScore, false)

	decision2, err := r.Pick(context.Background(), msg, "agent.a", "dest-excl-2", candidates, "shortestPath")
	require.NoError(t, err)
	assert.Equal(t, "good", decision2.SelectedRoute.RouteID, "excluded route must not be reselected for the same message")
}

func TestCostOmitsAndRenormalizesTrustTermWhenFloorUnset(t *testing.T) {
	trust := 0.5 // irrelevant: no floor means no trust term at all
	c := Candidate{RouteID: "r", EstLatencyMs: 200, LoadFactor: 0.4, Reliability: 0.9, Trust: &trust}

	cost, factors := Cost(c, nil)

	require.Len(t, factors, 3, "trust factor must be omitted entirely when no floor is set")
	for _, f := range factors {
		assert.NotEqual(t, "trustGap", f.Name)
	}

	wantLatencyW := 0.4 / 0.9
	wantLoadW := 0.3 / 0.9
	wantReliabW := 0.2 / 0.9
	wantCost := wantLatencyW*(200.0/1000) + wantLoadW*0.4 + wantReliabW*(1-0.9)
	assert.InDelta(t, wantCost, cost, 1e-9)

	for _, f := range factors {
		switch f.Name {
		case "latency":
			assert.InDelta(t, wantLatencyW, f.Weight, 1e-9)
		case "load":
			assert.InDelta(t, wantLoadW, f.Weight, 1e-9)
		case "reliability":
			assert.InDelta(t, wantReliabW, f.Weight, 1e-9)
		}
	}
}

func TestCostKeepsNominalWeightsWhenFloorSet(t *testing.T) {
	floor := 0.8
	trust := 0.5
	c := Candidate{RouteID: "r", EstLatencyMs: 200, LoadFactor: 0.4, Reliability: 0.9, Trust: &trust}

	_, factors := Cost(c, &floor)

	require.Len(t, factors, 4)
	for _, f := range factors {
		switch f.Name {
		case "latency":
			assert.InDelta(t, 0.4, f.Weight, 1e-9)
		case "load":
			assert.InDelta(t, 0.3, f.Weight, 1e-9)
		case "reliability":
			assert.InDelta(t, 0.2, f.Weight, 1e-9)
		case "trustGap":
			assert.InDelta(t, 0.1, f.Weight, 1e-9)
		}
	}
}

func TestTrustBasedPrefersHighTrustAboveFloor(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	floor := 0.8
	lowTrust := 0.5
	highTrust := 0.9
	msg := ScoredMessage{ID: "m6", Type: "governance_directive", TrustFloor: &floor}

	candidates := []Candidate{
		{RouteID: "low", Destination: "agent.worker", EstLatencyMs: 5, Reliability: 0.99, Trust: &lowTrust},
		{RouteID: "high", Destination: "agent.worker", EstLatencyMs: 50, Reliability: 0.99, Trust: &highTrust},
	}

	decision, err := r.Pick(context.Background(), msg, "agent.a", "agent.worker", candidates, "trustBased")
	require.NoError(t, err)
	assert.Equal(t, "high", decision.SelectedRoute.RouteID)
}
