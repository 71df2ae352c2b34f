package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/observability"
	"github.com/commcore/bus/internal/store"
)

// Config tunes one Router instance.
type Config struct {
	RouteCacheTTL    time.Duration
	DefaultAlgorithm string
	MaxAlternatives  int
}

func DefaultConfig() Config {
	return Config{
		RouteCacheTTL:    30 * time.Second,
		DefaultAlgorithm: "shortestPath",
		MaxAlternatives:  3,
	}
}

// Router scores candidate routes for a message and selects one, per the
// Message Router component. It owns the route cache; it does not own
// connections (internal/pool) or the final target pick among a route's
// reachable endpoints (internal/loadbalancer) — those consume its decision.
type Router struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager
	cache   *routeCache
	reg     *registry

	mu       sync.Mutex
	excluded map[string]map[string]int // messageID -> routeID -> attempts consumed
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter, snap store.Store) (*Router, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, fmt.Errorf("router: new metrics manager: %w", err)
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 3
	}
	return &Router{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		tracer:   tracer,
		metrics:  mm,
		cache:    newRouteCache(cfg.RouteCacheTTL, clk, snap),
		reg:      newRegistry(),
		excluded: make(map[string]map[string]int),
	}, nil
}

// Pick scores candidates reachable at destination and returns a
// RoutingDecision. algorithm selects the strategy id (empty uses the
// configured default). Candidates already excluded for this message by a
// prior failed attempt (see RecordOutcome) are skipped.
func (r *Router) Pick(ctx context.Context, msg ScoredMessage, source, destination string, candidates []Candidate, algorithm string) (RoutingDecision, error) {
	ctx, span := r.tracer.StartRouteSpan(ctx, msg.ID, destination)
	defer span.End()

	if len(candidates) == 0 {
		r.tracer.RecordError(span, errs.ErrNoRoute)
		return RoutingDecision{}, errs.ErrNoRoute
	}

	excludedRoutes := r.excludedFor(msg.ID)
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.CircuitOpen {
			continue
		}
		if attempts, ok := excludedRoutes[c.RouteID]; ok && attempts >= msg.retryLimit() {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		allOpen := true
		for _, c := range candidates {
			if !c.CircuitOpen {
				allOpen = false
				break
			}
		}
		if allOpen {
			r.tracer.RecordError(span, errs.ErrAllOpen)
			return RoutingDecision{}, errs.ErrAllOpen
		}
		r.tracer.RecordError(span, errs.ErrNoRoute)
		return RoutingDecision{}, errs.ErrNoRoute
	}

	key := cacheKey(source, destination)
	scoredCandidates := r.scoreAll(eligible, msg.TrustFloor)

	algoName := algorithm
	if algoName == "" {
		algoName = r.cfg.DefaultAlgorithm
	}
	algo := r.reg.get(algoName)

	cached, fresh := r.cache.get(key)
	if attempts, ok := excludedRoutes[cached.RouteID]; ok && attempts >= msg.retryLimit() {
		fresh = false
	}
	if fresh {
		r.metrics.RecordRouteCache(ctx, true)
		decision := r.decisionFrom(msg, cached, scoredCandidates, algoName)
		r.tracer.SetSpanSuccess(span)
		return decision, nil
	}
	r.metrics.RecordRouteCache(ctx, false)

	picked := algo.ChooseRoute(msg, scoredCandidates)
	r.metrics.RecordRouteScored(ctx, algoName)
	r.cache.put(ctx, key, picked.route)

	decision := r.decisionFrom(msg, picked.route, scoredCandidates, algoName)
	r.tracer.SetSpanSuccess(span)
	return decision, nil
}

func (r *Router) scoreAll(candidates []Candidate, trustFloor *float64) []scored {
	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		cost, factors := Cost(c, trustFloor)
		out = append(out, scored{candidate: c, route: toRoute(c, cost, r.clock.Now()), factors: factors})
	}
	return out
}

func (r *Router) decisionFrom(msg ScoredMessage, selected Route, all []scored, algoName string) RoutingDecision {
	sorted := sortByCost(all)
	alternatives := make([]Route, 0, r.cfg.MaxAlternatives)
	var factors []Factor
	for _, s := range sorted {
		if s.route.RouteID == selected.RouteID {
			factors = s.factors
			continue
		}
		if len(alternatives) >= r.cfg.MaxAlternatives {
			continue
		}
		alternatives = append(alternatives, s.route)
	}

	confidence := confidenceFor(selected, sorted)
	return RoutingDecision{
		MessageID:     msg.ID,
		SelectedRoute: selected,
		Alternatives:  alternatives,
		Factors:       factors,
		Confidence:    confidence,
		DecidedAt:     r.clock.Now(),
		EstDeliveryMs: selected.EstLatencyMs,
	}
}

// confidenceFor is the margin between the selected route's cost and the
// next-best alternative's, normalized into [0,1]; a lone candidate is
// reported at full confidence.
func confidenceFor(selected Route, sorted []scored) float64 {
	if len(sorted) < 2 {
		return 1
	}
	var next float64
	found := false
	for _, s := range sorted {
		if s.route.RouteID == selected.RouteID {
			continue
		}
		next = s.route.CostScore
		found = true
		break
	}
	if !found || next <= 0 {
		return 1
	}
	margin := (next - selected.CostScore) / next
	if margin < 0 {
		margin = 0
	}
	if margin > 1 {
		margin = 1
	}
	return margin
}

// RecordOutcome updates the adaptive algorithm's reward signal and, on
// failure, excludes routeID from future Pick calls for this message until
// maxAttempts — per "retry excludes failed destination until max_attempts."
func (r *Router) RecordOutcome(msg ScoredMessage, routeID string, cost float64, success bool) {
	if !success {
		r.mu.Lock()
		if r.excluded[msg.ID] == nil {
			r.excluded[msg.ID] = make(map[string]int)
		}
		r.excluded[msg.ID][routeID]++
		r.mu.Unlock()
	}
	r.reg.bkt.record(msg.Type, r.cfg.DefaultAlgorithm, cost)
}

// Forget releases a message's retry-exclusion bookkeeping once the bus has
// reached a terminal delivery state for it.
func (r *Router) Forget(messageID string) {
	r.mu.Lock()
	delete(r.excluded, messageID)
	r.mu.Unlock()
}

func (r *Router) excludedFor(messageID string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excluded[messageID]
}

func (m ScoredMessage) retryLimit() int {
	if m.MaxAttempts > 0 {
		return m.MaxAttempts
	}
	return 1
}
