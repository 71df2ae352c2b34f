package loadbalancer

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/observability"
)

// Config holds the Load Balancer's tunables.
type Config struct {
	DefaultAlgorithm   string
	AdaptiveAlgorithms bool
	MaxAlternates      int
	Breaker            BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		DefaultAlgorithm:   "weighted_round_robin",
		AdaptiveAlgorithms: false,
		MaxAlternates:      3,
		Breaker:            DefaultBreakerConfig(),
	}
}

// LoadBalancer picks a target among a route's registered equivalent
// endpoints, tracks per-target circuit breakers, and feeds back observed
// outcomes into both the chosen target's performance record and the
// bandit/meta-selector's algorithm performance record.
type LoadBalancer struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	reg    *registry
	bandit *banditRegistry

	mu       sync.RWMutex
	targets  map[string][]LoadBalanceTarget
	breakers map[string]*TargetBreaker
	inFlight map[string]string // requestID -> algorithm used, for ReportCompletion
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter) (*LoadBalancer, error) {
	metrics, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}
	return &LoadBalancer{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
		reg:      newRegistry(),
		bandit:   newBanditRegistry(),
		targets:  make(map[string][]LoadBalanceTarget),
		breakers: make(map[string]*TargetBreaker),
		inFlight: make(map[string]string),
	}, nil
}

// RegisterTargets replaces the equivalent-endpoint set for a route.
func (lb *LoadBalancer) RegisterTargets(routeID string, targets []LoadBalanceTarget) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.targets[routeID] = targets
	for _, t := range targets {
		if _, ok := lb.breakers[t.ID]; !ok {
			lb.breakers[t.ID] = NewTargetBreaker(t.ID, lb.cfg.Breaker)
		}
	}
}

func (lb *LoadBalancer) breakerFor(targetID string) *TargetBreaker {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b, ok := lb.breakers[targetID]
	if !ok {
		b = NewTargetBreaker(targetID, lb.cfg.Breaker)
		lb.breakers[targetID] = b
	}
	return b
}

// Select picks one target for routeID per req, applying the eligibility
// filter, the chosen algorithm's ranking, and the target breaker's state,
// and returns a failover plan of up to MaxAlternates alternates.
func (lb *LoadBalancer) Select(ctx context.Context, routeID string, req SelectRequest) (Selection, error) {
	ctx, span := lb.tracer.StartSelectSpan(ctx, routeID, req.Algorithm)
	defer span.End()

	lb.mu.RLock()
	all := append([]LoadBalanceTarget(nil), lb.targets[routeID]...)
	lb.mu.RUnlock()

	elig := eligible(all, req)
	elig = lb.excludeOpenBreakers(elig)
	if len(elig) == 0 {
		lb.tracer.RecordError(span, errs.ErrNoRoute)
		return Selection{}, errs.ErrNoRoute
	}

	algo := lb.chooseAlgorithm(req)
	resolved := algo
	if algo == "adaptive_ml" {
		// Adaptive-ML is a bandit over the mandatory algorithms, not an
		// algorithm of its own; resolve it to whichever base algorithm the
		// bandit currently favors for this request.
		resolved = lb.bandit.best(lb.reg.names(), req)
	}
	a, ok := lb.reg.get(resolved)
	if !ok {
		resolved = lb.cfg.DefaultAlgorithm
		a, ok = lb.reg.get(resolved)
		if !ok {
			a = weightedRoundRobinAlgorithm{}
		}
	}

	ranked := a.Rank(req, elig)
	sortByScoreDesc(ranked)

	sel := Selection{
		RequestID: req.RequestID,
		Primary:   ranked[0].target,
		Algorithm: algo,
		Score:     ranked[0].score,
		DecidedAt: lb.clock.Now(),
	}
	maxAlt := lb.cfg.MaxAlternates
	for i := 1; i < len(ranked) && len(sel.Alternates) < maxAlt; i++ {
		sel.Alternates = append(sel.Alternates, ranked[i].target)
	}

	lb.mu.Lock()
	lb.inFlight[req.RequestID] = algo
	lb.mu.Unlock()

	lb.metrics.RecordSelection(ctx, algo)
	lb.tracer.SetSpanSuccess(span)
	return sel, nil
}

func (lb *LoadBalancer) excludeOpenBreakers(targets []LoadBalanceTarget) []LoadBalanceTarget {
	out := make([]LoadBalanceTarget, 0, len(targets))
	for _, t := range targets {
		if lb.breakerFor(t.ID).State() == BreakerOpen {
			continue
		}
		out = append(out, t)
	}
	return out
}

// chooseAlgorithm returns req.Algorithm verbatim when set; otherwise runs
// the meta-selector when AdaptiveAlgorithms is enabled, otherwise the fixed
// DefaultAlgorithm.
func (lb *LoadBalancer) chooseAlgorithm(req SelectRequest) string {
	if req.Algorithm != "" {
		return req.Algorithm
	}
	if !lb.cfg.AdaptiveAlgorithms {
		return lb.cfg.DefaultAlgorithm
	}
	names := append(lb.reg.names(), "adaptive_ml")
	return lb.bandit.best(names, req)
}

// ReportCompletion feeds a request's outcome back into the target's breaker
// and records the reward in the algorithm's bandit record. It does not
// update the target's performance profile; callers do that via
// UpdateTargetPerf, since LoadBalanceTarget values here are snapshots, not
// live references.
func (lb *LoadBalancer) ReportCompletion(ctx context.Context, report CompletionReport) []FailoverReason {
	lb.breakerFor(report.TargetID).Report(report.Success)

	lb.mu.Lock()
	algo := lb.inFlight[report.RequestID]
	delete(lb.inFlight, report.RequestID)
	lb.mu.Unlock()
	if algo == "" {
		algo = report.Algorithm
	}

	reward := 0.0
	if report.Success {
		reward = 1 / (1 + report.LatencyMs/1000)
	}
	lb.bandit.record(algo, reward)

	var reasons []FailoverReason
	if !report.Success {
		if lb.breakerFor(report.TargetID).State() == BreakerOpen {
			reasons = append(reasons, FailoverHealthFailure)
		} else {
			reasons = append(reasons, FailoverTimeout)
		}
	}
	for _, r := range reasons {
		lb.metrics.RecordFailover(ctx, string(r))
	}
	return reasons
}

// UpdateTargetPerf replaces one target's live performance/health snapshot,
// used by the caller (e.g. the health monitor or pool) whenever it learns
// fresher numbers than what was registered.
func (lb *LoadBalancer) UpdateTargetPerf(routeID, targetID string, perf PerfProfile, healthy bool, loadFactor float64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	targets := lb.targets[routeID]
	for i, t := range targets {
		if t.ID == targetID {
			targets[i].Perf = perf
			targets[i].Healthy = healthy
			targets[i].LoadFactor = loadFactor
			targets[i].Breaker = lb.breakers[targetID].State()
		}
	}
}
