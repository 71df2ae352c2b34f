package loadbalancer

import (
	"sort"
	"sync"
)

// scored pairs a target with a quality score in [0,1], higher is better.
type scored struct {
	target LoadBalanceTarget
	score  float64
}

// Algorithm ranks an eligible set best-first for one request. The
// strategy-registry pattern (a one-method interface plus a name-keyed map)
// is reused a fourth time here, after internal/router.Algorithm,
// internal/protocol's profile scoring, and internal/pool.scalingAlgorithm.
type Algorithm interface {
	Rank(req SelectRequest, targets []LoadBalanceTarget) []scored
}

func sortByScoreDesc(s []scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].score != s[j].score {
			return s[i].score > s[j].score
		}
		return s[i].target.ID < s[j].target.ID
	})
}

// roundRobinAlgorithm cycles through the eligible set in registration order,
// ignoring request properties entirely.
type roundRobinAlgorithm struct {
	mu   sync.Mutex
	next int
}

func (a *roundRobinAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	if len(targets) == 0 {
		return nil
	}
	a.mu.Lock()
	start := a.next % len(targets)
	a.next++
	a.mu.Unlock()

	out := make([]scored, len(targets))
	for i, t := range targets {
		// distance from start, wrapped, converted to a descending score so
		// sortByScoreDesc produces the rotation starting at `start`.
		pos := (i - start + len(targets)) % len(targets)
		out[i] = scored{target: t, score: 1 - float64(pos)/float64(len(targets))}
	}
	return out
}

// weightedRoundRobinAlgorithm favors higher-weight targets, weight being
// each target's recorded performance score.
type weightedRoundRobinAlgorithm struct{}

func (weightedRoundRobinAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	out := make([]scored, len(targets))
	for i, t := range targets {
		w := t.Weight
		if w <= 0 {
			w = t.Perf.SuccessRate
		}
		out[i] = scored{target: t, score: clamp01(w)}
	}
	return out
}

// leastConnectionsAlgorithm prefers the target with fewest active requests.
type leastConnectionsAlgorithm struct{}

func (leastConnectionsAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	maxActive := 1
	for _, t := range targets {
		if t.Perf.ActiveRequests > maxActive {
			maxActive = t.Perf.ActiveRequests
		}
	}
	out := make([]scored, len(targets))
	for i, t := range targets {
		out[i] = scored{target: t, score: 1 - float64(t.Perf.ActiveRequests)/float64(maxActive)}
	}
	return out
}

// leastResponseTimeAlgorithm prefers the lowest EMA response time.
type leastResponseTimeAlgorithm struct{}

func (leastResponseTimeAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	maxRT := 1.0
	for _, t := range targets {
		if t.Perf.EMAResponseTimeMs > maxRT {
			maxRT = t.Perf.EMAResponseTimeMs
		}
	}
	out := make([]scored, len(targets))
	for i, t := range targets {
		out[i] = scored{target: t, score: 1 - t.Perf.EMAResponseTimeMs/maxRT}
	}
	return out
}

// resourceBasedAlgorithm prefers the target with the most composite
// CPU/memory/network headroom.
type resourceBasedAlgorithm struct{}

func (resourceBasedAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	out := make([]scored, len(targets))
	for i, t := range targets {
		c := t.Capacity
		out[i] = scored{target: t, score: clamp01((c.CPUHeadroom + c.MemoryHeadroom + c.NetworkHeadroom) / 3)}
	}
	return out
}

// trustBasedAlgorithm maximizes trust, breaking ties on lower load (a proxy
// for cost, since neither target nor request carry an explicit cost field).
type trustBasedAlgorithm struct{}

func (trustBasedAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	out := make([]scored, len(targets))
	for i, t := range targets {
		out[i] = scored{target: t, score: clamp01(t.Governance.Trust*0.8 + (1-t.LoadFactor)*0.2)}
	}
	return out
}

// governanceOptimizedAlgorithm weighs trust, compliance level, and audit
// capability together.
type governanceOptimizedAlgorithm struct{}

func (governanceOptimizedAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	out := make([]scored, len(targets))
	for i, t := range targets {
		audit := 0.0
		if t.Governance.AuditCapable {
			audit = 1.0
		}
		out[i] = scored{target: t, score: clamp01(t.Governance.Trust*0.5 + t.Governance.ComplianceLevel*0.3 + audit*0.2)}
	}
	return out
}

// predictiveAlgorithm projects each target's load over the request's
// expected duration (current load_factor plus a linear growth term scaled
// by active requests) and prefers whichever stays lowest.
type predictiveAlgorithm struct{}

func (predictiveAlgorithm) Rank(req SelectRequest, targets []LoadBalanceTarget) []scored {
	out := make([]scored, len(targets))
	durationSec := req.ExpectedDurationMs / 1000
	for i, t := range targets {
		growth := float64(t.Perf.ActiveRequests) * 0.01 * durationSec
		projected := clamp01(t.LoadFactor + growth)
		out[i] = scored{target: t, score: 1 - projected}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// registry names the concrete algorithms. adaptive_ml is not registered
// here: the load balancer adds that name beside these and resolves it
// through the bandit (see bandit.go).
type registry struct {
	algos map[string]Algorithm
	rr    *roundRobinAlgorithm
}

func newRegistry() *registry {
	rr := &roundRobinAlgorithm{}
	r := &registry{rr: rr, algos: map[string]Algorithm{
		"round_robin":          rr,
		"weighted_round_robin": weightedRoundRobinAlgorithm{},
		"least_connections":    leastConnectionsAlgorithm{},
		"least_response_time":  leastResponseTimeAlgorithm{},
		"resource_based":       resourceBasedAlgorithm{},
		"trust_based":          trustBasedAlgorithm{},
		"governance_optimized": governanceOptimizedAlgorithm{},
		"predictive":           predictiveAlgorithm{},
	}}
	return r
}

func (r *registry) get(name string) (Algorithm, bool) {
	a, ok := r.algos[name]
	return a, ok
}

func (r *registry) names() []string {
	names := make([]string, 0, len(r.algos))
	for n := range r.algos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
