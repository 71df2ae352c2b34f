// Package router scores candidate routes for a message and picks one,
// exposing up to three alternatives for failover. It owns the route cache
// but never the underlying connections (that's internal/pool) or the final
// endpoint pick among a route's targets (that's internal/loadbalancer).
package router

import "time"

// Route is a derived, cacheable description of one way to reach a
// destination: which protocol to use and the endpoint set's aggregate
// characteristics. Cached per (source, destination) with a TTL.
type Route struct {
	RouteID       string
	Destination   string
	ProtocolID    string
	EstLatencyMs  float64
	EstBandwidth  float64
	Reliability   float64 // [0,1]
	LoadFactor    float64 // [0,1]
	Trust         *float64
	CostScore     float64
	Hops          []string
	CachedAt      time.Time
}

// Factor records one term of the cost computation for audit/explainability.
type Factor struct {
	Name         string
	Weight       float64
	Score        float64
	Contribution float64
}

// RoutingDecision is produced once per send attempt.
type RoutingDecision struct {
	MessageID     string
	SelectedRoute Route
	Alternatives  []Route // at most 3
	Factors       []Factor
	Confidence    float64
	DecidedAt     time.Time
	EstDeliveryMs float64
}

// State is the per-message routing state machine.
type State string

const (
	StateSubmitted State = "submitted"
	StateQueued    State = "queued"
	StateScored    State = "scored"
	StateSelected  State = "selected"
	StateDispatched State = "dispatched"
	StateAcked     State = "acked"
	StateFailed    State = "failed"
	StateTimedOut  State = "timedOut"
)

// Candidate is the input a Router scores: everything it needs to know about
// a reachable destination before picking one. Candidates normally come from
// a destination resolver the core does not define (out of scope); callers
// hand the router a pre-resolved slice.
type Candidate struct {
	RouteID      string
	Destination  string
	ProtocolID   string
	EstLatencyMs float64
	EstBandwidth float64
	Reliability  float64
	LoadFactor   float64
	Trust        *float64
	Hops         []string
	// CircuitOpen marks a candidate whose breaker is currently open; it is
	// excluded from selection but still counted toward ErrAllOpen detection.
	CircuitOpen bool
}

// ScoredMessage is the minimal view of a bus.Message an algorithm needs —
// decoupled from the bus package's type so router has no import-cycle risk
// and can be unit tested without constructing a full Message.
type ScoredMessage struct {
	ID             string
	Type           string
	PayloadBytes   int
	TrustFloor     *float64
	LatencyBoundMs float64
	MaxAttempts    int // 0 defaults to 1: a failed route is excluded for the rest of this message's attempts
}

func trustGap(trust *float64, floor *float64) float64 {
	if trust == nil {
		return 0.5 // documented default for a route with no reported trust
	}
	gap := *floor - *trust
	if gap < 0 {
		return 0
	}
	return gap
}

// baseWeights are the documented cost weights when a trust floor is set:
// cost = 0.4*(estLatencyMs/1000) + 0.3*loadFactor + 0.2*(1-reliability) + 0.1*trustGap
const (
	latencyWeight = 0.4
	loadWeight    = 0.3
	reliabWeight  = 0.2
	trustWeight   = 0.1
	renormalizeBy = 1 - trustWeight // 0.9: the three remaining weights' new denominator
)

// Cost computes the weighted cost score. When floor is nil (no governance
// trust requirement on the message — the common case), the trust term is
// omitted entirely and the other three weights renormalize over 0.9 rather
// than keep their nominal 0.4/0.3/0.2 shares.
func Cost(c Candidate, floor *float64) (float64, []Factor) {
	if floor == nil {
		latencyW, loadW, reliabW := latencyWeight/renormalizeBy, loadWeight/renormalizeBy, reliabWeight/renormalizeBy
		latencyTerm := latencyW * (c.EstLatencyMs / 1000)
		loadTerm := loadW * c.LoadFactor
		reliabilityTerm := reliabW * (1 - c.Reliability)

		factors := []Factor{
			{Name: "latency", Weight: latencyW, Score: c.EstLatencyMs / 1000, Contribution: latencyTerm},
			{Name: "load", Weight: loadW, Score: c.LoadFactor, Contribution: loadTerm},
			{Name: "reliability", Weight: reliabW, Score: 1 - c.Reliability, Contribution: reliabilityTerm},
		}
		return latencyTerm + loadTerm + reliabilityTerm, factors
	}

	latencyTerm := latencyWeight * (c.EstLatencyMs / 1000)
	loadTerm := loadWeight * c.LoadFactor
	reliabilityTerm := reliabWeight * (1 - c.Reliability)
	gap := trustGap(c.Trust, floor)
	trustTerm := trustWeight * gap

	factors := []Factor{
		{Name: "latency", Weight: latencyWeight, Score: c.EstLatencyMs / 1000, Contribution: latencyTerm},
		{Name: "load", Weight: loadWeight, Score: c.LoadFactor, Contribution: loadTerm},
		{Name: "reliability", Weight: reliabWeight, Score: 1 - c.Reliability, Contribution: reliabilityTerm},
		{Name: "trustGap", Weight: trustWeight, Score: gap, Contribution: trustTerm},
	}
	return latencyTerm + loadTerm + reliabilityTerm + trustTerm, factors
}

func toRoute(c Candidate, cost float64, now time.Time) Route {
	return Route{
		RouteID:      c.RouteID,
		Destination:  c.Destination,
		ProtocolID:   c.ProtocolID,
		EstLatencyMs: c.EstLatencyMs,
		EstBandwidth: c.EstBandwidth,
		Reliability:  c.Reliability,
		LoadFactor:   c.LoadFactor,
		Trust:        c.Trust,
		CostScore:    cost,
		Hops:         c.Hops,
		CachedAt:     now,
	}
}
