// Package efficiency implements the Efficiency Monitor (§4.7): it
// aggregates cross-cutting outcome samples into EMAs and a normalized
// score, publishing snapshots and adaptation signals. It is read-only —
// it never modifies a downstream component, only signals that one might
// want to.
package efficiency

import "time"

// Sample is one outcome observation fed in by the Bus/Router/Protocol
// Selector/Load Balancer after a completed delivery.
type Sample struct {
	Component           string // e.g. "router", "protocol:grpcstream", "loadbalancer"
	LatencyMs           float64
	Success             bool
	ProtocolOverheadPct float64 // frame/header overhead as a fraction of payload, [0,1]
	GovernanceMs        float64 // time spent in governance-related processing
	ResourceUsage       float64 // [0,1] fraction of capacity consumed
	Timestamp           time.Time
}

// Percentiles holds a latency distribution snapshot.
type Percentiles struct {
	P50, P90, P95, P99 float64
}

// Snapshot is one published analysis_interval aggregate.
type Snapshot struct {
	Timestamp            time.Time
	Latency              Percentiles
	ThroughputPerSec     float64
	Reliability          float64 // EMA success rate, [0,1]
	ResourceUtilization  float64 // EMA, [0,1]
	ProtocolEfficiency   float64 // 1 - EMA(overhead), [0,1]
	GovernanceOverheadMs float64
	ComponentEfficiency  map[string]float64 // per-component score, [0,1]
	Score                float64            // overall normalized aggregate, [0,1]
}

// AdaptationEvent fires when Score deviates from the tracked baseline by
// more than Config.AdaptationThreshold. It does not mutate anything
// itself — a caller (e.g. the Load Balancer or Protocol Selector) may
// choose to react.
type AdaptationEvent struct {
	Timestamp time.Time
	Score     float64
	Baseline  float64
	Delta     float64
	Reason    string
}
