package loadbalancer

import "sync"

// algoStats is the recorded performance profile of one algorithm: score
// (mean reward), fairness (how evenly it shares the eligible set relative
// to its peers), stability (inverse reward variance), adaptability (how
// much its reward has moved recently), and usage count — exactly the five
// inputs the meta-selector reads per §4.5.
type algoStats struct {
	usageCount int
	sumReward  float64
	sumSq      float64
	lastReward float64
	lastDelta  float64
}

func (s *algoStats) record(reward float64) {
	if s.usageCount > 0 {
		s.lastDelta = reward - s.lastReward
	}
	s.lastReward = reward
	s.usageCount++
	s.sumReward += reward
	s.sumSq += reward * reward
}

func (s *algoStats) score() float64 {
	if s.usageCount == 0 {
		return 0.5
	}
	return s.sumReward / float64(s.usageCount)
}

func (s *algoStats) stability() float64 {
	if s.usageCount < 2 {
		return 0.5
	}
	mean := s.sumReward / float64(s.usageCount)
	variance := s.sumSq/float64(s.usageCount) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return 1 / (1 + variance)
}

func (s *algoStats) adaptability() float64 {
	d := s.lastDelta
	if d < 0 {
		d = -d
	}
	return clamp01(d * 5)
}

// banditRegistry tracks per-algorithm stats and serves both adaptive_ml
// (bandit over the mandatory algorithms) and the meta-selector (picks among
// all algorithms, including adaptive_ml, factoring in request properties).
// Neither trains a model — both are running-average trackers, consistent
// with the Non-goal excluding ML training, the same shape as
// internal/router's rewardTracker and internal/protocol's adaptation seams.
type banditRegistry struct {
	mu    sync.Mutex
	stats map[string]*algoStats
}

func newBanditRegistry() *banditRegistry {
	return &banditRegistry{stats: make(map[string]*algoStats)}
}

func (b *banditRegistry) record(algo string, reward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[algo]
	if !ok {
		st = &algoStats{}
		b.stats[algo] = st
	}
	st.record(reward)
}

// best returns the candidate with the highest composite of score, fairness,
// stability, and adaptability among names, weighted further by request
// properties: latency-sensitive requests favor responsive algorithms,
// governance-sensitive requests favor governance-aware ones, and high
// priority favors proactive, headroom-aware ones.
func (b *banditRegistry) best(names []string, req SelectRequest) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	fairness := b.fairnessLocked(names)

	bestName := names[0]
	bestScore := -1.0
	for _, name := range names {
		st, ok := b.stats[name]
		composite := 0.5
		if ok {
			composite = 0.4*st.score() + 0.2*fairness[name] + 0.2*st.stability() + 0.2*st.adaptability()
		}
		composite *= requestAffinity(name, req)
		if composite > bestScore {
			bestScore = composite
			bestName = name
		}
	}
	return bestName
}

// fairnessLocked computes a usage-balance score per algorithm,
// clamp01(1 - |usage-mean|/(mean+1)):
// algorithms used close to the mean usage count score near 1, over- or
// under-used ones score lower.
func (b *banditRegistry) fairnessLocked(names []string) map[string]float64 {
	total := 0
	for _, name := range names {
		if st, ok := b.stats[name]; ok {
			total += st.usageCount
		}
	}
	out := make(map[string]float64, len(names))
	if total == 0 {
		for _, name := range names {
			out[name] = 1
		}
		return out
	}
	mean := float64(total) / float64(len(names))
	for _, name := range names {
		usage := 0.0
		if st, ok := b.stats[name]; ok {
			usage = float64(st.usageCount)
		}
		diff := usage - mean
		if diff < 0 {
			diff = -diff
		}
		out[name] = clamp01(1 - diff/(mean+1))
	}
	return out
}

// requestAffinity nudges the bandit toward algorithms that suit the
// request's declared properties, per §4.5 "combined with request
// properties (priority, latency sensitivity, governance needs)".
func requestAffinity(algo string, req SelectRequest) float64 {
	affinity := 1.0
	if req.LatencySensitive && (algo == "least_response_time" || algo == "predictive") {
		affinity *= 1.2
	}
	if (req.Governance.MinTrust > 0 || req.Governance.RequireAudit || req.Governance.RequireAccountability || req.Governance.RequireConsensus) &&
		(algo == "governance_optimized" || algo == "trust_based") {
		affinity *= 1.2
	}
	if (req.Priority == "critical" || req.Priority == "high") && (algo == "predictive" || algo == "resource_based") {
		affinity *= 1.1
	}
	return affinity
}
