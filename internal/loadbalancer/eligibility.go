package loadbalancer

// redistributionThreshold is the load_factor ceiling above which a target is
// considered overloaded and excluded from the eligible set.
const redistributionThreshold = 0.85

// eligible filters targets per §4.5: healthy (unless overridden), not
// overloaded, governance requirements met, performance requirements met,
// not blacklisted.
func eligible(targets []LoadBalanceTarget, req SelectRequest) []LoadBalanceTarget {
	out := make([]LoadBalanceTarget, 0, len(targets))
	for _, t := range targets {
		if t.Blacklisted {
			continue
		}
		if !req.OverrideHealthCheck && !t.Healthy {
			continue
		}
		if t.LoadFactor >= redistributionThreshold {
			continue
		}
		if !t.Governance.satisfies(req.Governance) {
			continue
		}
		if !t.Perf.satisfies(req.Performance) {
			continue
		}
		out = append(out, t)
	}
	return out
}
