package pool

import (
	"context"
	"time"
)

// scalingAlgorithm decides a pool's next scaling action from a utilization
// reading. reactive is the only mandatory algorithm; predictive/adaptive/ml
// are registered ids that fall back to it, per the Non-goal that excludes
// trained-model scaling.
type scalingAlgorithm interface {
	decide(p *ConnectionPool, utilization float64, now time.Time) scalingAction
}

type scalingAction int

const (
	scaleNone scalingAction = iota
	scaleUp
	scaleDown
)

type reactiveScaling struct{}

func (reactiveScaling) decide(p *ConnectionPool, utilization float64, now time.Time) scalingAction {
	cfg := p.cfg.Scaling

	if now.Sub(p.lastScaledAt) < cfg.CooldownPeriod {
		return scaleNone
	}

	if utilization > cfg.HighThreshold {
		if p.highSince.IsZero() {
			p.highSince = now
		}
		p.lowSince = time.Time{}
		if now.Sub(p.highSince) >= cfg.TriggerDuration {
			return scaleUp
		}
		return scaleNone
	}
	p.highSince = time.Time{}

	if utilization < cfg.LowThreshold {
		if p.lowSince.IsZero() {
			p.lowSince = now
		}
		if now.Sub(p.lowSince) >= cfg.TriggerDuration {
			return scaleDown
		}
		return scaleNone
	}
	p.lowSince = time.Time{}
	return scaleNone
}

func scalingAlgorithmFor(name string) scalingAlgorithm {
	// predictive/adaptive/ml are named seams that fall back to reactive
	// (§9 Open Question; Non-goal: no ML training).
	return reactiveScaling{}
}

// utilization is the fraction of connections currently busy.
func (p *ConnectionPool) utilizationLocked() float64 {
	if len(p.connections) == 0 {
		return 0
	}
	busy := 0
	for _, cs := range p.connections {
		if cs.conn.Status == ConnBusy {
			busy++
		}
	}
	return float64(busy) / float64(len(p.connections))
}

// evaluateScaling applies one reactive-scaling step: scale-up creates up to
// ScaleUpIncrement new idle connections (bounded by MaxScaleUpRate and
// MaxSize); scale-down closes up to ScaleDownIncrement idle connections
// (honoring MinSize).
func (p *ConnectionPool) evaluateScaling(now time.Time) {
	p.mu.Lock()
	utilization := p.utilizationLocked()
	algo := scalingAlgorithmFor(p.cfg.Scaling.Algorithm)
	action := algo.decide(p, utilization, now)
	if action == scaleNone {
		p.mu.Unlock()
		return
	}
	p.lastScaledAt = now
	p.status = PoolScaling

	switch action {
	case scaleUp:
		room := p.cfg.MaxSize - len(p.connections)
		n := min3(p.cfg.Scaling.ScaleUpIncrement, p.cfg.Scaling.MaxScaleUpRate, room)
		p.mu.Unlock()
		for i := 0; i < n; i++ {
			// best-effort: a failed create here does not block the others
			_, _ = p.createConnection(context.Background(), AcquireRequest{Endpoint: p.endpoint})
		}
		p.mu.Lock()
	case scaleDown:
		removed := 0
		for id, cs := range p.connections {
			if removed >= p.cfg.Scaling.ScaleDownIncrement {
				break
			}
			if len(p.connections)-removed <= p.cfg.MinSize {
				break
			}
			if cs.conn.Status == ConnIdle {
				_ = cs.handle.Close()
				delete(p.connections, id)
				removed++
			}
		}
	}

	if p.status == PoolScaling {
		p.status = PoolActive
	}
	p.mu.Unlock()
}

// EvaluateScaling runs one reactive-scaling pass over every pool. It runs
// only when called: cmd/commcore-bus does not register it with the
// scheduler, so Scaling.CheckInterval is not applied.
func (m *Manager) EvaluateScaling(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	now := m.clock.Now()
	for _, p := range pools {
		p.evaluateScaling(now)
		p.mu.Lock()
		size := int64(len(p.connections))
		p.mu.Unlock()
		m.metrics.SetPoolSize(ctx, p.id, size)
	}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	if m < 0 {
		return 0
	}
	return m
}
