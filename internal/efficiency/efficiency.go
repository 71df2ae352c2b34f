package efficiency

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/observability"
)

// Config holds the Efficiency Monitor's tunables.
type Config struct {
	EMAAlpha            float64
	LatencyWindow       int // samples kept for percentile derivation
	AnalysisInterval    time.Duration
	AdaptationThreshold float64 // fraction deviation from baseline that triggers an AdaptationEvent
	BaselineAlpha       float64 // slower EMA used to track the rolling baseline score
}

func DefaultConfig() Config {
	return Config{
		EMAAlpha:            0.3,
		LatencyWindow:       2000,
		AnalysisInterval:    30 * time.Second,
		AdaptationThreshold: 0.15,
		BaselineAlpha:       0.05,
	}
}

type componentStats struct {
	latency    latencyWindow
	reliable   ema
	overhead   ema
	governance ema
	resource   ema
	count      int
	windowFrom time.Time
}

// Monitor is the Efficiency Monitor: a read-only aggregator of outcome
// samples. It never reaches into another component — Publish only returns
// a Snapshot and, when warranted, an AdaptationEvent for the caller to act
// on.
type Monitor struct {
	cfg     Config
	clock   clock.Clock
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	mu          sync.Mutex
	components  map[string]*componentStats
	overall     latencyWindow
	reliable    ema
	overhead    ema
	governance  ema
	resource    ema
	count       int
	windowFrom  time.Time
	baseline    ema
	hasBaseline bool
}

func New(cfg Config, clk clock.Clock, tracer *observability.TraceManager, meter metric.Meter) (*Monitor, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}
	now := clk.Now()
	return &Monitor{
		cfg:        cfg,
		clock:      clk,
		tracer:     tracer,
		metrics:    mm,
		components: make(map[string]*componentStats),
		overall:    latencyWindow{cap: cfg.LatencyWindow},
		windowFrom: now,
	}, nil
}

func (m *Monitor) componentLocked(name string) *componentStats {
	c, ok := m.components[name]
	if !ok {
		c = &componentStats{latency: latencyWindow{cap: m.cfg.LatencyWindow}, windowFrom: m.clock.Now()}
		m.components[name] = c
	}
	return c
}

// Record ingests one outcome sample, updating the overall and per-component
// EMAs. It never blocks on I/O and never touches another subsystem.
func (m *Monitor) Record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.overall.add(s.LatencyMs)
	m.reliable.observe(successValue(s.Success), m.cfg.EMAAlpha)
	m.overhead.observe(s.ProtocolOverheadPct, m.cfg.EMAAlpha)
	m.governance.observe(s.GovernanceMs, m.cfg.EMAAlpha)
	m.resource.observe(s.ResourceUsage, m.cfg.EMAAlpha)
	m.count++

	if s.Component == "" {
		return
	}
	c := m.componentLocked(s.Component)
	c.latency.add(s.LatencyMs)
	c.reliable.observe(successValue(s.Success), m.cfg.EMAAlpha)
	c.overhead.observe(s.ProtocolOverheadPct, m.cfg.EMAAlpha)
	c.governance.observe(s.GovernanceMs, m.cfg.EMAAlpha)
	c.resource.observe(s.ResourceUsage, m.cfg.EMAAlpha)
	c.count++
}

func successValue(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// Publish computes a Snapshot from the samples recorded since the last
// Publish call, resets the per-window throughput counter, records the
// score to metrics, and returns an AdaptationEvent when the score deviates
// from the tracked baseline by more than AdaptationThreshold.
func (m *Monitor) Publish(ctx context.Context) (Snapshot, *AdaptationEvent) {
	m.mu.Lock()
	now := m.clock.Now()
	elapsed := now.Sub(m.windowFrom)
	if elapsed <= 0 {
		elapsed = m.cfg.AnalysisInterval
	}

	componentScores := make(map[string]float64, len(m.components))
	for name, c := range m.components {
		componentScores[name] = componentScore(c)
	}

	snap := Snapshot{
		Timestamp:            now,
		Latency:              m.overall.percentiles(),
		ThroughputPerSec:     float64(m.count) / elapsed.Seconds(),
		Reliability:          m.reliable.get(),
		ResourceUtilization:  m.resource.get(),
		ProtocolEfficiency:   1 - m.overhead.get(),
		GovernanceOverheadMs: m.governance.get(),
		ComponentEfficiency:  componentScores,
	}
	snap.Score = overallScore(snap)

	m.count = 0
	m.windowFrom = now

	var prevBaseline float64
	if m.hasBaseline {
		prevBaseline = m.baseline.get()
	} else {
		prevBaseline = snap.Score
	}
	m.baseline.observe(snap.Score, m.cfg.BaselineAlpha)
	m.hasBaseline = true
	m.mu.Unlock()

	if m.tracer != nil {
		_, span := m.tracer.StartSpan(ctx, "efficiency.publish")
		m.tracer.AddAttributes(span, "efficiency.", map[string]any{"score": snap.Score})
		span.End()
	}
	if m.metrics != nil {
		m.metrics.RecordEfficiencySnapshot(ctx, snap.Score)
	}

	delta := snap.Score - prevBaseline
	if prevBaseline == 0 || math.Abs(delta)/max(prevBaseline, 0.0001) <= m.cfg.AdaptationThreshold {
		return snap, nil
	}
	reason := "efficiency improved"
	if delta < 0 {
		reason = "efficiency degraded"
	}
	event := &AdaptationEvent{Timestamp: now, Score: snap.Score, Baseline: prevBaseline, Delta: delta, Reason: reason}
	if m.metrics != nil {
		m.metrics.RecordAdaptationEvent(ctx, "efficiency", reason)
	}
	return snap, event
}

func componentScore(c *componentStats) float64 {
	p := c.latency.percentiles()
	latencyScore := 1 - clamp01(p.P95/2000) // 2s treated as a saturating ceiling
	return clamp01(0.35*latencyScore + 0.35*c.reliable.get() + 0.15*(1-c.overhead.get()) + 0.15*(1-c.resource.get()))
}

// overallScore combines latency, reliability, resource headroom, and
// protocol efficiency into the normalized [0,1] aggregate §4.7 names.
// Throughput has no fixed ceiling to normalize against, so it is excluded
// from the weighted blend and reported alongside the score rather than
// folded into it.
func overallScore(s Snapshot) float64 {
	latencyScore := 1 - clamp01(s.Latency.P95/2000)
	resourceScore := 1 - clamp01(s.ResourceUtilization)
	return clamp01(0.3*latencyScore + 0.3*s.Reliability + 0.2*resourceScore + 0.2*s.ProtocolEfficiency)
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

