package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/health/anomaly"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

// Bands maps a component's raw metric value to degraded/unhealthy/critical
// thresholds; higher values are assumed worse (the common case: error
// rate, CPU, queue depth). A component with no configured Bands is not
// classified by Collect and does not change the agent's overall status.
type Bands struct {
	Degraded  float64
	Unhealthy float64
	Critical  float64
}

func (b Bands) classify(value float64) Status {
	switch {
	case b.Critical > 0 && value >= b.Critical:
		return StatusCritical
	case b.Unhealthy > 0 && value >= b.Unhealthy:
		return StatusUnhealthy
	case b.Degraded > 0 && value >= b.Degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// scoreOf maps a Status to a [0,1] health score (1 = perfectly healthy)
// used for the weighted-min overall derivation.
func scoreOf(s Status) float64 {
	switch s {
	case StatusHealthy, StatusUnknown:
		return 1.0
	case StatusDegraded:
		return 0.66
	case StatusUnhealthy:
		return 0.33
	default:
		return 0.0
	}
}

func statusOf(score float64) Status {
	switch {
	case score >= 0.9:
		return StatusHealthy
	case score >= 0.6:
		return StatusDegraded
	case score >= 0.3:
		return StatusUnhealthy
	default:
		return StatusCritical
	}
}

// Config holds the Health Monitor's tunables.
type Config struct {
	EMAAlpha           float64
	HistoryWindow      int
	DegradeDuration    time.Duration
	DegradeConsecutive int
	ComponentBands     map[string]Bands
	Alert              AlertConfig
	Anomaly            anomaly.Config
}

func DefaultConfig() Config {
	return Config{
		EMAAlpha:           0.3,
		HistoryWindow:      50,
		DegradeDuration:    30 * time.Second,
		DegradeConsecutive: 3,
		ComponentBands:     map[string]Bands{},
		Alert:              DefaultAlertConfig(),
		Anomaly:            anomaly.DefaultConfig(),
	}
}

type metricSeries struct {
	ema     float64
	hasEMA  bool
	min     float64
	max     float64
	last    float64
	history []float64
}

func (s *metricSeries) observe(value float64, alpha float64, window int) Trend {
	if !s.hasEMA {
		s.ema = value
		s.min, s.max = value, value
		s.hasEMA = true
	} else {
		s.ema = alpha*value + (1-alpha)*s.ema
		if value < s.min {
			s.min = value
		}
		if value > s.max {
			s.max = value
		}
	}
	trend := TrendStable
	if len(s.history) > 0 {
		delta := value - s.last
		switch {
		case delta > 0.1*(s.max-s.min+1):
			trend = TrendUp
		case delta < -0.1*(s.max-s.min+1):
			trend = TrendDown
		}
		if len(s.history) >= 3 {
			ups, downs := 0, 0
			for i := 1; i < len(s.history); i++ {
				if s.history[i] > s.history[i-1] {
					ups++
				} else if s.history[i] < s.history[i-1] {
					downs++
				}
			}
			if ups > 0 && downs > 0 {
				trend = TrendVolatile
			}
		}
	}
	s.last = value
	s.history = append(s.history, value)
	if len(s.history) > window {
		s.history = s.history[len(s.history)-window:]
	}
	return trend
}

type transition struct {
	candidate Status
	since     time.Time
	count     int
}

type agentRecord struct {
	state      AgentHealthState
	series     map[string]*metricSeries // keyed by "component.metric"
	components map[string]ComponentStatus
	pending    *transition
	startedAt  time.Time
}

// Monitor is the Health Monitor: ingests samples, derives per-component and
// overall status with flap-avoidance hysteresis, runs anomaly detection,
// and owns the alert lifecycle.
type Monitor struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	tracer   *observability.TraceManager
	metrics  *observability.MetricsManager
	detector anomaly.Detector
	alerts   *alertBook

	mu      sync.Mutex
	records map[string]*agentRecord
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter, sink notify.AlertSink, detector anomaly.Detector) (*Monitor, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}
	if detector == nil {
		detector = anomaly.NewStatistical(cfg.Anomaly)
	}
	return &Monitor{
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
		tracer:   tracer,
		metrics:  mm,
		detector: detector,
		alerts:   newAlertBook(cfg.Alert, sink),
		records:  make(map[string]*agentRecord),
	}, nil
}

func (m *Monitor) recordFor(agentID string) *agentRecord {
	r, ok := m.records[agentID]
	if !ok {
		now := m.clock.Now()
		r = &agentRecord{
			state:      AgentHealthState{AgentID: agentID, Overall: StatusUnknown, Custom: map[string]MetricValue{}},
			series:     make(map[string]*metricSeries),
			components: make(map[string]ComponentStatus),
			startedAt:  now,
		}
		m.records[agentID] = r
	}
	return r
}

func seriesKey(component, metricName string) string { return component + "." + metricName }

// Collect ingests one raw sample: updates its EMA/min/max/trend, classifies
// its component's status against ComponentBands (if configured), runs
// anomaly detection over its history, and re-derives the agent's overall
// status (subject to the degrade/recover hysteresis).
func (m *Monitor) Collect(ctx context.Context, s Sample) (AgentHealthState, []Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.recordFor(s.AgentID)
	key := seriesKey(s.Component, s.Metric)
	series, ok := r.series[key]
	if !ok {
		series = &metricSeries{}
		r.series[key] = series
	}
	trend := series.observe(s.Value, m.cfg.EMAAlpha, m.cfg.HistoryWindow)

	mv := MetricValue{
		Current: s.Value, Average: series.ema, Min: series.min, Max: series.max,
		Trend: trend, Timestamp: s.Timestamp,
	}
	r.state.Custom[key] = mv

	var raised []Alert
	if bands, ok := m.cfg.ComponentBands[s.Component]; ok {
		compStatus := bands.classify(s.Value)
		r.components[s.Component] = ComponentStatus{Name: s.Component, Status: compStatus, Criticality: s.Criticality}
		if compStatus != StatusHealthy {
			a := m.alerts.createAlert(ctx, s.AgentID, "threshold", key, severityFor(compStatus), s.Value, bands.Degraded, "component "+s.Component+" crossed threshold", s.Timestamp)
			raised = append(raised, *a)
		}
	}

	history := append([]float64(nil), series.history[:max(0, len(series.history)-1)]...)
	if res := m.detector.Score(s.Value, history); res.IsAnomaly {
		a := m.alerts.createAlert(ctx, s.AgentID, "anomaly", key, notify.SeverityWarning, s.Value, series.ema, res.Explanation, s.Timestamp)
		raised = append(raised, *a)
	}

	m.deriveOverallLocked(ctx, r, s.Timestamp)
	r.state.LastHeartbeat = s.Timestamp
	r.state.Uptime = s.Timestamp.Sub(r.startedAt)
	r.state.Alerts = alertIDs(m.alerts.active(s.AgentID))

	return r.state, raised, nil
}

func severityFor(s Status) notify.Severity {
	switch s {
	case StatusCritical:
		return notify.SeverityCritical
	case StatusUnhealthy:
		return notify.SeverityCritical
	default:
		return notify.SeverityWarning
	}
}

func alertIDs(alerts []Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

// deriveOverallLocked recomputes the agent's overall status as a
// criticality-weighted min over component scores, applying
// DegradeDuration/DegradeConsecutive hysteresis before committing a change
// — degradations and recoveries alike must persist to avoid flapping, per
// §4.6.
func (m *Monitor) deriveOverallLocked(ctx context.Context, r *agentRecord, now time.Time) {
	if len(r.components) == 0 {
		return
	}
	minScore := 1.0
	for _, c := range r.components {
		score := scoreOf(c.Status)
		if c.Criticality > 0 && c.Criticality < 1 {
			score = 1 - c.Criticality*(1-score)
		}
		if score < minScore {
			minScore = score
		}
	}
	candidate := statusOf(minScore)

	if candidate == r.state.Overall {
		r.pending = nil
		return
	}
	if r.pending == nil || r.pending.candidate != candidate {
		r.pending = &transition{candidate: candidate, since: now, count: 1}
		return
	}
	r.pending.count++
	if now.Sub(r.pending.since) >= m.cfg.DegradeDuration && r.pending.count >= m.cfg.DegradeConsecutive {
		r.state.Overall = candidate
		r.pending = nil
		if m.tracer != nil {
			_, span := m.tracer.StartSpan(ctx, "health.transition")
			m.tracer.AddAttributes(span, "health.", map[string]any{"agent_id": r.state.AgentID, "status": string(candidate)})
			span.End()
		}
	}
}

// State returns the current snapshot for agentID, or the zero value and
// false if no sample has ever been collected for it.
func (m *Monitor) State(agentID string) (AgentHealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[agentID]
	if !ok {
		return AgentHealthState{}, false
	}
	return r.state, true
}

// Unhealthy returns the id of every agent whose last-derived overall status
// is degraded, unhealthy, or critical, for a health checker to surface; an
// empty slice means every agent the monitor has a record for is healthy or
// unknown.
func (m *Monitor) Unhealthy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bad []string
	for agentID, r := range m.records {
		if r.state.Overall == StatusDegraded || r.state.Overall == StatusUnhealthy || r.state.Overall == StatusCritical {
			bad = append(bad, agentID)
		}
	}
	return bad
}

// Acknowledge, Resolve, Escalate, and SweepEscalations delegate to the
// owned alert book.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.acknowledge(id, m.clock.Now())
}

func (m *Monitor) Resolve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.resolve(id, m.clock.Now())
}

func (m *Monitor) Escalate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.escalate(ctx, id, m.clock.Now())
}

func (m *Monitor) SweepEscalations(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts.sweepEscalations(ctx, m.clock.Now())
}
