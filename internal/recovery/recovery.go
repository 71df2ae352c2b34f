package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/health"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

// Config holds the Recovery Orchestrator's tunables.
type Config struct {
	ApprovalTimeout     time.Duration
	AutoApproveMaxRisk  Risk
	EmergencyRateLimit  int // max emergency invocations per EmergencyRateWindow
	EmergencyRateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:     5 * time.Minute,
		AutoApproveMaxRisk:  RiskMedium,
		EmergencyRateLimit:  3,
		EmergencyRateWindow: time.Minute,
	}
}

var riskRank = map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

type agentState struct {
	active         *RecoveryExecution
	recentFailures map[string]int // procedureID -> count
}

// Orchestrator scores and drives recovery executions, honoring
// at-most-one-execution-per-agent and a priority-ordered cross-agent
// dependency graph.
type Orchestrator struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager
	health  *health.Monitor
	sink    notify.AlertSink

	mu         sync.Mutex
	procedures map[string]Procedure
	dependsOn  map[string][]string
	agents     map[string]*agentState
	emergency  []time.Time // timestamps of recent emergency invocations, for rate limiting
	seq        int
}

func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter, hm *health.Monitor, sink notify.AlertSink) (*Orchestrator, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		tracer:     tracer,
		metrics:    mm,
		health:     hm,
		sink:       sink,
		procedures: make(map[string]Procedure),
		dependsOn:  make(map[string][]string),
		agents:     make(map[string]*agentState),
	}, nil
}

func (o *Orchestrator) RegisterProcedure(p Procedure) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.procedures[p.ID] = p
}

// SetDependency declares that agentID's recovery must wait for each of
// dependsOn's health to return to healthy first.
func (o *Orchestrator) SetDependency(agentID string, dependsOn ...string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dependsOn[agentID] = dependsOn
}

func (o *Orchestrator) agentStateLocked(agentID string) *agentState {
	a, ok := o.agents[agentID]
	if !ok {
		a = &agentState{recentFailures: make(map[string]int)}
		o.agents[agentID] = a
	}
	return a
}

// Decide scores every registered procedure for an agent at the given
// health severity and system load, returning the best-scoring
// RecoveryDecision. Scoring factors per §4.6: base success rate,
// agent-health severity, system load (fast procedures preferred under
// load), recent failure count of the same procedure.
func (o *Orchestrator) Decide(agentID string, severity health.Status, systemLoad float64) (RecoveryDecision, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.procedures) == 0 {
		return RecoveryDecision{}, fmt.Errorf("recovery: no procedures registered")
	}
	st := o.agentStateLocked(agentID)

	severityFactor := severityWeight(severity)
	var best Procedure
	bestScore := -1.0
	for _, p := range o.procedures {
		dur := totalDuration(p)
		durPenalty := systemLoad * normalizedDuration(dur)
		failPenalty := float64(st.recentFailures[p.ID]) * 0.1
		score := p.BaseSuccessRate*severityFactor - durPenalty - failPenalty
		if score > bestScore {
			bestScore = score
			best = p
		}
	}

	confidence := clamp01(best.BaseSuccessRate - float64(st.recentFailures[best.ID])*0.1)
	return RecoveryDecision{
		ProcedureID:       best.ID,
		Confidence:        confidence,
		Risk:              riskFor(confidence, severity),
		Prerequisites:     append([]string(nil), o.dependsOn[agentID]...),
		EstimatedDuration: totalDuration(best),
	}, nil
}

func severityWeight(s health.Status) float64 {
	switch s {
	case health.StatusCritical:
		return 1.0
	case health.StatusUnhealthy:
		return 0.85
	case health.StatusDegraded:
		return 0.7
	default:
		return 0.5
	}
}

func totalDuration(p Procedure) time.Duration {
	var d time.Duration
	for _, s := range p.Steps {
		d += s.Timeout
	}
	return d
}

// normalizedDuration maps a duration to roughly [0,1] against a 5-minute
// reference ceiling, used only to weight the load penalty in Decide.
func normalizedDuration(d time.Duration) float64 {
	return clamp01(float64(d) / float64(5*time.Minute))
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

func riskFor(confidence float64, severity health.Status) Risk {
	switch {
	case confidence < 0.4 || severity == health.StatusCritical:
		return RiskCritical
	case confidence < 0.6:
		return RiskHigh
	case confidence < 0.8:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Execute runs the full state machine for one agent: pending -> evaluating
// -> (approved|rejected) -> executing -> (succeeded|failed). Approval is
// automatic when decision.Risk is at or below AutoApproveMaxRisk;
// otherwise the execution is rejected at once and Execute returns
// errs.ErrPrereqFailed. There is no external approval step, and
// Config.ApprovalTimeout is not read.
func (o *Orchestrator) Execute(ctx context.Context, agentID string, decision RecoveryDecision) (*RecoveryExecution, error) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.StartSpan(ctx, "recovery.execute")
		o.tracer.AddAttributes(span, "recovery.", map[string]any{"agent_id": agentID, "procedure_id": decision.ProcedureID, "risk": string(decision.Risk)})
		defer span.End()
	}

	o.mu.Lock()
	st := o.agentStateLocked(agentID)
	if st.active != nil && st.active.State.active() {
		o.mu.Unlock()
		return nil, fmt.Errorf("recovery: agent %s already has an active execution (%s)", agentID, st.active.State)
	}
	o.seq++
	exec := &RecoveryExecution{
		ID: fmt.Sprintf("exec-%d", o.seq), AgentID: agentID, ProcedureID: decision.ProcedureID,
		State: StatePending, Decision: decision, StartedAt: o.clock.Now(),
	}
	st.active = exec
	proc, ok := o.procedures[decision.ProcedureID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("recovery: unknown procedure %s", decision.ProcedureID)
	}

	exec.State = StateEvaluating
	if riskRank[decision.Risk] <= riskRank[o.cfg.AutoApproveMaxRisk] {
		exec.State = StateApproved
	} else {
		exec.State = StateRejected
		o.finish(agentID, exec)
		if span != nil {
			o.tracer.RecordError(span, errs.ErrPrereqFailed)
		}
		return exec, errs.ErrPrereqFailed
	}

	exec.State = StateExecuting
	results, ok := runProcedure(ctx, o.clock, proc)
	exec.Steps = results
	if ok {
		exec.State = StateSucceeded
	} else {
		exec.State = StateFailed
		o.mu.Lock()
		st.recentFailures[decision.ProcedureID]++
		o.mu.Unlock()
	}
	o.finish(agentID, exec)

	if o.metrics != nil {
		o.metrics.RecordRecoveryExecution(ctx, decision.ProcedureID)
	}
	if exec.State == StateFailed {
		if span != nil {
			o.tracer.RecordError(span, errs.ErrRecoveryFailed)
		}
		return exec, errs.ErrRecoveryFailed
	}
	if span != nil {
		o.tracer.SetSpanSuccess(span)
	}
	return exec, nil
}

func (o *Orchestrator) finish(agentID string, exec *RecoveryExecution) {
	exec.EndedAt = o.clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.agents[agentID]; ok && st.active == exec {
		st.active = nil
	}
}

// ExecuteWithDependencies runs Execute for every agent in agentIDs in
// dependency order (topoOrder), waiting after each dependency's execution
// for its health to return to healthy before starting any agent that
// depends on it, per §8's dependency-order scenario.
func (o *Orchestrator) ExecuteWithDependencies(ctx context.Context, agentIDs []string, decisions map[string]RecoveryDecision, healthyTimeout time.Duration) (map[string]*RecoveryExecution, error) {
	o.mu.Lock()
	deps := make(map[string][]string, len(agentIDs))
	for _, a := range agentIDs {
		deps[a] = o.dependsOn[a]
	}
	o.mu.Unlock()

	order, err := topoOrder(agentIDs, deps)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*RecoveryExecution, len(order))
	for _, agentID := range order {
		for _, dep := range deps[agentID] {
			if err := o.waitHealthy(ctx, dep, healthyTimeout); err != nil {
				return out, fmt.Errorf("recovery: waiting for dependency %s of %s: %w", dep, agentID, err)
			}
		}
		decision, ok := decisions[agentID]
		if !ok {
			continue
		}
		exec, err := o.Execute(ctx, agentID, decision)
		out[agentID] = exec
		if err != nil && exec == nil {
			return out, err
		}
	}
	return out, nil
}

func (o *Orchestrator) waitHealthy(ctx context.Context, agentID string, timeout time.Duration) error {
	if o.health == nil {
		return nil
	}
	deadline := o.clock.Now().Add(timeout)
	poll := o.clock.NewTimer(50 * time.Millisecond)
	defer poll.Stop()
	for {
		if state, ok := o.health.State(agentID); ok && state.Overall == health.StatusHealthy {
			return nil
		}
		if timeout > 0 && o.clock.Now().After(deadline) {
			return fmt.Errorf("recovery: %s did not become healthy within %s", agentID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C():
			poll.Reset(50 * time.Millisecond)
		}
	}
}

// EmergencyExecute bypasses the approval step entirely — used for
// emergency protocol invocations, per §4.6's safety invariant "emergency
// protocol invocations bypass approval but are rate-limited and audited."
func (o *Orchestrator) EmergencyExecute(ctx context.Context, agentID string, decision RecoveryDecision) (*RecoveryExecution, error) {
	o.mu.Lock()
	now := o.clock.Now()
	cutoff := now.Add(-o.cfg.EmergencyRateWindow)
	kept := o.emergency[:0]
	for _, t := range o.emergency {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.emergency = kept
	if len(o.emergency) >= o.cfg.EmergencyRateLimit {
		o.mu.Unlock()
		return nil, fmt.Errorf("recovery: emergency rate limit exceeded (%d per %s)", o.cfg.EmergencyRateLimit, o.cfg.EmergencyRateWindow)
	}
	o.emergency = append(o.emergency, now)

	st := o.agentStateLocked(agentID)
	if st.active != nil && st.active.State.active() {
		o.mu.Unlock()
		return nil, fmt.Errorf("recovery: agent %s already has an active execution (%s)", agentID, st.active.State)
	}
	o.seq++
	exec := &RecoveryExecution{
		ID: fmt.Sprintf("exec-%d", o.seq), AgentID: agentID, ProcedureID: decision.ProcedureID,
		State: StateApproved, Decision: decision, StartedAt: now, Emergency: true,
	}
	st.active = exec
	proc, ok := o.procedures[decision.ProcedureID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("recovery: unknown procedure %s", decision.ProcedureID)
	}

	if o.sink != nil {
		_ = o.sink.Raise(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Title:    "emergency recovery invoked for " + agentID,
			Detail:   "procedure " + decision.ProcedureID + " bypassed approval",
			Tags:     map[string]string{"agent_id": agentID, "procedure_id": decision.ProcedureID},
		})
	}

	exec.State = StateExecuting
	results, ok := runProcedure(ctx, o.clock, proc)
	exec.Steps = results
	if ok {
		exec.State = StateSucceeded
	} else {
		exec.State = StateFailed
	}
	o.finish(agentID, exec)
	return exec, nil
}

// ActiveExecution returns agentID's in-flight execution, if any.
func (o *Orchestrator) ActiveExecution(agentID string) (*RecoveryExecution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.agents[agentID]
	if !ok || st.active == nil {
		return nil, false
	}
	return st.active, true
}
