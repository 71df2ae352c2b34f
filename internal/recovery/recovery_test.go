package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/health"
	"github.com/commcore/bus/internal/health/anomaly"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

func newTestOrchestrator(t *testing.T, cfg Config, hm *health.Monitor, sink notify.AlertSink) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-recovery-test")
	o, err := New(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), hm, sink)
	require.NoError(t, err)
	return o
}

func okStep(name string) Step {
	return Step{Name: name, Action: func(ctx context.Context) error { return nil }, Timeout: time.Second}
}

func failingStep(name string) Step {
	return Step{Name: name, Action: func(ctx context.Context) error { return errors.New("boom") }, Timeout: time.Second}
}

func TestExecuteSucceedsAndReleasesAgentSlot(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), nil, nil)
	o.RegisterProcedure(Procedure{ID: "restart", Steps: []Step{okStep("stop"), okStep("start")}, BaseSuccessRate: 0.9})

	decision, err := o.Decide("agent-a", health.StatusDegraded, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "restart", decision.ProcedureID)

	exec, err := o.Execute(context.Background(), "agent-a", decision)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, exec.State)

	_, active := o.ActiveExecution("agent-a")
	assert.False(t, active, "slot must free once execution terminates")
}

func TestExecuteRejectsConcurrentExecutionForSameAgent(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), nil, nil)
	block := make(chan struct{})
	o.RegisterProcedure(Procedure{ID: "slow", Steps: []Step{
		{Name: "wait", Action: func(ctx context.Context) error { <-block; return nil }, Timeout: 5 * time.Second},
	}, BaseSuccessRate: 0.9})

	decision := RecoveryDecision{ProcedureID: "slow", Confidence: 0.9, Risk: RiskLow}

	done := make(chan struct{})
	go func() {
		_, _ = o.Execute(context.Background(), "agent-a", decision)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, active := o.ActiveExecution("agent-a")
		return active
	}, time.Second, time.Millisecond)

	_, err := o.Execute(context.Background(), "agent-a", decision)
	assert.Error(t, err, "a second execution for the same agent must be rejected while one is active")

	close(block)
	<-done
}

func TestExecuteRollsBackCompletedStepsOnFailure(t *testing.T) {
	o := newTestOrchestrator(t, DefaultConfig(), nil, nil)
	var rolledBack []string
	proc := Procedure{
		ID: "reconfigure",
		Steps: []Step{
			{Name: "step1", Action: func(ctx context.Context) error { return nil },
				Rollback: func(ctx context.Context) error { rolledBack = append(rolledBack, "step1"); return nil },
				Timeout:  time.Second},
			failingStep("step2"),
		},
		BaseSuccessRate: 0.9,
	}
	o.RegisterProcedure(proc)

	decision := RecoveryDecision{ProcedureID: "reconfigure", Confidence: 0.9, Risk: RiskLow}
	exec, err := o.Execute(context.Background(), "agent-b", decision)
	require.ErrorIs(t, err, errs.ErrRecoveryFailed)
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, []string{"step1"}, rolledBack)
}

func TestDecideAutoRejectsHighRiskAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApproveMaxRisk = RiskLow
	o := newTestOrchestrator(t, cfg, nil, nil)
	o.RegisterProcedure(Procedure{ID: "risky", Steps: []Step{okStep("x")}, BaseSuccessRate: 0.3})

	decision, err := o.Decide("agent-c", health.StatusCritical, 0.9)
	require.NoError(t, err)
	assert.Equal(t, RiskCritical, decision.Risk)

	exec, err := o.Execute(context.Background(), "agent-c", decision)
	require.Error(t, err)
	assert.Equal(t, StateRejected, exec.State)
}

func TestExecuteWithDependenciesWaitsForDependencyHealth(t *testing.T) {
	hmCfg := health.DefaultConfig()
	hmCfg.DegradeConsecutive = 1
	hmCfg.DegradeDuration = 0
	hmCfg.ComponentBands = map[string]health.Bands{"core": {Degraded: 0.5, Unhealthy: 0.7, Critical: 0.9}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-recovery-dep-test")
	hm, err := health.New(hmCfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), notify.NoopSink{}, anomaly.NewStatistical())
	require.NoError(t, err)

	o := newTestOrchestrator(t, DefaultConfig(), hm, nil)
	o.SetDependency("agent-B", "agent-A")

	var order []string
	mkProc := func(id string) Procedure {
		return Procedure{ID: id, BaseSuccessRate: 0.9, Steps: []Step{
			{Name: "run", Timeout: time.Second, Action: func(ctx context.Context) error {
				order = append(order, id)
				return nil
			}},
		}}
	}
	o.RegisterProcedure(mkProc("proc-A"))
	o.RegisterProcedure(mkProc("proc-B"))

	// agent-A starts critical; have it report healthy shortly after its
	// recovery procedure would have run so agent-B's wait resolves quickly.
	_, _, err = hm.Collect(context.Background(), health.Sample{AgentID: "agent-A", Component: "core", Metric: "status", Value: 1, Criticality: 1, Timestamp: time.Now()})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		// Flip agent-A healthy by reporting a sample whose derived status is healthy.
		for i := 0; i < 3; i++ {
			_, _, _ = hm.Collect(context.Background(), health.Sample{AgentID: "agent-A", Component: "core", Metric: "status", Value: 0, Criticality: 1, Timestamp: time.Now()})
		}
	}()

	decisions := map[string]RecoveryDecision{
		"agent-A": {ProcedureID: "proc-A", Confidence: 0.9, Risk: RiskLow},
		"agent-B": {ProcedureID: "proc-B", Confidence: 0.9, Risk: RiskLow},
	}

	_, err = o.ExecuteWithDependencies(context.Background(), []string{"agent-B", "agent-A"}, decisions, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "proc-A", order[0], "dependency's procedure must run before its dependent")
	assert.Equal(t, "proc-B", order[1])
}

func TestEmergencyExecuteBypassesApprovalButIsRateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EmergencyRateLimit = 2
	cfg.EmergencyRateWindow = time.Minute
	cfg.AutoApproveMaxRisk = RiskLow // would normally reject a critical-risk decision
	sink := &capturingAlertSink{}
	o := newTestOrchestrator(t, cfg, nil, sink)
	o.RegisterProcedure(Procedure{ID: "failover", Steps: []Step{okStep("switch")}, BaseSuccessRate: 0.9})

	decision := RecoveryDecision{ProcedureID: "failover", Confidence: 0.2, Risk: RiskCritical}

	exec1, err := o.EmergencyExecute(context.Background(), "agent-d", decision)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, exec1.State)
	assert.True(t, exec1.Emergency)

	exec2, err := o.EmergencyExecute(context.Background(), "agent-e", decision)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, exec2.State)

	_, err = o.EmergencyExecute(context.Background(), "agent-f", decision)
	assert.Error(t, err, "a third emergency invocation within the window must be rate limited")

	require.Len(t, sink.alerts, 2)
	assert.Equal(t, notify.SeverityCritical, sink.alerts[0].Severity)
}

type capturingAlertSink struct{ alerts []notify.Alert }

func (c *capturingAlertSink) Raise(_ context.Context, a notify.Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}
