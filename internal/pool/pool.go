package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

// ScalingConfig tunes the mandatory reactive scaling algorithm; the spec
// names predictive/adaptive/ml as optional strategies that may fall back to
// it (Non-goal: no ML training).
type ScalingConfig struct {
	Algorithm           string // reactive|predictive|adaptive|ml
	HighThreshold       float64
	LowThreshold        float64
	TriggerDuration     time.Duration
	ScaleUpIncrement    int
	ScaleDownIncrement  int
	MaxScaleUpRate      int
	CooldownPeriod      time.Duration
	CheckInterval       time.Duration
}

func DefaultScalingConfig() ScalingConfig {
	return ScalingConfig{
		Algorithm: "reactive", HighThreshold: 0.8, LowThreshold: 0.2,
		TriggerDuration: 10 * time.Second, ScaleUpIncrement: 2, ScaleDownIncrement: 1,
		MaxScaleUpRate: 10, CooldownPeriod: 30 * time.Second, CheckInterval: 5 * time.Second,
	}
}

// HealthConfig names the thresholds that decide whether a pool is healthy.
type HealthConfig struct {
	FailureRateThreshold        float64
	P95Threshold                time.Duration
	UtilizationLow              float64
	UtilizationHigh             float64
	ConsecutiveFailureThreshold int
}

func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureRateThreshold: 0.1, P95Threshold: 2 * time.Second,
		UtilizationLow: 0.1, UtilizationHigh: 0.95, ConsecutiveFailureThreshold: 3,
	}
}

// Config tunes one pool (one per protocol+endpoint).
type Config struct {
	MinSize                 int
	MaxSize                 int
	AcquireTimeout          time.Duration
	ConnectionRetryAttempts int
	ConnectionRetryDelay    time.Duration
	Scaling                 ScalingConfig
	Health                  HealthConfig
	Breaker                 BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		MinSize: 1, MaxSize: 20, AcquireTimeout: 5 * time.Second,
		ConnectionRetryAttempts: 3, ConnectionRetryDelay: 200 * time.Millisecond,
		Scaling: DefaultScalingConfig(), Health: DefaultHealthConfig(), Breaker: DefaultBreakerConfig(),
	}
}

type connState struct {
	conn    PooledConnection
	handle  io.Closer
	descr   Descriptor
	leaseID string
}

// ConnectionPool is the per-(protocol,endpoint) set of connections, per §3.
type ConnectionPool struct {
	mu          sync.Mutex
	id          string
	protocol    string
	endpoint    string
	cfg         Config
	status      PoolStatus
	connections map[string]*connState
	leases      map[string]ConnectionLease
	waiters     *waiterQueue
	breaker     *CircuitBreaker
	factory     Factory
	clock       clock.Clock

	highSince    time.Time
	lowSince     time.Time
	lastScaledAt time.Time
}

func newConnectionPool(id, protocol, endpoint string, cfg Config, clk clock.Clock, factory Factory) *ConnectionPool {
	return &ConnectionPool{
		id: id, protocol: protocol, endpoint: endpoint, cfg: cfg,
		status:      PoolInitializing,
		connections: make(map[string]*connState),
		leases:      make(map[string]ConnectionLease),
		waiters:     newWaiterQueue(),
		breaker:     NewCircuitBreaker(id, cfg.Breaker),
		factory:     factory,
		clock:       clk,
	}
}

// Manager owns every ConnectionPool, keyed by (protocol, endpoint).
type Manager struct {
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager
	alerts  notify.AlertSink

	mu    sync.Mutex
	pools map[string]*ConnectionPool
}

func NewManager(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter, alerts notify.AlertSink) (*Manager, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, fmt.Errorf("pool: new metrics manager: %w", err)
	}
	return &Manager{
		cfg: cfg, clock: clk, logger: logger, tracer: tracer, metrics: mm, alerts: alerts,
		pools: make(map[string]*ConnectionPool),
	}, nil
}

func poolKey(protocol, endpoint string) string { return protocol + "|" + endpoint }

func (m *Manager) poolFor(protocol, endpoint string, factory Factory) *ConnectionPool {
	key := poolKey(protocol, endpoint)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	if !ok {
		p = newConnectionPool(key, protocol, endpoint, m.cfg, m.clock, factory)
		m.pools[key] = p
	}
	return p
}

// Acquire leases an idle connection satisfying req.Requirements, creating a
// new connection if the pool has headroom, or waiting up to cfg.AcquireTimeout
// for a release, honoring req.Priority.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest, factory Factory) (ConnectionLease, error) {
	ctx, span := m.tracer.StartAcquireSpan(ctx, poolKey(req.Protocol, req.Endpoint), req.Endpoint)
	defer span.End()
	stop := m.metrics.StartTimer()

	p := m.poolFor(req.Protocol, req.Endpoint, factory)
	lease, err := p.acquire(ctx, req, m.cfg.AcquireTimeout)
	outcome := "acquired"
	if err != nil {
		outcome = "failed"
		m.tracer.RecordError(span, err)
		if err == errs.ErrAcquireTimeout {
			m.metrics.RecordAcquireTimeout(ctx, p.id)
		}
		if err == errs.ErrCircuitOpen {
			m.metrics.RecordCircuitBreakerTrip(ctx, p.id)
		}
	} else {
		m.tracer.SetSpanSuccess(span)
	}
	stop(ctx, outcome)
	return lease, err
}

func (p *ConnectionPool) acquire(ctx context.Context, req AcquireRequest, timeout time.Duration) (ConnectionLease, error) {
	p.mu.Lock()
	if !p.breaker.Allow() {
		p.mu.Unlock()
		return ConnectionLease{}, errs.ErrCircuitOpen
	}

	if cs := p.pickIdleLocked(req.Requirements); cs != nil {
		lease := p.leaseLocked(cs, req)
		p.mu.Unlock()
		return lease, nil
	}

	if len(p.connections) < p.cfg.MaxSize {
		p.mu.Unlock()
		cs, err := p.createConnection(ctx, req)
		if err != nil {
			return ConnectionLease{}, err
		}
		p.mu.Lock()
		lease := p.leaseLocked(cs, req)
		p.mu.Unlock()
		return lease, nil
	}
	p.mu.Unlock()

	// A request with no recognised priority waits in the normal band.
	prio := req.Priority
	if _, ok := p.waiters.bands[prio]; !ok {
		prio = PriorityNormal
	}
	w := p.waiters.enqueue(prio)
	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case connID := <-w.notify:
		p.mu.Lock()
		cs, ok := p.connections[connID]
		if !ok || cs.conn.Status != ConnIdle {
			p.mu.Unlock()
			return ConnectionLease{}, errs.ErrAcquireTimeout
		}
		lease := p.leaseLocked(cs, req)
		p.mu.Unlock()
		return lease, nil
	case <-timer.C():
		p.waiters.remove(prio, w)
		return ConnectionLease{}, errs.ErrAcquireTimeout
	case <-ctx.Done():
		p.waiters.remove(prio, w)
		return ConnectionLease{}, errs.ErrCancelled
	}
}

func (p *ConnectionPool) pickIdleLocked(req ConnectionRequirements) *connState {
	for _, cs := range p.connections {
		if cs.conn.Status == ConnIdle && cs.descr.satisfies(req) {
			return cs
		}
	}
	return nil
}

func (p *ConnectionPool) leaseLocked(cs *connState, req AcquireRequest) ConnectionLease {
	now := p.clock.Now()
	leaseTTL := req.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	leaseID := uuid.NewString()
	cs.conn.Status = ConnBusy
	cs.conn.LastUsed = now
	cs.conn.UsageCount++
	cs.leaseID = leaseID

	lease := ConnectionLease{
		LeaseID: leaseID, ConnectionID: cs.conn.ID, PoolID: p.id,
		RequesterID: req.RequesterID, IssuedAt: now, ExpiresAt: now.Add(leaseTTL),
	}
	p.leases[leaseID] = lease
	return lease
}

func (p *ConnectionPool) createConnection(ctx context.Context, req AcquireRequest) (*connState, error) {
	var lastErr error
	for attempt := 0; attempt < maxInt(1, p.cfg.ConnectionRetryAttempts); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errs.ErrCancelled
			case <-p.clock.After(p.cfg.ConnectionRetryDelay):
			}
		}
		type created struct {
			handle io.Closer
			descr  Descriptor
		}
		result, err := p.breaker.Execute(func() (any, error) {
			handle, descr, ferr := p.factory(ctx, req.Endpoint)
			if ferr != nil {
				return nil, ferr
			}
			return created{handle: handle, descr: descr}, nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		c := result.(created)
		handle, descr := c.handle, c.descr
		cs := &connState{
			conn: PooledConnection{
				ID: uuid.NewString(), PoolID: p.id, Status: ConnIdle,
				CreatedAt: p.clock.Now(), Healthy: true, Perf: PerfStats{EMASuccessRate: 1},
			},
			handle: handle, descr: descr,
		}
		p.mu.Lock()
		p.connections[cs.conn.ID] = cs
		if p.status == PoolInitializing {
			p.status = PoolActive
		}
		p.mu.Unlock()
		return cs, nil
	}
	return nil, fmt.Errorf("pool: create connection: %w", lastErr)
}

// Release returns a connection to idle and folds usage into its EMA
// metrics; consecutive errors above the health threshold fail the
// connection and remove it from the idle pool.
func (m *Manager) Release(ctx context.Context, protocol, endpoint, leaseID string, usage *UsageReport) error {
	p := m.poolFor(protocol, endpoint, nil)
	return p.release(leaseID, usage)
}

// Handle returns the live connection handle backing a lease, so a caller
// that already holds the lease (e.g. a Dispatcher about to write to the
// wire) can reach it without the pool exposing its internal connection map
// more broadly.
func (m *Manager) Handle(protocol, endpoint string, lease ConnectionLease) (io.Closer, bool) {
	p := m.poolFor(protocol, endpoint, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	cs, ok := p.connections[lease.ConnectionID]
	if !ok {
		return nil, false
	}
	return cs.handle, true
}

func (p *ConnectionPool) release(leaseID string, usage *UsageReport) error {
	p.mu.Lock()
	lease, ok := p.leases[leaseID]
	if !ok {
		p.mu.Unlock()
		return errs.ErrNotFound
	}
	cs, ok := p.connections[lease.ConnectionID]
	if !ok {
		delete(p.leases, leaseID)
		p.mu.Unlock()
		return errs.ErrNotFound
	}

	if usage != nil {
		const alpha = 0.3
		if usage.Success {
			cs.conn.Perf.EMASuccessRate = alpha*1 + (1-alpha)*cs.conn.Perf.EMASuccessRate
		} else {
			cs.conn.ErrorCount++
			cs.conn.Perf.EMASuccessRate = alpha*0 + (1-alpha)*cs.conn.Perf.EMASuccessRate
		}
		cs.conn.Perf.EMALatencyMs = alpha*usage.LatencyMs + (1-alpha)*cs.conn.Perf.EMALatencyMs
	}

	failed := cs.conn.ErrorCount >= p.cfg.Health.ConsecutiveFailureThreshold
	if failed {
		cs.conn.Status = ConnFailed
		cs.conn.Healthy = false
	} else {
		cs.conn.Status = ConnIdle
	}
	cs.leaseID = ""
	delete(p.leases, leaseID)
	connID := cs.conn.ID
	p.mu.Unlock()

	if !failed {
		p.waiters.wake(connID)
	}
	return nil
}

// SweepExpiredLeases reclaims leases whose expiresAt has passed and marks
// the underlying connection failed. The failed connection stays in the
// pool's connection map and still counts toward MaxSize; it is not closed
// or replaced.
func (m *Manager) SweepExpiredLeases(ctx context.Context) int {
	m.mu.Lock()
	pools := make([]*ConnectionPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	total := 0
	now := m.clock.Now()
	for _, p := range pools {
		total += p.sweepExpired(now)
	}
	return total
}

// Unhealthy returns the id of every pool currently degraded or failed, for
// a health checker to surface; an empty slice means every pool the manager
// has created is initializing or healthy.
func (m *Manager) Unhealthy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bad []string
	for id, p := range m.pools {
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		if status == PoolDegraded || status == PoolFailed {
			bad = append(bad, id)
		}
	}
	return bad
}

func (p *ConnectionPool) sweepExpired(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for leaseID, lease := range p.leases {
		if now.After(lease.ExpiresAt) {
			delete(p.leases, leaseID)
			if cs, ok := p.connections[lease.ConnectionID]; ok {
				cs.conn.Status = ConnFailed
				cs.conn.Healthy = false
				cs.leaseID = ""
			}
			n++
		}
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
