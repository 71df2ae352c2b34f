package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/commcore/bus/internal/bus"
	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/config"
	"github.com/commcore/bus/internal/efficiency"
	"github.com/commcore/bus/internal/health"
	"github.com/commcore/bus/internal/health/anomaly"
	"github.com/commcore/bus/internal/loadbalancer"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
	"github.com/commcore/bus/internal/pool"
	"github.com/commcore/bus/internal/protocol"
	"github.com/commcore/bus/internal/protocol/transport/grpcstream"
	"github.com/commcore/bus/internal/protocol/transport/wsframed"
	"github.com/commcore/bus/internal/recovery"
	"github.com/commcore/bus/internal/router"
	"github.com/commcore/bus/internal/scheduler"
	"github.com/commcore/bus/internal/store"
	"github.com/commcore/bus/internal/store/memstore"
	"github.com/commcore/bus/internal/store/redisstore"
)

// App wires every commcore-bus subsystem into one running process, the way
// the teacher's AgentHubServer wires a single gRPC server with
// observability (internal/agenthub/grpc.go) — generalized here to the full
// component set a message bus needs.
type App struct {
	cfg *config.AppConfig

	obs    *observability.Observability
	tracer *observability.TraceManager
	health *observability.HealthServer
	store  store.Store
	alerts notify.AlertSink
	sched  *scheduler.Scheduler

	router     *router.Router
	selector   *protocol.Selector
	lb         *loadbalancer.LoadBalancer
	poolMgr    *pool.Manager
	healthMon  *health.Monitor
	recoveryOr *recovery.Orchestrator
	efficiency *efficiency.Monitor
	bus        *bus.Bus
	registry   *destinationRegistry

	grpcServer *grpc.Server
}

func buildApp(cfg *config.AppConfig) (*App, error) {
	obsCfg := observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Environment:    cfg.Environment,
		LogLevel:       cfg.LogLevel,
	}
	obs, err := observability.NewObservability(obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	tracer := observability.NewTraceManager(cfg.ServiceName)
	clk := clock.New()
	logger := obs.Logger

	var sink notify.AlertSink
	var sinks []notify.AlertSink
	if cfg.SlackToken != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.SlackToken, cfg.SlackChannel))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL))
	}
	if len(sinks) == 0 {
		sink = notify.NoopSink{}
	} else {
		sink = notify.MultiSink{Sinks: sinks}
	}

	var st store.Store
	if cfg.StoreBackend == "redis" {
		st = redisstore.New(cfg.RedisAddr, cfg.RedisDB)
	} else {
		st = memstore.New(memstore.DefaultConfig())
	}

	rtr, err := router.New(router.DefaultConfig(), clk, logger, tracer, obs.Meter, st)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	sel, err := protocol.New(protocol.DefaultConfig(), clk, logger, tracer, obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("protocol selector: %w", err)
	}
	registerTransportProfiles(sel)

	lb, err := loadbalancer.New(loadbalancer.DefaultConfig(), clk, logger, tracer, obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("load balancer: %w", err)
	}

	poolMgr, err := pool.NewManager(pool.DefaultConfig(), clk, logger, tracer, obs.Meter, sink)
	if err != nil {
		return nil, fmt.Errorf("pool manager: %w", err)
	}

	detector := anomaly.Ensemble{
		Detectors: []anomaly.Detector{anomaly.NewStatistical(anomaly.DefaultConfig()), anomaly.NewSeasonalESD(anomaly.DefaultConfig(), clk)},
		Weights:   []float64{0.6, 0.4},
	}
	healthMon, err := health.New(health.DefaultConfig(), clk, logger, tracer, obs.Meter, sink, detector)
	if err != nil {
		return nil, fmt.Errorf("health monitor: %w", err)
	}

	recoveryOr, err := recovery.New(recovery.DefaultConfig(), clk, logger, tracer, obs.Meter, healthMon, sink)
	if err != nil {
		return nil, fmt.Errorf("recovery orchestrator: %w", err)
	}

	effMon, err := efficiency.New(efficiency.DefaultConfig(), clk, tracer, obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("efficiency monitor: %w", err)
	}

	sched, err := scheduler.New(clk, logger, tracer, obs.Meter)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	registry := newDestinationRegistry()
	dispatcher := &busDispatcher{router: rtr, selector: sel, lb: lb, pool: poolMgr, reg: registry, leaseTTL: 30 * time.Second}

	busCfg := bus.DefaultConfig()
	b, err := bus.New(busCfg, clk, logger, tracer, obs.Meter, sink, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	healthSrv := observability.NewHealthServer(cfg.HealthPort, cfg.ServiceName, cfg.ServiceVersion)
	healthSrv.AddChecker("self", observability.NewBasicHealthChecker("self", func(ctx context.Context) error { return nil }))
	healthSrv.AddChecker("bus", observability.NewBasicHealthChecker("bus", func(ctx context.Context) error {
		stats := b.QueueStats()
		if stats.Depth >= busCfg.QueueHighWatermark {
			return fmt.Errorf("bus: ingress queue at high watermark (depth %d)", stats.Depth)
		}
		return nil
	}))
	healthSrv.AddChecker("pool", observability.NewBasicHealthChecker("pool", func(ctx context.Context) error {
		if bad := poolMgr.Unhealthy(); len(bad) > 0 {
			return fmt.Errorf("pool: %d pool(s) degraded or failed: %v", len(bad), bad)
		}
		return nil
	}))
	healthSrv.AddChecker("health_monitor", observability.NewBasicHealthChecker("health_monitor", func(ctx context.Context) error {
		if bad := healthMon.Unhealthy(); len(bad) > 0 {
			return fmt.Errorf("health monitor: %d agent(s) degraded, unhealthy or critical: %v", len(bad), bad)
		}
		return nil
	}))

	app := &App{
		cfg:        cfg,
		obs:        obs,
		tracer:     tracer,
		health:     healthSrv,
		store:      st,
		alerts:     sink,
		sched:      sched,
		router:     rtr,
		selector:   sel,
		lb:         lb,
		poolMgr:    poolMgr,
		healthMon:  healthMon,
		recoveryOr: recoveryOr,
		efficiency: effMon,
		bus:        b,
		registry:   registry,
	}
	return app, nil
}

// Start launches every background loop (bus workers, scheduler, health
// server, gRPC stream listener) and returns once they are all running; it
// does not block.
func (a *App) Start(ctx context.Context) error {
	a.bus.Start(ctx)
	registerPeriodicTasks(a)
	a.sched.Start(ctx)

	go func() {
		a.obs.Logger.Info("starting health server", slog.String("port", a.cfg.HealthPort))
		if err := a.health.Start(ctx); err != nil {
			a.obs.Logger.Error("health server stopped", slog.Any("error", err))
		}
	}()

	grpcServer, lis, err := grpcstream.Listen(a.cfg.GRPCAddr, a.handleInboundFrame)
	if err != nil {
		return fmt.Errorf("grpcstream listen: %w", err)
	}
	a.grpcServer = grpcServer
	go func() {
		a.obs.Logger.Info("grpcstream listening", slog.String("addr", a.cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			a.obs.Logger.Error("grpcstream server stopped", slog.Any("error", err))
		}
	}()

	go a.serveWS(ctx)
	go a.serveUDP(ctx)

	return nil
}

// Shutdown stops every subsystem in roughly reverse start order, logging
// but not failing on a single subsystem's shutdown error, the way the
// teacher's AgentHubServer.Shutdown folds health-server and observability
// shutdown errors without aborting the sequence.
func (a *App) Shutdown(ctx context.Context) error {
	a.sched.Stop()
	a.bus.Stop()

	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if err := a.health.Shutdown(ctx); err != nil {
		a.obs.Logger.Error("health server shutdown error", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.obs.Logger.Error("store close error", slog.Any("error", err))
	}
	if err := a.obs.Shutdown(ctx); err != nil {
		a.obs.Logger.Error("observability shutdown error", slog.Any("error", err))
		return err
	}
	return nil
}
