package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager holds every counter/histogram the core subsystems publish.
// Subsystems never create their own instruments — they call through here so
// naming stays consistent across the bus, router, pool manager, load
// balancer, and health monitor.
type MetricsManager struct {
	meter metric.Meter

	// Bus
	messagesSentTotal     metric.Int64Counter
	messagesRejectedTotal metric.Int64Counter
	queueDepth            metric.Int64UpDownCounter
	deliveryDuration      metric.Float64Histogram

	// Router
	routesScoredTotal   metric.Int64Counter
	routeCacheHitTotal  metric.Int64Counter
	routeCacheMissTotal metric.Int64Counter

	// Protocol selector
	adaptationTriggersTotal metric.Int64Counter

	// Pool manager
	poolSize            metric.Int64UpDownCounter
	poolAcquireDuration  metric.Float64Histogram
	poolAcquireTimeouts  metric.Int64Counter
	circuitBreakerTrips  metric.Int64Counter

	// Load balancer
	selectionsTotal metric.Int64Counter
	failoversTotal  metric.Int64Counter

	// Health monitor / recovery
	alertsRaisedTotal       metric.Int64Counter
	recoveryExecutionsTotal metric.Int64Counter

	// Efficiency monitor
	efficiencyScore       metric.Float64Histogram
	adaptationEventsTotal metric.Int64Counter

	// Scheduler
	schedulerRunsTotal   metric.Int64Counter
	schedulerRunDuration metric.Float64Histogram

	// Process metrics
	goGoroutines         metric.Int64UpDownCounter
	goMemstatsAllocBytes metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	upDown := func(name, desc, unit string) metric.Int64UpDownCounter {
		if err != nil {
			return nil
		}
		var c metric.Int64UpDownCounter
		c, err = meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc, unit string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return h
	}

	mm.messagesSentTotal = counter("bus_messages_sent_total", "Total messages accepted by Bus.Send", "1")
	mm.messagesRejectedTotal = counter("bus_messages_rejected_total", "Total messages rejected at Send", "1")
	mm.queueDepth = upDown("bus_queue_depth", "Current depth of a bus queue", "1")
	mm.deliveryDuration = histogram("bus_delivery_duration_seconds", "Time from Send to ack/fail/timeout", "s")

	mm.routesScoredTotal = counter("router_routes_scored_total", "Total route scoring passes", "1")
	mm.routeCacheHitTotal = counter("router_cache_hits_total", "Route cache hits", "1")
	mm.routeCacheMissTotal = counter("router_cache_misses_total", "Route cache misses", "1")

	mm.adaptationTriggersTotal = counter("protocol_adaptation_triggers_total", "Protocol selector adaptation triggers fired", "1")

	mm.poolSize = upDown("pool_connections", "Current connections in a pool", "1")
	mm.poolAcquireDuration = histogram("pool_acquire_duration_seconds", "Time spent in Pool.Acquire", "s")
	mm.poolAcquireTimeouts = counter("pool_acquire_timeouts_total", "Acquire calls that timed out", "1")
	mm.circuitBreakerTrips = counter("circuit_breaker_trips_total", "Acquire calls rejected because the circuit breaker was open", "1")

	mm.selectionsTotal = counter("loadbalancer_selections_total", "Total LoadBalancer.Select calls", "1")
	mm.failoversTotal = counter("loadbalancer_failovers_total", "Total failover selections", "1")

	mm.alertsRaisedTotal = counter("health_alerts_raised_total", "Total alerts raised by the health monitor", "1")
	mm.recoveryExecutionsTotal = counter("recovery_executions_total", "Total recovery executions started", "1")

	mm.efficiencyScore = histogram("efficiency_score", "Published efficiency score in [0,1]", "1")
	mm.adaptationEventsTotal = counter("efficiency_adaptation_events_total", "Adaptation events emitted by the efficiency monitor", "1")

	mm.schedulerRunsTotal = counter("scheduler_task_runs_total", "Total scheduled task runs", "1")
	mm.schedulerRunDuration = histogram("scheduler_task_run_duration_seconds", "Time spent running one scheduled task", "s")

	mm.goGoroutines = upDown("go_goroutines", "Number of goroutines that currently exist", "1")
	mm.goMemstatsAllocBytes = upDown("go_memstats_alloc_bytes", "Bytes allocated and still in use", "By")

	if err != nil {
		return nil, err
	}
	return mm, nil
}

func (mm *MetricsManager) RecordSend(ctx context.Context, messageType, priority string, accepted bool) {
	if accepted {
		mm.messagesSentTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("message_type", messageType),
			attribute.String("priority", priority),
		))
		return
	}
	mm.messagesRejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("priority", priority),
	))
}

func (mm *MetricsManager) SetQueueDepth(ctx context.Context, queue, priority string, delta int64) {
	mm.queueDepth.Add(ctx, delta, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("priority", priority),
	))
}

func (mm *MetricsManager) RecordDeliveryDuration(ctx context.Context, outcome string, d time.Duration) {
	mm.deliveryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (mm *MetricsManager) RecordRouteScored(ctx context.Context, algorithm string) {
	mm.routesScoredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", algorithm)))
}

func (mm *MetricsManager) RecordRouteCache(ctx context.Context, hit bool) {
	if hit {
		mm.routeCacheHitTotal.Add(ctx, 1)
		return
	}
	mm.routeCacheMissTotal.Add(ctx, 1)
}

func (mm *MetricsManager) RecordAdaptationTrigger(ctx context.Context, bucket, reason string) {
	mm.adaptationTriggersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) SetPoolSize(ctx context.Context, poolID string, delta int64) {
	mm.poolSize.Add(ctx, delta, metric.WithAttributes(attribute.String("pool_id", poolID)))
}

func (mm *MetricsManager) RecordAcquireDuration(ctx context.Context, poolID string, d time.Duration) {
	mm.poolAcquireDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("pool_id", poolID)))
}

func (mm *MetricsManager) RecordAcquireTimeout(ctx context.Context, poolID string) {
	mm.poolAcquireTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("pool_id", poolID)))
}

func (mm *MetricsManager) RecordCircuitBreakerTrip(ctx context.Context, target string) {
	mm.circuitBreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}

func (mm *MetricsManager) RecordSelection(ctx context.Context, algorithm string) {
	mm.selectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("algorithm", algorithm)))
}

func (mm *MetricsManager) RecordFailover(ctx context.Context, reason string) {
	mm.failoversTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (mm *MetricsManager) RecordAlertRaised(ctx context.Context, severity string) {
	mm.alertsRaisedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (mm *MetricsManager) RecordRecoveryExecution(ctx context.Context, procedureID string) {
	mm.recoveryExecutionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("procedure_id", procedureID)))
}

func (mm *MetricsManager) RecordEfficiencySnapshot(ctx context.Context, score float64) {
	mm.efficiencyScore.Record(ctx, score)
}

func (mm *MetricsManager) RecordAdaptationEvent(ctx context.Context, component, reason string) {
	mm.adaptationEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) RecordSchedulerRun(ctx context.Context, task string, d time.Duration) {
	mm.schedulerRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("task", task)))
	mm.schedulerRunDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("task", task)))
}

func (mm *MetricsManager) UpdateProcessMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
}

// StartTimer returns a stop function that records delivery duration when called.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, outcome string) {
	start := time.Now()
	return func(ctx context.Context, outcome string) {
		mm.RecordDeliveryDuration(ctx, outcome, time.Since(start))
	}
}
