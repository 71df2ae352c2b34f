// Package observability provides the tracing, metrics, structured logging,
// and health-check infrastructure shared by every commcore-bus subsystem.
//
// # Quick start
//
//	config := observability.DefaultConfig("commcore-bus")
//	obs, err := observability.NewObservability(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer obs.Shutdown(context.Background())
//
//	traceManager := observability.NewTraceManager(config.ServiceName)
//	metricsManager, err := observability.NewMetricsManager(obs.Meter)
//
// This wires an OTLP gRPC trace exporter, a Prometheus metrics reader, and a
// slog.Logger whose handler adds the active span's trace_id and span_id to
// each record; records are not attached to the span as events. At DEBUG level
// records are also duplicated to stdout via CombinedHandler.
//
// TraceManager exposes one span starter per core operation (StartSendSpan,
// StartRouteSpan, StartAcquireSpan, StartSelectSpan) so every subsystem
// produces spans with consistent naming and attributes. MetricsManager holds
// every counter and histogram instrument; subsystems record through it
// rather than creating their own instruments.
//
// HealthServer (see healthcheck.go) exposes /health, /ready, and /metrics.
// Each subsystem registers its own HealthChecker rather than sharing one.
package observability
