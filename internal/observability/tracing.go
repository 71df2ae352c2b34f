package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceManager centralizes span creation so every subsystem (bus, router,
// pool, load balancer, health monitor) produces spans with a consistent
// naming and attribute scheme.
type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

func (tm *TraceManager) InjectTraceContext(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

func (tm *TraceManager) ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartSendSpan traces the dispatch of one message accepted by Bus.Send.
func (tm *TraceManager) StartSendSpan(ctx context.Context, messageID, messageType string, priority string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "bus.send", trace.WithAttributes(
		attribute.String("message.id", messageID),
		attribute.String("message.type", messageType),
		attribute.String("message.priority", priority),
	))
}

// StartRouteSpan traces a Router.Pick call.
func (tm *TraceManager) StartRouteSpan(ctx context.Context, messageID, destination string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "router.score", trace.WithAttributes(
		attribute.String("message.id", messageID),
		attribute.String("route.destination", destination),
	))
}

// StartAcquireSpan traces a pool.Acquire call.
func (tm *TraceManager) StartAcquireSpan(ctx context.Context, poolID, endpoint string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "pool.acquire", trace.WithAttributes(
		attribute.String("pool.id", poolID),
		attribute.String("pool.endpoint", endpoint),
	))
}

// StartSelectSpan traces a LoadBalancer.Select call.
func (tm *TraceManager) StartSelectSpan(ctx context.Context, routeID, algorithm string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "loadbalancer.select", trace.WithAttributes(
		attribute.String("route.id", routeID),
		attribute.String("loadbalancer.algorithm", algorithm),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(1, err.Error()) // Error status
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(2, "") // OK status
}

// AddAttributes adds arbitrary key/value pairs to a span, coercing common
// scalar types the way task parameters were recorded in the teacher's
// AddTaskAttributes.
func (tm *TraceManager) AddAttributes(span trace.Span, prefix string, values map[string]any) {
	for key, value := range values {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(prefix+key, v))
		case float64:
			span.SetAttributes(attribute.Float64(prefix+key, v))
		case int:
			span.SetAttributes(attribute.Int(prefix+key, v))
		case bool:
			span.SetAttributes(attribute.Bool(prefix+key, v))
		default:
			span.SetAttributes(attribute.String(prefix+key, fmt.Sprintf("%v", v)))
		}
	}
}

// AddSpanEvent adds a timestamped event to a span for tracking processing steps.
func (tm *TraceManager) AddSpanEvent(span trace.Span, eventName string, attributes ...attribute.KeyValue) {
	span.AddEvent(eventName, trace.WithAttributes(attributes...))
}

// AddComponentAttribute adds a component identifier to a span.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("commcore.component", component))
}
