// Package bus implements the Unified Bus: the single ingress/egress for
// cross-component traffic plus event fan-out, generalized from the
// teacher's channel-based EventBusService (internal/agenthub/broker.go)
// from a single gRPC task/result/progress trio to an arbitrary-typed,
// priority-queued message bus.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

// QueuePriority implements bus.Prioritized for Message so it can sit
// directly on a Queue[Message].
func (m Message) QueuePriority() Priority { return m.Priority }

// Dispatcher performs the actual route → protocol → pool → load-balance →
// transport send for one message. The bus only owns enqueueing, retry
// bookkeeping, and delivery state; a concrete Dispatcher built from
// internal/router, internal/protocol, internal/pool, and
// internal/loadbalancer is injected by the wiring code in cmd/commcore-bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Config holds the Bus's own tunables; AppConfig only supplies the process
// identity and listener ports consumed elsewhere.
type Config struct {
	QueueHighWatermark int
	OverflowPolicy     OverflowPolicy
	NumWorkers         int
	DedupeWindow       int
	PayloadMaxBytes    int
	DeliveryTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueHighWatermark: 10_000,
		OverflowPolicy:     OverflowDropLowestPriority,
		NumWorkers:         8,
		DedupeWindow:       4096,
		PayloadMaxBytes:    1 << 20,
		DeliveryTimeout:    30 * time.Second,
	}
}

// Bus is the Unified Bus.
type Bus struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	tracer *observability.TraceManager
	metrics *observability.MetricsManager
	alerts  notify.AlertSink

	validate *validator.Validate

	dispatcher Dispatcher

	queue *Queue[Message]

	idMu sync.Mutex
	ids  map[string]struct{}

	deliveryMu      sync.Mutex
	deliveries      map[string]*Delivery
	deliveryByMsgID map[string]string

	subMu sync.RWMutex
	subs  map[string]*subscriptionRuntime

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type subscriptionRuntime struct {
	sub    Subscription
	ch     chan Event
	dedupe *dedupeSet

	// pending is non-nil only for an OrderingGuaranteed subscription: the
	// single worker spawned in Subscribe drains it into ch one event at a
	// time, so events reach the subscriber strictly in arrival order
	// instead of racing through per-event goroutines like a best-effort
	// subscription does.
	pending chan Event
}

// New constructs a Bus. Clock, logger, tracer, metrics, and alert sink are
// all injected — the bus holds no package-level state.
func New(cfg Config, clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter, alerts notify.AlertSink, dispatcher Dispatcher) (*Bus, error) {
	metricsManager, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, fmt.Errorf("bus: new metrics manager: %w", err)
	}

	b := &Bus{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		tracer:     tracer,
		metrics:    metricsManager,
		alerts:     alerts,
		validate:   validator.New(),
		dispatcher: dispatcher,
		queue:           NewQueue[Message](cfg.QueueHighWatermark, cfg.OverflowPolicy),
		ids:             make(map[string]struct{}),
		deliveries:      make(map[string]*Delivery),
		deliveryByMsgID: make(map[string]string),
		subs:            make(map[string]*subscriptionRuntime),
	}
	return b, nil
}

// Start launches the worker pool that drains the message queue. Call once;
// Stop (via the context passed here) shuts workers down.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.NumWorkers; i++ {
		g.Go(func() error {
			b.workerLoop(gctx)
			return nil
		})
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = g.Wait()
	}()
}

// Stop cancels workers and waits for them to drain in-flight deliveries.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Send validates and enqueues a message, returning a delivery id once it is
// admitted to the ingress queue (persistence of the queue itself is
// optional, per config — this bus is in-memory by design; durability is a
// store.Store concern layered on top by callers that need it).
func (b *Bus) Send(ctx context.Context, msg Message) (string, error) {
	if err := b.validate.Struct(msg); err != nil {
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if !msg.Priority.valid() {
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", fmt.Errorf("%w: unknown priority %q", errs.ErrValidation, msg.Priority)
	}
	if len(msg.Payload.Bytes) > b.cfg.PayloadMaxBytes {
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", fmt.Errorf("%w: payload exceeds %d bytes", errs.ErrValidation, b.cfg.PayloadMaxBytes)
	}
	if msg.Deadline.Before(b.clock.Now()) {
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", errs.ErrDeadlineExceeded
	}

	b.idMu.Lock()
	if _, dup := b.ids[msg.ID]; dup {
		b.idMu.Unlock()
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", fmt.Errorf("%w: duplicate message id %q", errs.ErrValidation, msg.ID)
	}
	b.ids[msg.ID] = struct{}{}
	b.idMu.Unlock()

	deliveryID := uuid.NewString()
	delivery := &Delivery{
		ID:        deliveryID,
		MessageID: msg.ID,
		State:     DeliveryQueued,
		CreatedAt: b.clock.Now(),
		UpdatedAt: b.clock.Now(),
	}
	b.deliveryMu.Lock()
	b.deliveries[deliveryID] = delivery
	b.deliveryByMsgID[msg.ID] = deliveryID
	b.deliveryMu.Unlock()

	forceAdmit := msg.Priority == PriorityCritical
	admitted, _ := b.queue.Push(msg, forceAdmit)
	if !admitted {
		b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), false)
		return "", errs.ErrFull
	}

	b.metrics.RecordSend(ctx, msg.Type, string(msg.Priority), true)
	b.metrics.SetQueueDepth(ctx, "message", string(msg.Priority), 1)
	return deliveryID, nil
}

func (b *Bus) workerLoop(ctx context.Context) {
	for {
		msg, ok := b.queue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		b.metrics.SetQueueDepth(ctx, "message", string(msg.Priority), -1)
		b.handle(ctx, msg)
	}
}

func (b *Bus) handle(ctx context.Context, msg Message) {
	stop := b.metrics.StartTimer()
	dctx, cancel := context.WithTimeout(ctx, b.cfg.DeliveryTimeout)
	defer cancel()

	dctx, span := b.tracer.StartSendSpan(dctx, msg.ID, msg.Type, string(msg.Priority))
	defer span.End()

	err := b.dispatcher.Dispatch(dctx, msg)
	if err != nil {
		b.tracer.RecordError(span, err)
	} else {
		b.tracer.SetSpanSuccess(span)
	}

	outcome := "acked"
	switch {
	case err == nil:
		outcome = "acked"
	case errors.Is(dctx.Err(), context.DeadlineExceeded):
		outcome = "timedOut"
	case errors.Is(err, errs.ErrCancelled):
		outcome = "cancelled"
	default:
		outcome = "failed"
	}
	stop(ctx, outcome)
	b.finishDelivery(msg.ID, outcome, err)

	if err != nil && msg.Priority == PriorityCritical && b.allAlternativesExhausted(err) {
		b.alerts.Raise(ctx, notify.Alert{
			Severity: notify.SeverityCritical,
			Title:    "critical message exhausted all routes",
			Detail:   fmt.Sprintf("message %s (%s) from %s: %v", msg.ID, msg.Type, msg.Source, err),
		})
	}

	b.logger.InfoContext(ctx, "message dispatched",
		"message_id", msg.ID,
		"message_type", msg.Type,
		"priority", string(msg.Priority),
		"outcome", outcome,
	)
}

func (b *Bus) allAlternativesExhausted(err error) bool {
	return errors.Is(err, errs.ErrNoRoute) || errors.Is(err, errs.ErrAllOpen)
}

func (b *Bus) finishDelivery(msgID, outcome string, err error) {
	b.deliveryMu.Lock()
	defer b.deliveryMu.Unlock()

	deliveryID, ok := b.deliveryByMsgID[msgID]
	if !ok {
		return
	}
	d, ok := b.deliveries[deliveryID]
	if !ok {
		return
	}
	d.Attempts++
	d.UpdatedAt = b.clock.Now()
	d.Err = err
	switch outcome {
	case "acked":
		d.State = DeliveryAcked
	case "timedOut":
		d.State = DeliveryTimedOut
	case "cancelled":
		d.State = DeliveryCancelled
	default:
		d.State = DeliveryFailed
	}
}

// Subscribe registers interest in one or more event types.
func (b *Bus) Subscribe(subscriberID string, types []string, filter Filter, opts SubscribeOptions) string {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	sub := Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Types:        typeSet,
		Filter:       filter,
		Opts:         opts,
	}
	rt := &subscriptionRuntime{
		sub:    sub,
		ch:     make(chan Event, opts.QueueSize),
		dedupe: newDedupeSet(opts.DedupeWindow),
	}
	if opts.OrderingGuaranteed {
		rt.pending = make(chan Event, opts.QueueSize)
	}

	b.subMu.Lock()
	b.subs[sub.ID] = rt
	b.subMu.Unlock()

	if opts.OrderingGuaranteed {
		b.wg.Add(1)
		go b.serializeSubscription(rt)
	}

	return sub.ID
}

// serializeSubscription is the single worker an OrderingGuaranteed
// subscription gets: it is the only goroutine that ever writes to rt.ch,
// forwarding events off rt.pending one at a time so the subscriber reading
// Events(subscriptionID) sees them in the order they arrived.
func (b *Bus) serializeSubscription(rt *subscriptionRuntime) {
	defer b.wg.Done()
	defer close(rt.ch)
	for evt := range rt.pending {
		select {
		case rt.ch <- evt:
		case <-b.clock.After(5 * time.Second):
			b.logger.Warn("timeout delivering event to ordered subscriber",
				"event_id", evt.ID, "subscriber_id", rt.sub.SubscriberID)
		}
	}
}

// Events returns the channel a subscriber should range over to receive
// fanned-out events for subscriptionID.
func (b *Bus) Events(subscriptionID string) (<-chan Event, bool) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	rt, ok := b.subs[subscriptionID]
	if !ok {
		return nil, false
	}
	return rt.ch, true
}

// Unsubscribe removes a subscription and closes its channel. For an
// OrderingGuaranteed subscription this closes pending instead — its
// serializeSubscription worker closes ch itself once pending drains, so ch
// is never closed twice.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	rt, ok := b.subs[subscriptionID]
	if !ok {
		return
	}
	delete(b.subs, subscriptionID)
	if rt.pending != nil {
		close(rt.pending)
		return
	}
	close(rt.ch)
}

// PublishEvent fans an event out to every matching subscription. A
// best-effort subscription is delivered via a per-event goroutine, so
// concurrent deliveries to different subscribers overlap freely. An
// OrderingGuaranteed subscription is instead handed to its pending queue
// here, in the calling goroutine, so its serializeSubscription worker is
// the only thing that ever sends on ch and always sends in the order
// events were handed to pending.
func (b *Bus) PublishEvent(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now()
	}

	b.subMu.RLock()
	targets := make([]*subscriptionRuntime, 0, len(b.subs))
	for _, rt := range b.subs {
		if _, want := rt.sub.Types[evt.Type]; !want {
			continue
		}
		if rt.sub.Filter != nil && !rt.sub.Filter(evt) {
			continue
		}
		targets = append(targets, rt)
	}
	b.subMu.RUnlock()

	for _, rt := range targets {
		if rt.dedupe.seen(evt.ID) {
			continue
		}
		if rt.pending != nil {
			select {
			case rt.pending <- evt:
			case <-ctx.Done():
			case <-b.clock.After(5 * time.Second):
				b.logger.WarnContext(ctx, "timeout enqueueing event for ordered subscriber",
					"event_id", evt.ID, "subscriber_id", rt.sub.SubscriberID)
			}
			continue
		}
		go func(rt *subscriptionRuntime) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.ErrorContext(ctx, "recovered from panic delivering event", "event_id", evt.ID, "panic", r)
				}
			}()
			select {
			case rt.ch <- evt:
			case <-ctx.Done():
			case <-b.clock.After(5 * time.Second):
				b.logger.WarnContext(ctx, "timeout delivering event to subscriber",
					"event_id", evt.ID, "subscriber_id", rt.sub.SubscriberID)
			}
		}(rt)
	}
}

// UpdateComponentHealth records a component heartbeat by logging it at
// debug level. The bus keeps no per-component state: the partial fields are
// not merged or stored, and no last-seen time is tracked.
func (b *Bus) UpdateComponentHealth(componentID string, partial map[string]any) {
	b.logger.Debug("component heartbeat", "component_id", componentID, "fields", partial)
}

// DeliveryStatus returns the current delivery record for a prior Send.
func (b *Bus) DeliveryStatus(deliveryID string) (Delivery, bool) {
	b.deliveryMu.Lock()
	defer b.deliveryMu.Unlock()
	d, ok := b.deliveries[deliveryID]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// QueueStats reports the message queue's current depth by band, for
// Prometheus gauges and the efficiency monitor.
func (b *Bus) QueueStats() QueueStats {
	return b.queue.Stats()
}
