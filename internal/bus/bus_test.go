package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/errs"
	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/observability"
)

type fakeDispatcher struct {
	fn func(ctx context.Context, msg Message) error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, msg Message) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, msg)
}

func newTestBus(t *testing.T, cfg Config, dispatcher Dispatcher) *Bus {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-bus-test")
	b, err := New(cfg, clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"), notify.NoopSink{}, dispatcher)
	require.NoError(t, err)
	return b
}

func testMessage(id string, priority Priority) Message {
	return Message{
		ID:       id,
		Type:     "task_assignment",
		Priority: priority,
		Source:   "agent.a",
		Payload:  Envelope{Type: "task_assignment", Bytes: []byte("hello")},
		Deadline: time.Now().Add(time.Minute),
	}
}

func TestSendHappyPath(t *testing.T) {
	delivered := make(chan string, 1)
	dispatcher := &fakeDispatcher{fn: func(_ context.Context, msg Message) error {
		delivered <- msg.ID
		return nil
	}}

	b := newTestBus(t, DefaultConfig(), dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	deliveryID, err := b.Send(ctx, testMessage("m1", PriorityNormal))
	require.NoError(t, err)
	assert.NotEmpty(t, deliveryID)

	select {
	case id := <-delivered:
		assert.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("message was not dispatched within 1s")
	}
}

func TestSendRejectsPastDeadline(t *testing.T) {
	b := newTestBus(t, DefaultConfig(), &fakeDispatcher{})
	msg := testMessage("m2", PriorityNormal)
	msg.Deadline = time.Now().Add(-time.Second)

	_, err := b.Send(context.Background(), msg)
	assert.ErrorIs(t, err, errs.ErrDeadlineExceeded)
}

func TestSendRejectsDuplicateID(t *testing.T) {
	b := newTestBus(t, DefaultConfig(), &fakeDispatcher{})
	ctx := context.Background()
	_, err := b.Send(ctx, testMessage("dup", PriorityNormal))
	require.NoError(t, err)

	_, err = b.Send(ctx, testMessage("dup", PriorityNormal))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPriorityPreemption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 1

	order := make(chan string, 200)
	release := make(chan struct{})
	first := true
	dispatcher := &fakeDispatcher{fn: func(_ context.Context, msg Message) error {
		if first {
			first = false
			<-release // hold the single worker so every message queues up
		}
		order <- msg.ID
		return nil
	}}

	b := newTestBus(t, cfg, dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	_, err := b.Send(ctx, testMessage("hold", PriorityNormal))
	require.NoError(t, err)
	// give the worker a moment to pick up "hold" and block on release
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, testMessage(fmt.Sprintf("normal-%d", i), PriorityNormal))
		require.NoError(t, err)
	}
	_, err = b.Send(ctx, testMessage("crit", PriorityCritical))
	require.NoError(t, err)

	close(release)

	var got []string
	for i := 0; i < 7; i++ {
		select {
		case id := <-order:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for dispatch #%d, got %v so far", i, got)
		}
	}

	require.Equal(t, "hold", got[0])
	assert.Equal(t, "crit", got[1], "critical message should be dispatched immediately after the in-flight one")
}

func TestQueueFullRejectsWithErrFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueHighWatermark = 1
	cfg.OverflowPolicy = OverflowReject
	cfg.NumWorkers = 0 // never drains, so the first Send fills the queue

	b := newTestBus(t, cfg, &fakeDispatcher{})
	ctx := context.Background()

	_, err := b.Send(ctx, testMessage("first", PriorityNormal))
	require.NoError(t, err)

	_, err = b.Send(ctx, testMessage("second", PriorityNormal))
	assert.ErrorIs(t, err, errs.ErrFull)
}

func TestCriticalNeverDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueHighWatermark = 1
	cfg.OverflowPolicy = OverflowReject
	cfg.NumWorkers = 0

	b := newTestBus(t, cfg, &fakeDispatcher{})
	ctx := context.Background()

	_, err := b.Send(ctx, testMessage("filler", PriorityNormal))
	require.NoError(t, err)

	_, err = b.Send(ctx, testMessage("urgent", PriorityCritical))
	assert.NoError(t, err, "critical messages must be admitted even over the high watermark")
	assert.Equal(t, 2, b.QueueStats().Depth)
}

func TestPublishEventFanOutAndDedupe(t *testing.T) {
	b := newTestBus(t, DefaultConfig(), &fakeDispatcher{})
	subID := b.Subscribe("sub1", []string{"agent.status"}, nil, SubscribeOptions{DedupeWindow: 16})
	events, ok := b.Events(subID)
	require.True(t, ok)

	ctx := context.Background()
	evt := Event{ID: "e1", Type: "agent.status", Payload: Envelope{Bytes: []byte("ok")}}
	b.PublishEvent(ctx, evt)
	b.PublishEvent(ctx, evt) // duplicate, should be suppressed

	select {
	case got := <-events:
		assert.Equal(t, "e1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected first event to be delivered")
	}

	select {
	case <-events:
		t.Fatal("duplicate event should have been suppressed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrderingGuaranteedSubscriptionDeliversAllInOrder(t *testing.T) {
	b := newTestBus(t, DefaultConfig(), &fakeDispatcher{})
	subID := b.Subscribe("sub1", []string{"agent.status"}, nil, SubscribeOptions{OrderingGuaranteed: true})
	events, ok := b.Events(subID)
	require.True(t, ok)

	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		b.PublishEvent(ctx, Event{ID: fmt.Sprintf("e%d", i), Type: "agent.status"})
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-events:
			assert.Equal(t, fmt.Sprintf("e%d", i), got.ID, "ordering-guaranteed events must arrive in publish order")
		case <-time.After(time.Second):
			t.Fatalf("expected event e%d, got none", i)
		}
	}
}

func TestDeliveryFailurePropagates(t *testing.T) {
	wantErr := errors.New("boom")
	dispatcher := &fakeDispatcher{fn: func(_ context.Context, _ Message) error { return wantErr }}
	b := newTestBus(t, DefaultConfig(), dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	deliveryID, err := b.Send(ctx, testMessage("fails", PriorityNormal))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		d, ok := b.DeliveryStatus(deliveryID)
		return ok && d.State == DeliveryFailed
	}, time.Second, 10*time.Millisecond)
}
