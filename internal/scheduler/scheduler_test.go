package scheduler

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noop "go.opentelemetry.io/otel/metric/noop"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/observability"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := observability.NewTraceManager("commcore-scheduler-test")
	s, err := New(clock.New(), logger, tm, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return s
}

func TestSchedulerRunsTaskRepeatedlyAtInterval(t *testing.T) {
	s := newTestScheduler(t)
	var runs int64
	s.Register(Task{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopWaitsForInFlightRun(t *testing.T) {
	s := newTestScheduler(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished int32
	s.Register(Task{
		Name:     "slow",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			close(entered)
			<-release
			atomic.StoreInt32(&finished, 1)
			return nil
		},
	})

	s.Start(context.Background())

	<-entered
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before the in-flight task run finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestSchedulerLateRegisterRunsBeforeLongerWait(t *testing.T) {
	s := newTestScheduler(t)
	s.Register(Task{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) error { return nil }})

	var fastRuns int64
	fast := make(chan struct{}, 1)
	s.Register(Task{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			if atomic.AddInt64(&fastRuns, 1) == 1 {
				close(fast)
			}
			return nil
		},
	})

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast task never ran despite a slow task queued ahead of it at registration time")
	}
}

func TestTaskHeapOrdersByNextRun(t *testing.T) {
	now := time.Now()
	h := &taskHeap{}
	heap.Init(h)
	heap.Push(h, &scheduledTask{task: Task{Name: "b"}, nextRun: now.Add(30 * time.Millisecond)})
	heap.Push(h, &scheduledTask{task: Task{Name: "a"}, nextRun: now.Add(10 * time.Millisecond)})
	heap.Push(h, &scheduledTask{task: Task{Name: "c"}, nextRun: now.Add(20 * time.Millisecond)})

	var order []string
	for h.Len() > 0 {
		st := heap.Pop(h).(*scheduledTask)
		order = append(order, st.task.Name)
	}
	assert.Equal(t, []string{"a", "c", "b"}, order)
}
