package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/commcore/bus/internal/clock"
	"github.com/commcore/bus/internal/observability"
)

// Scheduler drives every registered periodic Task from a single
// deadline-ordered min-heap, instead of one time.Ticker per subsystem.
type Scheduler struct {
	clock   clock.Clock
	logger  *slog.Logger
	tracer  *observability.TraceManager
	metrics *observability.MetricsManager

	mu     sync.Mutex
	h      taskHeap
	timer  clock.Timer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(clk clock.Clock, logger *slog.Logger, tracer *observability.TraceManager, meter metric.Meter) (*Scheduler, error) {
	mm, err := observability.NewMetricsManager(meter)
	if err != nil {
		return nil, err
	}
	return &Scheduler{clock: clk, logger: logger, tracer: tracer, metrics: mm}, nil
}

// Register adds t to the schedule, due to run first at t.Interval (plus up
// to t.Jitter) from now. Safe to call before or after Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &scheduledTask{task: t, nextRun: s.clock.Now().Add(s.jittered(t))}
	heap.Push(&s.h, st)
	s.wakeLocked()
}

func (s *Scheduler) jittered(t Task) time.Duration {
	d := t.Interval
	if t.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(t.Jitter)))
	}
	return d
}

// Start launches the dispatch loop; it runs until ctx is cancelled or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop cancels the dispatch loop and waits for the currently in-flight
// task run (if any) to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.mu.Lock()
		wait := time.Hour // idle default; re-armed by Register via wakeLocked once a task exists
		if s.h.Len() > 0 {
			if w := s.h[0].nextRun.Sub(s.clock.Now()); w > 0 {
				wait = w
			} else {
				wait = 0
			}
		}
		timer := s.clock.NewTimer(wait)
		s.timer = timer
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			s.runDue(ctx)
		}
	}
}

// runDue pops and executes every task whose deadline has arrived, then
// reschedules each for its next interval.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if s.h.Len() == 0 || s.h[0].nextRun.After(now) {
			s.mu.Unlock()
			return
		}
		st := heap.Pop(&s.h).(*scheduledTask)
		s.mu.Unlock()

		s.runOne(ctx, st.task)

		st.nextRun = now.Add(s.jittered(st.task))
		s.mu.Lock()
		heap.Push(&s.h, st)
		s.mu.Unlock()
	}
}

func (s *Scheduler) runOne(ctx context.Context, t Task) {
	started := s.clock.Now()
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartSpan(ctx, "scheduler.run")
		s.tracer.AddAttributes(span, "scheduler.", map[string]any{"task": t.Name})
	}

	err := t.Run(ctx)

	if s.metrics != nil {
		s.metrics.RecordSchedulerRun(ctx, t.Name, s.clock.Now().Sub(started))
	}
	if err != nil {
		s.logTaskErr(t.Name, err)
		if span != nil {
			s.tracer.RecordError(span, err)
		}
	} else if span != nil {
		s.tracer.SetSpanSuccess(span)
	}
	if span != nil {
		span.End()
	}
}

func (s *Scheduler) logTaskErr(name string, err error) {
	if s.logger != nil {
		s.logger.Error("scheduler: task failed", "task", name, "error", err)
	}
}

// wakeLocked re-arms the dispatch loop's timer so a freshly registered
// task due sooner than the current wait is not missed. Caller must hold
// s.mu.
func (s *Scheduler) wakeLocked() {
	if s.timer != nil {
		s.timer.Reset(0)
	}
}
