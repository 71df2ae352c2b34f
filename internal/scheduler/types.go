// Package scheduler implements the single deadline-ordered scheduler named
// in spec.md §9's Design Note ("Timer-based intervals scattered across
// components. Route every periodic task through a single scheduler with a
// deadline-ordered data structure; each periodic task declares its
// interval, jitter, and cancellation token"). It replaces the
// scattered time.Ticker loops a naive port would otherwise grow one per
// subsystem (route-cache TTL sweep, pool scaling check, pool lease
// sweeper, health collection, efficiency snapshot, alert escalation).
package scheduler

import (
	"context"
	"time"
)

// Task is one periodic unit of work.
type Task struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration // up to this much random delay added to each run, to avoid thundering-herd wakeups
	Run      func(ctx context.Context) error
}

// scheduledTask pairs a Task with its next-run deadline, ordered on
// nextRun for the scheduler's min-heap.
type scheduledTask struct {
	task    Task
	nextRun time.Time
	index   int // heap.Interface bookkeeping
}
