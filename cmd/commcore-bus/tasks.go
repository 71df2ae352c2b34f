package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/commcore/bus/internal/notify"
	"github.com/commcore/bus/internal/scheduler"
)

// registerPeriodicTasks routes every subsystem's background sweep through
// the single scheduler, per scheduler's own Design Note grounding: one
// deadline-ordered loop instead of one time.Ticker per subsystem.
func registerPeriodicTasks(a *App) {
	a.sched.Register(scheduler.Task{
		Name:     "pool.sweep-expired-leases",
		Interval: 15 * time.Second,
		Jitter:   2 * time.Second,
		Run: func(ctx context.Context) error {
			n := a.poolMgr.SweepExpiredLeases(ctx)
			if n > 0 {
				a.obs.Logger.Info("swept expired leases", slog.Int("count", n))
			}
			return nil
		},
	})

	a.sched.Register(scheduler.Task{
		Name:     "health.sweep-escalations",
		Interval: 30 * time.Second,
		Jitter:   3 * time.Second,
		Run: func(ctx context.Context) error {
			n := a.healthMon.SweepEscalations(ctx)
			if n > 0 {
				a.obs.Logger.Info("escalated unacknowledged alerts", slog.Int("count", n))
			}
			return nil
		},
	})

	a.sched.Register(scheduler.Task{
		Name:     "efficiency.publish",
		Interval: 30 * time.Second,
		Jitter:   2 * time.Second,
		Run: func(ctx context.Context) error {
			snapshot, event := a.efficiency.Publish(ctx)
			a.obs.Logger.Debug("efficiency snapshot published", slog.Float64("score", snapshot.Score))
			if event != nil {
				a.obs.Logger.Warn("efficiency adaptation event", slog.Float64("score", event.Score), slog.Float64("delta", event.Delta), slog.String("reason", event.Reason))
				if a.alerts != nil {
					_ = a.alerts.Raise(ctx, notify.Alert{
						Severity: notify.SeverityWarning,
						Title:    "efficiency score deviation",
						Detail:   event.Reason,
						Tags:     map[string]string{"score": strconv.FormatFloat(event.Score, 'f', 3, 64), "delta": strconv.FormatFloat(event.Delta, 'f', 3, 64)},
					})
				}
			}
			return nil
		},
	})

	a.sched.Register(scheduler.Task{
		Name:     "store.retention-sweep",
		Interval: 24 * time.Hour,
		Jitter:   time.Hour,
		Run: func(ctx context.Context) error {
			now := time.Now()
			if n, err := a.store.DeleteOlderThan(ctx, "metrics", now.Add(-a.cfg.MetricsRetention)); err != nil {
				a.obs.Logger.Error("metrics retention sweep failed", slog.Any("error", err))
			} else if n > 0 {
				a.obs.Logger.Info("metrics retention sweep", slog.Int("deleted", n))
			}
			if n, err := a.store.DeleteOlderThan(ctx, "recovery_executions", now.Add(-a.cfg.RecoveryRetention)); err != nil {
				a.obs.Logger.Error("recovery retention sweep failed", slog.Any("error", err))
			} else if n > 0 {
				a.obs.Logger.Info("recovery retention sweep", slog.Int("deleted", n))
			}
			return nil
		},
	})
}
