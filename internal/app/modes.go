package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/schedule"
	logx "antigravity/pkg/logx"
)

// Mode selects what the process does.
type Mode string

const (
	ModeOnce     Mode = "once"
	ModeSchedule Mode = "schedule"
	ModeDaemon   Mode = "daemon"
	ModeManual   Mode = "manual"
	ModeStatus   Mode = "status"
)

// ParseMode accepts the mode names plus "scheduled" as an alias.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOnce, ModeSchedule, ModeDaemon, ModeManual, ModeStatus:
		return Mode(s), nil
	case "scheduled":
		return ModeSchedule, nil
	}
	return "", fmt.Errorf("unknown mode %q (want once, schedule, daemon, manual or status)", s)
}

// RunOnce performs a single run as if a trigger fired now.
func (a *App) RunOnce(ctx context.Context) batch.Run {
	return a.runOne(ctx, batch.Request{Trigger: batch.TriggerOnce})
}

// RunManual performs a single run with overrides, bypassing the scheduler.
// Overrides are still clamped by quota.
func (a *App) RunManual(ctx context.Context, req batch.Request) batch.Run {
	req.Trigger = batch.TriggerManual
	return a.runOne(ctx, req)
}

func (a *App) runOne(ctx context.Context, req batch.Request) batch.Run {
	a.start(ctx)
	run := a.coord.Run(ctx, req)
	_ = a.Stop(context.Background(), StopRunFinished)
	return run
}

// RunSchedule runs the scheduler loop until ctx is done.
func (a *App) RunSchedule(ctx context.Context) error {
	a.start(ctx)
	err := a.runScheduler(ctx, nil)
	_ = a.Stop(context.Background(), StopSignal)
	return err
}

func (a *App) newScheduler() (*schedule.Scheduler, error) {
	return schedule.New(a.policy,
		schedule.WithLogger(a.log.With(logx.String("comp", "scheduler"))),
		schedule.WithLastFired(a.lastScheduledFire()),
	)
}

// runScheduler blocks until ctx is done. ready, if set, is called once the
// loop is armed.
func (a *App) runScheduler(ctx context.Context, ready func()) error {
	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	a.schedMu.Lock()
	a.sched = sched
	a.schedMu.Unlock()
	next := sched.Preview(3)
	fields := []logx.Field{logx.String("policy", a.policy.String())}
	if len(next) > 0 {
		fields = append(fields, logx.Time("next", next[0]))
	}
	a.log.Info("scheduler started", fields...)
	if ready != nil {
		ready()
	}

	err = sched.Run(ctx, func(c context.Context, at time.Time) {
		run := a.coord.Run(c, batch.Request{Trigger: batch.TriggerScheduled})
		a.log.Debug("scheduled run done", logx.String("run_id", run.ID), logx.Time("trigger_at", at))
	})
	if errors.Is(err, schedule.ErrNoNextTrigger) {
		a.log.Warn("schedule has no further triggers; stopping")
		return nil
	}
	a.log.Info("scheduler stopped")
	return err
}
