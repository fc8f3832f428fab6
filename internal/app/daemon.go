package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"antigravity/internal/config"
	"antigravity/internal/eventbus"
	"antigravity/internal/observability/statusapi"
	logx "antigravity/pkg/logx"
)

// RunDaemon is the long-running service mode: the scheduler loop plus
// systemd notifications, config hot reload and the optional status API.
func (a *App) RunDaemon(ctx context.Context) error {
	a.start(ctx)

	apiCfg, err := mapStatusAPIConfig(a.cfg)
	if err != nil {
		_ = a.Stop(context.Background(), StopFatalError)
		return err
	}
	if apiCfg.Enabled {
		a.status = statusapi.New(apiCfg, a, a.log)
		if err := a.status.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), StopFatalError)
			return fmt.Errorf("status api: %w", err)
		}
	}

	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startWatchdog()

	err = a.runScheduler(ctx, func() {
		sdNotify(a.log, daemon.SdNotifyReady)
		a.log.Info("daemon ready")
	})
	sdNotify(a.log, daemon.SdNotifyStopping)
	_ = a.Stop(context.Background(), StopSignal)
	return err
}

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		log.Debug("systemd notified", logx.String("state", state))
	}
}

// startWatchdog pings systemd at half the configured watchdog interval.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// validateReload refuses configs that cannot be applied to a running
// daemon.
func (a *App) validateReload(_ context.Context, next *config.Config) error {
	if config.ScheduleChanged(a.cfgm.Get(), next) {
		return fmt.Errorf("schedule changes require a restart")
	}
	if _, err := mapBatchConfig(next); err != nil {
		return err
	}
	if _, _, err := mapQuota(next); err != nil {
		return err
	}
	if _, err := newDecisionMaker(next); err != nil {
		return err
	}
	if _, err := newExecutor(next); err != nil {
		return err
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(lastApplied, next)
			lastApplied = next
		}
	}
}

// applyConfig pushes a validated config into the live components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next, a.opts.Verbose))

	limits, quiet, _ := mapQuota(next)
	a.quota.Apply(limits, quiet)

	if bc, err := mapBatchConfig(next); err == nil {
		a.coord.Apply(bc)
	}
	if dm, err := newDecisionMaker(next); err == nil {
		a.decider.Store(dm)
	}
	if ex, err := newExecutor(next); err == nil {
		a.executor.Store(ex)
	}
	if a.notif != nil {
		a.notif.Apply(mapNotifierConfig(next))
	}

	for _, s := range sections {
		switch s {
		case "storage", "status_api":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "notifier":
			if next.Notifier.Telegram.Token != prev.Notifier.Telegram.Token || next.Notifier.Enabled != prev.Notifier.Enabled {
				a.log.Warn("notifier enable/token changed; restart required for changes to take effect")
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Data: sections})
}
