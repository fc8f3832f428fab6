package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/viper"

	"antigravity/internal/batch"
	"antigravity/internal/config"
	"antigravity/internal/eventbus"
	"antigravity/internal/notifier"
	"antigravity/internal/observability/statusapi"
	"antigravity/internal/quota"
	"antigravity/internal/runlock"
	rtsup "antigravity/internal/runtime/supervisor"
	"antigravity/internal/schedule"
	"antigravity/internal/storage"
	logx "antigravity/pkg/logx"
)

// Options configure NewApp.
type Options struct {
	ConfigPath string
	// Env supplies ANTIGRAVITY_* overrides; nil disables them.
	Env     *viper.Viper
	Verbose bool
	// Out receives human-readable output (tables, JSON). Defaults to stdout.
	Out io.Writer
	// ReadOnly opens storage without taking the run lock and skips the
	// notifier. Used by the status view.
	ReadOnly bool
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store  storage.Store
	quota  *quota.Tracker
	policy *schedule.Policy
	coord  *batch.Coordinator

	decider  *deciderSwitch
	executor *executorSwitch

	notif  *notifier.Service
	status *statusapi.Service

	sup *rtsup.Supervisor

	schedMu sync.Mutex
	sched   *schedule.Scheduler

	// inflight tracks runs started outside the scheduler loop (API triggers).
	inflight sync.WaitGroup
}

func NewApp(opts Options) (*App, error) {
	if opts.Out == nil {
		opts.Out = logx.Stdout()
	}
	cfgm := config.NewConfigManager(opts.ConfigPath, opts.Env)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg, opts.Verbose))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{opts: opts, cfgm: cfgm, cfg: cfg, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	if err := a.build(); err != nil {
		a.closeStore()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Debug("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	limits, quiet, err := mapQuota(cfg)
	if err != nil {
		return err
	}
	a.quota = quota.New(limits, loc, quota.WithQuietHours(quiet))

	if a.policy, err = schedule.ParsePolicy(cfg.Schedule); err != nil {
		return err
	}

	dm, err := newDecisionMaker(cfg)
	if err != nil {
		return err
	}
	ex, err := newExecutor(cfg)
	if err != nil {
		return err
	}
	a.decider, a.executor = newDeciderSwitch(dm), newExecutorSwitch(ex)

	bc, err := mapBatchConfig(cfg)
	if err != nil {
		return err
	}
	opts := []batch.Option{
		batch.WithLogger(a.log.With(logx.String("comp", "batch"))),
		batch.WithBus(a.bus),
	}
	if a.store != nil {
		opts = append(opts, batch.WithStore(a.store))
		if !a.opts.ReadOnly {
			opts = append(opts, batch.WithLocker(runlock.New(cfg.Storage.Path)))
		}
	}
	if a.coord, err = batch.New(bc, a.quota, a.decider, a.executor, opts...); err != nil {
		return err
	}
	a.seed()

	if !a.opts.ReadOnly {
		var sender notifier.Sender
		if cfg.Notifier.Enabled {
			ts, err := notifier.NewTelegramSender(cfg.Notifier.Telegram.Token)
			if err != nil {
				return fmt.Errorf("notifier: %w", err)
			}
			sender = ts
		}
		a.notif = notifier.New(mapNotifierConfig(cfg), sender, a.log.With(logx.String("comp", "notifier")), a.bus)
	}
	return nil
}

// seed restores history and quota counters from storage.
func (a *App) seed() {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runs, err := a.store.RecentRuns(ctx, a.cfg.Batch.HistorySize)
	if err != nil {
		a.log.Warn("load run history failed", logx.Err(err))
	} else {
		a.coord.Seed(runs)
	}
	st, ok, err := a.store.LoadQuota(ctx)
	if err != nil {
		a.log.Warn("load quota state failed", logx.Err(err))
	} else if ok {
		a.quota.Restore(st)
	}
}

// lastScheduledFire is the start of the newest scheduled run, so an
// interval policy resumes its cadence after a restart.
func (a *App) lastScheduledFire() time.Time {
	hist := a.coord.History(0)
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Trigger == batch.TriggerScheduled {
			return hist[i].StartedAt
		}
	}
	return time.Time{}
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Coordinator() *batch.Coordinator { return a.coord }

// start launches the supervised background services shared by every
// mode that runs batches.
func (a *App) start(ctx context.Context) {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	if a.notif != nil && a.notif.Enabled() {
		// the notifier outlives ctx so Stop can drain it
		a.notif.Start(context.WithoutCancel(ctx))
	}
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// Stop shuts services down in order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Debug("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context)) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		fn(c)
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	if a.sup != nil {
		a.sup.Cancel()
	}
	step("status_api", 2*time.Second, func(c context.Context) {
		if a.status != nil {
			a.status.Stop(c)
		}
	})
	step("runs", 30*time.Second, func(c context.Context) {
		done := make(chan struct{})
		go func() { a.inflight.Wait(); close(done) }()
		select {
		case <-done:
		case <-c.Done():
			a.log.Warn("in-flight run still active at shutdown")
		}
	})
	step("notifier", 5*time.Second, func(c context.Context) {
		if a.notif != nil {
			a.notif.Stop(c)
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) {
		if a.sup != nil {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				a.log.Warn("background task failed", logx.Err(err))
			}
		}
	})
	a.closeStore()
	a.log.Debug("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage failed", logx.Err(err))
		}
		a.store = nil
	}
}

// Fatal prints err the way every entry point reports startup failures.
func Fatal(err error) {
	fmt.Fprintln(os.Stderr, "fatal:", err)
	os.Exit(1)
}
