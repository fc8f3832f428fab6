package app

import (
	"context"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/notifier"
	"antigravity/internal/observability/statusapi"
	"antigravity/internal/quota"
	rtsup "antigravity/internal/runtime/supervisor"
)

// Report is the read-only status view shared by --status and GET /status.
type Report struct {
	Now          time.Time              `json:"now"`
	Policy       string                 `json:"policy"`
	Scheduler    string                 `json:"scheduler_state,omitempty"`
	NextTriggers []time.Time            `json:"next_triggers"`
	Quota        quota.Snapshot         `json:"quota"`
	Performance  batch.Performance      `json:"performance"`
	LastRun      *batch.Run             `json:"last_run,omitempty"`
	CurrentRun   *batch.Run             `json:"current_run,omitempty"`
	Notified     []notifier.HistoryItem `json:"notified,omitempty"`
	Tasks        []rtsup.TaskStats      `json:"tasks,omitempty"`
}

const previewTriggers = 3

// Status builds the report. The last run is re-read from storage so the
// view reflects other processes sharing the storage directory. Only a
// read-only app reloads quota from storage; an owning app's counters are
// authoritative and may be ahead of the persisted snapshot.
func (a *App) Status(ctx context.Context) (Report, error) {
	now := a.quota.Now()
	rep := Report{Now: now, Policy: a.policy.String()}

	current, running := a.coord.Current()
	if running {
		rep.CurrentRun = &current
	}

	if a.store != nil && a.opts.ReadOnly {
		st, ok, err := a.store.LoadQuota(ctx)
		if err != nil {
			return Report{}, err
		}
		if ok {
			a.quota.Restore(st)
		}
	}
	rep.Quota = a.quota.Snapshot()

	var last batch.Run
	var haveLast bool
	if a.store != nil {
		r, ok, err := a.store.LatestRun(ctx)
		if err != nil {
			return Report{}, err
		}
		last, haveLast = r, ok
	} else if h := a.coord.History(1); len(h) == 1 {
		last, haveLast = h[0], true
	}
	if haveLast {
		rep.LastRun = &last
	}

	a.schedMu.Lock()
	sched := a.sched
	a.schedMu.Unlock()
	if sched != nil {
		rep.Scheduler = sched.Snapshot().State
		rep.NextTriggers = sched.Preview(previewTriggers)
	} else {
		rep.NextTriggers = a.policy.Preview(now, a.lastScheduledFire(), previewTriggers)
	}
	rep.Performance = batch.Measure(a.coord.RecentHistory(10))

	if a.notif != nil {
		rep.Notified = a.notif.History()
	}
	if a.sup != nil {
		rep.Tasks = a.sup.Snapshot()
	}
	return rep, nil
}

var _ statusapi.Backend = (*App)(nil)

func (a *App) Report(ctx context.Context) (any, error) { return a.Status(ctx) }

func (a *App) Runs(ctx context.Context, limit int) ([]batch.Run, error) {
	if a.store != nil {
		return a.store.RecentRuns(ctx, limit)
	}
	return a.coord.History(limit), nil
}

func (a *App) Busy() bool {
	_, running := a.coord.Current()
	return running
}

// Trigger starts a request from the status API. It serializes with the
// scheduler through the coordinator. The run is counted in flight before
// Trigger returns so Stop always waits for it.
func (a *App) Trigger(ctx context.Context, req batch.Request) <-chan batch.Run {
	done := make(chan batch.Run, 1)
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		done <- a.coord.Run(ctx, req)
	}()
	return done
}
