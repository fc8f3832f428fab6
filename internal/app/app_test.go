package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"antigravity/internal/batch"
	"antigravity/internal/eventbus"
	"antigravity/internal/quota"
	"antigravity/internal/storage"
	logx "antigravity/pkg/logx"
)

func writeConfig(t *testing.T, driver, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`logging:
  level: error
  console: true
schedule:
  times: ["09:00"]
  timezone: UTC
quiet_hours:
  start: ""
  end: ""
quota:
  max_daily: 5
  max_hourly: 5
batch:
  max_batch_size: 4
  default_batch_size: 3
  adaptive: false
  concurrency: 2
  platforms: [tiktok, instagram]
  history_size: 10
executor:
  driver: dryrun
  dry_run_delay: 0s
storage:
  driver: %s
  path: %s
%s`, driver, filepath.Join(dir, "data"), extra)
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newTestApp(t *testing.T, path string, readOnly bool) *App {
	t.Helper()
	a, err := NewApp(Options{ConfigPath: path, Out: &bytes.Buffer{}, ReadOnly: readOnly})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return a
}

func TestRunOncePersistsAcrossRestarts(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, driver, "")

			run := newTestApp(t, path, false).RunOnce(context.Background())
			if run.Status != batch.StatusCompleted || run.SuccessCount != 3 {
				t.Fatalf("run = %s %d/%d (%s)", run.Status, run.SuccessCount, run.RequestedCount, run.Reason)
			}
			if run.Trigger != batch.TriggerOnce {
				t.Fatalf("trigger = %s", run.Trigger)
			}

			a := newTestApp(t, path, true)
			defer a.Stop(context.Background(), StopRunFinished)
			rep, err := a.Status(context.Background())
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if rep.LastRun == nil || rep.LastRun.ID != run.ID {
				t.Fatalf("last run = %+v, want %s", rep.LastRun, run.ID)
			}
			if rep.Quota.DailyCount != 3 || rep.Quota.DailyRemaining != 2 {
				t.Fatalf("quota = %+v", rep.Quota)
			}
			if len(rep.NextTriggers) != previewTriggers {
				t.Fatalf("next triggers = %v", rep.NextTriggers)
			}
		})
	}
}

func TestRunManualClampsToQuota(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "file", "")

	first := newTestApp(t, path, false).RunManual(context.Background(), batch.Request{Count: 4, Platforms: []string{"youtube"}})
	if first.Status != batch.StatusCompleted || first.SuccessCount != 4 {
		t.Fatalf("first = %s %d (%s)", first.Status, first.SuccessCount, first.Reason)
	}
	for _, it := range first.Items {
		if it.Platform != "youtube" {
			t.Fatalf("item platform = %q", it.Platform)
		}
	}

	second := newTestApp(t, path, false).RunManual(context.Background(), batch.Request{Count: 4})
	if second.RequestedCount != 1 || second.SuccessCount != 1 {
		t.Fatalf("second = %+v", second)
	}

	third := newTestApp(t, path, false).RunManual(context.Background(), batch.Request{Count: 1})
	if third.Status != batch.StatusSkipped || !strings.Contains(third.Reason, "quota exhausted") {
		t.Fatalf("third = %s (%s)", third.Status, third.Reason)
	}
	if batch.ExitCode(third) != 0 {
		t.Fatal("skipped run must exit 0")
	}
}

func TestBackendTrigger(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, writeConfig(t, "none", ""), false)
	ctx := context.Background()
	a.start(ctx)
	defer a.Stop(ctx, StopSignal)

	if a.Busy() {
		t.Fatal("idle app reports busy")
	}
	run := <-a.Trigger(ctx, batch.Request{Trigger: batch.TriggerAPI, Count: 2})
	if run.Trigger != batch.TriggerAPI || run.SuccessCount != 2 {
		t.Fatalf("run = %+v", run)
	}
	runs, err := a.Runs(ctx, 5)
	if err != nil || len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("Runs = %v, %v", runs, err)
	}
	rep, err := a.Report(ctx)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r, ok := rep.(Report); !ok || r.LastRun == nil || len(r.Tasks) == 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestOwnerStatusKeepsLiveQuota(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "file", "")
	a := newTestApp(t, path, false)
	ctx := context.Background()
	a.start(ctx)
	defer a.Stop(ctx, StopSignal)

	run := <-a.Trigger(ctx, batch.Request{Trigger: batch.TriggerAPI, Count: 3})
	if run.SuccessCount != 3 {
		t.Fatalf("run = %+v", run)
	}

	// a stale snapshot on disk must not roll back the owner's counters
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(filepath.Dir(path), "data")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()
	if err := st.SaveQuota(ctx, quota.State{}); err != nil {
		t.Fatalf("SaveQuota: %v", err)
	}

	rep, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if rep.Quota.DailyCount != 3 {
		t.Fatalf("daily count = %d, want 3", rep.Quota.DailyCount)
	}
}

func TestReloadValidationAndApply(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, writeConfig(t, "none", ""), false)
	defer a.Stop(context.Background(), StopSignal)

	changed := *a.cfg
	changed.Schedule.Times = []string{"10:00"}
	if err := a.validateReload(context.Background(), &changed); err == nil {
		t.Fatal("schedule change accepted")
	}

	next := *a.cfg
	next.Quota.MaxDaily = 50
	next.Batch.DefaultBatchSize = 1
	if err := a.validateReload(context.Background(), &next); err != nil {
		t.Fatalf("validateReload: %v", err)
	}
	events, unsub := a.bus.Subscribe(4)
	defer unsub()
	a.applyConfig(a.cfg, &next)
	select {
	case e := <-events:
		if e.Type != eventbus.TypeConfigApplied {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("config.applied not published")
	}
	if got := a.quota.Snapshot().DailyLimit; got != 50 {
		t.Fatalf("daily limit = %d", got)
	}
	run := a.coord.Run(context.Background(), batch.Request{Trigger: batch.TriggerManual})
	if run.RequestedCount != 1 {
		t.Fatalf("requested = %d, want reloaded default 1", run.RequestedCount)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"once", ModeOnce, false},
		{"scheduled", ModeSchedule, false},
		{"daemon", ModeDaemon, false},
		{"status", ModeStatus, false},
		{"forever", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Fatalf("ParseMode(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, writeConfig(t, "none", "decision:\n  driver: static\n"), false)
	run := a.RunOnce(context.Background())

	var buf bytes.Buffer
	RenderRun(&buf, run)
	out := strings.ToLower(buf.String())
	for _, want := range []string{strings.ToLower(run.ID), "tiktok", "3 ok / 0 failed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("RenderRun missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	RenderReport(&buf, Report{Now: run.StartedAt, Policy: "times 09:00 UTC", LastRun: &run})
	if !strings.Contains(strings.ToLower(buf.String()), "quota") || !strings.Contains(buf.String(), run.ID) {
		t.Fatalf("RenderReport:\n%s", buf.String())
	}

	buf.Reset()
	if err := PrintJSON(&buf, run); err != nil || !strings.Contains(buf.String(), `"id": "`+run.ID+`"`) {
		t.Fatalf("PrintJSON = %v:\n%s", err, buf.String())
	}
}
