package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"antigravity/internal/config"
)

func mustTimes(t *testing.T, loc *time.Location, times ...string) *Policy {
	t.Helper()
	p, err := NewTimesPolicy(times, loc)
	if err != nil {
		t.Fatalf("NewTimesPolicy: %v", err)
	}
	return p
}

func TestParsePolicyKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.ScheduleConfig
		kind Kind
	}{
		{"times", config.ScheduleConfig{Times: []string{"21:00", "09:00", "09:00"}}, KindTimes},
		{"interval", config.ScheduleConfig{Interval: "6h"}, KindInterval},
		{"cron", config.ScheduleConfig{Cron: "*/15 * * * *", Timezone: "Europe/Berlin"}, KindCron},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := ParsePolicy(tt.cfg)
			if err != nil {
				t.Fatalf("ParsePolicy error: %v", err)
			}
			if p.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", p.Kind, tt.kind)
			}
		})
	}

	p, _ := ParsePolicy(config.ScheduleConfig{Times: []string{"21:00", "9:00", "09:00"}})
	if len(p.Times) != 2 || p.Times[0] != "09:00" || p.Times[1] != "21:00" {
		t.Fatalf("Times = %v, want sorted unique", p.Times)
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	t.Parallel()
	bad := []config.ScheduleConfig{
		{},
		{Times: []string{"09:00"}, Interval: "1h"},
		{Times: []string{"9am"}},
		{Interval: "-1h"},
		{Interval: "soon"},
		{Cron: "not a cron"},
		{Times: []string{"09:00"}, Timezone: "Nowhere/Land"},
	}
	for _, cfg := range bad {
		if _, err := ParsePolicy(cfg); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("ParsePolicy(%+v) err = %v, want ErrInvalidPolicy", cfg, err)
		}
	}
}

func TestTimesNext(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	p := mustTimes(t, loc, "09:00", "15:00", "21:00")
	at := func(d, h, m int) time.Time { return time.Date(2026, 5, d, h, m, 0, 0, loc) }

	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{at(1, 8, 0), at(1, 9, 0)},
		{at(1, 9, 0), at(1, 15, 0)},
		{at(1, 14, 59), at(1, 15, 0)},
		{at(1, 21, 30), at(2, 9, 0)},
		{at(1, 23, 59), at(2, 9, 0)},
	}
	for _, tt := range tests {
		if got := p.Next(tt.after, time.Time{}); !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.after, got, tt.want)
		}
	}

	// Evaluated in the policy timezone, not the caller's.
	utc := at(1, 8, 0).UTC()
	if got := p.Next(utc, time.Time{}); !got.Equal(at(1, 9, 0)) {
		t.Fatalf("Next(UTC input) = %v, want %v", got, at(1, 9, 0))
	}
}

func TestIntervalNext(t *testing.T) {
	t.Parallel()
	p, err := NewIntervalPolicy(6*time.Hour, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := p.Next(now, time.Time{}); !got.Equal(now) {
		t.Fatalf("never fired: Next = %v, want now", got)
	}
	last := now.Add(-time.Hour)
	if got := p.Next(now, last); !got.Equal(last.Add(6 * time.Hour)) {
		t.Fatalf("Next = %v, want last+6h", got)
	}
	stale := now.Add(-10 * time.Hour)
	if got := p.Next(now, stale); !got.Equal(now) {
		t.Fatalf("overdue: Next = %v, want now", got)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	p := mustTimes(t, time.UTC, "09:00", "21:00")
	from := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	got := p.Preview(from, time.Time{}, 3)
	want := []time.Time{
		time.Date(2026, 5, 1, 21, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 2, 21, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("Preview len = %d", len(got))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Preview[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSchedulerNoOverlap(t *testing.T) {
	t.Parallel()
	p, _ := NewIntervalPolicy(5*time.Millisecond, time.UTC)
	s, err := New(p, WithMaxSleep(2*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	var active, maxActive, fires int32
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = s.Run(ctx, func(context.Context, time.Time) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		if s.State() != StateFiring {
			t.Errorf("state during callback = %v", s.State())
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&fires, 1)
		atomic.AddInt32(&active, -1)
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if maxActive != 1 {
		t.Fatalf("max concurrent firings = %d, want 1", maxActive)
	}
	if fires < 2 {
		t.Fatalf("fires = %d, want >= 2", fires)
	}
	if s.State() != StateStopped {
		t.Fatalf("final state = %v", s.State())
	}
}

func TestSchedulerStopWaitsForFiring(t *testing.T) {
	t.Parallel()
	p, _ := NewIntervalPolicy(time.Hour, time.UTC)
	s, _ := New(p)

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) {
			atomic.AddInt32(&calls, 1)
			close(entered)
			<-release
		})
	}()

	<-entered
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a firing was in progress")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after the firing completed")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSchedulerStopWhileArmed(t *testing.T) {
	t.Parallel()
	p := mustTimes(t, time.UTC, "03:00")
	s, _ := New(p, WithLastFired(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, func(context.Context, time.Time) { t.Error("unexpected firing") }) }()

	deadline := time.Now().Add(time.Second)
	for s.State() != StateArmed && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if next := s.NextAt(); next.Hour() != 3 || next.Minute() != 0 {
		t.Fatalf("armed for %v, want 03:00", next)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if s.State() != StateStopped || !s.NextAt().IsZero() {
		t.Fatalf("state = %v next = %v, want stopped with no next", s.State(), s.NextAt())
	}
}

// clock is a settable wall clock shared with the scheduler.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestSchedulerBackwardClockJumpDoesNotRefire(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 8, 59, 59, 0, time.UTC)
	clk := &clock{t: base}
	p := mustTimes(t, time.UTC, "09:00", "15:00")
	s, _ := New(p, WithClock(clk.Now), WithMaxSleep(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan time.Time, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, at time.Time) {
			fired <- at
			// the clock jumps back across the instant just fired
			clk.Set(base)
		})
	}()

	for s.State() != StateArmed {
		time.Sleep(time.Millisecond)
	}
	clk.Set(base.Add(2 * time.Second))
	select {
	case at := <-fired:
		if at.Hour() != 9 {
			t.Fatalf("first firing = %v", at)
		}
	case <-time.After(time.Second):
		t.Fatal("no firing")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap.State == StateArmed.String() {
			if snap.Next.Hour() != 15 {
				t.Fatalf("re-armed for %v, want 15:00", snap.Next)
			}
			break
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case at := <-fired:
		t.Fatalf("duplicate firing at %v", at)
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	<-done
}

func TestSchedulerForwardJumpFiresOnce(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := &clock{t: base}
	p := mustTimes(t, time.UTC, "09:00", "10:00", "11:00")
	s, _ := New(p, WithClock(clk.Now), WithMaxSleep(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fired := make(chan time.Time, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, at time.Time) { fired <- at })
	}()

	for s.State() != StateArmed {
		time.Sleep(time.Millisecond)
	}
	// jump past 09:00 and 10:00
	clk.Set(base.Add(2*time.Hour + 30*time.Minute))

	select {
	case at := <-fired:
		if at.Hour() != 9 {
			t.Fatalf("late firing = %v, want the armed 09:00", at)
		}
	case <-time.After(time.Second):
		t.Fatal("missed firing after forward jump")
	}
	select {
	case at := <-fired:
		t.Fatalf("coalesced extra firing at %v", at)
	case <-time.After(20 * time.Millisecond):
	}
	if next := s.Snapshot().Next; next.Hour() != 11 {
		t.Fatalf("next = %v, want 11:00", next)
	}
	cancel()
	<-done
}
