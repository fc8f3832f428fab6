package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"antigravity/internal/eventbus"
	"antigravity/internal/quota"
)

type fakeDecider struct {
	dec   Decision
	err   error
	block bool
	calls atomic.Int32
	last  DecisionRequest
	mu    sync.Mutex
}

func (f *fakeDecider) Decide(ctx context.Context, req DecisionRequest) (Decision, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}
	return f.dec, f.err
}

// fakeExecutor fails the item indexes listed in fail.
type fakeExecutor struct {
	fail   map[int]bool
	panics map[int]bool
	delay  time.Duration
	calls  atomic.Int32

	mu       sync.Mutex
	active   int
	maxSeen  int
	requests []ItemRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, req ItemRequest) (ItemResponse, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.active++
	f.maxSeen = max(f.maxSeen, f.active)
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ItemResponse{}, ctx.Err()
		}
	}
	if f.panics[req.Index] {
		panic("boom")
	}
	if f.fail[req.Index] {
		return ItemResponse{Success: false, Error: "render failed"}, nil
	}
	return ItemResponse{Success: true, ArtifactID: fmt.Sprintf("a-%d", req.Index)}, nil
}

var noon = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, dec *fakeDecider, ex *fakeExecutor, cfg Config, qopts ...quota.Option) (*Coordinator, *quota.Tracker) {
	t.Helper()
	clock := func() time.Time { return noon }
	q := quota.New(quota.Limits{MaxDaily: 20, MaxHourly: 8}, time.UTC, append([]quota.Option{quota.WithClock(clock)}, qopts...)...)
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 5
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = []string{"tiktok", "instagram"}
	}
	c, err := New(cfg, q, dec, ex, WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, q
}

func proceed(n int) *fakeDecider {
	return &fakeDecider{dec: Decision{Proceed: true, RequestedCount: n, Reasoning: "ok"}}
}

func TestRunScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		dec         *fakeDecider
		ex          *fakeExecutor
		quiet       bool
		wantStatus  Status
		wantItems   int
		wantQuota   int
		wantDecides int32
	}{
		{
			name:        "a all succeed",
			dec:         proceed(3),
			ex:          &fakeExecutor{},
			wantStatus:  StatusCompleted,
			wantItems:   3,
			wantQuota:   3,
			wantDecides: 1,
		},
		{
			name:        "b mixed outcomes",
			dec:         proceed(3),
			ex:          &fakeExecutor{fail: map[int]bool{1: true}},
			wantStatus:  StatusPartialFailure,
			wantItems:   3,
			wantQuota:   2,
			wantDecides: 1,
		},
		{
			name:        "c vetoed",
			dec:         &fakeDecider{dec: Decision{Proceed: false, Reasoning: "low engagement"}},
			ex:          &fakeExecutor{},
			wantStatus:  StatusVetoed,
			wantDecides: 1,
		},
		{
			name:       "d quiet hours",
			dec:        proceed(3),
			ex:         &fakeExecutor{},
			quiet:      true,
			wantStatus: StatusSkipped,
		},
		{
			name:        "e decision error",
			dec:         &fakeDecider{err: errors.New("deadline exceeded")},
			ex:          &fakeExecutor{},
			wantStatus:  StatusFailed,
			wantDecides: 1,
		},
		{
			name:        "all items fail",
			dec:         proceed(2),
			ex:          &fakeExecutor{fail: map[int]bool{0: true, 1: true}},
			wantStatus:  StatusFailed,
			wantItems:   2,
			wantDecides: 1,
		},
		{
			name:        "malformed decision",
			dec:         proceed(9),
			ex:          &fakeExecutor{},
			wantStatus:  StatusFailed,
			wantDecides: 1,
		},
		{
			name:        "proceed without count",
			dec:         proceed(0),
			ex:          &fakeExecutor{},
			wantStatus:  StatusFailed,
			wantDecides: 1,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var qopts []quota.Option
			if tt.quiet {
				qopts = append(qopts, quota.WithQuietHours(quota.QuietHours{Start: 11 * time.Hour, End: 13 * time.Hour}))
			}
			c, q := newFixture(t, tt.dec, tt.ex, Config{}, qopts...)
			before := q.State()

			run := c.Run(context.Background(), Request{Trigger: TriggerScheduled})
			if run.Status != tt.wantStatus {
				t.Fatalf("status = %s (%s), want %s", run.Status, run.Reason, tt.wantStatus)
			}
			if len(run.Items) != tt.wantItems {
				t.Fatalf("items = %d, want %d", len(run.Items), tt.wantItems)
			}
			if len(run.Items) > run.RequestedCount {
				t.Fatalf("items %d exceed requested %d", len(run.Items), run.RequestedCount)
			}
			if got := tt.dec.calls.Load(); got != tt.wantDecides {
				t.Fatalf("decision calls = %d, want %d", got, tt.wantDecides)
			}
			if got := q.State().DailyCount; got != tt.wantQuota {
				t.Fatalf("daily quota = %d, want %d", got, tt.wantQuota)
			}
			if tt.wantQuota == 0 && q.State() != before {
				t.Fatalf("quota state changed: %+v -> %+v", before, q.State())
			}
			if tt.wantStatus != StatusCompleted && tt.wantStatus != StatusPartialFailure && run.Reason == "" {
				t.Fatal("expected a reason")
			}
			if !run.Status.Terminal() || run.FinishedAt.IsZero() {
				t.Fatalf("run not terminal: %+v", run)
			}
		})
	}
}

func TestManualCountClampedByQuota(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{}
	c, q := newFixture(t, proceed(3), ex, Config{})
	q.Apply(quota.Limits{MaxDaily: 20, MaxHourly: 2}, quota.QuietHours{})

	run := c.Run(context.Background(), Request{Trigger: TriggerManual, Count: 5})
	if run.MaxAllowed != 2 || run.RequestedCount != 2 {
		t.Fatalf("max_allowed=%d requested=%d, want 2/2", run.MaxAllowed, run.RequestedCount)
	}
	if got := ex.calls.Load(); got != 2 {
		t.Fatalf("executor calls = %d, want 2", got)
	}
}

func TestManualOverridesPlatformsAndNiche(t *testing.T) {
	t.Parallel()
	dec := &fakeDecider{dec: Decision{Proceed: true, RequestedCount: 3, Platforms: []string{"instagram"}, Niche: "cooking"}}
	ex := &fakeExecutor{}
	c, _ := newFixture(t, dec, ex, Config{})

	run := c.Run(context.Background(), Request{Count: 3, Platforms: []string{"youtube_shorts", "tiktok"}, Niche: "fitness"})
	want := []string{"youtube_shorts", "tiktok", "youtube_shorts"}
	for i, it := range run.Items {
		if it.Platform != want[i] || it.Niche != "fitness" {
			t.Fatalf("item %d = %s/%s", i, it.Platform, it.Niche)
		}
	}
	if dec.last.Niche != "fitness" || len(dec.last.Platforms) != 2 {
		t.Fatalf("decision request = %+v", dec.last)
	}
}

func TestDecisionPlatformsUsedWithoutOverride(t *testing.T) {
	t.Parallel()
	dec := &fakeDecider{dec: Decision{Proceed: true, RequestedCount: 2, Platforms: []string{"instagram"}}}
	c, _ := newFixture(t, dec, &fakeExecutor{}, Config{})
	run := c.Run(context.Background(), Request{Trigger: TriggerScheduled})
	for _, it := range run.Items {
		if it.Platform != "instagram" {
			t.Fatalf("platform = %s, want instagram", it.Platform)
		}
	}
}

func TestQuotaExhaustedSkipsWithoutDecision(t *testing.T) {
	t.Parallel()
	dec := proceed(3)
	c, q := newFixture(t, dec, &fakeExecutor{}, Config{})
	q.Record(8)
	run := c.Run(context.Background(), Request{Trigger: TriggerScheduled})
	if run.Status != StatusSkipped || dec.calls.Load() != 0 {
		t.Fatalf("status=%s decides=%d", run.Status, dec.calls.Load())
	}
}

func TestCooldown(t *testing.T) {
	t.Parallel()
	dec := proceed(1)
	c, _ := newFixture(t, dec, &fakeExecutor{}, Config{Cooldown: 5 * time.Minute})
	if r := c.Run(context.Background(), Request{}); r.Status != StatusCompleted {
		t.Fatalf("first run = %s", r.Status)
	}
	r := c.Run(context.Background(), Request{})
	if r.Status != StatusSkipped || dec.calls.Load() != 1 {
		t.Fatalf("second run = %s, decides = %d", r.Status, dec.calls.Load())
	}
}

func TestExecutorPanicIsItemFailure(t *testing.T) {
	t.Parallel()
	c, q := newFixture(t, proceed(3), &fakeExecutor{panics: map[int]bool{0: true}}, Config{})
	run := c.Run(context.Background(), Request{})
	if run.Status != StatusPartialFailure {
		t.Fatalf("status = %s", run.Status)
	}
	if run.Items[0].Outcome != OutcomeFailure || run.Items[0].Error == "" {
		t.Fatalf("item 0 = %+v", run.Items[0])
	}
	if q.State().DailyCount != 2 {
		t.Fatalf("quota = %d, want 2", q.State().DailyCount)
	}
}

func TestConcurrencyBoundAndDispatchOrder(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{delay: 10 * time.Millisecond}
	c, _ := newFixture(t, proceed(5), ex, Config{Concurrency: 2})
	run := c.Run(context.Background(), Request{})
	if run.Status != StatusCompleted || len(run.Items) != 5 {
		t.Fatalf("run = %s items=%d", run.Status, len(run.Items))
	}
	if ex.maxSeen > 2 {
		t.Fatalf("max concurrent executor calls = %d, want <= 2", ex.maxSeen)
	}
	for i, it := range run.Items {
		if it.Index != i {
			t.Fatalf("items[%d].Index = %d", i, it.Index)
		}
	}
}

func TestShutdownLetsCurrentItemFinish(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{delay: 40 * time.Millisecond}
	c, q := newFixture(t, proceed(4), ex, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	run := c.Run(ctx, Request{})
	if len(run.Items) != 1 || run.Items[0].Outcome != OutcomeSuccess {
		t.Fatalf("items = %+v, want the in-flight item to complete", run.Items)
	}
	if !run.Interrupted || run.SkippedCount != 3 {
		t.Fatalf("interrupted=%v skipped=%d", run.Interrupted, run.SkippedCount)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("status = %s", run.Status)
	}
	if q.State().DailyCount != 1 {
		t.Fatalf("quota = %d, want 1", q.State().DailyCount)
	}
}

func TestShutdownCancelsInFlightWhenConfigured(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{delay: time.Second}
	c, _ := newFixture(t, proceed(2), ex, Config{CancelInFlight: true})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	run := c.Run(ctx, Request{})
	if len(run.Items) != 1 || run.Items[0].Error != "cancelled" {
		t.Fatalf("items = %+v", run.Items)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
}

func TestDecisionCancelledOnShutdown(t *testing.T) {
	t.Parallel()
	dec := &fakeDecider{block: true}
	c, _ := newFixture(t, dec, &fakeExecutor{}, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	run := c.Run(ctx, Request{})
	if run.Status != StatusFailed || len(run.Items) != 0 {
		t.Fatalf("run = %s items=%d", run.Status, len(run.Items))
	}
}

func TestRunsAreSerialized(t *testing.T) {
	t.Parallel()
	ex := &fakeExecutor{delay: 15 * time.Millisecond}
	c, _ := newFixture(t, proceed(2), ex, Config{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(context.Background(), Request{})
		}()
	}
	wg.Wait()
	if ex.maxSeen > 2 {
		t.Fatalf("executor saw %d concurrent calls across runs, want <= 2", ex.maxSeen)
	}
	if got := len(c.History(0)); got != 3 {
		t.Fatalf("history = %d, want 3", got)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	q := quota.New(quota.Limits{MaxDaily: 10, MaxHourly: 10}, time.UTC)
	c, err := New(Config{MaxBatchSize: 3, Platforms: []string{"tiktok"}}, q, proceed(2), &fakeExecutor{}, WithBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	c.Run(context.Background(), Request{})

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	want := []string{eventbus.TypeBatchStarted, eventbus.TypeBatchItem, eventbus.TypeBatchItem, eventbus.TypeBatchFinished}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

type memStore struct {
	mu    sync.Mutex
	runs  []Run
	quota quota.State
	saved bool
}

func (m *memStore) AppendRun(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) RecentRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Run(nil), m.runs...), nil
}

func (m *memStore) SaveQuota(_ context.Context, st quota.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quota, m.saved = st, true
	return nil
}

func (m *memStore) LoadQuota(context.Context) (quota.State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quota, m.saved, nil
}

func TestStorePersistsAndSyncsQuota(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	clock := func() time.Time { return noon }
	q := quota.New(quota.Limits{MaxDaily: 20, MaxHourly: 8}, time.UTC, quota.WithClock(clock))
	c, err := New(Config{MaxBatchSize: 5, Platforms: []string{"tiktok"}}, q, proceed(3), &fakeExecutor{}, WithStore(store), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	// another process already used 6 of the hourly 8
	store.quota = quota.State{DailyCount: 6, DailyWindowStart: time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), HourlyCount: 6, HourlyWindowStart: noon.Add(-time.Minute)}
	store.saved = true

	run := c.Run(context.Background(), Request{})
	if run.MaxAllowed != 2 || run.SuccessCount != 2 {
		t.Fatalf("max_allowed=%d success=%d, want 2/2", run.MaxAllowed, run.SuccessCount)
	}
	if len(store.runs) != 1 || store.runs[0].ID != run.ID {
		t.Fatalf("stored runs = %+v", store.runs)
	}
	if store.quota.HourlyCount != 8 {
		t.Fatalf("stored hourly = %d, want 8", store.quota.HourlyCount)
	}
}

func TestRunSeesOtherProcessHistory(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	clock := func() time.Time { return noon }
	q := quota.New(quota.Limits{MaxDaily: 20, MaxHourly: 8}, time.UTC, quota.WithClock(clock))
	c, err := New(Config{MaxBatchSize: 5, Platforms: []string{"tiktok"}, Cooldown: time.Hour}, q, proceed(1), &fakeExecutor{}, WithStore(store), WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	// another process finished a run ten minutes ago
	store.runs = []Run{{ID: "batch_other", Status: StatusCompleted, StartedAt: noon.Add(-10 * time.Minute), RequestedCount: 1, SuccessCount: 1}}

	run := c.Run(context.Background(), Request{})
	if run.Status != StatusSkipped || !strings.Contains(run.Reason, "cooldown") {
		t.Fatalf("run = %s (%s), want cooldown skip", run.Status, run.Reason)
	}
	if h := c.History(0); len(h) != 2 || h[0].ID != "batch_other" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDecisionFaultCountsOneFailure(t *testing.T) {
	t.Parallel()
	c, _ := newFixture(t, &fakeDecider{err: errors.New("agent unreachable")}, &fakeExecutor{}, Config{})
	run := c.Run(context.Background(), Request{})
	if run.Status != StatusFailed || run.FailedCount != 1 || len(run.Items) != 0 || run.RequestedCount != 0 {
		t.Fatalf("run = %s failed=%d items=%d requested=%d", run.Status, run.FailedCount, len(run.Items), run.RequestedCount)
	}
	if !strings.Contains(SummaryLine(run), "agent unreachable") {
		t.Fatalf("summary = %q", SummaryLine(run))
	}
	if p := Measure([]Summary{run.Summary()}); p.Runs != 0 {
		t.Fatalf("decision fault counted as executed: %+v", p)
	}
}

// checkingStore reports whether the coordinator still shows the run as
// active while it is being persisted.
type checkingStore struct {
	memStore
	c          *Coordinator
	activeSeen atomic.Bool
}

func (s *checkingStore) AppendRun(ctx context.Context, r Run) error {
	if cur, ok := s.c.Current(); ok && cur.ID == r.ID {
		s.activeSeen.Store(true)
	}
	return s.memStore.AppendRun(ctx, r)
}

func TestRunStaysCurrentUntilPersisted(t *testing.T) {
	t.Parallel()
	store := &checkingStore{}
	q := quota.New(quota.Limits{MaxDaily: 20, MaxHourly: 8}, time.UTC)
	c, err := New(Config{MaxBatchSize: 5, Platforms: []string{"tiktok"}}, q, proceed(3), &fakeExecutor{}, WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	store.c = c

	run := c.Run(context.Background(), Request{})
	if !store.activeSeen.Load() {
		t.Fatal("run was no longer current while being persisted")
	}
	if _, ok := c.Current(); ok {
		t.Fatal("run still current after Run returned")
	}
	if store.quota.DailyCount != run.SuccessCount {
		t.Fatalf("persisted daily = %d, want %d", store.quota.DailyCount, run.SuccessCount)
	}
}

func TestSeedAndRecentHistory(t *testing.T) {
	t.Parallel()
	dec := proceed(1)
	c, _ := newFixture(t, dec, &fakeExecutor{}, Config{HistorySize: 3, Cooldown: time.Hour})
	c.Seed([]Run{
		{ID: "r1", Status: StatusCompleted, StartedAt: noon.Add(-3 * time.Hour), RequestedCount: 2, SuccessCount: 2},
		{ID: "r2", Status: StatusPartialFailure, StartedAt: noon.Add(-2 * time.Hour), RequestedCount: 2, SuccessCount: 1, FailedCount: 1},
		{ID: "r3", Status: StatusCompleted, StartedAt: noon.Add(-30 * time.Minute), RequestedCount: 1, SuccessCount: 1},
		{ID: "r4", Status: StatusSkipped, StartedAt: noon.Add(-time.Minute)},
	})
	h := c.RecentHistory(10)
	if len(h) != 3 || h[0].ID != "r2" || h[2].ID != "r4" {
		t.Fatalf("history = %+v", h)
	}
	// r3 started 30m ago and the cooldown is 1h
	if r := c.Run(context.Background(), Request{}); r.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped by cooldown", r.Status)
	}

	p := Measure(h)
	if p.Runs != 2 || p.Attempted != 3 || p.Succeeded != 2 {
		t.Fatalf("performance = %+v", p)
	}
}

func TestPlanRoundRobin(t *testing.T) {
	t.Parallel()
	plan := Plan("r", 5, []string{"a", "b"}, "n")
	got := ""
	for _, it := range plan {
		got += it.Platform
	}
	if got != "ababa" {
		t.Fatalf("plan = %s", got)
	}
	if Plan("r", 0, []string{"a"}, "") != nil {
		t.Fatal("zero count should produce no plan")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	s := func(o ...Outcome) []ItemResult {
		out := make([]ItemResult, len(o))
		for i := range o {
			out[i].Outcome = o[i]
		}
		return out
	}
	tests := []struct {
		items []ItemResult
		want  Status
	}{
		{s(OutcomeSuccess, OutcomeSuccess, OutcomeSuccess), StatusCompleted},
		{s(OutcomeSuccess, OutcomeFailure, OutcomeSuccess), StatusPartialFailure},
		{s(OutcomeFailure, OutcomeFailure), StatusFailed},
		{nil, StatusFailed},
	}
	for i, tt := range tests {
		if got := Classify(tt.items); got != tt.want {
			t.Fatalf("case %d: Classify = %s, want %s", i, got, tt.want)
		}
	}
}

func TestSummaryAndExitCode(t *testing.T) {
	t.Parallel()
	r := Run{ID: "batch_x", Status: StatusPartialFailure, RequestedCount: 3, SuccessCount: 2, FailedCount: 1,
		StartedAt: noon, FinishedAt: noon.Add(1500 * time.Millisecond)}
	if got := SummaryLine(r); got != "batch_x partial_failure: 2/3 succeeded, 1 failed, 0 not attempted in 1.5s" {
		t.Fatalf("SummaryLine = %q", got)
	}
	if ExitCode(r) != 0 || ExitCode(Run{Status: StatusFailed}) != 1 || ExitCode(Run{Status: StatusSkipped}) != 0 {
		t.Fatal("unexpected exit codes")
	}
}
