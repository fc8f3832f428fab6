package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"antigravity/internal/eventbus"
	"antigravity/internal/quota"
	logx "antigravity/pkg/logx"
)

// Config holds the coordinator knobs that may change on reload.
type Config struct {
	MaxBatchSize int
	Platforms    []string
	Niche        string
	// Concurrency bounds parallel executor calls; values below 1 mean 1.
	Concurrency int
	// Cooldown is the minimum gap between two decided runs; 0 disables it.
	Cooldown    time.Duration
	ItemTimeout time.Duration
	HistorySize int
	// CancelInFlight propagates shutdown into running executor calls.
	CancelInFlight bool
}

// Request is one trigger. Count, Platforms and Niche override the
// decision-maker when set; Count is still clamped by quota.
type Request struct {
	Trigger   Trigger
	Count     int
	Platforms []string
	Niche     string
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }
func WithStore(s Store) Option          { return func(c *Coordinator) { c.store = s } }
func WithLocker(l Locker) Option        { return func(c *Coordinator) { c.locker = l } }
func WithBus(b eventbus.Bus) Option     { return func(c *Coordinator) { c.bus = b } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDFunc overrides run id generation.
func WithIDFunc(fn func(time.Time) string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

type Coordinator struct {
	quota   *quota.Tracker
	decider DecisionMaker
	exec    Executor
	store   Store
	locker  Locker
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time
	newID   func(time.Time) string

	// sem admits one active run; a channel so waiting honors ctx.
	sem chan struct{}

	mu        sync.Mutex
	cfg       Config
	history   []Run
	lastStart time.Time
	current   *Run
}

func New(cfg Config, q *quota.Tracker, dm DecisionMaker, ex Executor, opts ...Option) (*Coordinator, error) {
	if q == nil || dm == nil || ex == nil {
		return nil, errors.New("batch: quota, decision-maker and executor are required")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("batch: max batch size must be >= 1, got %d", cfg.MaxBatchSize)
	}
	if len(cfg.Platforms) == 0 {
		return nil, errors.New("batch: at least one platform is required")
	}
	c := &Coordinator{
		quota:   q,
		decider: dm,
		exec:    ex,
		now:     time.Now,
		newID:   NewRunID,
		sem:     make(chan struct{}, 1),
		cfg:     normalize(cfg),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c, nil
}

func normalize(cfg Config) Config {
	cfg.Concurrency = max(cfg.Concurrency, 1)
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	cfg.Platforms = append([]string(nil), cfg.Platforms...)
	return cfg
}

// NewRunID returns batch_YYYYMMDD_HHMMSS_<random>.
func NewRunID(t time.Time) string {
	return "batch_" + t.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

// Apply swaps the reloadable settings. A run in progress keeps the config it
// started with.
func (c *Coordinator) Apply(cfg Config) {
	if cfg.MaxBatchSize < 1 || len(cfg.Platforms) == 0 {
		c.log.Warn("batch config ignored", logx.Int("max_batch_size", cfg.MaxBatchSize), logx.Int("platforms", len(cfg.Platforms)))
		return
	}
	cfg = normalize(cfg)
	c.mu.Lock()
	c.cfg = cfg
	if over := len(c.history) - cfg.HistorySize; over > 0 {
		c.history = append([]Run(nil), c.history[over:]...)
	}
	c.mu.Unlock()
}

// Run executes one trigger end to end and returns its terminal record.
// It blocks while another run is active. If ctx ends before admission the
// run is Skipped; later cancellation is handled per phase.
func (c *Coordinator) Run(ctx context.Context, req Request) Run {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return c.rejected(req, "cancelled while waiting for the active run")
	}
	defer func() { <-c.sem }()

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx)
		if err != nil {
			return c.rejected(req, "run lock: "+err.Error())
		}
		defer unlock()
	}
	c.syncStore(ctx)

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	now := c.now()
	run := Run{
		ID:        c.newID(now),
		Trigger:   req.Trigger,
		Status:    StatusAdmitted,
		StartedAt: now,
		Items:     []ItemResult{},
	}
	log := c.log.With(logx.String("run_id", run.ID), logx.String("trigger", string(req.Trigger)))
	c.setCurrent(&run)
	c.publish(eventbus.TypeBatchStarted, run)

	c.admitAndRun(ctx, log, cfg, req, &run)
	return c.finish(ctx, log, &run)
}

func (c *Coordinator) admitAndRun(ctx context.Context, log logx.Logger, cfg Config, req Request, run *Run) {
	now := run.StartedAt

	c.mu.Lock()
	last := c.lastStart
	c.mu.Unlock()
	if cfg.Cooldown > 0 && !last.IsZero() && now.Sub(last) < cfg.Cooldown {
		run.Status = StatusSkipped
		run.Reason = fmt.Sprintf("cooldown: last run started %s ago (minimum %s)",
			now.Sub(last).Round(time.Second), cfg.Cooldown)
		return
	}
	if c.quota.IsQuietHours(now) {
		run.Status = StatusSkipped
		run.Reason = "quiet hours"
		return
	}
	run.MaxAllowed = c.quota.Admit(cfg.MaxBatchSize)
	if run.MaxAllowed == 0 {
		snap := c.quota.Snapshot()
		run.Status = StatusSkipped
		run.Reason = fmt.Sprintf("quota exhausted (daily %d/%d, hourly %d/%d)",
			snap.DailyCount, snap.DailyLimit, snap.HourlyCount, snap.HourlyLimit)
		return
	}

	platforms := firstNonEmpty(req.Platforms, cfg.Platforms)
	niche := firstString(req.Niche, cfg.Niche)

	c.transition(run, StatusDeciding)
	c.mu.Lock()
	c.lastStart = now
	c.mu.Unlock()

	dec, err := c.decider.Decide(ctx, DecisionRequest{
		Platforms:     platforms,
		Niche:         niche,
		MaxAllowed:    run.MaxAllowed,
		RecentHistory: c.RecentHistory(10),
		Now:           now,
	})
	if err == nil {
		err = checkDecision(dec, cfg.MaxBatchSize)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		run.Status = StatusFailed
		run.Reason = "decision: " + err.Error()
		log.Warn("decision failed", logx.Err(err))
		return
	}
	run.Decision = &DecisionRecord{
		Proceed:        dec.Proceed,
		RequestedCount: dec.RequestedCount,
		Platforms:      append([]string(nil), dec.Platforms...),
		Niche:          dec.Niche,
		Reasoning:      dec.Reasoning,
	}
	if !dec.Proceed {
		run.Status = StatusVetoed
		run.Reason = firstString(dec.Reasoning, "declined by decision-maker")
		return
	}

	count := dec.RequestedCount
	if req.Count > 0 {
		count = req.Count
	}
	run.RequestedCount = min(count, run.MaxAllowed)
	if len(req.Platforms) == 0 {
		platforms = firstNonEmpty(dec.Platforms, platforms)
	}
	if req.Niche == "" {
		niche = firstString(dec.Niche, niche)
	}

	log.Debug("executing batch",
		logx.Int("effective_count", run.RequestedCount),
		logx.Int("max_allowed", run.MaxAllowed),
		logx.Strings("platforms", platforms),
	)
	c.transition(run, StatusExecuting)
	c.execute(ctx, log, cfg, run, Plan(run.ID, run.RequestedCount, platforms, niche))
	run.Status = Classify(run.Items)
	switch {
	case run.Interrupted:
		run.Reason = "shutdown before all items were dispatched"
	case run.Status == StatusFailed:
		run.Reason = fmt.Sprintf("all %d items failed", len(run.Items))
	}
}

func checkDecision(d Decision, maxBatchSize int) error {
	if d.RequestedCount < 0 || d.RequestedCount > maxBatchSize {
		return fmt.Errorf("%w: requested_count %d outside [0, %d]", ErrMalformedDecision, d.RequestedCount, maxBatchSize)
	}
	if d.Proceed && d.RequestedCount == 0 {
		return fmt.Errorf("%w: proceed with requested_count 0", ErrMalformedDecision)
	}
	return nil
}

// finish records successes against quota, persists and reports the run.
func (c *Coordinator) finish(ctx context.Context, log logx.Logger, run *Run) Run {
	run.FinishedAt = c.now()
	run.tally()

	if run.SuccessCount > 0 {
		c.quota.Record(run.SuccessCount)
	}

	if c.store != nil {
		// persistence must survive shutdown of the caller
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := c.store.AppendRun(pctx, *run); err != nil {
			log.Error("persist run failed", logx.Err(err))
		}
		if err := c.store.SaveQuota(pctx, c.quota.State()); err != nil {
			log.Error("persist quota failed", logx.Err(err))
		}
		cancel()
	}

	// current stays set until the run and quota are persisted
	c.mu.Lock()
	c.history = append(c.history, *run)
	if over := len(c.history) - c.cfg.HistorySize; over > 0 {
		c.history = append([]Run(nil), c.history[over:]...)
	}
	c.current = nil
	c.mu.Unlock()

	log.Info("batch run finished",
		logx.String("status", string(run.Status)),
		logx.String("reason", run.Reason),
		logx.Int("max_allowed", run.MaxAllowed),
		logx.Int("requested", run.RequestedCount),
		logx.Int("succeeded", run.SuccessCount),
		logx.Int("failed", run.FailedCount),
		logx.Int("skipped", run.SkippedCount),
		logx.Duration("duration", run.Duration()),
		logx.Any("decision", run.Decision),
		logx.Any("items", run.Items),
	)
	log.Info(SummaryLine(*run))
	c.publish(eventbus.TypeBatchFinished, *run)
	return *run
}

// rejected reports a run that never got admitted because the caller gave
// up waiting for the run slot or lock. It is not persisted.
func (c *Coordinator) rejected(req Request, reason string) Run {
	now := c.now()
	run := Run{
		ID:         c.newID(now),
		Trigger:    req.Trigger,
		Status:     StatusSkipped,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
		Items:      []ItemResult{},
	}
	c.log.Warn("batch run not admitted", logx.String("run_id", run.ID), logx.String("reason", reason))
	return run
}

// syncStore reloads quota and history persisted by any process sharing the
// store. It runs under the run lock.
func (c *Coordinator) syncStore(ctx context.Context) {
	if c.store == nil {
		return
	}
	st, ok, err := c.store.LoadQuota(ctx)
	if err != nil {
		c.log.Warn("load quota failed; using in-memory counters", logx.Err(err))
	} else if ok {
		c.quota.Restore(st)
	}

	c.mu.Lock()
	n := c.cfg.HistorySize
	c.mu.Unlock()
	runs, err := c.store.RecentRuns(ctx, n)
	if err != nil {
		c.log.Warn("load run history failed; using in-memory history", logx.Err(err))
		return
	}
	c.resync(runs)
}

func (c *Coordinator) transition(run *Run, st Status) {
	run.Status = st
	c.setCurrent(run)
}

func (c *Coordinator) setCurrent(run *Run) {
	cp := *run
	cp.Items = nil
	c.mu.Lock()
	c.current = &cp
	c.mu.Unlock()
}

// Current returns the active run header, if any.
func (c *Coordinator) Current() (Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Run{}, false
	}
	return *c.current, true
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: data})
	}
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return append([]string(nil), l...)
		}
	}
	return nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
