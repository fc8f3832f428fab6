package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"antigravity/internal/batch"
	"antigravity/internal/eventbus"
	rtsup "antigravity/internal/runtime/supervisor"
	logx "antigravity/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	runID string
	text  string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan job
	sup       *rtsup.Supervisor
	unsub     func()
	consumed  chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps filters, target and rate. Queue size takes effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to finished runs and starts the send worker. It is a
// no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	q := s.queue

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(16)
		done := make(chan struct{})
		s.unsub, s.consumed = unsub, done
		s.sup.Go("notifier.events", func(c context.Context) error {
			defer close(done)
			s.consume(c, events)
			return nil
		})
	}
	s.sup.GoRestart("notifier.worker", func(c context.Context) error {
		return s.workerLoop(c, q)
	})
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeBatchFinished {
				continue
			}
			run, ok := ev.Data.(batch.Run)
			if !ok {
				continue
			}
			if err := s.NotifyRun(ctx, run); err != nil && !errors.Is(err, errFiltered) {
				s.log.Warn("run notification not queued", logx.String("run_id", run.ID), logx.Err(err))
			}
		}
	}
}

var errFiltered = errors.New("status filtered")

// NotifyRun queues a summary of run if its status is selected.
func (s *Service) NotifyRun(ctx context.Context, run batch.Run) error {
	s.mu.Lock()
	on := s.cfg.On
	s.mu.Unlock()
	if len(on) > 0 && !slices.Contains(on, run.Status) {
		return errFiltered
	}
	return s.enqueue(ctx, job{runID: run.ID, text: Format(run)})
}

// Notify queues free text.
func (s *Service) Notify(ctx context.Context, text string) error {
	return s.enqueue(ctx, job{text: text})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		return ErrStopped
	}
	select {
	case s.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop stops intake and drains the queue until ctx is done. Events
// already published on the bus are queued before intake closes.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	unsub, consumed := s.unsub, s.consumed
	s.unsub, s.consumed = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		// closing the subscription lets consume finish the buffered events
		unsub()
		select {
		case <-consumed:
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(s.queue)
	s.queue = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("notifier drain incomplete", logx.Err(err))
		sup.Cancel()
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	to := Target{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, retryDelay(cfg.RetryBase, attempt)) {
				return
			}
		}
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = sender.Send(cctx, to, j.text)
		cancel()
		if lastErr == nil {
			s.appendHistory(HistoryItem{At: time.Now(), RunID: j.runID, Text: j.text})
			return
		}
		s.log.Debug("notify send failed", logx.Err(lastErr), logx.Int("attempt", attempt+1))
	}
	s.log.Warn("notification dropped after retries", logx.String("run_id", j.runID), logx.Err(lastErr))
	s.appendHistory(HistoryItem{At: time.Now(), RunID: j.runID, Text: j.text, Error: lastErr.Error()})
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	// jitter 0.7..1.3
	return time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

// Format renders a run for chat.
func Format(run batch.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", statusIcon(run.Status), batch.SummaryLine(run))
	if run.Decision != nil && run.Decision.Reasoning != "" {
		fmt.Fprintf(&b, "decision: %s\n", run.Decision.Reasoning)
	}
	shown := 0
	for _, it := range run.Items {
		if it.Outcome == batch.OutcomeSuccess {
			continue
		}
		if shown == 5 {
			b.WriteString("...\n")
			break
		}
		fmt.Fprintf(&b, "#%d %s: %s\n", it.Index, it.Platform, it.Error)
		shown++
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusIcon(st batch.Status) string {
	switch st {
	case batch.StatusCompleted:
		return "✅"
	case batch.StatusPartialFailure:
		return "⚠️"
	case batch.StatusFailed:
		return "❌"
	default:
		return "ℹ️"
	}
}
