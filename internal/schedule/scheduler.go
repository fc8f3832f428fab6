package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "antigravity/pkg/logx"
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StateFiring
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var ErrNoNextTrigger = errors.New("schedule has no future trigger")

// FireFunc handles one trigger. at is the armed instant.
type FireFunc func(ctx context.Context, at time.Time)

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Policy    string    `json:"policy"`
	State     string    `json:"state"`
	Next      time.Time `json:"next,omitempty"`
	LastFired time.Time `json:"last_fired,omitempty"`
	Fired     uint64    `json:"fired"`
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxSleep caps a single wait slice; the wall clock is re-read after
// each slice so clock jumps are noticed.
func WithMaxSleep(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxSleep = d
		}
	}
}

// WithLastFired seeds the last firing, e.g. from the last persisted run.
func WithLastFired(t time.Time) Option { return func(s *Scheduler) { s.lastFired = t } }

type Scheduler struct {
	policy   *Policy
	log      logx.Logger
	now      func() time.Time
	maxSleep time.Duration

	mu        sync.Mutex
	state     State
	next      time.Time
	lastFired time.Time
	fired     uint64
	running   bool
}

func New(p *Policy, opts ...Option) (*Scheduler, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	s := &Scheduler{policy: p, now: time.Now, maxSleep: time.Minute}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	// An unschedulable policy must fail before the loop starts.
	if s.policy.Next(s.now(), s.lastFired).IsZero() {
		return nil, ErrNoNextTrigger
	}
	return s, nil
}

func (s *Scheduler) Policy() *Policy { return s.policy }

// Run arms, waits and fires until ctx is done. A firing in progress is never
// interrupted: Run returns only after the callback returns. Run may be
// called once.
func (s *Scheduler) Run(ctx context.Context, fn FireFunc) error {
	s.mu.Lock()
	if s.running || s.state == StateStopped {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()
	defer s.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}
		at, err := s.arm()
		if err != nil {
			return err
		}
		s.log.Debug("trigger armed", logx.Time("next", at), logx.Duration("in", at.Sub(s.now())))

		if !s.waitUntil(ctx, at) {
			s.log.Debug("scheduler stopped while armed")
			return nil
		}

		s.mu.Lock()
		s.state = StateFiring
		s.lastFired = at
		s.fired++
		s.mu.Unlock()

		s.log.Info("trigger fired", logx.Time("at", at))
		fn(ctx, at)
	}
}

// arm computes the next instant from max(now, lastFired), so a backward
// clock jump can never repeat an instant already fired.
func (s *Scheduler) arm() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.now()
	if ref.Before(s.lastFired) {
		ref = s.lastFired
	}
	next := s.policy.Next(ref, s.lastFired)
	if next.IsZero() {
		return time.Time{}, ErrNoNextTrigger
	}
	s.state = StateArmed
	s.next = next
	return next, nil
}

// waitUntil sleeps in slices of at most maxSleep until the wall clock
// reaches at. It returns false if ctx ends first.
func (s *Scheduler) waitUntil(ctx context.Context, at time.Time) bool {
	for {
		d := at.Sub(s.now())
		if d <= 0 {
			return true
		}
		if d > s.maxSleep {
			d = s.maxSleep
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st == StateStopped {
		s.next = time.Time{}
	}
	s.mu.Unlock()
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextAt is the armed instant, zero unless the scheduler is armed or firing.
func (s *Scheduler) NextAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Policy:    s.policy.String(),
		State:     s.state.String(),
		Next:      s.next,
		LastFired: s.lastFired,
		Fired:     s.fired,
	}
}

// Preview lists the next n instants from now.
func (s *Scheduler) Preview(n int) []time.Time {
	s.mu.Lock()
	last := s.lastFired
	s.mu.Unlock()
	ref := s.now()
	if ref.Before(last) {
		ref = last
	}
	return s.policy.Preview(ref, last, n)
}
