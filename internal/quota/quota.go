package quota

import (
	"fmt"
	"sync"
	"time"
)

// Limits caps completions per calendar day and per hourly bucket.
type Limits struct {
	MaxDaily  int
	MaxHourly int
}

// QuietHours is a [Start, End) range of offsets from local midnight. It may
// wrap midnight. Start == End disables it.
type QuietHours struct {
	Start time.Duration
	End   time.Duration
}

func (q QuietHours) Enabled() bool { return q.Start != q.End }

// Contains reports whether the local time of day of t falls in the range.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	tod := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
	if q.Start < q.End {
		return tod >= q.Start && tod < q.End
	}
	return tod >= q.Start || tod < q.End
}

func (q QuietHours) String() string {
	if !q.Enabled() {
		return "off"
	}
	return clock(q.Start) + "-" + clock(q.End)
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// State is the persisted counter state. A zero window start means the window
// has not been opened yet.
type State struct {
	DailyCount        int       `json:"daily_count"`
	DailyWindowStart  time.Time `json:"daily_window_start"`
	HourlyCount       int       `json:"hourly_count"`
	HourlyWindowStart time.Time `json:"hourly_window_start"`
}

// Snapshot is a read-only view of the effective counters at a given instant.
type Snapshot struct {
	At              time.Time  `json:"at"`
	DailyCount      int        `json:"daily_count"`
	DailyLimit      int        `json:"daily_limit"`
	DailyRemaining  int        `json:"daily_remaining"`
	DailyResetAt    time.Time  `json:"daily_reset_at"`
	HourlyCount     int        `json:"hourly_count"`
	HourlyLimit     int        `json:"hourly_limit"`
	HourlyRemaining int        `json:"hourly_remaining"`
	HourlyResetAt   *time.Time `json:"hourly_reset_at,omitempty"`
	QuietHours      string     `json:"quiet_hours"`
	InQuietHours    bool       `json:"in_quiet_hours"`
}

type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithQuietHours sets the quiet-hours range.
func WithQuietHours(q QuietHours) Option {
	return func(t *Tracker) { t.quiet = q }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	limits Limits
	quiet  QuietHours
	loc    *time.Location
	now    func() time.Time
	state  State
}

// New returns a tracker with empty counters. A nil loc means UTC.
func New(limits Limits, loc *time.Location, opts ...Option) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	t := &Tracker{limits: limits, loc: loc, now: time.Now}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

// Admit returns min(candidate, remaining daily, remaining hourly), never
// below zero. Expired windows count as empty; state is not modified.
func (t *Tracker) Admit(candidate int) int {
	if candidate < 0 {
		panic(fmt.Sprintf("quota: negative candidate %d", candidate))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.rolled(t.now())
	allowed := min(candidate, t.limits.MaxDaily-s.DailyCount, t.limits.MaxHourly-s.HourlyCount)
	return max(allowed, 0)
}

// IsQuietHours reports whether now falls in the quiet-hours range, evaluated
// in the tracker's timezone.
func (t *Tracker) IsQuietHours(now time.Time) bool {
	t.mu.Lock()
	q := t.quiet
	t.mu.Unlock()
	return q.Contains(now.In(t.loc))
}

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.now() }

// Location returns the timezone windows are computed in.
func (t *Tracker) Location() *time.Location { return t.loc }

// Record rolls expired windows forward, then adds n to both counters.
func (t *Tracker) Record(n int) {
	if n < 0 {
		panic(fmt.Sprintf("quota: negative record %d", n))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.state = t.rolled(now)
	if t.state.DailyWindowStart.IsZero() {
		t.state.DailyWindowStart = dayStart(now, t.loc)
	}
	if t.state.HourlyWindowStart.IsZero() {
		t.state.HourlyWindowStart = now
	}
	t.state.DailyCount += n
	t.state.HourlyCount += n
}

// rolled returns the state as seen at now with expired windows reset.
// Callers hold t.mu.
func (t *Tracker) rolled(now time.Time) State {
	s := t.state
	if !s.DailyWindowStart.IsZero() {
		if today := dayStart(now, t.loc); today.After(s.DailyWindowStart) {
			s.DailyCount = 0
			s.DailyWindowStart = today
		}
	}
	if !s.HourlyWindowStart.IsZero() && now.Sub(s.HourlyWindowStart) >= time.Hour {
		// The hourly bucket re-anchors on the next use.
		s.HourlyCount = 0
		s.HourlyWindowStart = time.Time{}
	}
	return s
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// State returns a copy of the raw counters for persistence.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Restore replaces the counters, e.g. with state loaded from storage.
func (t *Tracker) Restore(s State) {
	if s.DailyCount < 0 || s.HourlyCount < 0 {
		s = State{}
	}
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Apply swaps limits and quiet hours; counters are kept.
func (t *Tracker) Apply(limits Limits, quiet QuietHours) {
	t.mu.Lock()
	t.limits = limits
	t.quiet = quiet
	t.mu.Unlock()
}

// Snapshot reports the effective counters at the tracker's current time.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.rolled(now)
	snap := Snapshot{
		At:              now,
		DailyCount:      s.DailyCount,
		DailyLimit:      t.limits.MaxDaily,
		DailyRemaining:  max(t.limits.MaxDaily-s.DailyCount, 0),
		DailyResetAt:    dayStart(now, t.loc).AddDate(0, 0, 1),
		HourlyCount:     s.HourlyCount,
		HourlyLimit:     t.limits.MaxHourly,
		HourlyRemaining: max(t.limits.MaxHourly-s.HourlyCount, 0),
		QuietHours:      t.quiet.String(),
		InQuietHours:    t.quiet.Contains(now.In(t.loc)),
	}
	if !s.HourlyWindowStart.IsZero() {
		reset := s.HourlyWindowStart.Add(time.Hour)
		snap.HourlyResetAt = &reset
	}
	return snap
}
