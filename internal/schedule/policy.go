package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"antigravity/internal/config"
)

// Kind is the trigger policy kind.
type Kind int

const (
	KindTimes Kind = iota
	KindInterval
	KindCron
)

func (k Kind) String() string {
	switch k {
	case KindTimes:
		return "times"
	case KindInterval:
		return "interval"
	case KindCron:
		return "cron"
	default:
		return "unknown"
	}
}

var ErrInvalidPolicy = errors.New("invalid schedule policy")

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Policy is immutable once parsed.
type Policy struct {
	Kind     Kind
	Times    []string // sorted, unique HH:MM
	Every    time.Duration
	Cron     string
	Location *time.Location

	schedules []cron.Schedule
}

// ParsePolicy validates cfg and compiles it. Exactly one of times, interval
// or cron must be set.
func ParsePolicy(cfg config.ScheduleConfig) (*Policy, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidPolicy, tz, err)
	}

	interval := strings.TrimSpace(cfg.Interval)
	expr := strings.TrimSpace(cfg.Cron)
	set := 0
	for _, b := range []bool{len(cfg.Times) > 0, interval != "", expr != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: exactly one of times, interval, cron is required", ErrInvalidPolicy)
	}

	switch {
	case len(cfg.Times) > 0:
		return NewTimesPolicy(cfg.Times, loc)
	case interval != "":
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("%w: interval %q: %v", ErrInvalidPolicy, interval, err)
		}
		return NewIntervalPolicy(d, loc)
	default:
		return NewCronPolicy(expr, loc)
	}
}

// NewTimesPolicy fires daily at each listed HH:MM in loc.
func NewTimesPolicy(times []string, loc *time.Location) (*Policy, error) {
	if loc == nil {
		loc = time.UTC
	}
	seen := map[string]struct{}{}
	norm := make([]string, 0, len(times))
	for _, raw := range times {
		h, m, err := config.ParseClock(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		hm := fmt.Sprintf("%02d:%02d", h, m)
		if _, dup := seen[hm]; dup {
			continue
		}
		seen[hm] = struct{}{}
		norm = append(norm, hm)
	}
	if len(norm) == 0 {
		return nil, fmt.Errorf("%w: no times", ErrInvalidPolicy)
	}
	sort.Strings(norm)

	p := &Policy{Kind: KindTimes, Times: norm, Location: loc}
	for _, hm := range norm {
		h, m, _ := config.ParseClock(hm)
		s, err := parser.Parse(fmt.Sprintf("%d %d * * *", m, h))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		p.schedules = append(p.schedules, inLocation(s, loc))
	}
	return p, nil
}

// NewIntervalPolicy fires every d, starting immediately when never fired.
func NewIntervalPolicy(d time.Duration, loc *time.Location) (*Policy, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidPolicy)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Policy{Kind: KindInterval, Every: d, Location: loc}, nil
}

// NewCronPolicy fires on a robfig/cron expression evaluated in loc.
func NewCronPolicy(expr string, loc *time.Location) (*Policy, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidPolicy, expr, err)
	}
	return &Policy{Kind: KindCron, Cron: expr, Location: loc, schedules: []cron.Schedule{inLocation(s, loc)}}, nil
}

func inLocation(s cron.Schedule, loc *time.Location) cron.Schedule {
	// CRON_TZ= prefixes already set a location.
	if spec, ok := s.(*cron.SpecSchedule); ok && spec.Location == time.Local {
		spec.Location = loc
	}
	return s
}

// Next returns the first trigger instant after `after`. For interval
// policies it is lastFired+Every, or `after` when never fired, and never
// earlier than `after`. A zero result means the policy has no future
// instant.
func (p *Policy) Next(after, lastFired time.Time) time.Time {
	if p.Kind == KindInterval {
		if lastFired.IsZero() {
			return after
		}
		next := lastFired.Add(p.Every)
		if next.Before(after) {
			return after
		}
		return next
	}

	var best time.Time
	for _, s := range p.schedules {
		n := s.Next(after)
		if n.IsZero() {
			continue
		}
		if best.IsZero() || n.Before(best) {
			best = n
		}
	}
	return best
}

// Preview lists up to n instants after from, as the loop would arm them
// with no delays.
func (p *Policy) Preview(from, lastFired time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	t, last := from, lastFired
	for i := 0; i < n; i++ {
		next := p.Next(t, last)
		if next.IsZero() {
			break
		}
		out = append(out, next.In(p.Location))
		t, last = next, next
	}
	return out
}

func (p *Policy) String() string {
	switch p.Kind {
	case KindTimes:
		return "daily at " + strings.Join(p.Times, ", ") + " " + p.Location.String()
	case KindInterval:
		return "every " + p.Every.String()
	default:
		return "cron " + p.Cron + " " + p.Location.String()
	}
}
