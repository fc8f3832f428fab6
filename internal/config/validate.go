package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks structural constraints (tags) and the semantic ones tags
// cannot express: timezone, clock values, durations, policy exclusivity.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := time.LoadLocation(tzName(cfg.Schedule.Timezone)); err != nil {
		add(fmt.Errorf("schedule.timezone: %w", err))
	}
	kinds := 0
	if len(cfg.Schedule.Times) > 0 {
		kinds++
		for i, t := range cfg.Schedule.Times {
			if _, _, err := ParseClock(t); err != nil {
				add(fmt.Errorf("schedule.times[%d]: %w", i, err))
			}
		}
	}
	if strings.TrimSpace(cfg.Schedule.Interval) != "" {
		kinds++
		d, err := ParseDurationField("schedule.interval", cfg.Schedule.Interval)
		add(err)
		if err == nil && d < time.Minute {
			add(fmt.Errorf("schedule.interval: must be >= 1m"))
		}
	}
	if strings.TrimSpace(cfg.Schedule.Cron) != "" {
		kinds++
	}
	if kinds != 1 {
		add(fmt.Errorf("schedule: exactly one of times, interval, cron must be set (got %d)", kinds))
	}

	qs, qe := strings.TrimSpace(cfg.QuietHours.Start), strings.TrimSpace(cfg.QuietHours.End)
	if (qs == "") != (qe == "") {
		add(fmt.Errorf("quiet_hours: start and end must both be set or both empty"))
	}
	if qs != "" {
		if _, _, err := ParseClock(qs); err != nil {
			add(fmt.Errorf("quiet_hours.start: %w", err))
		}
	}
	if qe != "" {
		if _, _, err := ParseClock(qe); err != nil {
			add(fmt.Errorf("quiet_hours.end: %w", err))
		}
	}

	_, err := ParseDurationField("batch.cooldown", cfg.Batch.Cooldown)
	add(err)
	_, err = ParseDurationField("batch.item_timeout", cfg.Batch.ItemTimeout)
	add(err)
	_, err = ParseDurationField("decision.timeout", cfg.Decision.Timeout)
	add(err)
	_, err = ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	add(err)
	_, err = ParseDurationField("executor.dry_run_delay", cfg.Executor.DryRunDelay)
	add(err)
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	if cfg.Decision.Driver == "http" {
		add(checkURL("decision.url", cfg.Decision.URL))
	}
	if cfg.Executor.Driver == "http" {
		add(checkURL("executor.url", cfg.Executor.URL))
	}
	if cfg.Storage.Driver != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		add(fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
	}
	if cfg.Notifier.Enabled && (strings.TrimSpace(cfg.Notifier.Telegram.Token) == "" || cfg.Notifier.Telegram.ChatID == 0) {
		add(fmt.Errorf("notifier.telegram: token and chat_id are required when enabled"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}

func checkURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

func tzName(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "UTC"
	}
	return s
}

// Location resolves schedule.timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(tzName(c.Schedule.Timezone))
}
