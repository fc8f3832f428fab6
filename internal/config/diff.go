package config

import (
	"reflect"
	"sort"
	"strings"

	logx "antigravity/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens) are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if ScheduleChanged(oldCfg, newCfg) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Strings("schedule.times", newCfg.Schedule.Times),
			logx.String("schedule.interval", newCfg.Schedule.Interval),
			logx.String("schedule.cron", newCfg.Schedule.Cron),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}
	if oldCfg.QuietHours != newCfg.QuietHours {
		changed = append(changed, "quiet_hours")
		attrs = append(attrs,
			logx.String("quiet_hours.start", newCfg.QuietHours.Start),
			logx.String("quiet_hours.end", newCfg.QuietHours.End),
		)
	}
	if oldCfg.Quota != newCfg.Quota {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.Int("quota.max_daily", newCfg.Quota.MaxDaily),
			logx.Int("quota.max_hourly", newCfg.Quota.MaxHourly),
		)
	}
	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.Int("batch.max_batch_size", newCfg.Batch.MaxBatchSize),
			logx.Int("batch.concurrency", newCfg.Batch.Concurrency),
			logx.Strings("batch.platforms", newCfg.Batch.Platforms),
		)
	}
	if !reflect.DeepEqual(redactDecision(oldCfg.Decision), redactDecision(newCfg.Decision)) {
		changed = append(changed, "decision")
		attrs = append(attrs, logx.String("decision.driver", newCfg.Decision.Driver))
	}
	if !reflect.DeepEqual(redactExecutor(oldCfg.Executor), redactExecutor(newCfg.Executor)) {
		changed = append(changed, "executor")
		attrs = append(attrs, logx.String("executor.driver", newCfg.Executor.Driver))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	on, nn := oldCfg.Notifier, newCfg.Notifier
	if on.Enabled != nn.Enabled || on.RatePerSec != nn.RatePerSec || on.QueueSize != nn.QueueSize ||
		on.Telegram.ChatID != nn.Telegram.ChatID || on.Telegram.ThreadID != nn.Telegram.ThreadID ||
		(on.Telegram.Token != "") != (nn.Telegram.Token != "") || !reflect.DeepEqual(on.On, nn.On) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Bool("notifier.token_set", nn.Telegram.Token != ""),
		)
	}
	oa, na := oldCfg.StatusAPI, newCfg.StatusAPI
	oa.Token, na.Token = boolToken(oa.Token), boolToken(na.Token)
	if oa != na {
		changed = append(changed, "status_api")
		attrs = append(attrs,
			logx.Bool("status_api.enabled", na.Enabled),
			logx.String("status_api.addr", na.Addr),
			logx.Bool("status_api.token_set", na.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// ScheduleChanged reports whether the trigger policy differs. The policy is
// fixed for the life of a process, so such reloads are refused.
func ScheduleChanged(oldCfg, newCfg *Config) bool {
	o, n := oldCfg.Schedule, newCfg.Schedule
	return !reflect.DeepEqual(o.Times, n.Times) ||
		strings.TrimSpace(o.Interval) != strings.TrimSpace(n.Interval) ||
		strings.TrimSpace(o.Cron) != strings.TrimSpace(n.Cron) ||
		tzName(o.Timezone) != tzName(n.Timezone)
}

func boolToken(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func redactDecision(d DecisionConfig) DecisionConfig {
	d.Token = boolToken(d.Token)
	return d
}

func redactExecutor(e ExecutorConfig) ExecutorConfig {
	e.Token = boolToken(e.Token)
	return e
}
