package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "ANTIGRAVITY"

// envKeys are the supported overrides, resolved as ANTIGRAVITY_<KEY>.
var envKeys = []string{
	"batch_size",
	"max_batch_size",
	"interval_hours",
	"schedule_times",
	"timezone",
	"max_daily_videos",
	"max_hourly_videos",
	"adaptive",
	"quiet_hours",
	"platforms",
	"niche",
	"log_level",
	"decision_url",
	"executor_driver",
	"storage_driver",
	"storage_path",
	"telegram_token",
	"telegram_chat_id",
	"status_api_token",
}

// NewEnv returns a viper instance bound to the ANTIGRAVITY_* environment.
func NewEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config, v *viper.Viper) error {
	if cfg == nil || v == nil {
		return nil
	}
	str := func(key string) (string, bool) {
		if !v.IsSet(key) {
			return "", false
		}
		s := strings.TrimSpace(v.GetString(key))
		return s, s != ""
	}
	num := func(key string, dst *int) error {
		s, ok := str(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*dst = n
		return nil
	}

	if err := num("batch_size", &cfg.Batch.DefaultBatchSize); err != nil {
		return err
	}
	if err := num("max_batch_size", &cfg.Batch.MaxBatchSize); err != nil {
		return err
	}
	if err := num("max_daily_videos", &cfg.Quota.MaxDaily); err != nil {
		return err
	}
	if err := num("max_hourly_videos", &cfg.Quota.MaxHourly); err != nil {
		return err
	}
	if s, ok := str("interval_hours"); ok {
		h, err := strconv.ParseFloat(s, 64)
		if err != nil || h <= 0 {
			return fmt.Errorf("%s_INTERVAL_HOURS: invalid value %q", EnvPrefix, s)
		}
		cfg.Schedule = ScheduleConfig{
			Interval: strconv.FormatFloat(h, 'f', -1, 64) + "h",
			Timezone: cfg.Schedule.Timezone,
		}
	}
	if s, ok := str("schedule_times"); ok {
		cfg.Schedule = ScheduleConfig{Times: splitCSV(s), Timezone: cfg.Schedule.Timezone}
	}
	if s, ok := str("timezone"); ok {
		cfg.Schedule.Timezone = s
	}
	if s, ok := str("adaptive"); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s_ADAPTIVE: %w", EnvPrefix, err)
		}
		cfg.Batch.Adaptive = b
	}
	if s, ok := str("quiet_hours"); ok {
		start, end, found := strings.Cut(s, "-")
		if !found {
			return fmt.Errorf("%s_QUIET_HOURS: want HH:MM-HH:MM, got %q", EnvPrefix, s)
		}
		cfg.QuietHours = QuietHoursConfig{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	}
	if s, ok := str("platforms"); ok {
		cfg.Batch.Platforms = splitCSV(s)
	}
	if s, ok := str("niche"); ok {
		cfg.Batch.Niche = s
	}
	if s, ok := str("log_level"); ok {
		cfg.Logging.Level = s
	}
	if s, ok := str("decision_url"); ok {
		cfg.Decision.Driver = "http"
		cfg.Decision.URL = s
	}
	if s, ok := str("executor_driver"); ok {
		cfg.Executor.Driver = s
	}
	if s, ok := str("storage_driver"); ok {
		cfg.Storage.Driver = s
	}
	if s, ok := str("storage_path"); ok {
		cfg.Storage.Path = s
	}
	if s, ok := str("telegram_token"); ok {
		cfg.Notifier.Telegram.Token = s
	}
	if s, ok := str("telegram_chat_id"); ok {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%s_TELEGRAM_CHAT_ID: %w", EnvPrefix, err)
		}
		cfg.Notifier.Telegram.ChatID = id
	}
	if s, ok := str("status_api_token"); ok {
		cfg.StatusAPI.Token = s
	}
	return nil
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string { return splitCSV(s) }

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
