package app

import (
	"fmt"
	"strings"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/config"
	"antigravity/internal/notifier"
	"antigravity/internal/observability/statusapi"
	"antigravity/internal/quota"
	"antigravity/internal/storage"
	logx "antigravity/pkg/logx"
)

func mapLogConfig(cfg *config.Config, verbose bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
	if verbose {
		lc.Level = "debug"
		lc.Console = true
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
		Retain:      max(cfg.Batch.HistorySize*10, 1000),
	}, true, nil
}

func mapQuota(cfg *config.Config) (quota.Limits, quota.QuietHours, error) {
	limits := quota.Limits{MaxDaily: cfg.Quota.MaxDaily, MaxHourly: cfg.Quota.MaxHourly}
	var q quota.QuietHours
	if strings.TrimSpace(cfg.QuietHours.Start) == "" {
		return limits, q, nil
	}
	start, err := config.ClockOffset(cfg.QuietHours.Start)
	if err != nil {
		return limits, q, fmt.Errorf("quiet_hours.start: %w", err)
	}
	end, err := config.ClockOffset(cfg.QuietHours.End)
	if err != nil {
		return limits, q, fmt.Errorf("quiet_hours.end: %w", err)
	}
	return limits, quota.QuietHours{Start: start, End: end}, nil
}

func mapBatchConfig(cfg *config.Config) (batch.Config, error) {
	bc := cfg.Batch
	cooldown, err := config.ParseDurationField("batch.cooldown", bc.Cooldown)
	if err != nil {
		return batch.Config{}, err
	}
	// the executor timeout bounds each item unless item_timeout is set
	execTimeout, err := config.ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	if err != nil {
		return batch.Config{}, err
	}
	itemTimeout, err := config.ParseDurationOrDefault("batch.item_timeout", bc.ItemTimeout, execTimeout)
	if err != nil {
		return batch.Config{}, err
	}
	return batch.Config{
		MaxBatchSize:   bc.MaxBatchSize,
		Platforms:      bc.Platforms,
		Niche:          bc.Niche,
		Concurrency:    bc.Concurrency,
		Cooldown:       cooldown,
		ItemTimeout:    itemTimeout,
		HistorySize:    bc.HistorySize,
		CancelInFlight: bc.CancelInFlight,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	on := make([]batch.Status, 0, len(nc.On))
	for _, s := range nc.On {
		on = append(on, batch.Status(s))
	}
	return notifier.Config{
		Enabled:    nc.Enabled,
		ChatID:     nc.Telegram.ChatID,
		ThreadID:   nc.Telegram.ThreadID,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		RetryMax:   3,
		On:         on,
	}
}

func mapStatusAPIConfig(cfg *config.Config) (statusapi.Config, error) {
	sc := cfg.StatusAPI
	read, err := config.ParseDurationOrDefault("status_api.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return statusapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("status_api.write_timeout", sc.WriteTimeout, 0)
	if err != nil {
		return statusapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("status_api.idle_timeout", sc.IdleTimeout, 60*time.Second)
	if err != nil {
		return statusapi.Config{}, err
	}
	return statusapi.Config{
		Enabled:       sc.Enabled,
		Addr:          sc.Addr,
		Token:         sc.Token,
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
