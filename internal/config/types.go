package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("90s", "5m"); times of day are "HH:MM".
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Schedule   ScheduleConfig   `json:"schedule"`
	QuietHours QuietHoursConfig `json:"quiet_hours"`
	Quota      QuotaConfig      `json:"quota"`
	Batch      BatchConfig      `json:"batch"`
	Decision   DecisionConfig   `json:"decision"`
	Executor   ExecutorConfig   `json:"executor"`
	Storage    StorageConfig    `json:"storage"`
	Notifier   NotifierConfig   `json:"notifier"`
	StatusAPI  StatusAPIConfig  `json:"status_api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ScheduleConfig selects exactly one trigger policy: fixed times of day,
// a fixed interval, or a cron expression.
type ScheduleConfig struct {
	Times    []string `json:"times,omitempty" validate:"omitempty,dive,required"`
	Interval string   `json:"interval,omitempty"`
	Cron     string   `json:"cron,omitempty"`
	Timezone string   `json:"timezone,omitempty"`
}

// QuietHoursConfig is a [start, end) time-of-day range. Empty or equal
// bounds disable it.
type QuietHoursConfig struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type QuotaConfig struct {
	MaxDaily  int `json:"max_daily" validate:"gte=0"`
	MaxHourly int `json:"max_hourly" validate:"gte=0"`
}

type BatchConfig struct {
	MaxBatchSize     int  `json:"max_batch_size" validate:"gte=1,lte=100"`
	DefaultBatchSize int  `json:"default_batch_size" validate:"gte=0,ltefield=MaxBatchSize"`
	Adaptive         bool `json:"adaptive"`
	// Concurrency bounds parallel executor calls within one run.
	Concurrency int      `json:"concurrency" validate:"gte=1,lte=32"`
	Platforms   []string `json:"platforms" validate:"min=1,dive,required"`
	Niche       string   `json:"niche,omitempty"`
	// Cooldown is the minimum gap between the start of two runs; "0s" disables it.
	Cooldown       string `json:"cooldown,omitempty"`
	ItemTimeout    string `json:"item_timeout,omitempty"`
	HistorySize    int    `json:"history_size" validate:"gte=1"`
	CancelInFlight bool   `json:"cancel_in_flight,omitempty"`
}

// DecisionConfig picks the decision-maker implementation.
//
//	driver: rules | static | http
type DecisionConfig struct {
	Driver  string `json:"driver" validate:"oneof=rules static http"`
	URL     string `json:"url,omitempty" validate:"required_if=Driver http"`
	Token   string `json:"token,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// PeakHours are hours of day (0-23) where the rules driver adds one item.
	PeakHours []int `json:"peak_hours,omitempty" validate:"omitempty,dive,gte=0,lte=23"`
	// VetoBelowSuccessRate vetoes a run when the recent success rate falls
	// under this fraction. 0 disables the veto.
	VetoBelowSuccessRate float64 `json:"veto_below_success_rate,omitempty" validate:"gte=0,lte=1"`
	VetoMinRuns          int     `json:"veto_min_runs,omitempty" validate:"gte=0"`
}

// ExecutorConfig picks the executor implementation.
//
//	driver: dryrun | command | http
type ExecutorConfig struct {
	Driver  string   `json:"driver" validate:"oneof=dryrun command http"`
	Command []string `json:"command,omitempty" validate:"required_if=Driver command"`
	URL     string   `json:"url,omitempty" validate:"required_if=Driver http"`
	Token   string   `json:"token,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	// DryRunDelay simulates work in the dryrun driver.
	DryRunDelay string `json:"dry_run_delay,omitempty"`
	// DryRunFailEvery makes every Nth dryrun item fail; 0 never fails.
	DryRunFailEvery int `json:"dry_run_fail_every,omitempty" validate:"gte=0"`
}

// StorageConfig controls persistence of runs and quota state.
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"oneof=file sqlite none"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled    bool           `json:"enabled"`
	Telegram   TelegramConfig `json:"telegram"`
	RatePerSec int            `json:"rate_per_sec" validate:"gte=0"`
	QueueSize  int            `json:"queue_size" validate:"gte=0"`
	// On lists the run statuses that produce a notification.
	On []string `json:"on,omitempty" validate:"omitempty,dive,oneof=completed partial_failure failed vetoed skipped"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StatusAPIConfig controls the optional HTTP status server (daemon mode).
//
// Binding to a non-loopback address requires a token or allow_insecure.
type StatusAPIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Schedule: ScheduleConfig{
			Times:    []string{"09:00", "15:00", "21:00"},
			Timezone: "UTC",
		},
		QuietHours: QuietHoursConfig{Start: "01:00", End: "06:00"},
		Quota:      QuotaConfig{MaxDaily: 20, MaxHourly: 8},
		Batch: BatchConfig{
			MaxBatchSize:     5,
			DefaultBatchSize: 3,
			Adaptive:         true,
			Concurrency:      1,
			Platforms:        []string{"tiktok", "instagram"},
			HistorySize:      100,
		},
		Decision: DecisionConfig{
			Driver:      "rules",
			Timeout:     "30s",
			PeakHours:   []int{9, 10, 11, 15, 16, 17},
			VetoMinRuns: 3,
		},
		Executor: ExecutorConfig{
			Driver:      "dryrun",
			Timeout:     "10m",
			DryRunDelay: "200ms",
		},
		Storage: StorageConfig{Driver: "file", Path: "./data"},
		Notifier: NotifierConfig{
			RatePerSec: 1,
			QueueSize:  32,
			On:         []string{"partial_failure", "failed"},
		},
		StatusAPI: StatusAPIConfig{Addr: "127.0.0.1:8089"},
	}
}
