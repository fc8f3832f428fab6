package storage

import (
	"context"
	"errors"
	"time"

	"antigravity/internal/batch"
	"antigravity/internal/quota"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds the number of run records kept; 0 means 1000.
	Retain int
}

// Store is the persistence API used by the coordinator and the status
// surfaces. It satisfies batch.Store.
type Store interface {
	AppendRun(ctx context.Context, run batch.Run) error
	// LatestRun returns the most recently appended run.
	LatestRun(ctx context.Context) (batch.Run, bool, error)
	// RecentRuns returns up to limit runs, oldest first.
	RecentRuns(ctx context.Context, limit int) ([]batch.Run, error)
	SaveQuota(ctx context.Context, st quota.State) error
	LoadQuota(ctx context.Context) (quota.State, bool, error)
	Close() error
}

var _ batch.Store = Store(nil)

const defaultRetain = 1000

func retain(cfg Config) int {
	if cfg.Retain > 0 {
		return cfg.Retain
	}
	return defaultRetain
}
