// Package statusapi serves a small HTTP surface for a running daemon:
// health, status, recent runs, manual triggers and, optionally, pprof.
package statusapi

import (
	"context"
	"errors"
	"time"

	"antigravity/internal/batch"
)

// ErrBusy is reported (409) when a trigger arrives during an active run.
var ErrBusy = errors.New("a batch run is already in progress")

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Backend is what the server reports on and acts upon.
type Backend interface {
	// Report returns the status document served at /status.
	Report(ctx context.Context) (any, error)
	Runs(ctx context.Context, limit int) ([]batch.Run, error)
	Busy() bool
	// Trigger starts a run under ctx and returns before it finishes. The
	// channel receives the finished run.
	Trigger(ctx context.Context, req batch.Request) <-chan batch.Run
}
