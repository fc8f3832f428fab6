//go:build !unix

package runlock

import (
	"context"
	"sync"
)

var procMu sync.Mutex

// Lock only serializes within the process on platforms without flock.
func (l *FileLock) Lock(ctx context.Context) (func(), error) {
	done := make(chan struct{})
	go func() {
		procMu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return procMu.Unlock, nil
	case <-ctx.Done():
		go func() { <-done; procMu.Unlock() }()
		return nil, ErrLocked
	}
}
