// Package runlock serializes batch runs across processes that share a
// storage directory.
package runlock

import (
	"errors"
	"path/filepath"
	"time"
)

var ErrLocked = errors.New("another run holds the lock")

const FileName = "antigravity.lock"

type FileLock struct {
	path string
	poll time.Duration
}

// New returns a lock on <dir>/antigravity.lock.
func New(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, FileName), poll: 100 * time.Millisecond}
}

func (l *FileLock) Path() string { return l.path }
