package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"antigravity/internal/batch"
	"antigravity/internal/quota"
	logx "antigravity/pkg/logx"
)

// fileStore keeps runs as JSON Lines and quota as a snapshot file.
//
// The tail of the run log is cached in memory and caught up from disk on
// every access, so runs appended by other processes are visible. Once the
// file holds twice the retained number of records it is compacted down to
// the tail by rename; other handles notice the new inode and reopen.
// Appends and compaction happen under the coordinator's run lock.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath  string
	quotaPath string
	runsFile  *os.File
	info      os.FileInfo

	// offset is how far runsFile has been parsed; partial marks an
	// unterminated line after it.
	offset  int64
	partial bool

	tail   []batch.Run
	retain int
	onDisk int
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		runsPath:  filepath.Join(dir, "runs.jsonl"),
		quotaPath: filepath.Join(dir, "quota.json"),
		retain:    retain(cfg),
	}
	if err := s.reopenLocked(); err != nil {
		if s.runsFile != nil {
			_ = s.runsFile.Close()
		}
		return nil, err
	}
	return s, nil
}

// reopenLocked opens the file currently at runsPath and replays it.
func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	if s.runsFile != nil {
		_ = s.runsFile.Close()
	}
	s.runsFile, s.info = f, fi
	s.tail, s.onDisk, s.offset, s.partial = nil, 0, 0, false
	return s.readNewLocked()
}

// readNewLocked parses the complete lines past offset. Corrupt lines (a
// torn write) are skipped.
func (s *fileStore) readNewLocked() error {
	fi, err := s.runsFile.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < s.offset {
		// truncated in place
		s.tail, s.onDisk, s.offset = nil, 0, 0
	}
	if fi.Size() == s.offset {
		s.partial = false
		return nil
	}

	r := bufio.NewReader(io.NewSectionReader(s.runsFile, s.offset, fi.Size()-s.offset))
	bad := 0
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			s.partial = len(line) > 0
			break
		}
		if err != nil {
			return err
		}
		s.offset += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var run batch.Run
		if err := json.Unmarshal(line, &run); err != nil {
			bad++
			continue
		}
		s.onDisk++
		s.tail = append(s.tail, run)
		if len(s.tail) > s.retain {
			s.tail = append([]batch.Run(nil), s.tail[1:]...)
		}
	}
	if bad > 0 {
		s.log.Warn("skipped unreadable run records", logx.String("path", s.runsPath), logx.Int("count", bad))
	}
	return nil
}

// refreshLocked catches up with appends and follows a compaction done by
// another handle.
func (s *fileStore) refreshLocked() error {
	fi, err := os.Stat(s.runsPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err != nil || !os.SameFile(fi, s.info) {
		return s.reopenLocked()
	}
	return s.readNewLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.runsFile.Close()
}

func (s *fileStore) AppendRun(ctx context.Context, run batch.Run) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("run log closed")
	}
	if err := s.refreshLocked(); err != nil {
		return err
	}
	b, err := json.Marshal(run)
	if err != nil {
		return err
	}
	line := append(b, '\n')
	if s.partial {
		// terminate the torn line so this record parses on its own
		line = append([]byte{'\n'}, line...)
	}
	if _, err := s.runsFile.Write(line); err != nil {
		return err
	}
	// the record reaches the tail by being read back
	if err := s.readNewLocked(); err != nil {
		return err
	}
	if s.onDisk >= 2*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	return s.reopenLocked()
}

func (s *fileStore) readLocked() error {
	if s.closed {
		return nil
	}
	return s.refreshLocked()
}

func (s *fileStore) LatestRun(ctx context.Context) (batch.Run, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return batch.Run{}, false, err
	}
	if len(s.tail) == 0 {
		return batch.Run{}, false, nil
	}
	return s.tail[len(s.tail)-1], true, nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]batch.Run, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readLocked(); err != nil {
		return nil, err
	}
	h := s.tail
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]batch.Run(nil), h...), nil
}

func (s *fileStore) SaveQuota(ctx context.Context, st quota.State) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.quotaPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(st); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.quotaPath)
}

func (s *fileStore) LoadQuota(ctx context.Context) (quota.State, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.quotaPath)
	if errors.Is(err, fs.ErrNotExist) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, err
	}
	var st quota.State
	if err := json.Unmarshal(b, &st); err != nil {
		return quota.State{}, false, err
	}
	return st, true, nil
}
