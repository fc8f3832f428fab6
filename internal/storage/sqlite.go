package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"antigravity/internal/batch"
	"antigravity/internal/quota"
	logx "antigravity/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retain     int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func sqlitePath(p string) string {
	p = strings.TrimSpace(p)
	if strings.HasSuffix(p, ".db") || strings.HasSuffix(p, ".sqlite") {
		return p
	}
	return filepath.Join(p, "antigravity.db")
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := sqlitePath(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: retain(cfg), pruneEvery: 100}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, run batch.Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, status, trigger_kind, succeeded, failed, payload)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, succeeded=excluded.succeeded,
		   failed=excluded.failed, payload=excluded.payload`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), string(run.Status), string(run.Trigger),
		run.SuccessCount, run.FailedCount, string(payload),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT MAX(seq) FROM runs) - ?`, s.retain)
	return err
}

func (s *sqliteStore) LatestRun(ctx context.Context) (batch.Run, bool, error) {
	runs, err := s.RecentRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return batch.Run{}, false, err
	}
	return runs[0], true, nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]batch.Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM (SELECT seq, payload FROM runs ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batch.Run
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r batch.Run
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			s.log.Warn("skipping unreadable run record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveQuota(ctx context.Context, st quota.State) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_state(id, daily_count, daily_window_start, hourly_count, hourly_window_start)
		 VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET daily_count=excluded.daily_count,
		   daily_window_start=excluded.daily_window_start, hourly_count=excluded.hourly_count,
		   hourly_window_start=excluded.hourly_window_start`,
		st.DailyCount, formatTime(st.DailyWindowStart), st.HourlyCount, formatTime(st.HourlyWindowStart),
	)
	return err
}

func (s *sqliteStore) LoadQuota(ctx context.Context) (quota.State, bool, error) {
	if s == nil || s.db == nil {
		return quota.State{}, false, ErrDisabled
	}
	var st quota.State
	var daily, hourly string
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_count, daily_window_start, hourly_count, hourly_window_start FROM quota_state WHERE id = 1`,
	).Scan(&st.DailyCount, &daily, &st.HourlyCount, &hourly)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.State{}, false, nil
	}
	if err != nil {
		return quota.State{}, false, err
	}
	if st.DailyWindowStart, err = parseTime(daily); err != nil {
		return quota.State{}, false, err
	}
	if st.HourlyWindowStart, err = parseTime(hourly); err != nil {
		return quota.State{}, false, err
	}
	return st, true, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
