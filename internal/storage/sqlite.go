package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cellserve/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
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

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	ctx := context.Background()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	if err := st.prune(ctx); err != nil {
		log.Warn("run history prune failed", logx.Err(err))
	}
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

// Fixed width so stored values sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	var started any
	if !r.Started.IsZero() {
		started = r.Started.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task, scheduled, started, duration_ms, outcome, err) VALUES(?,?,?,?,?,?)`,
		r.Task, r.Scheduled.UTC().Format(timeLayout), started, r.Duration.Milliseconds(),
		string(r.Outcome), nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = s.prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT task, scheduled, started, duration_ms, outcome, err FROM runs`
	args := []any{}
	if task != "" {
		q += ` WHERE task = ?`
		args = append(args, task)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			scheduled  string
			started    sql.NullString
			durationMS int64
			outcome    string
			errText    sql.NullString
		)
		if err := rows.Scan(&r.Task, &scheduled, &started, &durationMS, &outcome, &errText); err != nil {
			return nil, err
		}
		if r.Scheduled, err = time.Parse(timeLayout, scheduled); err != nil {
			return nil, fmt.Errorf("run %s: scheduled: %w", r.Task, err)
		}
		if started.Valid {
			if r.Started, err = time.Parse(timeLayout, started.String); err != nil {
				return nil, fmt.Errorf("run %s: started: %w", r.Task, err)
			}
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.Outcome = Outcome(outcome)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention).UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE scheduled < ?`, cutoff)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
