package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "appsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
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

func (s *sqliteStore) InsertSchedule(ctx context.Context, sc Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, target_id, label, due_at, created_at, status)
		 VALUES(?,?,?,?,?,?)`,
		sc.ID, sc.TargetID, sc.Label, sc.DueAt.UnixMilli(), sc.CreatedAt.UnixMilli(), string(sc.Status),
	)
	return err
}

func (s *sqliteStore) UpdatePending(ctx context.Context, id, label string, dueAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET label = ?, due_at = ? WHERE id = ? AND status = ?`,
		label, dueAt, id, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

const scheduleCols = `id, target_id, label, due_at, created_at, status`

func scanSchedule(row interface{ Scan(...any) error }) (Schedule, error) {
	var (
		sc          Schedule
		dueMs, crMs int64
		status      string
	)
	if err := row.Scan(&sc.ID, &sc.TargetID, &sc.Label, &dueMs, &crMs, &status); err != nil {
		return Schedule{}, err
	}
	sc.DueAt = time.UnixMilli(dueMs)
	sc.CreatedAt = time.UnixMilli(crMs)
	sc.Status = Status(status)
	return sc, nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *sqliteStore) PendingByTarget(ctx context.Context, targetID string) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE target_id = ? AND status = ?`,
		targetID, string(StatusPending))
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) NearestPendingInWindow(ctx context.Context, lo, hi, pivot int64) (Schedule, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE status = ? AND due_at BETWEEN ? AND ?
		 ORDER BY ABS(due_at - ?) ASC, created_at ASC
		 LIMIT 1`,
		string(StatusPending), lo, hi, pivot)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules ORDER BY created_at DESC`)
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE status = ? ORDER BY due_at ASC`,
		string(StatusPending))
}

func (s *sqliteStore) querySchedules(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CASStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) CASStatusByTarget(ctx context.Context, targetID string, from, to Status) (Schedule, bool, error) {
	// Single-statement swap; the returning clause tells us which row (if any)
	// actually transitioned, so callers never need a read-then-write pair.
	row := s.db.QueryRowContext(ctx,
		`UPDATE schedules SET status = ? WHERE target_id = ? AND status = ?
		 RETURNING `+scheduleCols,
		string(to), targetID, string(from),
	)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	return sc, true, nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log(id, schedule_id, attempted_at, success, reason)
		 VALUES(?,?,?,?,?)`,
		e.ID, e.ScheduleID, e.AttemptedAt.UnixMilli(), boolToInt(e.Success), nullStr(e.Reason),
	)
	return err
}

func (s *sqliteStore) RecentLog(ctx context.Context, n int) ([]LogEntry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, attempted_at, success, reason
		 FROM execution_log ORDER BY attempted_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			ms      int64
			success int64
			reason  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScheduleID, &ms, &success, &reason); err != nil {
			return nil, err
		}
		e.AttemptedAt = time.UnixMilli(ms)
		e.Success = success != 0
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
