package store

import (
	"context"

	logx "appsched/pkg/logx"
)

// Store is the persistence contract owned by the schedule service. No other
// component reads or writes schedule state directly.
type Store interface {
	// InsertSchedule adds a new schedule row. The partial unique index on
	// pending target ids makes a second live Pending row for the same target
	// an error rather than silent corruption.
	InsertSchedule(ctx context.Context, s Schedule) error

	// UpdatePending rewrites label and due time of the schedule iff it is
	// still Pending. Returns false when the row is missing or terminal.
	UpdatePending(ctx context.Context, id, label string, dueAt int64) (bool, error)

	// DeleteSchedule removes a row outright. Only used to roll back an
	// insert whose dispatcher enqueue failed.
	DeleteSchedule(ctx context.Context, id string) error

	GetSchedule(ctx context.Context, id string) (Schedule, error)
	PendingByTarget(ctx context.Context, targetID string) (Schedule, bool, error)

	// NearestPendingInWindow returns the Pending schedule whose due time lies
	// in [lo, hi], closest to pivot; ties break on earliest creation time.
	NearestPendingInWindow(ctx context.Context, lo, hi, pivot int64) (Schedule, bool, error)

	ListSchedules(ctx context.Context) ([]Schedule, error)
	ListPending(ctx context.Context) ([]Schedule, error)

	// CASStatus transitions the schedule with the given id from `from` to
	// `to` in a single statement. Returns false if the current status did
	// not match (the transition is a no-op, not an error).
	CASStatus(ctx context.Context, id string, from, to Status) (bool, error)

	// CASStatusByTarget is CASStatus keyed by target id; it returns the
	// transitioned schedule when the swap happened.
	CASStatusByTarget(ctx context.Context, targetID string, from, to Status) (Schedule, bool, error)

	AppendLog(ctx context.Context, e LogEntry) error
	RecentLog(ctx context.Context, n int) ([]LogEntry, error)

	Close() error
}

// Open initializes the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
