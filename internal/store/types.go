package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a schedule id does not exist.
var ErrNotFound = errors.New("schedule not found")

// Config configures the schedule store.
type Config struct {
	// Path of the SQLite database file. Required.
	Path string
	// BusyTimeout for SQLite; 0 means default.
	BusyTimeout time.Duration
}

// Status of a schedule. Cancelled and Executed are terminal; the only legal
// transitions are Pending->Cancelled and Pending->Executed. Everything else
// is a silent no-op at the storage layer (the CAS update matches zero rows).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"
	StatusExecuted  Status = "EXECUTED"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool { return s == StatusCancelled || s == StatusExecuted }

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCancelled, StatusExecuted:
		return true
	}
	return false
}

// Schedule is one deferred activation of a target.
type Schedule struct {
	ID        string
	TargetID  string
	Label     string
	DueAt     time.Time
	CreatedAt time.Time
	Status    Status
}

// Log reasons recorded in the execution log.
const (
	ReasonExecuted       = "EXECUTED"
	ReasonUserCancelled  = "USER_CANCELLED"
	ReasonDirectOK       = "DIRECT_OK"
	ReasonFallbackPosted = "FALLBACK_POSTED"
	ReasonTargetNotFound = "TARGET_NOT_FOUND"
)

// LogEntry is an append-only audit record. Entries are never mutated or
// deleted and are used for diagnostics only, not for control flow.
type LogEntry struct {
	ID          string
	ScheduleID  string
	AttemptedAt time.Time
	Success     bool
	Reason      string
}
