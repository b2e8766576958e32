package dispatch

import (
	"context"
	"time"

	"appsched/internal/store"
)

// Fire is the payload delivered to the runner when a schedule comes due.
type Fire struct {
	ScheduleID string
	TargetID   string
	DueAt      time.Time
}

// Runner executes one fire. Implemented by the execution worker.
type Runner interface {
	Run(ctx context.Context, f Fire)
}

// PendingSource lists the live pending schedules. The reconcile sweep and
// the startup rebuild use it to re-arm timers, which is what turns the
// in-process timer wheel into an at-least-once primitive across restarts.
type PendingSource interface {
	ListPending(ctx context.Context) ([]store.Schedule, error)
}

// Config controls the dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	// ReconcileEvery is the sweep interval; 0 disables the sweep.
	ReconcileEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}
