package schedule

import (
	"context"
	"time"

	"appsched/internal/store"
)

// ConflictResolver answers whether a proposed due time collides with an
// already-pending schedule of a different target.
//
// The window is symmetric around the proposed due time. A pending schedule
// of the SAME target inside the window is not a conflict: that is the
// caller updating its own schedule.
type ConflictResolver struct {
	store store.Store
}

func NewConflictResolver(st store.Store) *ConflictResolver {
	return &ConflictResolver{store: st}
}

// Check returns the conflicting schedule, or nil when the slot is free.
// When several pending schedules fall inside the window the nearest one to
// dueAt wins; ties break on earliest creation time.
func (r *ConflictResolver) Check(ctx context.Context, targetID string, dueAt time.Time, window time.Duration) (*store.Schedule, error) {
	if window < 0 {
		window = 0
	}
	lo := dueAt.Add(-window).UnixMilli()
	hi := dueAt.Add(window).UnixMilli()

	sc, ok, err := r.store.NearestPendingInWindow(ctx, lo, hi, dueAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	if !ok || sc.TargetID == targetID {
		return nil, nil
	}
	return &sc, nil
}
