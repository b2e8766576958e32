package schedule

import "fmt"

// ConflictError is returned by CreateOrUpdate when a different target is
// already scheduled inside the conflict window. No mutation has occurred.
type ConflictError struct {
	ConflictingTargetID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule conflicts with existing schedule for %q", e.ConflictingTargetID)
}

// NotFoundError is returned by Cancel for an unknown schedule id.
// It is non-fatal to callers.
type NotFoundError struct {
	ScheduleID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("schedule %q not found", e.ScheduleID)
}
