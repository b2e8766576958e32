package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"appsched/internal/eventbus"
	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

// Dispatcher is the deferred-fire primitive consumed by the service.
//
// Enqueue is keyed by schedule id with replace-on-reschedule semantics: a
// second enqueue for the same id supersedes the first. Due times at or
// before now fire as soon as possible. Cancel is a no-op once fired.
type Dispatcher interface {
	Enqueue(scheduleID, targetID string, dueAt time.Time) error
	Cancel(scheduleID string)
}

// NoticeRetractor dismisses a posted fallback notice for a schedule.
// Dismissing a notice that was never posted is a no-op.
type NoticeRetractor interface {
	Dismiss(ctx context.Context, scheduleID string)
}

// Service is the single mutation gateway for schedule state. Every actor —
// the interactive caller, the execution worker at fire time and the passive
// activation monitor — goes through it, and every status change is one
// compare-and-set statement in the store.
type Service struct {
	// mu serializes the multi-step create/update path (conflict check +
	// upsert + enqueue). Status transitions themselves are single-statement
	// CAS operations and don't need it.
	mu sync.Mutex

	store    store.Store
	resolver *ConflictResolver
	disp     Dispatcher
	notices  NoticeRetractor
	bus      eventbus.Bus
	log      logx.Logger

	defaultWindow time.Duration
}

type Option func(*Service)

// WithNoticeRetractor wires the fallback-notification surface so cancels and
// completions retract an already-posted notice.
func WithNoticeRetractor(n NoticeRetractor) Option {
	return func(s *Service) { s.notices = n }
}

// WithDefaultConflictWindow sets the window applied when a request passes
// zero.
func WithDefaultConflictWindow(w time.Duration) Option {
	return func(s *Service) { s.defaultWindow = w }
}

func New(st store.Store, disp Dispatcher, bus eventbus.Bus, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    st,
		resolver: NewConflictResolver(st),
		disp:     disp,
		bus:      bus,
		log:      log,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrUpdate schedules targetID for activation at dueAt, or moves the
// target's existing pending schedule to dueAt. It returns the schedule id.
//
// A *ConflictError is returned, with no mutation, when a different target is
// already pending inside the window. If the store write succeeds but the
// dispatcher enqueue fails, the write is rolled back so no orphaned pending
// row without a timer survives.
func (s *Service) CreateOrUpdate(ctx context.Context, targetID, label string, dueAt time.Time, window time.Duration) (string, error) {
	if targetID == "" {
		return "", fmt.Errorf("target id required")
	}
	if window <= 0 {
		window = s.defaultWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conflict, err := s.resolver.Check(ctx, targetID, dueAt, window); err != nil {
		return "", fmt.Errorf("conflict check: %w", err)
	} else if conflict != nil {
		s.log.Debug("schedule conflict",
			logx.String("target", targetID),
			logx.String("conflicts_with", conflict.TargetID),
			logx.Time("due", dueAt))
		return "", &ConflictError{ConflictingTargetID: conflict.TargetID}
	}

	existing, found, err := s.store.PendingByTarget(ctx, targetID)
	if err != nil {
		return "", fmt.Errorf("lookup pending schedule: %w", err)
	}

	if found {
		ok, err := s.store.UpdatePending(ctx, existing.ID, label, dueAt.UnixMilli())
		if err != nil {
			return "", fmt.Errorf("update schedule: %w", err)
		}
		if !ok {
			// The row went terminal between lookup and update (cancel or
			// monitor race); treat the request as a fresh create.
			return s.createLocked(ctx, targetID, label, dueAt)
		}
		if err := s.disp.Enqueue(existing.ID, targetID, dueAt); err != nil {
			// Roll back to the previous due time so store and dispatcher
			// don't disagree about when this schedule fires.
			if _, rbErr := s.store.UpdatePending(ctx, existing.ID, existing.Label, existing.DueAt.UnixMilli()); rbErr != nil {
				s.log.Error("rollback of schedule update failed",
					logx.String("schedule", existing.ID), logx.Err(rbErr))
			}
			return "", fmt.Errorf("enqueue fire: %w", err)
		}
		s.publish(eventbus.TypeScheduleUpdated, existing.ID, targetID)
		s.log.Info("schedule updated",
			logx.String("schedule", existing.ID),
			logx.String("target", targetID),
			logx.Time("due", dueAt))
		return existing.ID, nil
	}

	return s.createLocked(ctx, targetID, label, dueAt)
}

func (s *Service) createLocked(ctx context.Context, targetID, label string, dueAt time.Time) (string, error) {
	sc := store.Schedule{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		Label:     label,
		DueAt:     dueAt,
		CreatedAt: time.Now(),
		Status:    store.StatusPending,
	}
	if err := s.store.InsertSchedule(ctx, sc); err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	if err := s.disp.Enqueue(sc.ID, targetID, dueAt); err != nil {
		if rbErr := s.store.DeleteSchedule(ctx, sc.ID); rbErr != nil {
			s.log.Error("rollback of schedule insert failed",
				logx.String("schedule", sc.ID), logx.Err(rbErr))
		}
		return "", fmt.Errorf("enqueue fire: %w", err)
	}
	s.publish(eventbus.TypeScheduleCreated, sc.ID, targetID)
	s.log.Info("schedule created",
		logx.String("schedule", sc.ID),
		logx.String("target", targetID),
		logx.Time("due", dueAt))
	return sc.ID, nil
}

// Cancel moves a pending schedule to Cancelled, removes its dispatcher entry
// and retracts any posted fallback notice. It is idempotent: cancelling an
// already-terminal schedule succeeds as a no-op. Unknown ids report a
// *NotFoundError, which is non-fatal to callers.
func (s *Service) Cancel(ctx context.Context, scheduleID string) error {
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{ScheduleID: scheduleID}
		}
		return fmt.Errorf("lookup schedule: %w", err)
	}

	ok, err := s.store.CASStatus(ctx, scheduleID, store.StatusPending, store.StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel schedule: %w", err)
	}
	if !ok {
		// Already Cancelled or Executed; nothing to undo.
		s.log.Debug("cancel is a no-op", logx.String("schedule", scheduleID), logx.String("status", string(sc.Status)))
		return nil
	}

	s.disp.Cancel(scheduleID)
	s.dismiss(ctx, scheduleID)
	s.appendLog(ctx, scheduleID, true, store.ReasonUserCancelled)
	s.publish(eventbus.TypeScheduleCancelled, scheduleID, sc.TargetID)
	s.log.Info("schedule cancelled", logx.String("schedule", scheduleID), logx.String("target", sc.TargetID))
	return nil
}

// MarkExecuted completes the pending schedule for targetID. It is the single
// completion path shared by the execution worker (direct activation) and the
// passive monitor (user opened the target, by whatever route). The
// Pending->Executed compare-and-set makes it idempotent and safe against
// concurrent cancels: a schedule that is no longer Pending is left alone.
func (s *Service) MarkExecuted(ctx context.Context, targetID string) {
	sc, ok, err := s.store.CASStatusByTarget(ctx, targetID, store.StatusPending, store.StatusExecuted)
	if err != nil {
		s.log.Error("mark executed failed", logx.String("target", targetID), logx.Err(err))
		return
	}
	if !ok {
		return
	}

	s.disp.Cancel(sc.ID)
	s.dismiss(ctx, sc.ID)
	s.appendLog(ctx, sc.ID, true, store.ReasonExecuted)
	s.publish(eventbus.TypeScheduleExecuted, sc.ID, targetID)
	s.log.Info("schedule executed", logx.String("schedule", sc.ID), logx.String("target", targetID))
}

// RecordAttempt appends an execution-log entry on behalf of the execution
// worker. The log is append-only and diagnostic; it never drives control
// flow.
func (s *Service) RecordAttempt(ctx context.Context, scheduleID string, success bool, reason string) {
	s.appendLog(ctx, scheduleID, success, reason)
}

// Get returns the schedule with the given id.
func (s *Service) Get(ctx context.Context, scheduleID string) (store.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Schedule{}, &NotFoundError{ScheduleID: scheduleID}
	}
	return sc, err
}

// List returns all schedules, newest first.
func (s *Service) List(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// ListPending returns pending schedules ordered by due time. The dispatcher
// uses it to re-arm timers at startup and during reconcile sweeps.
func (s *Service) ListPending(ctx context.Context) ([]store.Schedule, error) {
	return s.store.ListPending(ctx)
}

// RecentLog returns the n most recent execution-log entries.
func (s *Service) RecentLog(ctx context.Context, n int) ([]store.LogEntry, error) {
	return s.store.RecentLog(ctx, n)
}

func (s *Service) appendLog(ctx context.Context, scheduleID string, success bool, reason string) {
	e := store.LogEntry{
		ID:          uuid.NewString(),
		ScheduleID:  scheduleID,
		AttemptedAt: time.Now(),
		Success:     success,
		Reason:      reason,
	}
	if err := s.store.AppendLog(ctx, e); err != nil {
		s.log.Warn("execution log append failed",
			logx.String("schedule", scheduleID),
			logx.String("reason", reason),
			logx.Err(err))
	}
}

func (s *Service) dismiss(ctx context.Context, scheduleID string) {
	if s.notices != nil {
		s.notices.Dismiss(ctx, scheduleID)
	}
}

func (s *Service) publish(typ, scheduleID, targetID string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: eventbus.ScheduleEvent{
		ScheduleID: scheduleID,
		TargetID:   targetID,
		At:         now,
	}})
}
