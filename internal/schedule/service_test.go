package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	enqueued map[string]time.Time
	cancels  []string
	failNext bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{enqueued: map[string]time.Time{}}
}

func (d *fakeDispatcher) Enqueue(scheduleID, targetID string, dueAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		d.failNext = false
		return errors.New("enqueue refused")
	}
	d.enqueued[scheduleID] = dueAt
	return nil
}

func (d *fakeDispatcher) Cancel(scheduleID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.enqueued, scheduleID)
	d.cancels = append(d.cancels, scheduleID)
}

func (d *fakeDispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.enqueued)
}

type fakeRetractor struct {
	mu        sync.Mutex
	dismissed []string
}

func (r *fakeRetractor) Dismiss(_ context.Context, scheduleID string) {
	r.mu.Lock()
	r.dismissed = append(r.dismissed, scheduleID)
	r.mu.Unlock()
}

func newTestService(t *testing.T, opts ...Option) (*Service, store.Store, *fakeDispatcher) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "sched.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	disp := newFakeDispatcher()
	svc := New(st, disp, nil, logx.Nop(), opts...)
	return svc, st, disp
}

func TestCreateSchedulesAndArmsTimer(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	id, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", due, 10*time.Minute)
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	sc, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sc.Status != store.StatusPending || sc.TargetID != "app.alpha" {
		t.Fatalf("unexpected schedule: %+v", sc)
	}
	if disp.pendingCount() != 1 {
		t.Fatalf("dispatcher entries = %d, want 1", disp.pendingCount())
	}
}

func TestRescheduleSameTargetKeepsOnePending(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	first, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", due, 10*time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Rescheduling the same target inside its own window is not a conflict.
	second, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha v2", due.Add(time.Minute), 10*time.Minute)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if first != second {
		t.Fatalf("reschedule produced a new id: %s vs %s", first, second)
	}

	pending, err := st.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Label != "Alpha v2" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
	if disp.pendingCount() != 1 {
		t.Fatalf("dispatcher entries = %d, want 1", disp.pendingCount())
	}
}

func TestConflictWindowRejectsOtherTargets(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)
	window := 10 * time.Minute

	if _, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", due, window); err != nil {
		t.Fatalf("create alpha: %v", err)
	}

	// Inside the window, different target: conflict carrying the occupant.
	_, err := svc.CreateOrUpdate(ctx, "app.beta", "Beta", due.Add(5*time.Minute), window)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if ce.ConflictingTargetID != "app.alpha" {
		t.Fatalf("ConflictingTargetID = %s, want app.alpha", ce.ConflictingTargetID)
	}

	// On the far side but still inside the symmetric window.
	if _, err := svc.CreateOrUpdate(ctx, "app.beta", "Beta", due.Add(-5*time.Minute), window); err == nil {
		t.Fatal("expected conflict on the earlier side of the window")
	}

	// Outside the window is fine.
	if _, err := svc.CreateOrUpdate(ctx, "app.beta", "Beta", due.Add(time.Hour), window); err != nil {
		t.Fatalf("create outside window: %v", err)
	}
}

func TestConflictLeavesNoPartialState(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	if _, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", due, 10*time.Minute); err != nil {
		t.Fatalf("create alpha: %v", err)
	}
	if _, err := svc.CreateOrUpdate(ctx, "app.beta", "Beta", due, 10*time.Minute); err == nil {
		t.Fatal("expected conflict")
	}

	pending, _ := st.ListPending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d, want 1", len(pending))
	}
	if disp.pendingCount() != 1 {
		t.Fatalf("dispatcher entries = %d, want 1", disp.pendingCount())
	}
}

func TestEnqueueFailureRollsBackInsert(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)
	ctx := context.Background()

	disp.failNext = true
	_, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", time.Now().Add(time.Hour), 0)
	if err == nil {
		t.Fatal("expected enqueue failure to surface")
	}

	pending, _ := st.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("pending rows = %d, want 0 after rollback", len(pending))
	}
}

func TestEnqueueFailureRollsBackUpdate(t *testing.T) {
	t.Parallel()
	svc, st, disp := newTestService(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	id, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", due, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disp.failNext = true
	if _, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha v2", due.Add(time.Hour), 0); err == nil {
		t.Fatal("expected enqueue failure to surface")
	}

	sc, err := st.GetSchedule(ctx, id)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sc.DueAt.UnixMilli() != due.UnixMilli() || sc.Label != "Alpha" {
		t.Fatalf("update not rolled back: %+v", sc)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()
	retr := &fakeRetractor{}
	svc, st, _ := newTestService(t, WithNoticeRetractor(retr))
	ctx := context.Background()

	id, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}

	sc, _ := st.GetSchedule(ctx, id)
	if sc.Status != store.StatusCancelled {
		t.Fatalf("Status = %s, want CANCELLED", sc.Status)
	}

	log, err := svc.RecentLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLog: %v", err)
	}
	if len(log) != 1 || log[0].Reason != store.ReasonUserCancelled {
		t.Fatalf("unexpected log: %+v", log)
	}

	retr.mu.Lock()
	dismissed := len(retr.dismissed)
	retr.mu.Unlock()
	if dismissed != 1 {
		t.Fatalf("dismissals = %d, want 1", dismissed)
	}
}

func TestCancelUnknownReportsNotFound(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	err := svc.Cancel(context.Background(), "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
	if nf.ScheduleID != "nope" {
		t.Fatalf("ScheduleID = %s, want nope", nf.ScheduleID)
	}
}

func TestMarkExecutedWinsOnceOnly(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	svc.MarkExecuted(ctx, "app.alpha")
	svc.MarkExecuted(ctx, "app.alpha") // second detection is a no-op

	sc, _ := st.GetSchedule(ctx, id)
	if sc.Status != store.StatusExecuted {
		t.Fatalf("Status = %s, want EXECUTED", sc.Status)
	}

	log, _ := svc.RecentLog(ctx, 10)
	if len(log) != 1 || log[0].Reason != store.ReasonExecuted {
		t.Fatalf("unexpected log: %+v", log)
	}

	// A late cancel cannot flip a completed schedule.
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("late cancel: %v", err)
	}
	sc, _ = st.GetSchedule(ctx, id)
	if sc.Status != store.StatusExecuted {
		t.Fatalf("Status after late cancel = %s, want EXECUTED", sc.Status)
	}
}

func TestMarkExecutedNeverFlipsCancelled(t *testing.T) {
	t.Parallel()
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateOrUpdate(ctx, "app.alpha", "Alpha", time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	svc.MarkExecuted(ctx, "app.alpha")

	sc, _ := st.GetSchedule(ctx, id)
	if sc.Status != store.StatusCancelled {
		t.Fatalf("Status = %s, want CANCELLED", sc.Status)
	}
}

func TestCancellationHandlerDismissesUnknownIDs(t *testing.T) {
	t.Parallel()
	retr := &fakeRetractor{}
	svc, _, _ := newTestService(t)
	h := NewCancellationHandler(svc, retr, logx.Nop())

	err := h.Handle(context.Background(), CancelRequest{ScheduleID: "ghost", TargetID: "app.alpha"})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}

	// The notice still comes down even though the schedule is unknown.
	retr.mu.Lock()
	dismissed := len(retr.dismissed)
	retr.mu.Unlock()
	if dismissed != 1 {
		t.Fatalf("dismissals = %d, want 1", dismissed)
	}
}
