package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

type captureRunner struct {
	mu    sync.Mutex
	fires []Fire
	ch    chan Fire
}

func newCaptureRunner() *captureRunner {
	return &captureRunner{ch: make(chan Fire, 16)}
}

func (r *captureRunner) Run(_ context.Context, f Fire) {
	r.mu.Lock()
	r.fires = append(r.fires, f)
	r.mu.Unlock()
	r.ch <- f
}

func (r *captureRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *captureRunner) wait(t *testing.T, d time.Duration) Fire {
	t.Helper()
	select {
	case f := <-r.ch:
		return f
	case <-time.After(d):
		t.Fatal("timed out waiting for fire")
		return Fire{}
	}
}

type staticSource struct {
	mu      sync.Mutex
	pending []store.Schedule
}

func (s *staticSource) ListPending(context.Context) ([]store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Schedule(nil), s.pending...), nil
}

func startDispatcher(t *testing.T, cfg Config, r Runner, src PendingSource) *Service {
	t.Helper()
	d := New(cfg, logx.Nop())
	d.Bind(r, src)
	d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func TestPastDueFiresImmediately(t *testing.T) {
	t.Parallel()
	r := newCaptureRunner()
	d := startDispatcher(t, Config{Workers: 1}, r, nil)

	if err := d.Enqueue("s1", "app.alpha", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f := r.wait(t, 2*time.Second)
	if f.ScheduleID != "s1" || f.TargetID != "app.alpha" {
		t.Fatalf("unexpected fire: %+v", f)
	}
}

func TestReplaceSupersedesEarlierTimer(t *testing.T) {
	t.Parallel()
	r := newCaptureRunner()
	d := startDispatcher(t, Config{Workers: 1}, r, nil)

	first := time.Now().Add(time.Hour)
	if err := d.Enqueue("s1", "app.alpha", first); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second := time.Now().Add(-time.Second)
	if err := d.Enqueue("s1", "app.alpha", second); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	f := r.wait(t, 2*time.Second)
	if f.DueAt.UnixMilli() != second.UnixMilli() {
		t.Fatalf("fired with due %v, want the replacement %v", f.DueAt, second)
	}

	// The superseded timer must not fire as well.
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("fires = %d, want 1", got)
	}
	if d.PendingFires() != 0 {
		t.Fatalf("PendingFires = %d, want 0", d.PendingFires())
	}
}

func TestCancelStopsPendingFire(t *testing.T) {
	t.Parallel()
	r := newCaptureRunner()
	d := startDispatcher(t, Config{Workers: 1}, r, nil)

	if err := d.Enqueue("s1", "app.alpha", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.Cancel("s1")

	time.Sleep(200 * time.Millisecond)
	if got := r.count(); got != 0 {
		t.Fatalf("fires = %d, want 0 after cancel", got)
	}

	// Cancelling an unknown key is a no-op.
	d.Cancel("ghost")
}

func TestStartupReconcileRearmsPending(t *testing.T) {
	t.Parallel()
	r := newCaptureRunner()
	src := &staticSource{pending: []store.Schedule{{
		ID:       "s1",
		TargetID: "app.alpha",
		DueAt:    time.Now().Add(-time.Minute),
		Status:   store.StatusPending,
	}}}
	startDispatcher(t, Config{Workers: 1}, r, src)

	f := r.wait(t, 2*time.Second)
	if f.ScheduleID != "s1" {
		t.Fatalf("unexpected fire: %+v", f)
	}
}

func TestSweepSkipsAlreadyFiredKeys(t *testing.T) {
	t.Parallel()
	r := newCaptureRunner()
	// The schedule stays pending in the source, the way a fallback outcome
	// leaves it, while sweeps keep running.
	src := &staticSource{pending: []store.Schedule{{
		ID:       "s1",
		TargetID: "app.alpha",
		DueAt:    time.Now().Add(-time.Minute),
		Status:   store.StatusPending,
	}}}
	d := startDispatcher(t, Config{Workers: 1}, r, src)

	r.wait(t, 2*time.Second)

	// Run the sweep again by hand; the fired key must not be re-armed.
	d.reconcile(context.Background())
	d.reconcile(context.Background())
	time.Sleep(100 * time.Millisecond)
	if got := r.count(); got != 1 {
		t.Fatalf("fires = %d, want exactly 1 despite repeated sweeps", got)
	}
	if d.PendingFires() != 0 {
		t.Fatalf("PendingFires = %d, want 0", d.PendingFires())
	}
}

func TestEnqueueRequiresID(t *testing.T) {
	t.Parallel()
	d := New(Config{}, logx.Nop())
	if err := d.Enqueue("", "app.alpha", time.Now()); err == nil {
		t.Fatal("expected error for empty schedule id")
	}
}
