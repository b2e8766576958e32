package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"appsched/internal/eventbus"
	"appsched/internal/launch"
	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

type stateLauncher struct {
	mu     sync.Mutex
	states map[string]launch.State
}

func (l *stateLauncher) set(target string, active, installed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states == nil {
		l.states = map[string]launch.State{}
	}
	l.states[target] = launch.State{TargetID: target, Active: active, Installed: installed, At: time.Now()}
}

func (l *stateLauncher) ActiveState(_ context.Context, targetID string) (launch.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states[targetID]
	if !ok {
		return launch.State{TargetID: targetID, Installed: false, Raw: "not-found"}, nil
	}
	return st, nil
}

func (l *stateLauncher) Resolve(context.Context, string) error            { return nil }
func (l *stateLauncher) Activatable(context.Context, string) (bool, error) { return true, nil }
func (l *stateLauncher) Activate(context.Context, string) error           { return nil }
func (l *stateLauncher) Close() error                                     { return nil }

type listSource struct {
	mu      sync.Mutex
	pending []store.Schedule
}

func (s *listSource) set(targets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	for _, t := range targets {
		s.pending = append(s.pending, store.Schedule{ID: "s-" + t, TargetID: t, Status: store.StatusPending})
	}
}

func (s *listSource) ListPending(context.Context) ([]store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Schedule(nil), s.pending...), nil
}

func collect(ch <-chan eventbus.Event, d time.Duration) []eventbus.Event {
	var out []eventbus.Event
	deadline := time.After(d)
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
}

func TestTickReportsActivationEdge(t *testing.T) {
	t.Parallel()
	l := &stateLauncher{}
	src := &listSource{}
	bus := eventbus.New()
	m := New(Config{Enabled: true, PollInterval: time.Second}, l, src, bus, logx.Nop())

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	src.set("app.alpha")
	l.set("app.alpha", false, true)
	ctx := context.Background()

	// Inactive: nothing reported.
	m.tick(ctx)
	if got := collect(ch, 50*time.Millisecond); len(got) != 0 {
		t.Fatalf("events = %+v, want none while inactive", got)
	}

	// Edge to active: one event.
	l.set("app.alpha", true, true)
	m.tick(ctx)
	got := collect(ch, 50*time.Millisecond)
	if len(got) != 1 || got[0].Type != eventbus.TypeActivationDetected {
		t.Fatalf("events = %+v, want one activation", got)
	}
	ev, ok := got[0].Data.(eventbus.ActivationEvent)
	if !ok || ev.TargetID != "app.alpha" {
		t.Fatalf("payload = %+v", got[0].Data)
	}

	// Staying active: no repeat.
	m.tick(ctx)
	if got := collect(ch, 50*time.Millisecond); len(got) != 0 {
		t.Fatalf("events = %+v, want none while steadily active", got)
	}
}

func TestAlreadyActiveOnFirstObservationReportsOnce(t *testing.T) {
	t.Parallel()
	l := &stateLauncher{}
	src := &listSource{}
	bus := eventbus.New()
	m := New(Config{Enabled: true, PollInterval: time.Second}, l, src, bus, logx.Nop())

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	src.set("app.alpha")
	l.set("app.alpha", true, true)
	m.tick(context.Background())
	m.tick(context.Background())

	if got := collect(ch, 50*time.Millisecond); len(got) != 1 {
		t.Fatalf("events = %d, want exactly 1", len(got))
	}
}

func TestRescheduledTargetIsObservedFresh(t *testing.T) {
	t.Parallel()
	l := &stateLauncher{}
	src := &listSource{}
	bus := eventbus.New()
	m := New(Config{Enabled: true, PollInterval: time.Second}, l, src, bus, logx.Nop())

	ch, unsub := bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	src.set("app.alpha")
	l.set("app.alpha", true, true)
	m.tick(ctx)
	if got := collect(ch, 50*time.Millisecond); len(got) != 1 {
		t.Fatalf("first observation: events = %d, want 1", len(got))
	}

	// Schedule settled; target leaves the watch set and its state is dropped.
	src.set()
	m.tick(ctx)

	// New schedule for the same, still-active target: reported again.
	src.set("app.alpha")
	m.tick(ctx)
	if got := collect(ch, 50*time.Millisecond); len(got) != 1 {
		t.Fatalf("re-watch: events = %d, want 1", len(got))
	}
}

type countCompleter struct {
	mu      sync.Mutex
	targets []string
}

func (c *countCompleter) MarkExecuted(_ context.Context, targetID string) {
	c.mu.Lock()
	c.targets = append(c.targets, targetID)
	c.mu.Unlock()
}

func TestRunCompletionDrivesMarkExecuted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := &countCompleter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunCompletion(ctx, bus, c, logx.Nop())
	}()

	// Give the subscriber a moment to attach.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.TypeActivationDetected, Data: eventbus.ActivationEvent{TargetID: "app.alpha", At: time.Now()}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleCreated, Data: eventbus.ScheduleEvent{ScheduleID: "x"}})

	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.targets)
		c.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("completions = %d, want 1", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCompletion did not exit on cancel")
	}
}
