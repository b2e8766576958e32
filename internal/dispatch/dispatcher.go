package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "appsched/pkg/logx"
)

// Service is the deferred dispatcher: one pending timer per schedule id,
// replace-on-reschedule, fires delivered to a worker pool so they never run
// on a caller's goroutine.
//
// Timers are in-process; durability comes from the store. At startup and on
// every reconcile sweep the pending schedules are re-armed, so any schedule
// that is still Pending eventually fires at least once even across process
// restarts.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	runner Runner
	source PendingSource

	queue  chan Fire
	stopCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	c *cron.Cron

	// tmu guards the timer wheel.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	defs   map[string]Fire
	// ver ignores stale callbacks from timers that were replaced after the
	// callback was already scheduled.
	ver map[string]uint64
	// fired remembers keys that fired in this process so the reconcile sweep
	// does not hot-loop a schedule whose fire ended without completing it
	// (e.g. the fallback path leaves it Pending on purpose).
	fired map[string]struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		timers: map[string]*time.Timer{},
		defs:   map[string]Fire{},
		ver:    map[string]uint64{},
		fired:  map[string]struct{}{},
	}
}

// Bind wires the runner and the pending source. Must be called before
// Start; it exists because the schedule service and the dispatcher refer to
// each other and one of them has to be constructed first.
func (s *Service) Bind(runner Runner, source PendingSource) {
	s.mu.Lock()
	s.runner = runner
	s.source = source
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.queue = make(chan Fire, s.cfg.QueueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	workers := s.cfg.Workers

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	if s.cfg.ReconcileEvery > 0 {
		s.c = cron.New()
		spec := fmt.Sprintf("@every %s", s.cfg.ReconcileEvery.String())
		_, err := s.c.AddFunc(spec, func() { s.reconcile(runCtx) })
		if err != nil {
			s.log.Error("reconcile sweep register failed", logx.String("spec", spec), logx.Err(err))
		}
		s.c.Start()
	}
	s.mu.Unlock()

	// Re-arm whatever is still pending in the store.
	s.reconcile(runCtx)

	s.log.Info("dispatcher started",
		logx.Int("workers", workers),
		logx.Duration("reconcile_every", s.cfg.ReconcileEvery))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.stopCh = nil
	s.runCancel = nil
	s.runCtx = nil
	s.queue = nil
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	// Stop runtime timers; definitions live in the store and will be
	// re-armed on the next Start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.defs = map[string]Fire{}
	s.ver = map[string]uint64{}
	s.fired = map[string]struct{}{}
	s.tmu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("dispatcher stopped")
}

// Enqueue arms (or re-arms) the fire for scheduleID. A second enqueue for
// the same id replaces the first: at most one pending fire exists per
// schedule. A due time at or before now fires as soon as possible instead
// of being dropped.
func (s *Service) Enqueue(scheduleID, targetID string, dueAt time.Time) error {
	if scheduleID == "" {
		return fmt.Errorf("schedule id required")
	}
	f := Fire{ScheduleID: scheduleID, TargetID: targetID, DueAt: dueAt}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[scheduleID]; ok {
		_ = t.Stop()
		delete(s.timers, scheduleID)
	}
	ver := s.ver[scheduleID] + 1
	s.ver[scheduleID] = ver
	s.defs[scheduleID] = f
	// A fresh enqueue makes the key live again for the sweep.
	delete(s.fired, scheduleID)

	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}
	localVer := ver
	s.timers[scheduleID] = time.AfterFunc(delay, func() {
		s.fire(scheduleID, localVer)
	})

	s.log.Debug("fire armed",
		logx.String("schedule", scheduleID),
		logx.String("target", targetID),
		logx.Time("due", dueAt),
		logx.Duration("delay", delay))
	return nil
}

// Cancel removes the pending fire for scheduleID if it has not fired yet.
// No-op when absent or already fired.
func (s *Service) Cancel(scheduleID string) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[scheduleID]; ok {
		_ = t.Stop()
		delete(s.timers, scheduleID)
	}
	delete(s.defs, scheduleID)
	delete(s.ver, scheduleID)
}

func (s *Service) fire(scheduleID string, ver uint64) {
	s.tmu.Lock()
	f, ok := s.defs[scheduleID]
	if !ok || s.ver[scheduleID] != ver {
		// Replaced or cancelled after this callback was scheduled.
		s.tmu.Unlock()
		return
	}
	delete(s.timers, scheduleID)
	delete(s.defs, scheduleID)
	s.fired[scheduleID] = struct{}{}
	s.tmu.Unlock()

	s.dispatch(f)
}

func (s *Service) dispatch(f Fire) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("dispatcher not running; dropping fire", logx.String("schedule", f.ScheduleID))
		return
	}
	select {
	case q <- f:
	default:
		// Queue full. The reconcile sweep will not retry (the key is marked
		// fired), but a restart re-arms it; log loudly.
		s.log.Warn("dispatch queue full; dropping fire",
			logx.String("schedule", f.ScheduleID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Fire) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case f := <-queue:
			s.mu.Lock()
			r := s.runner
			s.mu.Unlock()
			if r != nil {
				r.Run(ctx, f)
			}
		}
	}
}

// reconcile re-arms a timer for every pending schedule that has neither a
// live timer nor a completed fire in this process.
func (s *Service) reconcile(ctx context.Context) {
	s.mu.Lock()
	source := s.source
	s.mu.Unlock()
	if source == nil {
		return
	}
	pending, err := source.ListPending(ctx)
	if err != nil {
		s.log.Warn("reconcile sweep failed", logx.Err(err))
		return
	}

	rearmed := 0
	for _, sc := range pending {
		s.tmu.Lock()
		_, hasTimer := s.timers[sc.ID]
		_, hasFired := s.fired[sc.ID]
		s.tmu.Unlock()
		if hasTimer || hasFired {
			continue
		}
		if err := s.Enqueue(sc.ID, sc.TargetID, sc.DueAt); err == nil {
			rearmed++
		}
	}
	if rearmed > 0 {
		s.log.Info("reconcile sweep re-armed fires", logx.Int("count", rearmed))
	}
}

// PendingFires reports how many timers are currently armed.
func (s *Service) PendingFires() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}
