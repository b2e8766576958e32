package notify

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"appsched/internal/eventbus"
	logx "appsched/pkg/logx"
)

// Service is the async fallback-notice pipeline: bounded queue, worker
// pool, token-bucket rate limit, retry with jittered backoff. It keeps the
// posted notice per schedule id so a later Dismiss can retract exactly the
// message that is on screen, and so a re-post for the same schedule
// replaces the old notice instead of stacking a second one.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	workerWG  sync.WaitGroup

	queue    chan FallbackNotice
	stopDone chan struct{} // non-nil while stopping

	// pmu guards posted/dismissed.
	pmu    sync.Mutex
	posted map[string]NoticeRef
	// dismissed suppresses queued notices whose schedule was cancelled or
	// completed before the worker got to them.
	dismissed map[string]struct{}
}

func New(cfg Config, adapter Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter:   adapter,
		bus:       bus,
		log:       log,
		posted:    map[string]NoticeRef{},
		dismissed: map[string]struct{}{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetAdapter wires (or replaces) the delivery channel. The pipeline accepts
// notices without one; they fail delivery and are retried per the config.
func (s *Service) SetAdapter(a Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes don't stall workers.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan FallbackNotice, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	q := s.queue
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notify worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.workerLoop(ctx, q)
		}()
	}
	s.log.Info("notify pipeline started", logx.Int("workers", workers))
}

// Stop blocks intake and drains the queue best-effort until ctx's deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues first, then close so workers can drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		s.workerWG.Wait()

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// PostFallback queues the notice for delivery. The schedule becomes live
// again for this pipeline: a Dismiss issued before this call no longer
// suppresses it.
func (s *Service) PostFallback(ctx context.Context, n FallbackNotice) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	s.pmu.Lock()
	delete(s.dismissed, n.ScheduleID)
	s.pmu.Unlock()

	select {
	case q <- n:
		return nil
	default:
		s.log.Warn("notice queue full; dropping",
			logx.String("schedule", n.ScheduleID),
			logx.String("target", n.TargetID))
		return ErrQueueFull
	}
}

// Dismiss retracts the posted notice for scheduleID, and suppresses it if
// it is still queued. Unknown ids are a no-op.
func (s *Service) Dismiss(ctx context.Context, scheduleID string) {
	s.pmu.Lock()
	ref, ok := s.posted[scheduleID]
	delete(s.posted, scheduleID)
	s.dismissed[scheduleID] = struct{}{}
	s.pmu.Unlock()

	s.mu.Lock()
	ad := s.adapter
	s.mu.Unlock()

	if !ok || ref.IsZero() || ad == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ad.Retract(cctx, ref); err != nil {
		s.log.Warn("notice retract failed",
			logx.String("schedule", scheduleID),
			logx.Err(err))
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan FallbackNotice) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			s.postWithRetry(ctx, n)
		}
	}
}

func (s *Service) postWithRetry(runCtx context.Context, n FallbackNotice) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if ad == nil {
		return
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// A cancellation that raced the queue wins.
		s.pmu.Lock()
		_, gone := s.dismissed[n.ScheduleID]
		s.pmu.Unlock()
		if gone {
			return
		}

		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		ref, err := ad.Post(callCtx, n)
		cancel()
		if err == nil {
			s.recordPosted(runCtx, n, ref)
			return
		}
		lastErr = err
		s.log.Debug("notice post failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.log.Error("notice delivery gave up",
			logx.String("schedule", n.ScheduleID),
			logx.String("target", n.TargetID),
			logx.Err(lastErr))
	}
}

func (s *Service) recordPosted(ctx context.Context, n FallbackNotice, ref NoticeRef) {
	s.mu.Lock()
	ad := s.adapter
	s.mu.Unlock()

	s.pmu.Lock()
	if _, gone := s.dismissed[n.ScheduleID]; gone {
		// Dismissed while the post was in flight; take it straight down.
		s.pmu.Unlock()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = ad.Retract(cctx, ref)
		return
	}
	prev, had := s.posted[n.ScheduleID]
	s.posted[n.ScheduleID] = ref
	s.pmu.Unlock()

	// One visible notice per schedule.
	if had && !prev.IsZero() {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = ad.Retract(cctx, prev)
		cancel()
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeFallbackPosted,
			Time: time.Now(),
			Data: eventbus.ScheduleEvent{ScheduleID: n.ScheduleID, TargetID: n.TargetID, At: time.Now()},
		})
	}
	s.log.Info("fallback notice posted",
		logx.String("schedule", n.ScheduleID),
		logx.String("target", n.TargetID))
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	f := 0.7 + rng.Float64()*0.6
	return time.Duration(float64(d) * f)
}
