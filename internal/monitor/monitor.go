package monitor

import (
	"context"
	"sync"
	"time"

	"appsched/internal/eventbus"
	"appsched/internal/launch"
	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

// PendingSource lists the live pending schedules; the monitor only watches
// targets that still have one.
type PendingSource interface {
	ListPending(ctx context.Context) ([]store.Schedule, error)
}

// Config controls the activation monitor.
type Config struct {
	Enabled      bool
	PollInterval time.Duration
}

// Service is the passive side of the completion protocol. It polls the
// active state of every target with a pending schedule and publishes an
// activation event on the inactive-to-active edge, regardless of how the
// target was started. A target already active when its schedule appears is
// reported once on the first tick.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	launcher launch.Launcher
	source   PendingSource
	bus      eventbus.Bus

	cancel context.CancelFunc
	done   chan struct{}

	// prev holds the last observed active flag per target. Entries are
	// dropped when the target no longer has a pending schedule, so a target
	// rescheduled later is observed fresh.
	prev map[string]bool
}

func New(cfg Config, launcher launch.Launcher, source PendingSource, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		launcher: launcher,
		source:   source,
		bus:      bus,
		prev:     map[string]bool{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.log.Info("activation monitor started", logx.Duration("poll", s.cfg.PollInterval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	pending, err := s.source.ListPending(ctx)
	if err != nil {
		s.log.Warn("monitor pending lookup failed", logx.Err(err))
		return
	}

	watched := map[string]struct{}{}
	for _, sc := range pending {
		watched[sc.TargetID] = struct{}{}
	}

	s.mu.Lock()
	for t := range s.prev {
		if _, ok := watched[t]; !ok {
			delete(s.prev, t)
		}
	}
	s.mu.Unlock()

	for target := range watched {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		st, err := s.launcher.ActiveState(pctx, target)
		cancel()
		if err != nil {
			s.log.Debug("monitor probe failed", logx.String("target", target), logx.Err(err))
			continue
		}
		if !st.Installed {
			continue
		}

		s.mu.Lock()
		was, seen := s.prev[target]
		s.prev[target] = st.Active
		s.mu.Unlock()

		// Edge: newly active, or already active on first observation.
		if st.Active && (!seen || !was) {
			s.log.Info("target activation detected",
				logx.String("target", target),
				logx.String("state", st.Raw))
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeActivationDetected,
				Time: st.At,
				Data: eventbus.ActivationEvent{TargetID: target, At: st.At},
			})
		}
	}
}
