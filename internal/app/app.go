package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"appsched/internal/config"
	"appsched/internal/dispatch"
	"appsched/internal/eventbus"
	"appsched/internal/launch"
	"appsched/internal/monitor"
	"appsched/internal/notify"
	"appsched/internal/schedule"
	"appsched/internal/store"
	"appsched/internal/worker"
	logx "appsched/pkg/logx"
)

// App owns construction and lifecycle of every component. Wiring is
// explicit: no globals, no registries.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	bus eventbus.Bus
	st  store.Store

	launcher launch.Launcher
	disp     *dispatch.Service
	svc      *schedule.Service
	exec     *worker.ExecutionWorker
	cancels  *schedule.CancellationHandler
	notifier *notify.Service
	adapter  *notify.TelegramAdapter
	mon      *monitor.Service

	runCancel context.CancelFunc
	bgWG      sync.WaitGroup
	started   bool
	mu        sync.Mutex
}

// New loads the config at cfgPath and builds the full component graph.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logs, log: log}
	if err := a.build(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func validate(_ context.Context, cfg *config.Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must be >= 0")
	}
	if cfg.Notifier.RetryMax < 0 {
		return fmt.Errorf("notifier.retry_max must be >= 0")
	}
	// Reject bad durations before a hot reload can commit them.
	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.default_conflict_window", cfg.Scheduler.DefaultConflictWindow},
		{"scheduler.fire_timeout", cfg.Scheduler.FireTimeout},
		{"dispatcher.reconcile_every", cfg.Dispatcher.ReconcileEvery},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"monitor.poll_interval", cfg.Monitor.PollInterval},
	} {
		if _, err := config.ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	return nil
}

func (a *App) build(cfg *config.Config) error {
	if err := validate(context.Background(), cfg); err != nil {
		return err
	}

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	window, _ := config.ParseDurationOrDefault("scheduler.default_conflict_window", cfg.Scheduler.DefaultConflictWindow, 10*time.Minute)
	fireTimeout, _ := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 30*time.Second)
	reconcileEvery, _ := config.ParseDurationOrDefault("dispatcher.reconcile_every", cfg.Dispatcher.ReconcileEvery, time.Minute)
	retryBase, _ := config.ParseDurationOrDefault("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	retryMaxDelay, _ := config.ParseDurationOrDefault("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 10*time.Second)
	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	pollInterval, _ := config.ParseDurationOrDefault("monitor.poll_interval", cfg.Monitor.PollInterval, 5*time.Second)

	a.bus = eventbus.New()

	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	launcher, err := launch.NewSystemdLauncher(context.Background(), a.log.With(logx.String("comp", "launch")))
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("launcher: %w", err)
	}
	a.launcher = launcher

	a.disp = dispatch.New(dispatch.Config{
		Workers:        cfg.Dispatcher.Workers,
		QueueSize:      cfg.Dispatcher.QueueSize,
		ReconcileEvery: reconcileEvery,
	}, a.log.With(logx.String("comp", "dispatch")))

	a.notifier = notify.New(notify.Config{
		Enabled:       cfg.Notifier.Enabled,
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}, nil, a.bus, a.log.With(logx.String("comp", "notify")))

	a.svc = schedule.New(st, a.disp, a.bus, a.log.With(logx.String("comp", "schedule")),
		schedule.WithNoticeRetractor(a.notifier),
		schedule.WithDefaultConflictWindow(window),
	)
	a.exec = worker.New(worker.Config{FireTimeout: fireTimeout},
		a.svc, launcher, a.notifier, a.log.With(logx.String("comp", "worker")))
	a.disp.Bind(a.exec, a.svc)

	a.cancels = schedule.NewCancellationHandler(a.svc, a.notifier, a.log.With(logx.String("comp", "cancel")))

	if cfg.Telegram.Enabled {
		adapter, err := notify.NewTelegramAdapter(notify.TelegramConfig{
			Token:       cfg.Telegram.Token,
			ChatID:      cfg.Telegram.ChatID,
			PollTimeout: pollTimeout,
		}, notify.Callbacks{
			OnOpen: a.exec.OpenNow,
			OnCancel: func(ctx context.Context, scheduleID, targetID string) {
				_ = a.cancels.Handle(ctx, schedule.CancelRequest{ScheduleID: scheduleID, TargetID: targetID})
			},
		}, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("telegram adapter: %w", err)
		}
		a.adapter = adapter
		a.notifier.SetAdapter(adapter)
	}

	a.mon = monitor.New(monitor.Config{
		Enabled:      cfg.Monitor.Enabled,
		PollInterval: pollInterval,
	}, launcher, a.svc, a.bus, a.log.With(logx.String("comp", "monitor")))

	return nil
}

// Schedules exposes the scheduling surface for callers embedding the app.
func (a *App) Schedules() *schedule.Service { return a.svc }

// Cancellations exposes the cancellation command handler.
func (a *App) Cancellations() *schedule.CancellationHandler { return a.cancels }

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.notifier.Start(runCtx)
	if a.adapter != nil {
		a.adapter.Start(runCtx)
	}
	a.disp.Start(runCtx)
	a.mon.Start(runCtx)

	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		monitor.RunCompletion(runCtx, a.bus, a.svc, a.log.With(logx.String("comp", "completion")))
	}()

	// Config hot reload: watch the file and apply the ambient bits that can
	// change at runtime.
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		sub := a.cfgm.Subscribe(4)
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.started = true
	a.log.Info("appsched started")
	return nil
}

// applyReload applies the subset of config that is safe to change live:
// logging sinks/level and notifier pacing. Structural settings (storage
// path, telegram identity, pool sizes) need a restart.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	retryBase, _ := config.ParseDurationOrDefault("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	retryMaxDelay, _ := config.ParseDurationOrDefault("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay, 10*time.Second)
	a.notifier.Apply(notify.Config{
		Enabled:       cfg.Notifier.Enabled,
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	})
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.runCancel
	a.runCancel = nil
	a.mu.Unlock()

	// Intake first, then timers, then delivery, then the poll surfaces.
	a.mon.Stop(ctx)
	a.disp.Stop(ctx)
	a.notifier.Stop(ctx)
	if a.adapter != nil {
		a.adapter.Stop(ctx)
	}

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		a.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := a.launcher.Close(); err != nil {
		a.log.Warn("launcher close failed", logx.Err(err))
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("appsched stopped")
	return a.logs.Close()
}
