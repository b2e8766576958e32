package worker

import (
	"context"
	"errors"
	"time"

	"appsched/internal/dispatch"
	"appsched/internal/launch"
	"appsched/internal/notify"
	"appsched/internal/schedule"
	"appsched/internal/store"
	logx "appsched/pkg/logx"
)

// Notifier posts the deferred-activation prompt when the direct path is
// unavailable.
type Notifier interface {
	PostFallback(ctx context.Context, n notify.FallbackNotice) error
}

// Config controls the execution worker.
type Config struct {
	// FireTimeout bounds one complete fire handling pass.
	FireTimeout time.Duration
}

// ExecutionWorker handles a dispatched fire: verify the schedule is still
// live, try direct activation, and fall back to a notice when it cannot
// proceed. Every outcome lands in the execution log; only a successful
// direct activation completes the schedule. The fallback and not-found
// outcomes leave it Pending so the user action or the passive monitor can
// still finish it.
type ExecutionWorker struct {
	svc      *schedule.Service
	launcher launch.Launcher
	notifier Notifier
	log      logx.Logger
	timeout  time.Duration
}

func New(cfg Config, svc *schedule.Service, launcher launch.Launcher, notifier Notifier, log logx.Logger) *ExecutionWorker {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.FireTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExecutionWorker{
		svc:      svc,
		launcher: launcher,
		notifier: notifier,
		log:      log,
		timeout:  timeout,
	}
}

// Run implements dispatch.Runner.
func (w *ExecutionWorker) Run(ctx context.Context, f dispatch.Fire) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	sc, err := w.svc.Get(ctx, f.ScheduleID)
	if err != nil {
		var nf *schedule.NotFoundError
		if errors.As(err, &nf) {
			// Deleted out from under the timer; nothing to do.
			w.log.Debug("fire for unknown schedule", logx.String("schedule", f.ScheduleID))
			return
		}
		w.log.Error("fire lookup failed", logx.String("schedule", f.ScheduleID), logx.Err(err))
		return
	}
	if sc.Status != store.StatusPending {
		// Cancelled or completed while the timer was pending.
		w.log.Debug("fire for settled schedule",
			logx.String("schedule", f.ScheduleID),
			logx.String("status", string(sc.Status)))
		return
	}

	ok, err := w.launcher.Activatable(ctx, sc.TargetID)
	switch {
	case errors.Is(err, launch.ErrNotInstalled):
		// Unresolvable target. Left Pending so a reinstall plus the monitor
		// (or the user) can still complete it.
		w.log.Warn("fire target not installed",
			logx.String("schedule", sc.ID),
			logx.String("target", sc.TargetID))
		w.svc.RecordAttempt(ctx, sc.ID, false, store.ReasonTargetNotFound)
		return
	case err != nil || !ok:
		if err != nil {
			w.log.Warn("activation probe failed; posting fallback",
				logx.String("schedule", sc.ID),
				logx.String("target", sc.TargetID),
				logx.Err(err))
		}
		w.fallback(ctx, sc)
		return
	}

	if err := w.launcher.Activate(ctx, sc.TargetID); err != nil {
		if errors.Is(err, launch.ErrNotInstalled) {
			w.svc.RecordAttempt(ctx, sc.ID, false, store.ReasonTargetNotFound)
			return
		}
		w.log.Warn("direct activation failed; posting fallback",
			logx.String("schedule", sc.ID),
			logx.String("target", sc.TargetID),
			logx.Err(err))
		w.fallback(ctx, sc)
		return
	}

	// Complete first, then log. MarkExecuted is the shared CAS path: if the
	// monitor or a cancel won the race this is a silent no-op, which is fine
	// since the target is running either way.
	w.svc.MarkExecuted(ctx, sc.TargetID)
	w.svc.RecordAttempt(ctx, sc.ID, true, store.ReasonDirectOK)
	w.log.Info("direct activation succeeded",
		logx.String("schedule", sc.ID),
		logx.String("target", sc.TargetID))
}

func (w *ExecutionWorker) fallback(ctx context.Context, sc store.Schedule) {
	if w.notifier == nil {
		w.svc.RecordAttempt(ctx, sc.ID, false, store.ReasonFallbackPosted)
		return
	}
	n := notify.FallbackNotice{
		ScheduleID: sc.ID,
		TargetID:   sc.TargetID,
		Label:      sc.Label,
		DueAt:      sc.DueAt,
	}
	if err := w.notifier.PostFallback(ctx, n); err != nil {
		w.log.Error("fallback notice enqueue failed",
			logx.String("schedule", sc.ID),
			logx.String("target", sc.TargetID),
			logx.Err(err))
		w.svc.RecordAttempt(ctx, sc.ID, false, store.ReasonFallbackPosted)
		return
	}
	// The schedule stays Pending: the notice's open action, the passive
	// monitor or a cancel settles it from here.
	w.svc.RecordAttempt(ctx, sc.ID, true, store.ReasonFallbackPosted)
}

// OpenNow serves the notice's open action: activate immediately and
// complete the schedule. Called from the notification adapter.
func (w *ExecutionWorker) OpenNow(ctx context.Context, scheduleID, targetID string) {
	if err := w.launcher.Activate(ctx, targetID); err != nil {
		w.log.Warn("open-now activation failed",
			logx.String("schedule", scheduleID),
			logx.String("target", targetID),
			logx.Err(err))
		return
	}
	w.svc.MarkExecuted(ctx, targetID)
}
