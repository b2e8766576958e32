package monitor

import (
	"context"

	"appsched/internal/eventbus"
	logx "appsched/pkg/logx"
)

// Completer settles the pending schedule for a target that became active.
// Implemented by the schedule service's MarkExecuted.
type Completer interface {
	MarkExecuted(ctx context.Context, targetID string)
}

// RunCompletion consumes activation events and drives the completion
// protocol. It blocks until ctx is cancelled; run it on its own goroutine.
// Losing the race against the execution worker or a cancel is harmless
// because completion is a compare-and-set no-op once the schedule settled.
func RunCompletion(ctx context.Context, bus eventbus.Bus, c Completer, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeActivationDetected {
				continue
			}
			ev, ok := e.Data.(eventbus.ActivationEvent)
			if !ok {
				continue
			}
			log.Debug("completing schedule on detected activation", logx.String("target", ev.TargetID))
			c.MarkExecuted(ctx, ev.TargetID)
		}
	}
}
