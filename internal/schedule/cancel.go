package schedule

import (
	"context"
	"errors"

	logx "appsched/pkg/logx"
)

// CancelRequest is the single cancellation command. The UI and the fallback
// notification's cancel action both construct this same message; there is
// one consumer, not divergent code paths.
type CancelRequest struct {
	ScheduleID string
	TargetID   string
}

// CancellationHandler processes user-initiated cancellation.
type CancellationHandler struct {
	svc     *Service
	notices NoticeRetractor
	log     logx.Logger
}

func NewCancellationHandler(svc *Service, notices NoticeRetractor, log logx.Logger) *CancellationHandler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CancellationHandler{svc: svc, notices: notices, log: log}
}

// Handle cancels the schedule and retracts its fallback notice. The explicit
// dismiss matters: cancelling the dispatcher entry does not take down a
// notification that is already on screen, and it must also happen when the
// schedule id turns out to be unknown or already terminal.
func (h *CancellationHandler) Handle(ctx context.Context, req CancelRequest) error {
	if h.notices != nil {
		h.notices.Dismiss(ctx, req.ScheduleID)
	}

	err := h.svc.Cancel(ctx, req.ScheduleID)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		// Non-fatal: the notice is gone either way.
		h.log.Warn("cancel requested for unknown schedule",
			logx.String("schedule", req.ScheduleID),
			logx.String("target", req.TargetID))
		return err
	}
	return err
}
