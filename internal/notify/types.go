package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notify: disabled")
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// Config controls the async notice pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// FallbackNotice is the deferred-activation prompt posted when the direct
// path could not run the target: it tells the user the activation is ready
// and offers open-now and cancel actions.
type FallbackNotice struct {
	ScheduleID string
	TargetID   string
	Label      string
	DueAt      time.Time
}

// NoticeRef identifies a posted notice on the delivery channel so it can be
// retracted later.
type NoticeRef struct {
	ChatID    int64
	MessageID int
}

func (r NoticeRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// Adapter delivers notices on a concrete channel.
type Adapter interface {
	Post(ctx context.Context, n FallbackNotice) (NoticeRef, error)
	Retract(ctx context.Context, ref NoticeRef) error
}
