package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "appsched/pkg/logx"
)

const (
	actionOpen   = "sched_open"
	actionCancel = "sched_cancel"
)

// TelegramConfig configures the Telegram notice channel.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Callbacks receive the inline-button actions on a posted notice. Both run
// on the adapter's poll goroutine with a bounded context.
type Callbacks struct {
	// OnOpen requests immediate activation of the target.
	OnOpen func(ctx context.Context, scheduleID, targetID string)
	// OnCancel requests cancellation of the schedule.
	OnCancel func(ctx context.Context, scheduleID, targetID string)
}

// TelegramAdapter posts fallback notices as Telegram messages carrying
// open-now / cancel inline buttons, and retracts them by deleting the
// message.
type TelegramAdapter struct {
	cfg TelegramConfig
	log logx.Logger
	cb  Callbacks

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	stopped chan struct{}
}

func NewTelegramAdapter(cfg TelegramConfig, cb Callbacks, log logx.Logger) (*TelegramAdapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &TelegramAdapter{cfg: cfg, log: log, cb: cb, bot: b}
	a.registerHandlers()
	return a, nil
}

func (a *TelegramAdapter) registerHandlers() {
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		// Data buttons arrive as "\f<unique>|<args...>".
		data := strings.TrimPrefix(cb.Data, "\f")
		parts := strings.Split(data, "|")
		if len(parts) != 3 {
			return c.Respond()
		}
		action, scheduleID, targetID := parts[0], parts[1], parts[2]

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		switch action {
		case actionOpen:
			a.log.Info("notice open tapped",
				logx.String("schedule", scheduleID),
				logx.String("target", targetID))
			if a.cb.OnOpen != nil {
				a.cb.OnOpen(ctx, scheduleID, targetID)
			}
			return c.Respond(&tele.CallbackResponse{Text: "Opening"})
		case actionCancel:
			a.log.Info("notice cancel tapped",
				logx.String("schedule", scheduleID),
				logx.String("target", targetID))
			if a.cb.OnCancel != nil {
				a.cb.OnCancel(ctx, scheduleID, targetID)
			}
			return c.Respond(&tele.CallbackResponse{Text: "Cancelled"})
		default:
			return c.Respond()
		}
	})
}

func (a *TelegramAdapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.stopped = make(chan struct{})
	stopped := a.stopped
	a.runMu.Unlock()

	go func() {
		defer close(stopped)
		a.log.Info("telegram polling started")
		// Blocks until Stop().
		a.bot.Start()
		a.log.Info("telegram polling stopped")
	}()

	go func() {
		<-ctx.Done()
		a.Stop(context.Background())
	}()
}

func (a *TelegramAdapter) Stop(ctx context.Context) {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	stopped := a.stopped
	a.runMu.Unlock()

	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-stopped:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	}
}

func noticeText(n FallbackNotice) string {
	label := n.Label
	if label == "" {
		label = n.TargetID
	}
	return fmt.Sprintf("%s was scheduled", label)
}

func (a *TelegramAdapter) Post(ctx context.Context, n FallbackNotice) (NoticeRef, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return NoticeRef{}, ctx.Err()
		default:
		}
	}

	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(
		rm.Data("Open now", actionOpen, n.ScheduleID, n.TargetID),
		rm.Data("Cancel", actionCancel, n.ScheduleID, n.TargetID),
	))

	chat := &tele.Chat{ID: a.cfg.ChatID}
	msg, err := a.bot.Send(chat, noticeText(n), &tele.SendOptions{ReplyMarkup: rm})
	if err != nil {
		return NoticeRef{}, err
	}
	return NoticeRef{ChatID: a.cfg.ChatID, MessageID: msg.ID}, nil
}

func (a *TelegramAdapter) Retract(ctx context.Context, ref NoticeRef) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if ref.IsZero() {
		return nil
	}
	return a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
}
