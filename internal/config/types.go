package config

// Config is the root of the appsched configuration file.
//
// The file may be JSON or YAML; YAML is coerced to JSON so both formats go
// through the same strict decoder (unknown fields are rejected).
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage configures the schedule store (SQLite database file).
	Storage StorageConfig `json:"storage"`

	// Scheduler controls schedule-level behavior such as the default
	// conflict window applied when a request does not carry one.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Dispatcher controls the deferred-fire machinery (worker pool and the
	// reconcile sweep that re-arms live pending schedules).
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`

	// Notifier controls the fallback-notification pipeline.
	Notifier NotifierConfig `json:"notifier,omitempty"`

	// Telegram configures the notification surface used to post fallback
	// notices with open/cancel actions.
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// Monitor controls the passive activation observer.
	Monitor MonitorConfig `json:"monitor,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Path of the SQLite database file. Required.
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s"). Optional.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig holds schedule-level defaults.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// DefaultConflictWindow is applied when a create/update request passes a
	// zero window. "0s" disables conflict checking for such requests.
	DefaultConflictWindow string `json:"default_conflict_window,omitempty"`
	// FireTimeout bounds a single execution-worker run. Default "30s".
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// DispatcherConfig controls deferred-fire execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - reconcile_every: "1m"
type DispatcherConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// ReconcileEvery is the interval of the sweep that re-arms pending
	// schedules with no live timer. "0s" disables the sweep.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

// NotifierConfig controls the async fallback-notification pipeline.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	// ChatID is the chat that receives fallback notices.
	ChatID int64 `json:"chat_id,omitempty"`
	// PollTimeout is the long-poll timeout, Go duration string. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// MonitorConfig controls the passive activation observer.
type MonitorConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval between activation probes. Default "5s".
	PollInterval string `json:"poll_interval,omitempty"`
}
