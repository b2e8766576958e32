package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "/var/lib/appsched/sched.db", "busy_timeout": "5s"},
		"scheduler": {"default_conflict_window": "10m"},
		"dispatcher": {"workers": 4, "reconcile_every": "30s"},
		"monitor": {"enabled": true, "poll_interval": "2s"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/var/lib/appsched/sched.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  path: ./sched.db
scheduler:
  default_conflict_window: 15m
notifier:
  enabled: true
  rate_per_sec: 5
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.DefaultConflictWindow != "15m" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Notifier.Enabled || cfg.Notifier.RatePerSec != 5 {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"storage": {"path": "x"}, "no_such_section": 1}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field rejection")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"storage": {"path": "x"}} {"again": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected trailing-data rejection")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty is zero", raw: "", want: 0},
		{name: "seconds", raw: "5s", want: 5 * time.Second},
		{name: "minutes", raw: "10m", want: 10 * time.Minute},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "bare number", raw: "5", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("test.field", "", 7*time.Second)
	if err != nil || got != 7*time.Second {
		t.Fatalf("got %v err %v, want 7s", got, err)
	}
	got, err = ParseDurationOrDefault("test.field", "1m", 7*time.Second)
	if err != nil || got != time.Minute {
		t.Fatalf("got %v err %v, want 1m", got, err)
	}
}
