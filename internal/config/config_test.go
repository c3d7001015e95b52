package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParse_YAMLWithEnvOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
trigger:
  poll_interval: 10s
poll:
  window_sec: 30
source:
  base_url: http://file-reminders:3000
resolver:
  base_url: http://users:3000
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewConfigManager(path)
	m.SetEnv(envMap(map[string]string{
		"REMINDER_SERVICE_BASEURL": "http://reminders:3000",
		"POLL_INTERVAL_MS":         "12500",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Source.BaseURL != "http://reminders:3000" {
		t.Fatalf("env override not applied: %q", cfg.Source.BaseURL)
	}
	if cfg.Poll.WindowSec != 30 {
		t.Fatalf("window_sec=%d want 30", cfg.Poll.WindowSec)
	}
	every, err := cfg.PollInterval()
	if err != nil {
		t.Fatalf("PollInterval: %v", err)
	}
	if every != 12500*time.Millisecond {
		t.Fatalf("poll interval=%s want 12.5s", every)
	}
	if cfg.Trigger.ScheduleID != DefaultScheduleID {
		t.Fatalf("schedule id=%q", cfg.Trigger.ScheduleID)
	}
	if cfg.Delivery.MaxAttempts != 5 || cfg.Delivery.InitialBackoff != "2s" || cfg.Delivery.AttemptTimeout != "2m" {
		t.Fatalf("unexpected delivery defaults: %+v", cfg.Delivery)
	}
	if cfg.Auth.Bearer != "DEV" {
		t.Fatalf("bearer default=%q", cfg.Auth.Bearer)
	}
}

func TestParse_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	m.SetEnv(envMap(map[string]string{"PORT": "4100", "DUE_WINDOW_SEC": "90"}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Health.Addr != ":4100" {
		t.Fatalf("addr=%q", cfg.Health.Addr)
	}
	if cfg.Poll.WindowSec != 90 {
		t.Fatalf("window=%d", cfg.Poll.WindowSec)
	}
	if !cfg.Health.Enabled {
		t.Fatalf("health should default to enabled")
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"trigger":{"interval":"5s"}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m := NewConfigManager(path)
	m.SetEnv(nil)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Trigger.Timezone = "Mars/Olympus"
	cfg.Delivery.Jitter = 2
	cfg.Gateway.Driver = "twilio"
	cfg.Ledger.Driver = "sqlite"

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"trigger.timezone", "delivery.jitter", "source.base_url", "resolver.base_url", "account_sid", "ledger.path"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("missing %q in %q", want, msg)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := Defaults()
	b := Defaults()
	b.Trigger.PollInterval = "45s"
	b.Gateway.AuthToken = "secret"

	changed, _ := SummarizeConfigChange(a, b)
	if !HasSection(changed, "trigger") || !HasSection(changed, "gateway") {
		t.Fatalf("changed=%v", changed)
	}
	if HasSection(changed, "poll") {
		t.Fatalf("poll should be unchanged: %v", changed)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "45", want: 45 * time.Second},
		{raw: " 2s ", want: 2 * time.Second},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("x", tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}

	d, err := ParseDurationOrDefault("x", "0", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default: d=%s err=%v", d, err)
	}
}

func TestDecode_RejectsTrailingJSON(t *testing.T) {
	t.Parallel()

	if _, err := decode("config.json", []byte(`{"poll":{"window_sec":5}} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	cfg, err := decode("config.yml", []byte("poll:\n  window_sec: 5\n"))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Poll.WindowSec != 5 {
		t.Fatalf("window=%d", cfg.Poll.WindowSec)
	}
	if cfg, err := decode("empty.yaml", nil); err != nil || cfg == nil {
		t.Fatalf("empty yaml: cfg=%v err=%v", cfg, err)
	}
}
