package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.PollInterval != 30*time.Second || cfg.ErrorBackoff != time.Minute {
		t.Fatalf("unexpected cadence %s/%s", cfg.PollInterval, cfg.ErrorBackoff)
	}
	if cfg.BusyReminderCycles != 10 || cfg.BusyResetCycles != 20 {
		t.Fatalf("unexpected busy cycles %d/%d", cfg.BusyReminderCycles, cfg.BusyResetCycles)
	}
	if cfg.DayChangeHour != 18 {
		t.Fatalf("DayChangeHour = %d, want 18", cfg.DayChangeHour)
	}
}

func TestLoadAppliesOverridesAndDerivedPaths(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/dwarf
device_url: http://10.0.0.5:8082/
poll_interval: 10s
device_retries: 5
day_change_hour: 0
timezone: UTC
event_retention: 168h
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueDir != "/srv/dwarf/queue" {
		t.Fatalf("QueueDir = %q", cfg.QueueDir)
	}
	if cfg.HistoryDir != "/srv/dwarf/queue/History" {
		t.Fatalf("HistoryDir = %q", cfg.HistoryDir)
	}
	if cfg.DBPath != "/srv/dwarf/events.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.DeviceURL != "http://10.0.0.5:8082" {
		t.Fatalf("DeviceURL = %q", cfg.DeviceURL)
	}
	if cfg.PollInterval != 10*time.Second || cfg.DeviceRetries != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.EventRetention != 7*24*time.Hour {
		t.Fatalf("EventRetention = %v", cfg.EventRetention)
	}
	if cfg.DayChangeHour != 0 {
		t.Fatalf("DayChangeHour = %d, want explicit 0", cfg.DayChangeHour)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("Location() = %v, %v", loc, err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "poll_interval: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll_interval error, got %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional() error = %v", err)
	}
	if cfg.QueueDir != DefaultConfig().QueueDir {
		t.Fatalf("expected default queue dir, got %q", cfg.QueueDir)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "metrics not loopback", mutate: func(c *Config) { c.MetricsListen = "0.0.0.0:9100" }, want: "localhost-only"},
		{name: "metrics bad form", mutate: func(c *Config) { c.MetricsListen = "9100" }, want: "host:port"},
		{name: "device url", mutate: func(c *Config) { c.DeviceURL = "ftp://dwarf" }, want: "device_url"},
		{name: "day change hour", mutate: func(c *Config) { c.DayChangeHour = 24 }, want: "day_change_hour"},
		{name: "retries", mutate: func(c *Config) { c.DeviceRetries = 0 }, want: "device_retries"},
		{name: "timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, want: "timezone"},
		{name: "queue dir", mutate: func(c *Config) { c.QueueDir = "" }, want: "queue_dir"},
		{name: "event retention", mutate: func(c *Config) { c.EventRetention = -time.Hour }, want: "event_retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
	cfg := DefaultConfig()
	cfg.MetricsListen = "127.0.0.1:9100"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loopback metrics rejected: %v", err)
	}
}
