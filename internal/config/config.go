package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon paths, device endpoint and scheduling cadence.
type Config struct {
	ConfigPath           string
	QueueDir             string
	HistoryDir           string
	DataDir              string
	DBPath               string
	RunDir               string
	SocketPath           string
	MetricsListen        string
	DeviceURL            string
	DeviceRequestTimeout time.Duration
	DeviceRetries        int
	DeviceRetryPause     time.Duration
	PollInterval         time.Duration
	ErrorBackoff         time.Duration
	BusyReminderCycles   int
	BusyResetCycles      int
	DayChangeHour        int
	Timezone             string
	EventRetention       time.Duration
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	QueueDir             string `yaml:"queue_dir"`
	HistoryDir           string `yaml:"history_dir"`
	DataDir              string `yaml:"data_dir"`
	DBPath               string `yaml:"db_path"`
	RunDir               string `yaml:"run_dir"`
	SocketPath           string `yaml:"socket_path"`
	MetricsListen        string `yaml:"metrics_listen"`
	DeviceURL            string `yaml:"device_url"`
	DeviceRequestTimeout string `yaml:"device_request_timeout"`
	DeviceRetries        int    `yaml:"device_retries"`
	DeviceRetryPause     string `yaml:"device_retry_pause"`
	PollInterval         string `yaml:"poll_interval"`
	ErrorBackoff         string `yaml:"error_backoff"`
	BusyReminderCycles   int    `yaml:"busy_reminder_cycles"`
	BusyResetCycles      int    `yaml:"busy_reset_cycles"`
	DayChangeHour        *int   `yaml:"day_change_hour"`
	Timezone             string `yaml:"timezone"`
	EventRetention       string `yaml:"event_retention"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/dwarf-scheduler"
	queueDir := filepath.Join(dataDir, "queue")
	runDir := "/run/dwarf-scheduler"
	return Config{
		ConfigPath:           "/etc/dwarf-scheduler/config.yaml",
		QueueDir:             queueDir,
		HistoryDir:           filepath.Join(queueDir, "History"),
		DataDir:              dataDir,
		DBPath:               filepath.Join(dataDir, "events.db"),
		RunDir:               runDir,
		SocketPath:           filepath.Join(runDir, "dwarfd.sock"),
		MetricsListen:        "",
		DeviceURL:            "http://192.168.88.1:8082",
		DeviceRequestTimeout: 10 * time.Second,
		DeviceRetries:        3,
		DeviceRetryPause:     time.Second,
		PollInterval:         30 * time.Second,
		ErrorBackoff:         60 * time.Second,
		BusyReminderCycles:   10,
		BusyResetCycles:      20,
		DayChangeHour:        18,
		Timezone:             "Local",
		EventRetention:       30 * 24 * time.Hour,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "events.db")
	}
	if fileCfg.DataDir != "" && fileCfg.QueueDir == "" {
		cfg.QueueDir = filepath.Join(cfg.DataDir, "queue")
	}
	if (fileCfg.QueueDir != "" || fileCfg.DataDir != "") && fileCfg.HistoryDir == "" {
		cfg.HistoryDir = filepath.Join(cfg.QueueDir, "History")
	}
	if fileCfg.RunDir != "" && fileCfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.RunDir, "dwarfd.sock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadOptional behaves like Load but returns defaults when the file is absent.
func LoadOptional(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return cfg, nil
	}
	return Load(cfg.ConfigPath)
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.QueueDir != "" {
		cfg.QueueDir = fileCfg.QueueDir
	}
	if fileCfg.HistoryDir != "" {
		cfg.HistoryDir = fileCfg.HistoryDir
	}
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.RunDir != "" {
		cfg.RunDir = fileCfg.RunDir
	}
	if fileCfg.SocketPath != "" {
		cfg.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.DeviceURL != "" {
		cfg.DeviceURL = strings.TrimRight(fileCfg.DeviceURL, "/")
	}
	if fileCfg.DeviceRetries > 0 {
		cfg.DeviceRetries = fileCfg.DeviceRetries
	}
	if fileCfg.BusyReminderCycles > 0 {
		cfg.BusyReminderCycles = fileCfg.BusyReminderCycles
	}
	if fileCfg.BusyResetCycles > 0 {
		cfg.BusyResetCycles = fileCfg.BusyResetCycles
	}
	if fileCfg.DayChangeHour != nil {
		cfg.DayChangeHour = *fileCfg.DayChangeHour
	}
	if fileCfg.Timezone != "" {
		cfg.Timezone = fileCfg.Timezone
	}
	durations := []struct {
		key   string
		raw   string
		field *time.Duration
	}{
		{"device_request_timeout", fileCfg.DeviceRequestTimeout, &cfg.DeviceRequestTimeout},
		{"device_retry_pause", fileCfg.DeviceRetryPause, &cfg.DeviceRetryPause},
		{"poll_interval", fileCfg.PollInterval, &cfg.PollInterval},
		{"error_backoff", fileCfg.ErrorBackoff, &cfg.ErrorBackoff},
		{"event_retention", fileCfg.EventRetention, &cfg.EventRetention},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.field = parsed
	}
	return nil
}

// Validate performs basic validation of paths and intervals.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.QueueDir == "" {
		return fmt.Errorf("queue_dir is required")
	}
	if c.HistoryDir == "" {
		return fmt.Errorf("history_dir is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	u, err := url.Parse(c.DeviceURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("device_url must be an http(s) URL (got %q)", c.DeviceURL)
	}
	if c.DeviceRequestTimeout <= 0 {
		return fmt.Errorf("device_request_timeout must be positive")
	}
	if c.DeviceRetries <= 0 {
		return fmt.Errorf("device_retries must be positive")
	}
	if c.DeviceRetryPause < 0 {
		return fmt.Errorf("device_retry_pause must not be negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.ErrorBackoff <= 0 {
		return fmt.Errorf("error_backoff must be positive")
	}
	if c.BusyReminderCycles <= 0 || c.BusyResetCycles <= 0 {
		return fmt.Errorf("busy_reminder_cycles and busy_reset_cycles must be positive")
	}
	if c.EventRetention < 0 {
		return fmt.Errorf("event_retention must not be negative")
	}
	if c.DayChangeHour < 0 || c.DayChangeHour > 23 {
		return fmt.Errorf("day_change_hour must be within 0..23")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

// Location resolves the timezone used for history day bucketing.
func (c Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Timezone) {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
