// Package model defines the data structures for imbizo's action logs,
// notifications, domain aggregates and configuration.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Reminder ReminderConfig `yaml:"reminder"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type DeliveryConfig struct {
	// MaxAttempts is the retry cap; a notification that reaches it is
	// dead-lettered and stops being selected.
	MaxAttempts     int     `yaml:"max_attempts"`
	BackoffBaseSec  int     `yaml:"backoff_base_sec"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	BackoffMaxSec   int     `yaml:"backoff_max_sec"`
	SendConcurrency int     `yaml:"send_concurrency"`
	ClaimLeaseSec   int     `yaml:"claim_lease_sec"`
	BatchLimit      int     `yaml:"batch_limit"`
}

type ReminderConfig struct {
	// Timezone is the fixed civic-calendar zone for reminder-time math,
	// not the server's local zone.
	Timezone         string `yaml:"timezone"`
	DaytimeStartHour int    `yaml:"daytime_start_hour"`
	DefaultMinutes   int    `yaml:"default_minutes"`
	DefaultReminders int    `yaml:"default_reminders"`
}

type DaemonConfig struct {
	DataDir            string `yaml:"data_dir"`
	ScanIntervalSec    int    `yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "imbizo.db"
	}
	if c.Delivery.MaxAttempts <= 0 {
		c.Delivery.MaxAttempts = 5
	}
	if c.Delivery.BackoffBaseSec <= 0 {
		c.Delivery.BackoffBaseSec = 60
	}
	if c.Delivery.BackoffFactor <= 1 {
		c.Delivery.BackoffFactor = 2.0
	}
	if c.Delivery.BackoffMaxSec <= 0 {
		c.Delivery.BackoffMaxSec = 6 * 3600
	}
	if c.Delivery.SendConcurrency <= 0 {
		c.Delivery.SendConcurrency = 4
	}
	if c.Delivery.ClaimLeaseSec <= 0 {
		c.Delivery.ClaimLeaseSec = 300
	}
	if c.Delivery.BatchLimit <= 0 {
		c.Delivery.BatchLimit = 100
	}
	if c.Reminder.Timezone == "" {
		c.Reminder.Timezone = "Africa/Johannesburg"
	}
	if c.Reminder.DaytimeStartHour <= 0 {
		c.Reminder.DaytimeStartHour = 7
	}
	if c.Reminder.DefaultMinutes == 0 {
		c.Reminder.DefaultMinutes = -1440
	}
	if c.Reminder.DefaultReminders <= 0 {
		c.Reminder.DefaultReminders = 3
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = ".imbizo"
	}
	if c.Daemon.ScanIntervalSec <= 0 {
		c.Daemon.ScanIntervalSec = 30
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadConfig reads and defaults a YAML config file. A missing file yields the
// pure defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
