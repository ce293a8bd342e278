// Package config loads the policy bot configuration: the shared core sections
// plus the stores and the scheduled report.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	coreconfig "github.com/m3rciful/policybot/core/config"
	coredatabase "github.com/m3rciful/policybot/core/database"
)

const defaultReportCron = "0 8 * * *"

// ReportsConfig schedules the daily statistics message.
type ReportsConfig struct {
	// Cron is a standard five-field expression; "off" disables the report.
	Cron string `yaml:"cron" envconfig:"REPORTS_CRON"`
	// ChatID receives the report; zero falls back to the admin.
	ChatID   int64  `yaml:"chat_id" envconfig:"REPORTS_CHAT_ID"`
	Timezone string `yaml:"timezone" envconfig:"REPORTS_TIMEZONE"`
}

// Enabled reports whether the daily report is scheduled.
func (r ReportsConfig) Enabled() bool {
	return !strings.EqualFold(strings.TrimSpace(r.Cron), "off")
}

// Location resolves Timezone, defaulting to local time.
func (r ReportsConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Config is the complete application configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Mongo    coredatabase.MongoConfig `yaml:"mongo"`
	Database coredatabase.Config      `yaml:"database"`
	Reports  ReportsConfig            `yaml:"reports"`
}

// CoreConfig exposes the shared sections to the runner.
func (c *Config) CoreConfig() *coreconfig.Config {
	return &c.Config
}

// Load reads the file at path, overlays the environment and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates the application sections and fills defaults.
func Normalize(cfg *Config) error {
	if err := coreconfig.Normalize(&cfg.Config); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Mongo.URI) == "" {
		return fmt.Errorf("mongo.uri is required")
	}

	r := &cfg.Reports
	r.Cron = strings.TrimSpace(r.Cron)
	if r.Cron == "" {
		r.Cron = defaultReportCron
	}
	if r.Enabled() {
		if _, err := cron.ParseStandard(r.Cron); err != nil {
			return fmt.Errorf("invalid reports.cron %q: %w", r.Cron, err)
		}
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("invalid reports.timezone %q: %w", r.Timezone, err)
		}
	}
	if r.ChatID == 0 {
		r.ChatID = cfg.Telegram.AdminID
	}
	return nil
}
