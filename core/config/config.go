package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot related settings that are common for all bots.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
	// Secret is echoed by Telegram in X-Telegram-Bot-Api-Secret-Token.
	Secret string `yaml:"secret" envconfig:"WEBHOOK_SECRET"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	ErrorsFile  string `yaml:"errors_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// RateLimitConfig holds settings for rate limiting.
// Burst is the number of updates a user may send back to back.
// ExcludeUpdates accepts update types to bypass limiting:
// - "callback": Telegram callback button presses
// - "message": standard text messages
// - "inline_query": inline query updates
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	Burst          int      `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// StateConfig tunes the conversational state stores and their sweeper.
type StateConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"STATE_CLEANUP_INTERVAL"`
	StateTimeout    time.Duration `yaml:"state_timeout" envconfig:"STATE_TIMEOUT"`
	AdminTimeout    time.Duration `yaml:"admin_timeout" envconfig:"STATE_ADMIN_TIMEOUT"`
	ContextTTL      time.Duration `yaml:"context_ttl" envconfig:"STATE_CONTEXT_TTL"`
	// StrictThreads rejects flow actions whose topic thread cannot be matched.
	StrictThreads bool `yaml:"strict_threads" envconfig:"STATE_STRICT_THREADS"`
}

// MetricsConfig exposes Prometheus metrics; empty Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
	Path   string `yaml:"path" envconfig:"METRICS_PATH"`
}

// Config aggregates the configuration that belongs to the reusable core.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

const (
	defaultCleanupInterval = 15 * time.Minute
	defaultStateTimeout    = 2 * time.Hour
	defaultAdminTimeout    = 30 * time.Minute
	defaultContextTTL      = 2 * time.Hour
	defaultMetricsPath     = "/metrics"
	defaultRateLimitBurst  = 3
)

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Decode fills out from the YAML file at path and then from the environment.
// Applications embedding Config use it to load their own sections too.
func Decode(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", out); err != nil {
		return fmt.Errorf("failed to process env: %w", err)
	}
	return nil
}

// Normalize validates cfg and fills defaults, section by section.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	for _, step := range []func(*Config) error{
		normalizeRunMode,
		normalizeRateLimit,
		func(c *Config) error { return normalizeState(&c.State) },
		normalizeMetrics,
	} {
		if err := step(cfg); err != nil {
			return err
		}
	}
	return nil
}

var runModeAliases = map[string]string{
	"":              RunModeLongpoll,
	"polling":       RunModeLongpoll,
	RunModeLongpoll: RunModeLongpoll,
	RunModeWebhook:  RunModeWebhook,
}

func normalizeRunMode(cfg *Config) error {
	rm, ok := runModeAliases[strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))]
	if !ok {
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm
	if rm == RunModeLongpoll {
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
		return nil
	}
	wh := cfg.Webhook
	switch {
	case strings.TrimSpace(wh.URL) == "":
		return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
	case strings.TrimSpace(wh.Listen) == "":
		return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
	case wh.Port <= 0:
		return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
	}
	return nil
}

var excludableUpdates = map[string]bool{
	UpdateCallback:    true,
	UpdateMessage:     true,
	UpdateInlineQuery: true,
}

func normalizeRateLimit(cfg *Config) error {
	rl := &cfg.RateLimit
	for i, v := range rl.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key != "" && !excludableUpdates[key] {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		rl.ExcludeUpdates[i] = key
	}
	if rl.IntervalMS < 0 {
		return fmt.Errorf("rate_limit.interval_ms must be >= 0")
	}
	if rl.Burst <= 0 {
		rl.Burst = defaultRateLimitBurst
	}
	return nil
}

func normalizeMetrics(cfg *Config) error {
	if strings.TrimSpace(cfg.Metrics.Path) == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	return nil
}

func normalizeState(st *StateConfig) error {
	for name, d := range map[string]time.Duration{
		"state.cleanup_interval": st.CleanupInterval,
		"state.state_timeout":    st.StateTimeout,
		"state.admin_timeout":    st.AdminTimeout,
		"state.context_ttl":      st.ContextTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", name)
		}
	}
	if st.CleanupInterval == 0 {
		st.CleanupInterval = defaultCleanupInterval
	}
	if st.StateTimeout == 0 {
		st.StateTimeout = defaultStateTimeout
	}
	if st.AdminTimeout == 0 {
		st.AdminTimeout = defaultAdminTimeout
	}
	if st.ContextTTL == 0 {
		st.ContextTTL = defaultContextTTL
	}
	return nil
}
