package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	coreconfig "github.com/m3rciful/policybot/core/config"
	"github.com/m3rciful/policybot/core/logger"
	coretelegram "github.com/m3rciful/policybot/core/telegram"
)

// ConfigCarrier exposes access to the embedded core configuration.
type ConfigCarrier interface {
	CoreConfig() *coreconfig.Config
}

// TelegramApp is the minimal interface required to run a Telegram bot.
type TelegramApp interface {
	TelegramRunOptions() (coretelegram.RunOptions, error)
}

// Reloader is implemented by apps that can apply a changed config file
// without restarting.
type Reloader interface {
	Reload(cfg ConfigCarrier)
}

// Options describe how to load configuration, bootstrap the app, and run the bot.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string
	// EnvFile is loaded into the environment before the config when present.
	EnvFile string
	// WatchConfig reloads the config file on change for apps implementing Reloader.
	WatchConfig bool

	LoadConfig func(path string) (ConfigCarrier, error)
	Bootstrap  func(ctx context.Context, cfg ConfigCarrier) (TelegramApp, error)

	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
}

const (
	defaultEnvFile   = ".env"
	defaultConfigEnv = "CONFIG_PATH"
)

// Run loads configuration, bootstraps the Telegram app, and starts the bot runtime.
func Run(opts Options) error {
	if opts.LoadConfig == nil {
		return fmt.Errorf("cmd: LoadConfig is required")
	}
	if opts.Bootstrap == nil {
		return fmt.Errorf("cmd: Bootstrap is required")
	}
	loadEnvFile(cmpOr(opts.EnvFile, defaultEnvFile))

	cfgPath, err := configPath(opts)
	if err != nil {
		return err
	}
	log.Printf("loading config: %s", cfgPath)
	cfg, err := opts.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}
	if cfg.CoreConfig() == nil {
		return fmt.Errorf("cmd: loaded config is missing core configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer closeLogger(opts.ShutdownLogger)

	startedAt := time.Now()
	application, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	runOpts, err := application.TelegramRunOptions()
	if err != nil {
		return fmt.Errorf("cmd: telegram options build failed: %w", err)
	}
	if r, ok := application.(Reloader); ok && opts.WatchConfig {
		go watchConfig(ctx, cfgPath, opts.LoadConfig, r)
	}

	run := opts.RunTelegram
	if run == nil {
		run = coretelegram.RunTelegram
	}
	return run(ctx, withLifecycleEvents(runOpts, startedAt))
}

func cmpOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// loadEnvFile fills the environment from path. A missing file is normal.
func loadEnvFile(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("env file %s ignored: %v", path, err)
	}
}

// configPath resolves the config file from the env var, then the default.
func configPath(opts Options) (string, error) {
	env := cmpOr(opts.ConfigEnvVar, defaultConfigEnv)
	if p := cmpOr(os.Getenv(env), opts.DefaultConfigPath); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
}

func closeLogger(shutdown func() error) {
	if shutdown == nil {
		shutdown = logger.Shutdown
	}
	if err := shutdown(); err != nil {
		log.Printf("logger shutdown error: %v", err)
	}
}

// withLifecycleEvents wraps the app hooks with the ready and shutdown events.
func withLifecycleEvents(opts coretelegram.RunOptions, startedAt time.Time) coretelegram.RunOptions {
	onStart, onStop := opts.OnStart, opts.OnStop
	opts.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if onStart != nil {
			if err := onStart(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, "app", "ready",
			slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
		)
		return nil
	}
	opts.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		logger.Info(ctx, "app", "shutdown")
		if onStop != nil {
			return onStop(ctx, rt)
		}
		return nil
	}
	return opts
}

func watchConfig(ctx context.Context, path string, load func(string) (ConfigCarrier, error), r Reloader) {
	err := coreconfig.Watch(ctx, path, func() {
		cfg, err := load(path)
		if err != nil {
			logger.Warn(ctx, "app", "config.reload",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
			return
		}
		r.Reload(cfg)
		logger.Info(ctx, "app", "config.reload", slog.String("status", "ok"))
	}, func(err error) {
		logger.Warn(ctx, "app", "config.watch", slog.String("err", err.Error()))
	})
	if err != nil {
		logger.Warn(ctx, "app", "config.watch",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
}
