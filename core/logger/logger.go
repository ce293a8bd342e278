package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/m3rciful/policybot/core/buildinfo"
	coreconfig "github.com/m3rciful/policybot/core/config"
)

const defaultDebugSample = "1/50"

var (
	initOnce sync.Once
	stopOnce sync.Once

	writer    *asyncWriter
	errWriter *asyncWriter
	closers   []io.Closer

	level     slog.LevelVar
	debugRate = newSampler(parseRatio(defaultDebugSample))
	traceAll  bool

	// L is the base logger. It discards output until InitLogger runs.
	L = slog.New(slog.DiscardHandler)

	// DB logs audit database events.
	DB = L
	// Mongo logs policy store events.
	Mongo = L
	// MIG logs schema migration events.
	MIG = L
)

// named binds the package-level component loggers after L is replaced.
var named = []struct {
	target **slog.Logger
	name   string
}{
	{&DB, "db"},
	{&Mongo, "mongo"},
	{&MIG, "db.migrate"},
}

// InitLogger installs the structured handler as the slog default. Calls
// after the first are no-ops.
func InitLogger(cfg *coreconfig.Config) error {
	var err error
	initOnce.Do(func() { err = install(cfg) })
	return err
}

func install(cfg *coreconfig.Config) error {
	var lc coreconfig.LoggingConfig
	mode := ""
	if cfg != nil {
		lc = cfg.Logging
		mode = cfg.Telegram.RunMode
	}
	level.Set(parseLevel(lc.Level))
	debugRate.Set(debugRatio(lc.DebugSample))
	traceAll = envFlag("TRACE") || envFlag("LOG_TRACE")

	sinks, errSinks, files, err := openSinks(lc)
	if err != nil {
		return err
	}
	closers = files
	writer = newAsyncWriter(sinks, 64*1024)
	if len(errSinks) > 0 {
		errWriter = newAsyncWriter(errSinks, 16*1024)
	}

	L = slog.New(newStructuredHandler(handlerConfig{
		level:    &level,
		writer:   writer,
		errors:   errWriter,
		format:   outputFormat(lc),
		keyOrder: keyOrder(lc.KeysOrder),
	}))
	slog.SetDefault(L)
	for _, n := range named {
		*n.target = L.With("component", n.name)
	}

	Info(context.Background(), "app", "startup",
		slog.String("go_version", runtime.Version()),
		slog.String("build_version", buildinfo.Version),
		slog.String("build_commit", buildinfo.Commit),
		slog.String("build_time", buildinfo.Date),
		slog.String("cfg_profile", profile(lc)),
		slog.String("mode", mode),
	)
	return nil
}

// Shutdown flushes queued lines and closes log files. Only the first call
// does any work.
func Shutdown() error {
	var err error
	stopOnce.Do(func() {
		var errs []error
		for _, w := range []*asyncWriter{writer, errWriter} {
			if w != nil {
				errs = append(errs, w.Close())
			}
		}
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

func profile(lc coreconfig.LoggingConfig) string {
	if p := strings.ToLower(strings.TrimSpace(lc.Profile)); p != "" {
		return p
	}
	return "prod"
}

// outputFormat honours an explicit format and otherwise picks key=value
// output for the debug and dev profiles.
func outputFormat(lc coreconfig.LoggingConfig) logFormat {
	switch strings.ToLower(strings.TrimSpace(lc.Format)) {
	case "kv", "text", "pretty":
		return formatKV
	case "json":
		return formatJSON
	}
	switch profile(lc) {
	case "debug", "dev":
		return formatKV
	}
	return formatJSON
}

func keyOrder(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return defaultKeyOrder
	}
	var order []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			order = append(order, k)
		}
	}
	if len(order) == 0 {
		return defaultKeyOrder
	}
	return order
}

func debugRatio(spec string) (int, int) {
	if strings.TrimSpace(spec) == "" {
		spec = defaultDebugSample
	}
	return parseRatio(spec)
}

// openSinks always writes to stdout and adds the bot log file when both the
// directory and the file name are configured. The errors file, when set,
// receives ERROR lines only.
func openSinks(lc coreconfig.LoggingConfig) (all, errs []io.Writer, files []io.Closer, err error) {
	all = []io.Writer{os.Stdout}
	dir := strings.TrimSpace(lc.Dir)
	if dir == "" {
		return all, nil, nil, nil
	}
	open := func(name string) (*os.File, error) {
		if name = strings.TrimSpace(name); name == "" {
			return nil, nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logger: create %s: %w", dir, err)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", path, err)
		}
		files = append(files, f)
		return f, nil
	}
	bot, err := open(lc.BotFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if bot != nil {
		all = append(all, bot)
	}
	errFile, err := open(lc.ErrorsFile)
	if err != nil {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, nil, nil, err
	}
	if errFile != nil {
		errs = append(errs, errFile)
	}
	return all, errs, files, nil
}

func envFlag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// Background returns the context used by log calls made outside an update.
func Background() context.Context {
	return context.Background()
}

// LogEvent writes one event line. A nil logg falls back to the logger in ctx.
func LogEvent(ctx context.Context, logg *slog.Logger, lvl slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, lvl, "", attrs...)
}

// Component returns the base logger tagged with a component name.
func Component(name string) *slog.Logger {
	if name = strings.TrimSpace(name); name == "" {
		return L
	}
	return L.With("component", name)
}

// Debug logs a debug event for component.
func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), slog.LevelDebug, event, attrs...)
}

// Info logs an info event for component.
func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), slog.LevelInfo, event, attrs...)
}

// Warn logs a warning event for component.
func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), slog.LevelWarn, event, attrs...)
}

// Error logs an error event for component.
func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), slog.LevelError, event, attrs...)
}

// ShouldSampleDebug reports whether a high-volume debug line should be
// written. TRACE=1 disables sampling.
func ShouldSampleDebug() bool {
	return traceAll || debugRate.Allow()
}
