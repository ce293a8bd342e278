// Package app wires the policy bot: stores, state, handlers and the
// Telegram runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/policybot/core/bootstrap"
	"github.com/m3rciful/policybot/core/buildinfo"
	"github.com/m3rciful/policybot/core/cmd"
	"github.com/m3rciful/policybot/core/logger"
	"github.com/m3rciful/policybot/core/metrics"
	tg "github.com/m3rciful/policybot/core/telegram"
	"github.com/m3rciful/policybot/core/telegram/helpers"
	"github.com/m3rciful/policybot/core/telegram/router"
	"github.com/m3rciful/policybot/internal/audit"
	"github.com/m3rciful/policybot/internal/config"
	"github.com/m3rciful/policybot/internal/flows"
	"github.com/m3rciful/policybot/internal/policies"
	"github.com/m3rciful/policybot/internal/reports"
)

const (
	msgRateLimited = "Vas muy rápido, espera un momento."
	msgAdminOnly   = "Este comando es solo para administradores."
)

// App holds the running components.
type App struct {
	cfg      *config.Config
	infra    *bootstrap.Result
	metrics  *metrics.Metrics
	stores   *flows.Stores
	handlers *flows.Handlers
	registry *tg.Registry
	reports  *reports.Scheduler
	repo     policies.Repository
	started  time.Time

	cancelBg context.CancelFunc
}

// LoadConfig adapts config.Load to the runner.
func LoadConfig(path string) (cmd.ConfigCarrier, error) {
	return config.Load(path)
}

// Bootstrap connects the stores and builds the app.
func Bootstrap(ctx context.Context, carrier cmd.ConfigCarrier) (cmd.TelegramApp, error) {
	cfg, ok := carrier.(*config.Config)
	if !ok {
		return nil, fmt.Errorf("app: unexpected config type %T", carrier)
	}
	infra, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:       &cfg.Config,
		Database:     cfg.Database,
		Mongo:        cfg.Mongo,
		Migrations:   audit.Migrations(),
		Initializers: []bootstrap.Initializer{policies.EnsureIndexes()},
	})
	if err != nil {
		return nil, err
	}
	var rec audit.Recorder
	if infra.DB != nil {
		rec = audit.NewStore(infra.DB)
	} else {
		rec = audit.NewMemory(0)
		logger.Warn(ctx, "audit", "store.memory", slog.String("cause", "database_not_configured"))
	}
	a, err := New(cfg, policies.NewStore(infra.Mongo), rec)
	if err != nil {
		_ = infra.Close(ctx)
		return nil, err
	}
	a.infra = infra
	return a, nil
}

// New builds the app on top of already connected stores.
func New(cfg *config.Config, repo policies.Repository, rec audit.Recorder) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	m := metrics.New()
	metrics.SetDefault(m)

	sc := cfg.State
	stores, err := flows.NewStores(flows.StoreConfig{
		CleanupInterval: sc.CleanupInterval,
		StateTimeout:    sc.StateTimeout,
		AdminTimeout:    sc.AdminTimeout,
		ContextTTL:      sc.ContextTTL,
		StrictThreads:   sc.StrictThreads,
		Observer:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("app: state stores: %w", err)
	}
	for name, size := range stores.Sizes() {
		if err := m.TrackStore(name, size); err != nil {
			return nil, fmt.Errorf("app: track store %s: %w", name, err)
		}
	}

	a := &App{
		cfg:      cfg,
		metrics:  m,
		stores:   stores,
		repo:     repo,
		registry: tg.NewRegistry(),
		started:  time.Now(),
	}
	a.handlers, err = flows.New(flows.Deps{
		Policies: repo,
		Audit:    rec,
		Stores:   stores,
		Stats:    a.runtimeLines,
		Now:      a.now,
	})
	if err != nil {
		return nil, err
	}
	if err := a.handlers.Register(a.registry); err != nil {
		return nil, fmt.Errorf("app: register handlers: %w", err)
	}
	a.registry.SetCallbackNotFound(a.handlers.UnknownCallback())
	return a, nil
}

func (a *App) now() time.Time {
	return time.Now().In(a.cfg.Reports.Location())
}

func (a *App) runtimeLines() []string {
	return []string{
		"Versión: " + buildinfo.Summary(),
		"Activo desde: " + a.started.In(a.cfg.Reports.Location()).Format(time.DateTime),
	}
}

// Reload applies the parts of a changed config that can change at runtime.
func (a *App) Reload(carrier cmd.ConfigCarrier) {
	cfg, ok := carrier.(*config.Config)
	if !ok {
		return
	}
	a.stores.Cleanup.SetStateTimeout(cfg.State.StateTimeout)
	a.stores.Admin.SetTimeout(cfg.State.AdminTimeout)
	logger.Info(logger.Background(), "app", "reload",
		slog.Duration("timeout", cfg.State.StateTimeout),
		slog.Duration("admin_timeout", cfg.State.AdminTimeout),
	)
}

// TelegramRunOptions assembles the runtime: middlewares, routes and hooks.
func (a *App) TelegramRunOptions() (tg.RunOptions, error) {
	core := &a.cfg.Config
	textOpts, cbOpts := router.FallbackOptions(a.handlers)

	routes := router.CommandRoutes(a.registry, router.CommandRouteOptions{
		AdminID: core.Telegram.AdminID,
		OnAdminReject: func(c tele.Context) error {
			return helpers.SendText(c, msgAdminOnly)
		},
	})
	routes = append(routes, router.TextRoutes(a.handlers, a.registry, textOpts)...)
	routes = append(routes, router.CallbackRoute(a.registry, cbOpts))

	return tg.RunOptions{
		Config:   core,
		Registry: a.registry,
		Middlewares: tg.DefaultMiddlewares(core, func(c tele.Context) error {
			return helpers.Alert(c, msgRateLimited)
		}),
		Routes:  routes,
		OnStart: a.onStart,
		OnStop:  a.onStop,
	}, nil
}

func (a *App) onStart(ctx context.Context, rt tg.Runtime) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelBg = cancel

	if err := a.stores.Cleanup.Start(bg, 0, 0); err != nil {
		cancel()
		return err
	}
	if rt.Dispatcher != nil {
		if err := a.metrics.TrackSender(rt.Dispatcher); err != nil {
			logger.Warn(bg, "metrics", "track.sender", slog.String("err", err.Error()))
		}
	}

	if listen := a.cfg.Metrics.Listen; listen != "" {
		go func() {
			if err := a.metrics.Serve(bg, listen, a.cfg.Metrics.Path); err != nil {
				logger.Error(bg, "metrics", "serve", slog.String("err", err.Error()))
			}
		}()
	}

	rc := a.cfg.Reports
	if rc.Enabled() && rc.ChatID != 0 {
		a.reports = reports.NewScheduler(rc.Location())
		err := a.reports.Add(bg, rc.Cron, "daily_stats", func(ctx context.Context) error {
			return a.sendDailyStats(ctx, rt.Bot, rc.ChatID)
		})
		if err != nil {
			cancel()
			_ = a.stores.Cleanup.Stop()
			return err
		}
		a.reports.Start()
	}
	return nil
}

func (a *App) sendDailyStats(ctx context.Context, bot *tele.Bot, chatID int64) error {
	st, err := a.repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reports: stats: %w", err)
	}
	_, err = bot.Send(&tele.Chat{ID: chatID}, a.handlers.StatsText(st), &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	return err
}

func (a *App) onStop(ctx context.Context, _ tg.Runtime) error {
	if a.reports != nil {
		a.reports.Stop(ctx)
	}
	if err := a.stores.Cleanup.Stop(); err != nil {
		logger.Warn(ctx, "app", "cleanup.stop", slog.String("err", err.Error()))
	}
	if a.cancelBg != nil {
		a.cancelBg()
	}
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.infra.Close(closeCtx)
}
