package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/m3rciful/policybot/core/logger"
)

const (
	driverName      = "postgres"
	connMaxIdleTime = 5 * time.Minute
	waitPollEvery   = 2 * time.Second
)

func (c Config) logAttrs(extra ...slog.Attr) []any {
	out := []any{
		slog.String("host", c.Host),
		slog.String("port", c.port()),
		slog.String("db", c.Name),
	}
	for _, a := range extra {
		out = append(out, a)
	}
	return out
}

// Connect opens the audit database with the configured pool and pings it
// within cfg.ConnectTimeout.
func Connect(cfg Config) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
	defer cancel()

	start := time.Now()
	db, err := sqlx.Open(driverName, cfg.DSN())
	if err != nil {
		logger.DB.Error("db open failed", cfg.logAttrs(
			slog.String("event", "db.connect"),
			slog.String("err", err.Error()),
		)...)
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxConns())
	db.SetMaxIdleConns(cfg.maxConns())
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		logger.DB.Error("db ping failed", cfg.logAttrs(
			slog.String("event", "db.ping"),
			slog.Duration("duration", logger.RoundMS(time.Since(start))),
			slog.String("err", err.Error()),
		)...)
		return nil, fmt.Errorf("db ping: %w", err)
	}

	logger.DB.Info("db connected", cfg.logAttrs(
		slog.String("event", "db.connect"),
		slog.Int("pool_open", cfg.maxConns()),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)...)
	return db, nil
}

// WaitForPostgres pings the database every few seconds until it answers,
// ctx is done or timeout passes.
func WaitForPostgres(ctx context.Context, cfg Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sqlx.Open(driverName, cfg.DSN())
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	ticker := time.NewTicker(waitPollEvery)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		logger.DB.Debug("db not ready", cfg.logAttrs(
			slog.String("event", "db.wait"),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()),
		)...)
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout reached waiting for database: %w", err)
		case <-ticker.C:
		}
	}
}
