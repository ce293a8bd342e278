package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/m3rciful/policybot/core/logger"
)

const previewFiles = 6

// RunMigrations applies every up migration of src. A non-empty
// cfg.MigrationsDir replaces src with the files of that directory, which
// lets operators ship hotfix migrations without a rebuild.
func RunMigrations(cfg Config, src fs.FS) error {
	ctx := context.Background()
	if err := WaitForPostgres(ctx, cfg, 30*time.Second); err != nil {
		migrateFailed("wait", err)
		return fmt.Errorf("database not ready: %w", err)
	}

	origin := "embedded"
	if cfg.MigrationsDir != "" || src == nil {
		dir, err := resolveMigrationsDir(cfg.MigrationsDir)
		if err != nil {
			migrateFailed("resolve", err)
			return err
		}
		src, origin = os.DirFS(dir), dir
	}
	files, err := upFiles(src)
	if err != nil {
		migrateFailed("resolve", err)
		return err
	}
	logger.MIG.Debug("migrations resolved",
		slog.String("event", "resolve"),
		slog.String("path", origin),
		slog.Int("files_total", len(files)),
		previewAttr(files),
	)

	driver, err := iofs.New(src, ".")
	if err != nil {
		migrateFailed("init", err)
		return fmt.Errorf("open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", driver, cfg.URL())
	if err != nil {
		migrateFailed("init", err)
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			logger.MIG.Warn("close failed",
				slog.String("event", "close"),
				slog.String("err", errors.Join(srcErr, dbErr).Error()),
			)
		}
	}()

	from, _, _ := m.Version()
	start := time.Now()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		migrateFailed("apply", err)
		return fmt.Errorf("apply migrations: %w", err)
	}
	to, _, _ := m.Version()
	applied := appliedBetween(files, uint64(from), uint64(to))

	logger.MIG.Info("migrations summary",
		slog.String("event", "summary"),
		slog.Uint64("from_ver", uint64(from)),
		slog.Uint64("to_ver", uint64(to)),
		slog.Int("files", len(applied)),
		previewAttr(applied),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func migrateFailed(stage string, err error) {
	logger.MIG.Error("migrations failed",
		slog.String("event", stage),
		slog.String("err", err.Error()),
	)
}

// previewAttr lists the first few file names, marking the list when cut.
func previewAttr(files []string) slog.Attr {
	preview, cut := logger.SummarizeStrings(files, previewFiles)
	if cut {
		preview += ", ..."
	}
	return slog.String("files_preview", preview)
}

func resolveMigrationsDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "migrations"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve migrations dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat migrations dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations path %s is not a directory", abs)
	}
	return abs, nil
}

// upFiles lists the up migrations at the root of src in name order.
func upFiles(src fs.FS) ([]string, error) {
	names, err := fs.Glob(src, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return names, nil
}

func fileVersion(name string) uint64 {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return v
}

// appliedBetween returns the files with a version in (from, to].
func appliedBetween(files []string, from, to uint64) []string {
	var out []string
	for _, f := range files {
		if v := fileVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
