package bootstrap

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"go.mongodb.org/mongo-driver/mongo"

	coreconfig "github.com/m3rciful/policybot/core/config"
	coredatabase "github.com/m3rciful/policybot/core/database"
	"github.com/m3rciful/policybot/core/logger"
)

// Options control the bootstrap pipeline.
type Options struct {
	Config   *coreconfig.Config
	Database coredatabase.Config
	Mongo    coredatabase.MongoConfig

	// Migrations holds the SQL files applied when Postgres is configured.
	Migrations fs.FS

	LoggerInit   func(*coreconfig.Config) error
	Connect      func(coredatabase.Config) (*sqlx.DB, error)
	Migrate      func(coredatabase.Config, fs.FS) error
	ConnectMongo func(context.Context, coredatabase.MongoConfig) (*mongo.Client, *mongo.Database, error)

	// Initializers run in order once every store is connected.
	Initializers []Initializer
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
// DB is nil when Postgres is not configured.
type Result struct {
	DB          *sqlx.DB
	MongoClient *mongo.Client
	Mongo       *mongo.Database
}

// Close releases every connection held by r.
func (r *Result) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var firstErr error
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			firstErr = err
		}
	}
	if r.MongoClient != nil {
		if err := r.MongoClient.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run initializes the logger, connects to Mongo and, when configured,
// Postgres with migrations, then runs initializers.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(opts.Config); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	connectMongo := opts.ConnectMongo
	if connectMongo == nil {
		connectMongo = coredatabase.ConnectMongo
	}
	client, mdb, err := connectMongo(ctx, opts.Mongo)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: mongo initialization failed: %w", err)
	}
	res := &Result{MongoClient: client, Mongo: mdb}

	if opts.Database.Enabled() {
		connect := opts.Connect
		if connect == nil {
			connect = coredatabase.Connect
		}
		db, err := connect(opts.Database)
		if err != nil {
			_ = res.Close(ctx)
			return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
		}
		res.DB = db

		migrate := opts.Migrate
		if migrate == nil {
			migrate = coredatabase.RunMigrations
		}
		if err := migrate(opts.Database, opts.Migrations); err != nil {
			_ = res.Close(ctx)
			return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
	} else {
		logger.Info(ctx, "db", "db.skip", slog.String("cause", "not_configured"))
	}

	for i, hook := range opts.Initializers {
		if hook == nil {
			continue
		}
		if err := hook.Init(ctx, res); err != nil {
			_ = res.Close(ctx)
			return nil, fmt.Errorf("bootstrap: initializer %d failed: %w", i, err)
		}
	}
	return res, nil
}
