package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/m3rciful/policybot/core/logger"
)

// MongoConfig holds the policy document store settings.
type MongoConfig struct {
	URI            string        `yaml:"uri" envconfig:"MONGO_URI"`
	Database       string        `yaml:"database" envconfig:"MONGO_DATABASE"`
	MaxPoolSize    uint64        `yaml:"max_pool_size" envconfig:"MONGO_MAX_POOL_SIZE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"MONGO_CONNECT_TIMEOUT"`
}

const defaultMongoDatabase = "policybot"

// DatabaseName returns the configured database, falling back to the URI path.
func (c MongoConfig) DatabaseName() string {
	if name := strings.TrimSpace(c.Database); name != "" {
		return name
	}
	if name := dbNameFromURI(c.URI); name != "" {
		return name
	}
	return defaultMongoDatabase
}

// dbNameFromURI extracts "db" from mongodb://host:27017/db?opts.
func dbNameFromURI(uri string) string {
	rest, ok := strings.CutPrefix(uri, "mongodb://")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "mongodb+srv://")
	}
	if !ok {
		return ""
	}
	_, path, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	name, _, _ := strings.Cut(path, "?")
	return name
}

// ConnectMongo opens a pooled client and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, *mongo.Database, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, nil, fmt.Errorf("mongo: uri is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pool := cfg.MaxPoolSize
	if pool == 0 {
		pool = 20
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(pool).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(timeout)

	start := time.Now()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		logger.Mongo.Error("mongo connect failed",
			slog.String("event", "mongo.connect"),
			slog.String("err", err.Error()),
		)
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		logger.Mongo.Error("mongo ping failed",
			slog.String("event", "mongo.ping"),
			slog.String("err", err.Error()),
		)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	name := cfg.DatabaseName()
	logger.Mongo.Info("mongo connected",
		slog.String("event", "mongo.connect"),
		slog.String("db", name),
		slog.Duration("duration", logger.Took(start)),
	)
	return client, client.Database(name), nil
}
