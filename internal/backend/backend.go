// Package backend opens the storage a process runs on: the event log, the
// read-model store, checkpoints and snapshots, chosen by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/checkpoint"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/infrastructure/dynamo"
	"github.com/example/whizbang/internal/infrastructure/mongo"
	"github.com/example/whizbang/internal/infrastructure/postgres"
	"github.com/example/whizbang/internal/infrastructure/sqlite"
	"github.com/example/whizbang/internal/readmodel"
	"github.com/example/whizbang/internal/snapshot"
)

// Backend is the opened storage of one process.
type Backend struct {
	Log         eventlog.Log
	ReadModel   readmodel.Store
	Checkpoints checkpoint.Store
	Snapshots   snapshot.Store

	// Listen relays cross-process append notifications to the log's signal
	// until ctx is done. It is nil when the backend has none.
	Listen func(ctx context.Context) error

	closers []func() error
}

// Close releases every connection. It is safe to call on a partially
// opened Backend.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Open opens the backend cfg selects. With MONGO_URI set, snapshots are
// kept in MongoDB regardless of the backend.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{}
	var err error
	switch cfg.Backend {
	case config.BackendMemory:
		b.openMemory(cfg, logger)
	case config.BackendSQLite:
		err = b.openSQLite(cfg, logger, true)
	case config.BackendPostgres:
		err = b.openPostgres(ctx, cfg, logger)
	case config.BackendDynamo:
		err = b.openDynamo(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err == nil && cfg.MongoURI != "" {
		err = b.openMongo(ctx, cfg, logger)
	}
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Info().
		Str("backend", string(cfg.Backend)).
		Bool("mongo_snapshots", cfg.MongoURI != "").
		Msg("storage opened")
	return b, nil
}

func (b *Backend) openMemory(cfg config.Config, logger zerolog.Logger) {
	b.Log = eventlog.NewMemoryLog(eventlog.WithLogger(logger))
	b.ReadModel = readmodel.NewMemoryStore()
	b.Snapshots = snapshot.NewMemoryStore()
	if cfg.Options.CheckpointStorage == config.SameDatabase {
		b.Checkpoints = checkpoint.InReadModel(b.ReadModel)
	} else {
		b.Checkpoints = checkpoint.NewMemoryStore()
	}
}

// openSQLite opens the SQLite file. withLog is false when only the read
// side lives there.
func (b *Backend) openSQLite(cfg config.Config, logger zerolog.Logger, withLog bool) error {
	store, err := sqlite.Open(cfg.SQLitePath, sqlite.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
	}
	b.closers = append(b.closers, store.Close)

	if withLog {
		b.Log = store.EventLog()
		b.Snapshots = store.Snapshots()
	}
	b.ReadModel = store.ReadModel()
	b.Checkpoints = store.Checkpoints()
	return nil
}

func (b *Backend) openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	b.closers = append(b.closers, store.Close)

	log := store.EventLog()
	b.Log = log
	b.Listen = log.Listen
	b.ReadModel = store.ReadModel()
	b.Checkpoints = store.Checkpoints()
	b.Snapshots = store.Snapshots()
	return nil
}

// openDynamo keeps events and snapshots in DynamoDB. The read side lives in
// Postgres when DATABASE_URL is set and in SQLite otherwise.
func (b *Backend) openDynamo(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)
	b.Log = dynamo.NewEventLog(client, cfg.DynamoEventsTable, dynamo.WithLogger(logger))
	b.Snapshots = dynamo.NewSnapshotStore(client, cfg.DynamoSnapshotsTable)
	if cfg.Options.GapSettle <= 0 {
		logger.Warn().Msg("dynamo positions can commit out of order; set WHIZBANG_GAP_SETTLE")
	}

	if cfg.DatabaseURL == "" {
		return b.openSQLite(cfg, logger, false)
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	b.closers = append(b.closers, store.Close)
	b.ReadModel = store.ReadModel()
	b.Checkpoints = store.Checkpoints()
	return nil
}

func (b *Backend) openMongo(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	client, err := mongo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	b.closers = append(b.closers, func() error {
		return client.Disconnect(context.Background())
	})

	snapshots, err := mongo.NewSnapshotStore(ctx, client.Database(cfg.MongoDatabase), logger)
	if err != nil {
		return fmt.Errorf("mongo snapshots: %w", err)
	}
	b.Snapshots = snapshots
	return nil
}
