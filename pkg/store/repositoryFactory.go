package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	_ "github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-fulfillment/pkg/config"
	"github.com/zoff-tech/go-fulfillment/pkg/logging"
)

var sqlOpen = sql.Open

// SpannerClientCreator opens a Spanner client for a database URI.
type SpannerClientCreator func(ctx context.Context, uri string) (*spanner.Client, error)

var NewSpannerClient SpannerClientCreator = func(ctx context.Context, uri string) (*spanner.Client, error) {
	return spanner.NewClient(ctx, uri)
}

// MongoClientCreator connects to MongoDB.
type MongoClientCreator func(ctx context.Context, uri string) (*mongo.Client, error)

var NewMongoClient MongoClientCreator = func(ctx context.Context, uri string) (*mongo.Client, error) {
	return mongo.Connect(ctx, options.Client().ApplyURI(uri))
}

// NewBackend opens the configured data store.
func NewBackend(ctx context.Context, cfg config.DbSettings, logger *zap.Logger) (*Backend, error) {
	logger = logging.OrNop(logger)

	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		if cfg.AutoMigrate {
			if err := Migrate(db, logger); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return NewPostgresBackend(db), nil

	case "spanner":
		client, err := NewSpannerClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to create spanner client: %w", err)
		}
		return NewSpannerBackend(client), nil

	case "mongo":
		client, err := NewMongoClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		db := client.Database(cfg.DBName)
		if err := EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		backend := &Backend{
			Tx:       NewMongoTxManager(client),
			Outbox:   NewMongoRepository(db),
			Ledger:   NewMongoLedger(db),
			Entities: NewMongoEntities(db),
			close:    func() error { return client.Disconnect(context.Background()) },
		}
		return backend, nil

	case "memory":
		logger.Warn("using the in-memory store; state is lost on exit")
		return NewMemoryStore().Backend(), nil

	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// NewPostgresBackend bundles the Postgres stores over one pool.
func NewPostgresBackend(db *sql.DB) *Backend {
	return &Backend{
		Tx:       NewPostgresTxManager(db),
		Outbox:   NewPostgresRepository(db),
		Ledger:   NewPostgresLedger(db),
		Entities: NewPostgresEntities(db),
		close:    db.Close,
	}
}

// NewSpannerBackend bundles the Spanner stores over one client.
func NewSpannerBackend(client *spanner.Client) *Backend {
	return &Backend{
		Tx:       NewSpannerTxManager(client),
		Outbox:   NewSpannerRepository(client),
		Ledger:   NewSpannerLedger(client),
		Entities: NewSpannerEntities(client),
		close: func() error {
			client.Close()
			return nil
		},
	}
}
