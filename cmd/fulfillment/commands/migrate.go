package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zoff-tech/go-fulfillment/pkg/store"
)

// RunMigrations applies the embedded Postgres migrations to the configured database.
func RunMigrations(ctx context.Context, configDir string) error {
	cfg, logger, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("migrations apply to postgres only, database type is %s", cfg.Database.Type)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	defer closeQuietly(logger, "postgres", db.Close)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach postgres: %w", err)
	}
	return store.Migrate(db, logger)
}
