package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/app"
	"github.com/hivemind-academic/scholar-scraper/internal/config"
	"github.com/hivemind-academic/scholar-scraper/internal/database"
)

// Migrator applies the schema; *database.Executor satisfies it.
type Migrator interface {
	Migrate(ctx context.Context) error
	Close()
}

// openMigrator connects to the database. Tests replace it.
var openMigrator = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Migrator, error) {
	return database.Open(ctx, app.PoolConfigs(cfg), logger)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the scholar tables and indexes if missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			db, err := openMigrator(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			rt.logger.Info("schema applied")
			return nil
		},
	}
}
