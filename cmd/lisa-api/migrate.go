package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lisa-sandbox/lisa-api/internal/store"
	"github.com/lisa-sandbox/lisa-api/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := setup()
		defer done()
		if err != nil {
			return err
		}

		zap.S().Info("Starting migrations")
		ctx := context.Background()

		db, err := store.InitDB(cfg)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		var pool *pgxpool.Pool
		if cfg.Database.Type == "pgsql" {
			pool, err = newPgxPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
		}

		if err := migrations.MigrateStore(ctx, db, cfg.Service.MigrationFolder, pool); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		zap.S().Info("Db migrated")
		return nil
	},
}
