package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/internal/workflow/migrations"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Workflow.Store.Driver != "postgres" {
				return fmt.Errorf("migrate: workflow.store.driver is %q, migrations apply to postgres only", cfg.Workflow.Store.Driver)
			}
			logger, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger error: %w", err)
			}
			defer logger.Sync()

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg.Workflow.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if statusOnly {
				version, dirty, err := migrations.Version(pool)
				if err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				logger.Info("database schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
				return nil
			}
			return migrations.RunMigrationsUp(ctx, pool, logger)
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "report the applied schema version without migrating")
	return cmd
}
