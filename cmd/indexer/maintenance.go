package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/emperorhan/webhook-indexer/internal/config"
	"github.com/emperorhan/webhook-indexer/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply control-plane database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)

			db, err := postgres.New(postgres.Config{
				URL:                cfg.DB.URL,
				MaxOpenConns:       1,
				MaxIdleConns:       1,
				StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
			})
			if err != nil {
				logger.Error("failed to connect to database", "url", maskCredentials(cfg.DB.URL), "error", err)
				return err
			}
			defer db.Close()

			return db.Migrate(contextOrBackground(cmd.Context()))
		},
	}
}

func newHousekeepCmd(storeMode *string) *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Run one webhook registration housekeeping pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log.Level)
			ctx := contextOrBackground(cmd.Context())

			a, err := newApp(ctx, cfg, *storeMode, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return runHousekeep(ctx, a, cmd)
		},
	}
}

func runHousekeep(ctx context.Context, a *app, cmd *cobra.Command) error {
	res, err := a.registry.Housekeep(ctx)
	if err != nil {
		a.logger.Error("housekeeping failed", "error", err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed=%d missing=%d deactivated=%d orphans=%d\n",
		res.Removed, res.Missing, res.Deactivated, res.Orphans)
	return nil
}
