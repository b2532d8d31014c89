package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"balanceBridge/internal/config"
	"balanceBridge/internal/storage/postgres"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx := cmd.Context()
	store, err := postgres.NewStore(ctx, cfg.PGDSN, cfg.TxTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema migrated", zap.Duration("tx_timeout", cfg.TxTimeout))
	return nil
}
