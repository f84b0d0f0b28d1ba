package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/llm-governance-gateway/repositories/postgres"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the review and audit tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := initLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		factory, err := postgres.NewRepositoryFactory(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer factory.Close()

		if err := factory.InitSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		logger.Info("schema ready", zap.String("connection", cfg.Database.LogString()))
		return nil
	},
}
