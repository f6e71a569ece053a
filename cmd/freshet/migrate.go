package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbergin/freshet/internal/db"
	"github.com/tbergin/freshet/internal/exitcode"
	"github.com/tbergin/freshet/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger schema migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfgPath != "" {
		if err := cfg.LoadFromFile(cfgPath); err != nil {
			log := logging.Setup(cfg.LogFormat)
			log.Error().Err(err).Msg("config load failed")
			os.Exit(exitcode.ConfigError)
		}
	}
	log := logging.Setup(cfg.LogFormat)
	ctx := context.Background()

	if cfg.DSN == "" {
		log.Error().Msg("--dsn or DATABASE_URL is required")
		os.Exit(exitcode.UsageError)
	}

	pool, err := db.NewPool(ctx, cfg.DSN)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, log); err != nil {
		log.Error().Err(err).Msg("migration failed")
		os.Exit(exitcode.MigrateError)
	}

	log.Info().Msg("all migrations applied successfully")
	return nil
}
