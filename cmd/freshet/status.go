package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbergin/freshet/internal/db"
	"github.com/tbergin/freshet/internal/exitcode"
	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/logging"
	"github.com/tbergin/freshet/internal/status"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report per-source ingestion backlog from the ledger",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit the report as JSON")
	rootCmd.AddCommand(statusCmd)
}

// Freshness and job state live in the serve process; offline, only the
// ledger is reachable.
func runStatus(cmd *cobra.Command, args []string) error {
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

	rep, err := status.NewReporter(ledger.NewPostgres(pool), nil, nil).Build(ctx)
	if err != nil {
		log.Error().Err(err).Msg("status report failed")
		os.Exit(exitcode.RunError)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Println("=== freshet status ===")
	if len(rep.Sources) == 0 {
		fmt.Println("ledger is empty")
		return nil
	}
	fmt.Printf("%-20s %8s %10s %8s\n", "SOURCE", "PENDING", "SUCCEEDED", "FAILED")
	for _, s := range rep.Sources {
		fmt.Printf("%-20s %8d %10d %8d\n", s.SourceID, s.Pending, s.Succeeded, s.Failed)
	}
	return nil
}
