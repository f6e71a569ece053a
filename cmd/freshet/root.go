package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbergin/freshet/internal/config"
	"github.com/tbergin/freshet/internal/exitcode"
	"github.com/tbergin/freshet/internal/logging"
)

var (
	cfg     config.Config
	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "freshet",
	Short: "Event-driven warehouse ingestion and incremental refresh",
	Long:  "Watches for newly delivered files, bulk-loads them into Postgres via the COPY protocol, and keeps derived objects fresh by propagating staleness through their dependency graph.",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DSN, "dsn", os.Getenv("DATABASE_URL"), "Postgres connection string (or set DATABASE_URL)")
	pf.StringVar(&cfgPath, "config", "", "Path to YAML config file")
	pf.StringVar(&cfg.LogFormat, "log-format", "", "Log format: text or json")
}

// loadConfig merges the config file under any flags already set and returns
// a configured logger. Exits on unreadable or invalid config.
func loadConfig(requireDSN bool) zerolog.Logger {
	if cfgPath != "" {
		if err := cfg.LoadFromFile(cfgPath); err != nil {
			log := logging.Setup(cfg.LogFormat)
			log.Error().Err(err).Msg("config load failed")
			os.Exit(exitcode.ConfigError)
		}
	}
	log := logging.Setup(cfg.LogFormat)

	var err error
	if requireDSN {
		err = cfg.ValidateWithDSN()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.ConfigError)
	}
	return log
}
