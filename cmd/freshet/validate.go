package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbergin/freshet/internal/exitcode"
	"github.com/tbergin/freshet/internal/graph"
	"github.com/tbergin/freshet/internal/task"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file without touching the database",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	log := loadConfig(false)

	// Registration catches dependency cycles that field-level validation
	// cannot see.
	g := graph.New()
	specs := make([]graph.Spec, 0, len(cfg.Derived))
	for _, d := range cfg.Derived {
		specs = append(specs, d.Spec())
	}
	if err := g.RegisterAll(specs); err != nil {
		log.Error().Err(err).Msg("derived object validation failed")
		os.Exit(exitcode.ConfigError)
	}

	for _, j := range cfg.Jobs {
		if j.Cron != "" {
			if _, err := task.NewCronTrigger(j.Cron, j.TZ); err != nil {
				log.Error().Err(err).Str("job", j.ID).Msg("cron schedule invalid")
				os.Exit(exitcode.ConfigError)
			}
		}
	}

	fmt.Printf("config OK: %d sources, %d derived objects, %d jobs\n",
		len(cfg.Sources), len(cfg.Derived), len(cfg.Jobs))
	for _, s := range cfg.Sources {
		fmt.Printf("  source %-20s %s -> %s\n", s.ID, s.Prefix, s.TargetTable)
	}
	for _, d := range cfg.Derived {
		fmt.Printf("  derived %-19s budget %s, upstreams %v\n", d.ID, time.Duration(d.Budget), d.Upstreams)
	}
	return nil
}
