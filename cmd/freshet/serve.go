package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tbergin/freshet/internal/alert"
	"github.com/tbergin/freshet/internal/backend"
	"github.com/tbergin/freshet/internal/config"
	"github.com/tbergin/freshet/internal/db"
	"github.com/tbergin/freshet/internal/exitcode"
	"github.com/tbergin/freshet/internal/graph"
	"github.com/tbergin/freshet/internal/ingest"
	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/logging"
	"github.com/tbergin/freshet/internal/refresh"
	"github.com/tbergin/freshet/internal/source"
	"github.com/tbergin/freshet/internal/status"
	"github.com/tbergin/freshet/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and refresh pipeline",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&cfg.WatchDir, "watch-dir", "", "Directory to watch for newly delivered files")
	f.IntVar(&cfg.Workers, "workers", 0, "Ingestion worker count")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := loadConfig(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DSN)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	defer pool.Close()

	store := ledger.NewPostgres(pool)
	be := backend.NewPostgres(pool, logging.Component(log, "backend"))
	sink := alert.LogSink{Log: logging.Component(log, "alert")}

	reg := source.NewRegistry()
	for _, s := range cfg.Sources {
		loc, err := s.Location()
		if err != nil {
			log.Error().Err(err).Msg("source registration failed")
			os.Exit(exitcode.ConfigError)
		}
		if err := reg.Register(loc); err != nil {
			log.Error().Err(err).Msg("source registration failed")
			os.Exit(exitcode.ConfigError)
		}
	}

	g := graph.New()
	specs := make([]graph.Spec, 0, len(cfg.Derived))
	for _, d := range cfg.Derived {
		specs = append(specs, d.Spec())
	}
	if err := g.RegisterAll(specs); err != nil {
		log.Error().Err(err).Msg("dependency graph registration failed")
		os.Exit(exitcode.ConfigError)
	}

	listener := source.NewListener(reg, store, cfg.QueueSize, logging.Component(log, "listener"))
	workers := ingest.NewPool(ingest.Config{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
	}, store, be, g, sink, logging.Component(log, "ingest"))
	sched := refresh.NewScheduler(g, be, sink, cfg.Tick, logging.Component(log, "refresh"))

	runner := task.NewRunner(sink, time.Second, logging.Component(log, "task"))
	for _, j := range cfg.Jobs {
		job, err := buildJob(j, sched, be, store, listener)
		if err != nil {
			log.Error().Err(err).Msg("job setup failed")
			os.Exit(exitcode.ConfigError)
		}
		if err := runner.Schedule(job); err != nil {
			log.Error().Err(err).Msg("job setup failed")
			os.Exit(exitcode.ConfigError)
		}
	}

	log.Info().
		Int("sources", len(cfg.Sources)).
		Int("derived", len(cfg.Derived)).
		Int("jobs", len(cfg.Jobs)).
		Int("workers", cfg.Workers).
		Msg("pipeline starting")

	reporter := status.NewReporter(store, g, runner)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return workers.Run(ctx, listener.Requests()) })
	grp.Go(func() error { return sched.Run(ctx) })
	grp.Go(func() error { return runner.Run(ctx) })
	grp.Go(func() error { return logFreshness(ctx, reporter, log) })
	if cfg.WatchDir != "" {
		watcher := source.NewDirWatcher(cfg.WatchDir, listener, logging.Component(log, "watch"))
		grp.Go(func() error { return watcher.Run(ctx) })
	}

	err = grp.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pipeline stopped")
		os.Exit(exitcode.RunError)
	}
	log.Info().Msg("pipeline stopped")
	return nil
}

// logFreshness periodically logs a one-line pipeline summary.
func logFreshness(ctx context.Context, reporter *status.Reporter, log zerolog.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			rep, err := reporter.Build(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("freshness report failed")
				continue
			}
			var pending, failed int64
			for _, s := range rep.Sources {
				pending += s.Pending
				failed += s.Failed
			}
			var stale, overdue int
			for _, o := range rep.Objects {
				if o.State != string(graph.StateFresh) {
					stale++
				}
				if o.Overdue {
					overdue++
				}
			}
			log.Info().
				Int64("pending_files", pending).
				Int64("failed_files", failed).
				Int("not_fresh", stale).
				Int("overdue", overdue).
				Msg("pipeline freshness")
		}
	}
}

// buildJob assembles one scheduled job from its declaration.
func buildJob(j config.Job, sched *refresh.Scheduler, be backend.Backend, store ledger.Store, l *source.Listener) (task.Job, error) {
	var trig task.Trigger
	if j.Cron != "" {
		ct, err := task.NewCronTrigger(j.Cron, j.TZ)
		if err != nil {
			return task.Job{}, err
		}
		trig = ct
	} else {
		trig = task.IntervalTrigger{Every: time.Duration(j.Every)}
	}

	var action task.Action
	switch {
	case j.Refresh != "":
		action = task.RefreshAction(j.Refresh, sched)
	case j.Statement != "":
		action = task.MaintenanceAction(j.Statement, be)
	default:
		action = task.RetrySweepAction(store, time.Duration(j.RetryWindow), l.Handle)
	}

	return task.Job{ID: j.ID, Trigger: trig, Action: action}, nil
}
