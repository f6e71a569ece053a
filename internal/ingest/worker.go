// Package ingest loads newly arrived files into raw tables, recording
// outcomes in the ledger and signalling the dependency graph on success.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbergin/freshet/internal/alert"
	"github.com/tbergin/freshet/internal/backend"
	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/model"
)

// Result classifies one Ingest call.
type Result string

const (
	ResultLoaded          Result = "loaded"
	ResultAlreadyIngested Result = "already-ingested"
	ResultInFlight        Result = "in-flight"
	ResultFailed          Result = "failed"
)

// Notifier receives the raw-table change signal after a successful load.
// Satisfied by *graph.Graph.
type Notifier interface {
	MarkStale(id string, at time.Time)
}

// Config tunes the worker pool.
type Config struct {
	Workers          int
	MaxAttempts      int           // bounded load retries before escalation
	RetryInitialWait time.Duration // first backoff interval
}

// Pool ingests files in parallel. Loads of the same file path serialize
// through the ledger's pending claim; unrelated paths never contend.
type Pool struct {
	cfg    Config
	store  ledger.Store
	be     backend.Backend
	notify Notifier
	sink   alert.Sink
	log    zerolog.Logger
}

// NewPool creates a worker pool.
func NewPool(cfg Config, store ledger.Store, be backend.Backend, notify Notifier, sink alert.Sink, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInitialWait <= 0 {
		cfg.RetryInitialWait = 500 * time.Millisecond
	}
	return &Pool{cfg: cfg, store: store, be: be, notify: notify, sink: sink, log: log}
}

// Run consumes requests until the context is cancelled or the channel
// closes. Individual ingestion failures are recorded and escalated, never
// returned: one bad file must not stop the pool.
func (p *Pool) Run(ctx context.Context, reqs <-chan model.IngestRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			log := p.log.With().Int("worker", worker).Logger()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case req, ok := <-reqs:
					if !ok {
						return nil
					}
					res, err := p.Ingest(ctx, req)
					if err != nil {
						log.Error().Err(err).Str("path", req.Path).Str("result", string(res)).Msg("ingestion failed")
					} else {
						log.Debug().Str("path", req.Path).Str("result", string(res)).Msg("ingestion done")
					}
				}
			}
		})
	}
	return g.Wait()
}

// Ingest processes one request end to end.
func (p *Pool) Ingest(ctx context.Context, req model.IngestRequest) (Result, error) {
	rec, claimed, err := p.store.RecordSeen(ctx, req.Source.ID, req.Path, req.Checksum)
	if err != nil {
		var dup *ledger.DuplicateIngestionError
		if errors.As(err, &dup) {
			alert.Emit(p.sink, alert.Alert{
				Severity:  alert.SeverityCritical,
				Subsystem: "ingest",
				Message:   "checksum conflict with previously ingested file",
				Context:   map[string]string{"source": req.Source.ID, "path": req.Path},
			})
		}
		return ResultFailed, err
	}
	if !claimed {
		if rec.Outcome == model.OutcomeSucceeded {
			return ResultAlreadyIngested, nil
		}
		// Another worker holds the pending claim for this path.
		return ResultInFlight, nil
	}

	rows, err := p.load(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-load: leave the record failed so a retry sweep
			// or redelivery picks it up.
			_ = p.store.MarkFailed(context.WithoutCancel(ctx), rec.ID, err.Error())
			return ResultFailed, err
		}
		if markErr := p.store.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			p.log.Error().Err(markErr).Str("path", req.Path).Msg("ledger update failed")
		}
		alert.Emit(p.sink, alert.Alert{
			Severity:  alert.SeverityCritical,
			Subsystem: "ingest",
			Message:   "file load failed after retries",
			Context: map[string]string{
				"source": req.Source.ID,
				"path":   req.Path,
				"error":  err.Error(),
			},
		})
		return ResultFailed, err
	}

	if err := p.store.MarkSucceeded(ctx, rec.ID, rows); err != nil {
		return ResultFailed, err
	}
	p.notify.MarkStale(req.Source.TargetTable, time.Now())

	p.log.Info().
		Str("source", req.Source.ID).
		Str("path", req.Path).
		Str("table", req.Source.TargetTable).
		Int64("rows", rows).
		Msg("file ingested")
	return ResultLoaded, nil
}

// load invokes the backend with bounded exponential-backoff retries.
// Only transient backend failures are retried; decode errors are final.
func (p *Pool) load(ctx context.Context, req model.IngestRequest) (int64, error) {
	loadReq := backend.LoadRequest{
		Path:        req.Path,
		TargetTable: req.Source.TargetTable,
		Descriptor:  req.Source.Descriptor,
	}

	var rows int64
	op := func() error {
		n, err := p.be.Load(ctx, loadReq)
		if err != nil {
			if !backend.IsTransient(err) {
				return backoff.Permanent(err)
			}
			p.log.Warn().Err(err).Str("path", req.Path).Msg("transient load failure, will retry")
			return err
		}
		rows = n
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryInitialWait
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.cfg.MaxAttempts-1)), ctx))
	if err != nil {
		return 0, err
	}
	return rows, nil
}
