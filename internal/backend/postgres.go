package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tbergin/freshet/internal/db"
	"github.com/tbergin/freshet/internal/model"
)

const loadChanBuffer = 1024

// Postgres executes loads via the COPY protocol and statements on a pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres creates a Postgres execution backend.
func NewPostgres(pool *pgxpool.Pool, log zerolog.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

// Load streams decoded rows through a channel-backed CopyFromSource into the
// target table. The decoder goroutine stalls when Postgres falls behind, so
// memory stays bounded regardless of file size.
func (p *Postgres) Load(ctx context.Context, req LoadRequest) (int64, error) {
	// The decoder gets its own cancel: if the COPY aborts server-side it
	// stops reading the channel, and the decoder must not block forever.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan []any, loadChanBuffer)
	errCh := make(chan error, 1)
	src := db.NewRowSource(ch)

	go func() {
		var err error
		switch req.Descriptor.Format {
		case model.FormatParquet:
			err = streamParquet(dctx, req.Path, req.Descriptor, ch)
		default:
			err = streamCSV(dctx, req.Path, req.Descriptor, ch)
		}
		if err != nil {
			// Abort the COPY so a half-decoded file never commits.
			src.Fail(err)
		}
		close(ch)
		errCh <- err
	}()

	rows, copyErr := p.pool.CopyFrom(ctx,
		tableIdent(req.TargetTable),
		req.Descriptor.Columns,
		src,
	)

	// Always drain the decoder result so the goroutine exits.
	cancel()
	decodeErr := <-errCh
	if decodeErr != nil && !errors.Is(decodeErr, context.Canceled) {
		return 0, fmt.Errorf("decode %s: %w", req.Path, decodeErr)
	}
	if copyErr != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &UnavailableError{Err: fmt.Errorf("copy into %s: %w", req.TargetTable, copyErr)}
	}

	p.log.Debug().
		Str("path", req.Path).
		Str("table", req.TargetTable).
		Int64("rows", rows).
		Msg("load complete")
	return rows, nil
}

// Exec runs the statement as-is.
func (p *Postgres) Exec(ctx context.Context, statement string) error {
	if _, err := p.pool.Exec(ctx, statement); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnavailableError{Err: fmt.Errorf("exec: %w", err)}
	}
	return nil
}

// tableIdent splits a dotted table name into a quoted pgx identifier.
func tableIdent(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

var _ Backend = (*Postgres)(nil)
