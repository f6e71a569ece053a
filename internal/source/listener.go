package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/model"
)

// ErrQueueFull signals backpressure: the ingestion queue is at capacity and
// the caller should redeliver the event later. The at-least-once transport
// makes this safe.
var ErrQueueFull = errors.New("ingestion queue full, retry later")

// Listener normalizes FileEvents into ingestion requests. It tolerates
// at-least-once delivery and out-of-order arrival; double-loading is
// prevented by the ledger, not here — the IsProcessed check is only an
// optimization that keeps redelivered events off the queue.
type Listener struct {
	reg   *Registry
	store ledger.Store
	queue chan model.IngestRequest
	log   zerolog.Logger
}

// NewListener creates a listener with a bounded request queue.
func NewListener(reg *Registry, store ledger.Store, queueSize int, log zerolog.Logger) *Listener {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Listener{
		reg:   reg,
		store: store,
		queue: make(chan model.IngestRequest, queueSize),
		log:   log,
	}
}

// Requests is the channel the worker pool consumes.
func (l *Listener) Requests() <-chan model.IngestRequest {
	return l.queue
}

// Handle accepts one raw FileEvent. Events with no matching source are
// dropped with a warning (recoverable, by contract not fatal). A full queue
// returns ErrQueueFull without enqueueing.
func (l *Listener) Handle(ctx context.Context, ev model.FileEvent) error {
	src := l.reg.Resolve(ev.Path)
	if src == nil {
		l.log.Warn().Str("path", ev.Path).Msg("unregistered source, dropping event")
		return nil
	}

	processed, err := l.store.IsProcessed(ctx, src.ID, ev.Path)
	if err != nil {
		return fmt.Errorf("listener ledger check: %w", err)
	}
	if processed {
		l.log.Debug().Str("path", ev.Path).Str("source", src.ID).Msg("already processed, dropping event")
		return nil
	}

	req := model.IngestRequest{
		Source:   src,
		Path:     ev.Path,
		Checksum: ev.Checksum,
		Size:     ev.Size,
	}

	select {
	case l.queue <- req:
		l.log.Debug().Str("path", ev.Path).Str("source", src.ID).Msg("ingestion request enqueued")
		return nil
	default:
		return ErrQueueFull
	}
}
