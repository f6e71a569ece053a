// Package ledger is the durable record of which source files have been
// ingested and their outcome. It is the foundation for idempotence: the
// listener consults it to drop redelivered events, and workers use the
// pending-claim in RecordSeen to serialize concurrent loads of one path.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tbergin/freshet/internal/model"
)

// DefaultClaimTTL bounds how long a pending claim is honored. A claim this
// old belongs to a worker that crashed between claiming and finalizing; the
// record must become re-claimable or the file is stuck forever, since
// redeliveries short-circuit on the pending state.
const DefaultClaimTTL = 15 * time.Minute

// Filter selects ledger records by outcome and seen-at time range.
// Zero values leave the corresponding dimension unconstrained.
type Filter struct {
	Outcome model.Outcome
	Since   time.Time
	Until   time.Time
}

// Store is the ledger contract. Every mutation is durable before the call
// returns, so a crash after MarkSucceeded never re-triggers ingestion of the
// same file.
type Store interface {
	// RecordSeen registers a file on first sight. It is idempotent: an
	// existing record is returned with claimed=false unless the record is
	// failed, in which case it is reset to pending and re-claimed. A
	// pending claim older than the store's claim TTL is an orphan from a
	// crashed worker and is re-claimed the same way. A caller may load the
	// file only when claimed is true. Returns a *DuplicateIngestionError
	// when checksum differs from a previously succeeded record for the
	// same path.
	RecordSeen(ctx context.Context, sourceID, filePath, checksum string) (rec *model.IngestionRecord, claimed bool, err error)

	// MarkSucceeded finalizes a claimed record with the loaded row count.
	MarkSucceeded(ctx context.Context, recordID uuid.UUID, rowCount int64) error

	// MarkFailed finalizes a claimed record with the load error detail.
	MarkFailed(ctx context.Context, recordID uuid.UUID, detail string) error

	// IsProcessed reports whether the path already has a succeeded record.
	IsProcessed(ctx context.Context, sourceID, filePath string) (bool, error)

	// List returns records matching the filter, ordered by seen-at.
	// Used by the task runner for retry sweeps and by the status surface.
	List(ctx context.Context, f Filter) ([]model.IngestionRecord, error)

	// CountByOutcome returns per-source record counts keyed by outcome.
	CountByOutcome(ctx context.Context) (map[string]map[model.Outcome]int64, error)
}

// DuplicateIngestionError reports a checksum mismatch against a previously
// succeeded record: a data-integrity concern that is surfaced, never
// auto-resolved.
type DuplicateIngestionError struct {
	SourceID string
	FilePath string
	Existing string
	Incoming string
}

func (e *DuplicateIngestionError) Error() string {
	return fmt.Sprintf("duplicate ingestion of %s/%s: checksum %s conflicts with succeeded record %s",
		e.SourceID, e.FilePath, e.Incoming, e.Existing)
}
