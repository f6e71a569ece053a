package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tbergin/freshet/internal/model"
	embedsql "github.com/tbergin/freshet/internal/sql"
)

// Postgres is the durable Store backed by the ingest.records table.
// The table's unique (source_id, file_path) constraint makes RecordSeen's
// claim race-safe across processes: exactly one inserter wins.
type Postgres struct {
	pool *pgxpool.Pool

	// ClaimTTL overrides DefaultClaimTTL when positive. Set before use.
	ClaimTTL time.Duration
}

// NewPostgres creates a ledger store on the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) RecordSeen(ctx context.Context, sourceID, filePath, checksum string) (*model.IngestionRecord, bool, error) {
	id := uuid.New()
	err := p.pool.QueryRow(ctx, embedsql.RecordSeen, id, sourceID, filePath, checksum).Scan(&id)
	if err == nil {
		rec, lookErr := p.lookup(ctx, sourceID, filePath)
		if lookErr != nil {
			return nil, false, lookErr
		}
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("record seen: %w", err)
	}

	// Insert lost to an existing record.
	rec, err := p.lookup(ctx, sourceID, filePath)
	if err != nil {
		return nil, false, err
	}

	switch rec.Outcome {
	case model.OutcomeSucceeded:
		if checksum != "" && rec.Checksum != "" && checksum != rec.Checksum {
			return nil, false, &DuplicateIngestionError{
				SourceID: sourceID,
				FilePath: filePath,
				Existing: rec.Checksum,
				Incoming: checksum,
			}
		}
		return rec, false, nil
	case model.OutcomeFailed:
		// Re-claim for retry; the WHERE outcome='failed' guard means only
		// one concurrent caller wins the reclaim.
		var reclaimedID uuid.UUID
		err := p.pool.QueryRow(ctx, embedsql.ReclaimFailed, sourceID, filePath, checksum).Scan(&reclaimedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("reclaim failed record: %w", err)
		}
		rec, err = p.lookup(ctx, sourceID, filePath)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	default:
		// Pending. A live claim means another worker is loading this file
		// right now; a claim past the TTL belongs to a worker that crashed
		// between claiming and finalizing and must be re-claimed. The
		// seen_at guard in the query keeps the reclaim single-winner.
		ttl := p.ClaimTTL
		if ttl <= 0 {
			ttl = DefaultClaimTTL
		}
		var reclaimedID uuid.UUID
		err := p.pool.QueryRow(ctx, embedsql.ReclaimStale, sourceID, filePath, checksum, ttl.Seconds()).Scan(&reclaimedID)
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("reclaim stale claim: %w", err)
		}
		rec, err = p.lookup(ctx, sourceID, filePath)
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}
}

func (p *Postgres) lookup(ctx context.Context, sourceID, filePath string) (*model.IngestionRecord, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, embedsql.LookupRecord, sourceID, filePath))
	if err != nil {
		return nil, fmt.Errorf("lookup record %s/%s: %w", sourceID, filePath, err)
	}
	return rec, nil
}

func (p *Postgres) MarkSucceeded(ctx context.Context, recordID uuid.UUID, rowCount int64) error {
	if _, err := p.pool.Exec(ctx, embedsql.MarkSucceeded, recordID, rowCount); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, recordID uuid.UUID, detail string) error {
	if _, err := p.pool.Exec(ctx, embedsql.MarkFailed, recordID, detail); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (p *Postgres) IsProcessed(ctx context.Context, sourceID, filePath string) (bool, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, embedsql.LookupRecord, sourceID, filePath))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is processed: %w", err)
	}
	return rec.Outcome == model.OutcomeSucceeded, nil
}

func (p *Postgres) List(ctx context.Context, f Filter) ([]model.IngestionRecord, error) {
	var since, until *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	if !f.Until.IsZero() {
		until = &f.Until
	}

	rows, err := p.pool.Query(ctx, embedsql.ListRecords, string(f.Outcome), since, until)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByOutcome(ctx context.Context) (map[string]map[model.Outcome]int64, error) {
	rows, err := p.pool.Query(ctx, embedsql.CountByOutcome)
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[model.Outcome]int64)
	for rows.Next() {
		var sourceID, outcome string
		var n int64
		if err := rows.Scan(&sourceID, &outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		byOutcome, ok := counts[sourceID]
		if !ok {
			byOutcome = make(map[model.Outcome]int64)
			counts[sourceID] = byOutcome
		}
		byOutcome[model.Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

func scanRecord(row pgx.Row) (*model.IngestionRecord, error) {
	var rec model.IngestionRecord
	var outcome string
	err := row.Scan(&rec.ID, &rec.SourceID, &rec.FilePath, &rec.Checksum,
		&outcome, &rec.RowCount, &rec.ErrorDetail, &rec.SeenAt, &rec.CompletedAt)
	if err != nil {
		return nil, err
	}
	rec.Outcome = model.Outcome(outcome)
	return &rec, nil
}

var _ Store = (*Postgres)(nil)
