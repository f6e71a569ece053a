package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tbergin/freshet/internal/model"
)

type pathKey struct {
	sourceID string
	filePath string
}

// Memory is an in-process Store used by tests and dev mode. Mutations are
// applied under per-path mutual exclusion so unrelated ingestions stay
// independent; only the map lookups share a lock.
type Memory struct {
	// ClaimTTL overrides DefaultClaimTTL when positive. Set before use.
	ClaimTTL time.Duration

	mu      sync.Mutex
	records map[pathKey]*model.IngestionRecord
	byID    map[uuid.UUID]pathKey
	locks   map[pathKey]*sync.Mutex
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[pathKey]*model.IngestionRecord),
		byID:    make(map[uuid.UUID]pathKey),
		locks:   make(map[pathKey]*sync.Mutex),
	}
}

func (m *Memory) keyLock(k pathKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

func (m *Memory) get(k pathKey) *model.IngestionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[k]
}

func (m *Memory) put(k pathKey, rec *model.IngestionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[k] = rec
	m.byID[rec.ID] = k
}

func (m *Memory) RecordSeen(ctx context.Context, sourceID, filePath, checksum string) (*model.IngestionRecord, bool, error) {
	k := pathKey{sourceID, filePath}
	l := m.keyLock(k)
	l.Lock()
	defer l.Unlock()

	if rec := m.get(k); rec != nil {
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
			c := *rec
			return &c, false, nil
		case model.OutcomeFailed:
			rec.Outcome = model.OutcomePending
			rec.Checksum = checksum
			rec.ErrorDetail = ""
			rec.CompletedAt = time.Time{}
			rec.SeenAt = time.Now() // restart the claim clock
			c := *rec
			return &c, true, nil
		default:
			ttl := m.ClaimTTL
			if ttl <= 0 {
				ttl = DefaultClaimTTL
			}
			if time.Since(rec.SeenAt) >= ttl {
				// Orphaned claim from a crashed worker: re-claim it.
				rec.Checksum = checksum
				rec.ErrorDetail = ""
				rec.SeenAt = time.Now()
				c := *rec
				return &c, true, nil
			}
			// In flight elsewhere: the second concurrent ingestion of the
			// same path short-circuits here.
			c := *rec
			return &c, false, nil
		}
	}

	rec := &model.IngestionRecord{
		ID:       uuid.New(),
		SourceID: sourceID,
		FilePath: filePath,
		Checksum: checksum,
		Outcome:  model.OutcomePending,
		SeenAt:   time.Now(),
	}
	m.put(k, rec)
	c := *rec
	return &c, true, nil
}

func (m *Memory) finalize(recordID uuid.UUID, fn func(rec *model.IngestionRecord)) error {
	m.mu.Lock()
	k, ok := m.byID[recordID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("ledger: unknown record %s", recordID)
	}

	l := m.keyLock(k)
	l.Lock()
	defer l.Unlock()
	fn(m.get(k))
	return nil
}

func (m *Memory) MarkSucceeded(ctx context.Context, recordID uuid.UUID, rowCount int64) error {
	return m.finalize(recordID, func(rec *model.IngestionRecord) {
		rec.Outcome = model.OutcomeSucceeded
		rec.RowCount = rowCount
		rec.ErrorDetail = ""
		rec.CompletedAt = time.Now()
	})
}

func (m *Memory) MarkFailed(ctx context.Context, recordID uuid.UUID, detail string) error {
	return m.finalize(recordID, func(rec *model.IngestionRecord) {
		rec.Outcome = model.OutcomeFailed
		rec.ErrorDetail = detail
		rec.CompletedAt = time.Now()
	})
}

func (m *Memory) IsProcessed(ctx context.Context, sourceID, filePath string) (bool, error) {
	rec := m.get(pathKey{sourceID, filePath})
	return rec != nil && rec.Outcome == model.OutcomeSucceeded, nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]model.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.IngestionRecord
	for _, rec := range m.records {
		if f.Outcome != "" && rec.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && rec.SeenAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !rec.SeenAt.Before(f.Until) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeenAt.Before(out[j].SeenAt) })
	return out, nil
}

func (m *Memory) CountByOutcome(ctx context.Context) (map[string]map[model.Outcome]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]map[model.Outcome]int64)
	for _, rec := range m.records {
		byOutcome, ok := counts[rec.SourceID]
		if !ok {
			byOutcome = make(map[model.Outcome]int64)
			counts[rec.SourceID] = byOutcome
		}
		byOutcome[rec.Outcome]++
	}
	return counts, nil
}

var _ Store = (*Memory)(nil)
