package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the lifecycle state of an ingestion record.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// IngestionRecord is a persisted ledger entry for one (source, file path)
// pair. Records are created on first sight of a file, updated on completion,
// and never deleted.
type IngestionRecord struct {
	ID          uuid.UUID
	SourceID    string
	FilePath    string
	Checksum    string
	Outcome     Outcome
	RowCount    int64
	ErrorDetail string
	SeenAt      time.Time
	CompletedAt time.Time
}
