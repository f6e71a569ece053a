package db

import (
	"github.com/jackc/pgx/v5"
)

// RowSource implements pgx.CopyFromSource by reading value slices from a
// channel. This provides natural backpressure between a file decoder and the
// COPY writer: the decoder stalls when Postgres falls behind.
type RowSource struct {
	ch      <-chan []any
	current []any
	err     error
}

// NewRowSource creates a CopyFromSource backed by a channel.
func NewRowSource(ch <-chan []any) *RowSource {
	return &RowSource{ch: ch}
}

// Next advances to the next row. Returns false when the channel is closed.
func (s *RowSource) Next() bool {
	row, ok := <-s.ch
	if !ok {
		return false
	}
	s.current = row
	return true
}

// Values returns the current row's values in COPY column order.
func (s *RowSource) Values() ([]any, error) {
	return s.current, nil
}

// Fail records a producer-side error. Must be called before the channel is
// closed; CopyFrom then aborts instead of committing a partial load.
func (s *RowSource) Fail(err error) {
	s.err = err
}

// Err returns any error recorded by the producer.
func (s *RowSource) Err() error {
	return s.err
}

// Compile-time check that RowSource satisfies the interface.
var _ pgx.CopyFromSource = (*RowSource)(nil)
