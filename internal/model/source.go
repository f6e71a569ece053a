package model

import "time"

// Format identifies the on-disk encoding of files delivered by a source.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// FormatDescriptor describes how to decode a source's files into rows of the
// target table. Columns maps file columns (in file order for CSV, by field
// name for Parquet) onto target table columns.
type FormatDescriptor struct {
	Format    Format
	Delimiter rune   // CSV only; defaults to ','
	SkipRows  int    // CSV only; header rows to skip
	Columns   []string
}

// SourceLocation is an addressable origin from which files are ingested.
// Immutable once registered with the source registry.
type SourceLocation struct {
	ID          string
	Prefix      string // URI prefix matched against FileEvent paths
	TargetTable string
	Descriptor  FormatDescriptor
}

// FileEvent is a storage notification describing one candidate file.
// Ephemeral: consumed by the listener, never persisted.
type FileEvent struct {
	Path      string
	Size      int64
	Checksum  string // hex digest if the transport provides one; may be empty
	EventTime time.Time
}

// IngestRequest is a normalized unit of work handed to the worker pool.
type IngestRequest struct {
	Source   *SourceLocation
	Path     string
	Checksum string
	Size     int64
}
