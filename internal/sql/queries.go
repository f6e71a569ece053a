// Package sql embeds the schema migrations and ledger queries.
package sql

import (
	"embed"
	_ "embed"
)

// Migrations holds the schema migration files, applied in filename order.
//
//go:embed migrations
var Migrations embed.FS

//go:embed queries/record_seen.sql
var RecordSeen string

//go:embed queries/reclaim_failed.sql
var ReclaimFailed string

//go:embed queries/reclaim_stale.sql
var ReclaimStale string

//go:embed queries/lookup_record.sql
var LookupRecord string

//go:embed queries/mark_succeeded.sql
var MarkSucceeded string

//go:embed queries/mark_failed.sql
var MarkFailed string

//go:embed queries/list_records.sql
var ListRecords string

//go:embed queries/count_by_outcome.sql
var CountByOutcome string
