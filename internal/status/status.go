// Package status assembles an operator-facing report from the ledger, the
// dependency graph and the scheduled-job runner.
package status

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tbergin/freshet/internal/graph"
	"github.com/tbergin/freshet/internal/ledger"
	"github.com/tbergin/freshet/internal/model"
	"github.com/tbergin/freshet/internal/task"
)

// SourceStatus is the ingestion backlog of one registered source.
type SourceStatus struct {
	SourceID  string `json:"source_id"`
	Pending   int64  `json:"pending"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

// ObjectStatus is the freshness of one derived object.
type ObjectStatus struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	LastRefresh time.Time `json:"last_refresh,omitzero"`
	StaleSince  time.Time `json:"stale_since,omitzero"`
	Overdue     bool      `json:"overdue"`
	LastError   string    `json:"last_error,omitempty"`
}

// JobReport mirrors task.JobStatus for the report surface.
type JobReport struct {
	ID          string    `json:"id"`
	NextFire    time.Time `json:"next_fire"`
	LastRun     time.Time `json:"last_run,omitzero"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Skips       int64     `json:"skips,omitempty"`
}

// Report is one point-in-time view of the whole pipeline.
type Report struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Sources     []SourceStatus `json:"sources"`
	Objects     []ObjectStatus `json:"objects"`
	Jobs        []JobReport    `json:"jobs,omitempty"`
}

// Reporter pulls from whichever subsystems are wired in; nil parts are
// simply absent from the report, so the status command works against a
// bare ledger too.
type Reporter struct {
	Store  ledger.Store
	Graph  *graph.Graph
	Runner *task.Runner

	now func() time.Time
}

func NewReporter(store ledger.Store, g *graph.Graph, r *task.Runner) *Reporter {
	return &Reporter{Store: store, Graph: g, Runner: r, now: time.Now}
}

// Build assembles the report. Sources and objects come back sorted by ID so
// repeated invocations diff cleanly.
func (r *Reporter) Build(ctx context.Context) (Report, error) {
	rep := Report{GeneratedAt: r.now()}

	if r.Store != nil {
		counts, err := r.Store.CountByOutcome(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("ledger counts: %w", err)
		}
		for sourceID, byOutcome := range counts {
			rep.Sources = append(rep.Sources, SourceStatus{
				SourceID:  sourceID,
				Pending:   byOutcome[model.OutcomePending],
				Succeeded: byOutcome[model.OutcomeSucceeded],
				Failed:    byOutcome[model.OutcomeFailed],
			})
		}
		sort.Slice(rep.Sources, func(i, k int) bool { return rep.Sources[i].SourceID < rep.Sources[k].SourceID })
	}

	if r.Graph != nil {
		now := r.now()
		for _, n := range r.Graph.Snapshot() {
			rep.Objects = append(rep.Objects, ObjectStatus{
				ID:          n.ID,
				State:       string(n.State),
				LastRefresh: n.LastRefresh,
				StaleSince:  n.StaleSince,
				Overdue:     (n.State == graph.StateStale || n.State == graph.StateFailed) && n.Overdue(now),
				LastError:   n.LastError,
			})
		}
		sort.Slice(rep.Objects, func(i, k int) bool { return rep.Objects[i].ID < rep.Objects[k].ID })
	}

	if r.Runner != nil {
		for _, j := range r.Runner.Snapshot() {
			rep.Jobs = append(rep.Jobs, JobReport{
				ID:          j.ID,
				NextFire:    j.NextFire,
				LastRun:     j.LastRun,
				LastOutcome: string(j.LastOutcome),
				LastError:   j.LastError,
				Skips:       j.Skips,
			})
		}
	}

	return rep, nil
}
