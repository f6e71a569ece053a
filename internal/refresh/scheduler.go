// Package refresh walks the dependency graph on a fixed tick and refreshes
// derived objects that have outlived their staleness budget, in dependency
// order. Polling rather than per-event dispatch coalesces bursts of
// upstream changes into one refresh.
package refresh

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbergin/freshet/internal/alert"
	"github.com/tbergin/freshet/internal/backend"
	"github.com/tbergin/freshet/internal/graph"
)

// PassSummary reports what one scheduler pass did.
type PassSummary struct {
	Refreshed int
	Failed    int
	Blocked   int
}

// Scheduler drives periodic refresh passes. The tick loop only dispatches:
// the pass itself runs in its own goroutine, and a tick arriving while a
// pass is still in flight is coalesced.
type Scheduler struct {
	g    *graph.Graph
	be   backend.Backend
	sink alert.Sink
	log  zerolog.Logger
	tick time.Duration

	inflight atomic.Bool
	now      func() time.Time
}

// NewScheduler creates a scheduler ticking at the given interval.
func NewScheduler(g *graph.Graph, be backend.Backend, sink alert.Sink, tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{g: g, be: be, sink: sink, log: log, tick: tick, now: time.Now}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.inflight.CompareAndSwap(false, true) {
				s.log.Debug().Msg("refresh pass still running, coalescing tick")
				continue
			}
			go func() {
				defer s.inflight.Store(false)
				s.RunPass(ctx)
			}()
		}
	}
}

// RunPass executes one full refresh pass. No error escapes: per-object
// failures are recorded on the object and escalated to the alert sink.
func (s *Scheduler) RunPass(ctx context.Context) PassSummary {
	now := s.now()
	snap := s.g.Snapshot()
	byID := make(map[string]graph.Node, len(snap))
	for _, n := range snap {
		byID[n.ID] = n
	}

	// Eligible: stale or failed, and past their staleness budget. A node
	// that has never been refreshed is always past it.
	var eligible []graph.Node
	for _, n := range snap {
		if (n.State == graph.StateStale || n.State == graph.StateFailed) && n.Overdue(now) {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return PassSummary{}
	}

	// Dependency order is the primary key; among independent nodes the most
	// overdue goes first. TopologicalOrder preserves this pre-sort between
	// independents.
	sort.Slice(eligible, func(i, j int) bool {
		return overrun(eligible[i], now) > overrun(eligible[j], now)
	})

	plan := make([]string, 0, len(eligible))
	planned := make(map[string]bool)
	for _, n := range eligible {
		plan = append(plan, n.ID)
		planned[n.ID] = true
	}
	// Stale ancestors gate their descendants, so they join the pass even
	// when not yet past their own budget.
	for _, n := range eligible {
		for _, anc := range s.staleAncestors(byID, n) {
			if !planned[anc] {
				plan = append(plan, anc)
				planned[anc] = true
			}
		}
	}

	order, err := s.g.TopologicalOrder(plan)
	if err != nil {
		alert.Emit(s.sink, alert.Alert{
			Severity:  alert.SeverityCritical,
			Subsystem: "refresh",
			Message:   "refresh plan is unorderable",
			Context:   map[string]string{"error": err.Error()},
		})
		return PassSummary{}
	}

	var sum PassSummary
	for _, id := range order {
		if ctx.Err() != nil {
			// Shutdown: the rest stay stale and are retried next start.
			return sum
		}
		n := byID[id]

		if up := s.blockedBy(n); up != "" {
			s.log.Debug().Str("object", id).Str("upstream", up).Msg("upstream not fresh, deferring refresh")
			sum.Blocked++
			continue
		}
		if !s.g.BeginRefresh(id) {
			continue
		}

		if err := s.be.Exec(ctx, n.Transform); err != nil {
			if ctx.Err() != nil {
				s.g.AbortRefresh(id)
				return sum
			}
			s.g.FailRefresh(id, err.Error())
			sum.Failed++
			s.log.Error().Err(err).Str("object", id).Msg("refresh failed")
			alert.Emit(s.sink, alert.Alert{
				Severity:  alert.SeverityWarning,
				Subsystem: "refresh",
				Message:   "derived object refresh failed",
				Context:   map[string]string{"object": id, "error": err.Error()},
			})
			continue
		}

		s.g.CompleteRefresh(id, s.now())
		sum.Refreshed++
		s.log.Info().Str("object", id).Msg("derived object refreshed")
	}
	return sum
}

// Refresh forces one object through a refresh immediately, outside the tick
// cycle. Used by scheduled jobs targeting a specific derived object.
func (s *Scheduler) Refresh(ctx context.Context, id string) error {
	if _, ok := s.g.Get(id); !ok {
		return fmt.Errorf("unknown derived object %q", id)
	}
	if !s.g.ForceStale(id, s.now()) || !s.g.BeginRefresh(id) {
		return fmt.Errorf("refresh of %q already in progress", id)
	}

	n, _ := s.g.Get(id)
	if err := s.be.Exec(ctx, n.Transform); err != nil {
		if ctx.Err() != nil {
			s.g.AbortRefresh(id)
			return ctx.Err()
		}
		s.g.FailRefresh(id, err.Error())
		return fmt.Errorf("refresh %s: %w", id, err)
	}
	s.g.CompleteRefresh(id, s.now())
	return nil
}

// staleAncestors walks upstream from n and collects registered ancestors
// that are not fresh.
func (s *Scheduler) staleAncestors(byID map[string]graph.Node, n graph.Node) []string {
	var out []string
	seen := map[string]bool{n.ID: true}
	queue := append([]string(nil), n.Upstreams...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		anc, ok := byID[id]
		if !ok {
			continue // raw table
		}
		if anc.State == graph.StateStale || anc.State == graph.StateFailed {
			out = append(out, id)
		}
		queue = append(queue, anc.Upstreams...)
	}
	return out
}

// blockedBy returns the first registered direct upstream that is not fresh
// right now, or "". A failed upstream leaves its downstream stale for the
// next tick rather than refreshing against stale inputs.
func (s *Scheduler) blockedBy(n graph.Node) string {
	for _, up := range n.Upstreams {
		cur, ok := s.g.Get(up)
		if !ok {
			continue // raw table, always current
		}
		if cur.State != graph.StateFresh {
			return up
		}
	}
	return ""
}

// overrun is how far past its budget a node is; never-refreshed nodes sort
// ahead of everything.
func overrun(n graph.Node, now time.Time) time.Duration {
	if n.LastRefresh.IsZero() {
		return 1<<63 - 1
	}
	return now.Sub(n.StaleSince.Add(n.Budget))
}
