package graph

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterAll_CycleRejectedAtomically(t *testing.T) {
	g := New()

	err := g.RegisterAll([]Spec{
		{ID: "a", Transform: "q", Upstreams: []string{"c"}},
		{ID: "b", Transform: "q", Upstreams: []string{"a"}},
		{ID: "c", Transform: "q", Upstreams: []string{"b"}},
	})

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, ok := g.Get(id); ok {
			t.Errorf("node %s exists after rejected registration", id)
		}
	}
}

func TestRegisterAll_SelfDependencyRejected(t *testing.T) {
	g := New()
	err := g.Register(Spec{ID: "a", Transform: "q", Upstreams: []string{"a"}})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestRegister_IncrementalCycleRejected(t *testing.T) {
	g := New()

	if err := g.Register(Spec{ID: "a", Transform: "q", Upstreams: []string{"c"}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := g.Register(Spec{ID: "b", Transform: "q", Upstreams: []string{"a"}}); err != nil {
		t.Fatalf("register b: %v", err)
	}

	// Closing the loop c -> a -> b -> c must fail.
	err := g.Register(Spec{ID: "c", Transform: "q", Upstreams: []string{"b"}})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if _, ok := g.Get("c"); ok {
		t.Error("node c exists after rejected registration")
	}
}

func chainGraph(t *testing.T) *Graph {
	t.Helper()
	g := New()
	err := g.RegisterAll([]Spec{
		{ID: "d1", Transform: "q1", Upstreams: []string{"raw.orders"}, Budget: time.Hour},
		{ID: "d2", Transform: "q2", Upstreams: []string{"d1"}, Budget: time.Hour},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return g
}

func TestMarkStale_PropagatesTransitively(t *testing.T) {
	g := chainGraph(t)
	at := time.Now()

	g.MarkStale("raw.orders", at)

	for _, id := range []string{"d1", "d2"} {
		n, _ := g.Get(id)
		if n.State != StateStale {
			t.Errorf("%s: got %s, want stale", id, n.State)
		}
		if !n.StaleSince.Equal(at) {
			t.Errorf("%s: stale since %v, want %v", id, n.StaleSince, at)
		}
	}
}

func TestMarkStale_SkipsRefreshing(t *testing.T) {
	g := chainGraph(t)
	g.MarkStale("raw.orders", time.Now())

	if !g.BeginRefresh("d1") {
		t.Fatal("BeginRefresh d1")
	}
	g.MarkStale("raw.orders", time.Now())

	n, _ := g.Get("d1")
	if n.State != StateRefreshing {
		t.Errorf("d1: got %s, want refreshing", n.State)
	}
}

func TestMarkStale_KeepsEarliestMark(t *testing.T) {
	g := chainGraph(t)
	first := time.Now()
	g.MarkStale("raw.orders", first)
	g.MarkStale("raw.orders", first.Add(time.Minute))

	n, _ := g.Get("d1")
	if !n.StaleSince.Equal(first) {
		t.Errorf("stale since %v, want earliest %v", n.StaleSince, first)
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	err := g.RegisterAll([]Spec{
		{ID: "agg", Transform: "q", Upstreams: []string{"stg"}},
		{ID: "stg", Transform: "q", Upstreams: []string{"raw.t"}},
		{ID: "sum", Transform: "q", Upstreams: []string{"agg", "stg"}},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	order, err := g.TopologicalOrder([]string{"sum", "agg", "stg"})
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["stg"] > pos["agg"] || pos["agg"] > pos["sum"] {
		t.Errorf("bad order: %v", order)
	}
}

func TestTopologicalOrder_PreservesInputPriority(t *testing.T) {
	g := New()
	err := g.RegisterAll([]Spec{
		{ID: "x", Transform: "q", Upstreams: []string{"raw.a"}},
		{ID: "y", Transform: "q", Upstreams: []string{"raw.b"}},
	})
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	order, err := g.TopologicalOrder([]string{"y", "x"})
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if order[0] != "y" || order[1] != "x" {
		t.Errorf("independent nodes reordered: %v", order)
	}
}

func TestBeginRefresh_ActsAsLock(t *testing.T) {
	g := chainGraph(t)
	g.MarkStale("raw.orders", time.Now())

	if !g.BeginRefresh("d1") {
		t.Fatal("first BeginRefresh should win")
	}
	if g.BeginRefresh("d1") {
		t.Error("second BeginRefresh must lose while refreshing")
	}

	g.CompleteRefresh("d1", time.Now())
	if g.BeginRefresh("d1") {
		t.Error("BeginRefresh must lose on a fresh node")
	}
}

func TestCompleteRefresh_RestartsDependentClock(t *testing.T) {
	g := chainGraph(t)
	g.MarkStale("raw.orders", time.Now().Add(-2*time.Hour))

	g.BeginRefresh("d1")
	done := time.Now()
	g.CompleteRefresh("d1", done)

	d1, _ := g.Get("d1")
	if d1.State != StateFresh || !d1.LastRefresh.Equal(done) {
		t.Errorf("d1 after refresh: %+v", d1)
	}
	d2, _ := g.Get("d2")
	if d2.State != StateStale {
		t.Errorf("d2: got %s, want stale", d2.State)
	}
	if !d2.StaleSince.Equal(done) {
		t.Errorf("d2 staleness clock: got %v, want %v (direct upstream's refresh)", d2.StaleSince, done)
	}
}

func TestFailRefresh_NotSticky(t *testing.T) {
	g := chainGraph(t)
	g.MarkStale("raw.orders", time.Now())

	g.BeginRefresh("d1")
	g.FailRefresh("d1", "backend exploded")

	n, _ := g.Get("d1")
	if n.State != StateFailed || n.LastError != "backend exploded" {
		t.Errorf("d1 after failure: %+v", n)
	}
	if !g.BeginRefresh("d1") {
		t.Error("failed node must be claimable again")
	}
}

func TestAbortRefresh_LeavesStale(t *testing.T) {
	g := chainGraph(t)
	g.MarkStale("raw.orders", time.Now())

	g.BeginRefresh("d1")
	g.AbortRefresh("d1")

	n, _ := g.Get("d1")
	if n.State != StateStale {
		t.Errorf("cancelled refresh: got %s, want stale", n.State)
	}
	if !n.LastRefresh.IsZero() {
		t.Error("cancelled refresh must not record a refresh time")
	}
}

func TestNodeOverdue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		node Node
		want bool
	}{
		{
			name: "never refreshed",
			node: Node{Budget: time.Hour},
			want: true,
		},
		{
			name: "refreshed and never marked stale",
			node: Node{Budget: time.Hour, LastRefresh: now.Add(-24 * time.Hour)},
			want: false,
		},
		{
			name: "stale within budget",
			node: Node{Budget: time.Hour, LastRefresh: now.Add(-2 * time.Hour), StaleSince: now.Add(-time.Minute)},
			want: false,
		},
		{
			name: "stale exactly at budget",
			node: Node{Budget: time.Hour, LastRefresh: now.Add(-2 * time.Hour), StaleSince: now.Add(-time.Hour)},
			want: true,
		},
		{
			name: "stale past budget",
			node: Node{Budget: time.Hour, LastRefresh: now.Add(-3 * time.Hour), StaleSince: now.Add(-2 * time.Hour)},
			want: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.node.Overdue(now); got != tc.want {
				t.Errorf("Overdue: got %v, want %v", got, tc.want)
			}
		})
	}
}
