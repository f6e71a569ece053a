// Package graph models derived objects (staged tables, aggregates,
// summaries) and their source dependencies with target staleness budgets.
// Staleness propagation and refresh ordering are computed here, in process,
// rather than delegated to the warehouse's own dependency resolution, so
// both are testable in isolation.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle of a derived object.
type State string

const (
	StateFresh      State = "fresh"
	StateStale      State = "stale"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

// Spec declares one derived object for registration.
type Spec struct {
	ID        string
	Transform string
	Upstreams []string
	Budget    time.Duration
}

// Node is a snapshot of one derived object.
type Node struct {
	ID          string
	Transform   string
	Upstreams   []string
	Budget      time.Duration
	State       State
	LastRefresh time.Time
	StaleSince  time.Time
	LastError   string
}

// Overdue reports whether the node has exhausted its staleness budget at
// now. A node that has never been refreshed is always overdue; a node that
// was never marked stale never is.
func (n Node) Overdue(now time.Time) bool {
	if n.LastRefresh.IsZero() {
		return true
	}
	if n.StaleSince.IsZero() {
		return false
	}
	return !now.Before(n.StaleSince.Add(n.Budget))
}

// CycleError reports a dependency cycle. Registration that would create one
// is rejected atomically.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

type node struct {
	mu sync.Mutex
	Node
}

// Graph is the dependency graph. Topology is guarded by one read-mostly
// lock; each node's state has its own mutex so unrelated refreshes stay
// independent. Upstreams are referenced by name only: raw tables need no
// registration to be depended on.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*node
	downstream map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*node),
		downstream: make(map[string][]string),
	}
}

// Register adds one derived object. Equivalent to RegisterAll with a single
// spec.
func (g *Graph) Register(s Spec) error {
	return g.RegisterAll([]Spec{s})
}

// RegisterAll adds a batch of derived objects atomically: if any spec is
// invalid or the combined edge set contains a cycle, nothing is committed.
func (g *Graph) RegisterAll(specs []Spec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	staged := make(map[string][]string, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return fmt.Errorf("derived object id is required")
		}
		if _, ok := g.nodes[s.ID]; ok {
			return fmt.Errorf("derived object %q already registered", s.ID)
		}
		if _, ok := staged[s.ID]; ok {
			return fmt.Errorf("derived object %q declared twice", s.ID)
		}
		if len(s.Upstreams) == 0 {
			return fmt.Errorf("derived object %q has no upstreams", s.ID)
		}
		for _, up := range s.Upstreams {
			if up == s.ID {
				return &CycleError{Path: []string{s.ID, s.ID}}
			}
		}
		staged[s.ID] = s.Upstreams
	}

	// Reachability check over existing edges plus the staged ones.
	edges := func(id string) []string {
		out := append([]string(nil), g.downstream[id]...)
		for child, ups := range staged {
			for _, up := range ups {
				if up == id {
					out = append(out, child)
				}
			}
		}
		return out
	}
	for id := range staged {
		if path := findPath(id, id, edges); path != nil {
			return &CycleError{Path: path}
		}
	}

	for _, s := range specs {
		n := &node{Node: Node{
			ID:        s.ID,
			Transform: s.Transform,
			Upstreams: append([]string(nil), s.Upstreams...),
			Budget:    s.Budget,
			State:     StateFresh,
		}}
		g.nodes[s.ID] = n
		for _, up := range s.Upstreams {
			g.downstream[up] = append(g.downstream[up], s.ID)
		}
	}
	return nil
}

// findPath returns a node path from -> ... -> to over edges, or nil.
func findPath(from, to string, edges func(string) []string) []string {
	type entry struct {
		id   string
		path []string
	}
	seen := map[string]bool{}
	queue := []entry{{from, []string{from}}}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		for _, next := range edges(e.id) {
			p := append(append([]string(nil), e.path...), next)
			if next == to {
				return p
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, entry{next, p})
			}
		}
	}
	return nil
}

// MarkStale marks every derived object reachable from id as stale,
// breadth-first over the dependency edges, skipping nodes that are already
// refreshing. id itself may be a raw table name. at records when the
// upstream data changed; an already-stale node keeps its earlier mark.
func (g *Graph) MarkStale(id string, at time.Time) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.downstream[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)

			n := g.nodes[next]
			if n == nil {
				continue
			}
			n.mu.Lock()
			switch n.State {
			case StateRefreshing:
				// In-flight refresh; the completion callback re-marks.
			case StateStale:
				if at.Before(n.StaleSince) {
					n.StaleSince = at
				}
			default:
				n.State = StateStale
				n.StaleSince = at
			}
			n.mu.Unlock()
		}
	}
}

// TopologicalOrder returns the subset ordered upstream-before-downstream.
// The relative order of the input is preserved between independent nodes,
// so callers can pre-sort by priority. Returns a CycleError if the subset
// cannot be ordered; unreachable given registration-time checking, but
// re-validated defensively.
func (g *Graph) TopologicalOrder(subset []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inSubset := make(map[string]bool, len(subset))
	for _, id := range subset {
		inSubset[id] = true
	}

	emitted := make(map[string]bool, len(subset))
	order := make([]string, 0, len(subset))
	remaining := append([]string(nil), subset...)

	for len(remaining) > 0 {
		progress := false
		next := remaining[:0]
		for _, id := range remaining {
			ready := true
			if n := g.nodes[id]; n != nil {
				for _, up := range n.Upstreams {
					if inSubset[up] && !emitted[up] {
						ready = false
						break
					}
				}
			}
			if ready {
				emitted[id] = true
				order = append(order, id)
				progress = true
			} else {
				next = append(next, id)
			}
		}
		if !progress {
			return nil, &CycleError{Path: append([]string(nil), remaining...)}
		}
		remaining = next
	}
	return order, nil
}

// BeginRefresh transitions stale or failed to refreshing. The transition is
// the per-object refresh lock: a false return means someone else holds it or
// the node is already fresh.
func (g *Graph) BeginRefresh(id string) bool {
	n := g.node(id)
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State != StateStale && n.State != StateFailed {
		return false
	}
	n.State = StateRefreshing
	return true
}

// CompleteRefresh transitions refreshing to fresh and restarts the staleness
// clock of direct dependents: their budget is measured from this refresh.
func (g *Graph) CompleteRefresh(id string, at time.Time) {
	n := g.node(id)
	if n == nil {
		return
	}
	n.mu.Lock()
	n.State = StateFresh
	n.LastRefresh = at
	n.StaleSince = time.Time{}
	n.LastError = ""
	n.mu.Unlock()

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, childID := range g.downstream[id] {
		child := g.nodes[childID]
		if child == nil {
			continue
		}
		child.mu.Lock()
		if child.State != StateRefreshing {
			child.State = StateStale
			child.StaleSince = at
		}
		child.mu.Unlock()
	}
}

// FailRefresh transitions refreshing to failed. Failure is not sticky: the
// node is eligible again on the next scheduler tick.
func (g *Graph) FailRefresh(id, detail string) {
	n := g.node(id)
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.State = StateFailed
	n.LastError = detail
}

// AbortRefresh transitions refreshing back to stale. Used on cancellation: a
// cancelled refresh must never surface as fresh.
func (g *Graph) AbortRefresh(id string) {
	n := g.node(id)
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State == StateRefreshing {
		n.State = StateStale
	}
}

// ForceStale marks one node stale regardless of current state (except
// refreshing) with its staleness clock already expired.
func (g *Graph) ForceStale(id string, at time.Time) bool {
	n := g.node(id)
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.State == StateRefreshing {
		return false
	}
	n.State = StateStale
	n.StaleSince = at
	return true
}

// Get returns a copy of the node, if registered.
func (g *Graph) Get(id string) (Node, bool) {
	n := g.node(id)
	if n == nil {
		return Node{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.copyLocked(), true
}

// Snapshot returns copies of all nodes, ordered by id.
func (g *Graph) Snapshot() []Node {
	g.mu.RLock()
	nodes := make([]*node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	g.mu.RUnlock()

	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		n.mu.Lock()
		out = append(out, n.copyLocked())
		n.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (n *node) copyLocked() Node {
	c := n.Node
	c.Upstreams = append([]string(nil), n.Upstreams...)
	return c
}

func (g *Graph) node(id string) *node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}
