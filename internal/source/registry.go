// Package source receives storage-event notifications and normalizes them
// into ingestion requests for the worker pool.
package source

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tbergin/freshet/internal/model"
)

// Registry holds the registered SourceLocations. Locations are immutable
// once registered; resolution is by longest URI-prefix match.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*model.SourceLocation
	sources []*model.SourceLocation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*model.SourceLocation)}
}

// Register adds a source location. IDs and prefixes must be unique.
func (r *Registry) Register(loc model.SourceLocation) error {
	if loc.ID == "" || loc.Prefix == "" || loc.TargetTable == "" {
		return fmt.Errorf("source %q: id, prefix and target table are required", loc.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[loc.ID]; ok {
		return fmt.Errorf("source %q already registered", loc.ID)
	}
	for _, s := range r.sources {
		if s.Prefix == loc.Prefix {
			return fmt.Errorf("source %q: prefix %q already registered to %q", loc.ID, loc.Prefix, s.ID)
		}
	}

	s := loc
	r.byID[s.ID] = &s
	r.sources = append(r.sources, &s)
	return nil
}

// Resolve returns the registered source with the longest prefix matching
// path, or nil when no prefix matches.
func (r *Registry) Resolve(path string) *model.SourceLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *model.SourceLocation
	for _, s := range r.sources {
		if strings.HasPrefix(path, s.Prefix) {
			if best == nil || len(s.Prefix) > len(best.Prefix) {
				best = s
			}
		}
	}
	return best
}

// ByID looks up a source location by identifier.
func (r *Registry) ByID(id string) *model.SourceLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// All returns the registered locations.
func (r *Registry) All() []*model.SourceLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.SourceLocation, len(r.sources))
	copy(out, r.sources)
	return out
}
