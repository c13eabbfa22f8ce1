package tool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/probemesh/probemesh/logging"
)

// Snapshot is an immutable view of the aggregated tool namespace. In-flight
// calls hold the snapshot they started with, so a concurrent Refresh never
// changes the world under a running call.
type Snapshot struct {
	defs      []Definition
	providers map[string]Provider // tool name -> owning provider
}

// Definitions returns the aggregated tool definitions in registration order.
func (s *Snapshot) Definitions() []Definition { return s.defs }

// Lookup resolves a tool name to its definition and owning provider.
func (s *Snapshot) Lookup(name string) (Definition, Provider, bool) {
	p, ok := s.providers[name]
	if !ok {
		return Definition{}, nil, false
	}
	for _, d := range s.defs {
		if d.Name == name {
			return d, p, true
		}
	}
	return Definition{}, nil, false
}

// UsageStats aggregates call accounting for one tool.
type UsageStats struct {
	Calls         uint64        `json:"calls"`
	Failures      uint64        `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsed      time.Time     `json:"last_used,omitzero"`
}

// Registry aggregates tool providers into one de-duplicated namespace.
//
// Reads (Snapshot) never block each other; Refresh re-enumerates providers
// outside the lock and takes the write lock only for the pointer swap.
type Registry struct {
	logger logging.Logger

	mu        sync.RWMutex
	providers []Provider            // registration order
	cached    map[string][]Definition // provider name -> last enumerated defs
	snapshot  *Snapshot

	statsMu sync.Mutex
	stats   map[string]*UsageStats
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for registration and refresh events.
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   logging.NoOpLogger{},
		cached:   make(map[string][]Definition),
		snapshot: &Snapshot{providers: map[string]Provider{}},
		stats:    make(map[string]*UsageStats),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds a provider and enumerates its tools. Duplicate tool
// names across providers resolve to the first registered provider; later
// duplicates are dropped with a warning.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider) error {
	defs, err := p.List(ctx)
	if err != nil {
		return fmt.Errorf("list tools of provider %s: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.providers {
		if existing.Name() == p.Name() {
			return fmt.Errorf("provider already registered: %s", p.Name())
		}
	}
	r.providers = append(r.providers, p)
	r.cached[p.Name()] = defs
	r.snapshot = r.rebuildLocked()

	r.logger.Info("registry.provider.registered", "provider", p.Name(), "tools", len(defs))
	return nil
}

// Refresh reloads one provider (by name) or all providers (empty name) and
// atomically swaps in a rebuilt snapshot. Provider re-enumeration happens
// outside the write lock.
func (r *Registry) Refresh(ctx context.Context, providerName string) error {
	r.mu.RLock()
	targets := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if providerName == "" || p.Name() == providerName {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	if providerName != "" && len(targets) == 0 {
		return fmt.Errorf("unknown provider: %s", providerName)
	}

	fresh := make(map[string][]Definition, len(targets))
	for _, p := range targets {
		if err := p.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh provider %s: %w", p.Name(), err)
		}
		defs, err := p.List(ctx)
		if err != nil {
			return fmt.Errorf("list tools of provider %s: %w", p.Name(), err)
		}
		fresh[p.Name()] = defs
	}

	r.mu.Lock()
	for name, defs := range fresh {
		r.cached[name] = defs
	}
	r.snapshot = r.rebuildLocked()
	r.mu.Unlock()

	r.logger.Info("registry.refreshed", "provider", providerName, "refreshed", len(fresh))
	return nil
}

// rebuildLocked assembles a fresh snapshot from the cached per-provider
// definition lists. Caller holds mu.
func (r *Registry) rebuildLocked() *Snapshot {
	snap := &Snapshot{providers: make(map[string]Provider)}
	for _, p := range r.providers {
		for _, def := range r.cached[p.Name()] {
			if _, dup := snap.providers[def.Name]; dup {
				r.logger.Warn("registry.duplicate_tool", "tool", def.Name, "provider", p.Name())
				continue
			}
			snap.providers[def.Name] = p
			snap.defs = append(snap.defs, def)
		}
	}
	return snap
}

// Snapshot returns the current immutable namespace view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// RecordUsage accounts one completed call against the named tool.
func (r *Registry) RecordUsage(name string, d time.Duration, failed bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st, ok := r.stats[name]
	if !ok {
		st = &UsageStats{}
		r.stats[name] = st
	}
	st.Calls++
	if failed {
		st.Failures++
	}
	st.TotalDuration += d
	st.LastUsed = time.Now()
}

// Usage returns the accounting for one tool; ok is false when the tool was
// never called.
func (r *Registry) Usage(name string) (UsageStats, bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	st, ok := r.stats[name]
	if !ok {
		return UsageStats{}, false
	}
	return *st, true
}

// UsageSnapshot returns a copy of all per-tool accounting.
func (r *Registry) UsageSnapshot() map[string]UsageStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := make(map[string]UsageStats, len(r.stats))
	for name, st := range r.stats {
		out[name] = *st
	}
	return out
}
