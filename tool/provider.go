package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/probemesh/probemesh/core"
)

// Provider sources a named group of tools. The registry aggregates providers
// into one namespace; a provider's tool set may change at runtime, in which
// case Refresh re-enumerates it.
//
// Variants shipped with this module: local built-ins (local), browser
// automation (browser), sandboxed tengo plugins (script), remote MCP servers
// (mcptool) and YAML saved workflows (workflow).
type Provider interface {
	// Name returns the stable provider identifier.
	Name() string

	// List enumerates the provider's current tool definitions.
	List(ctx context.Context) ([]Definition, error)

	// Invoke executes one named tool with the given arguments.
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)

	// Refresh reloads the provider's tool set from its backing source.
	// Providers with a fixed set return nil without doing work.
	Refresh(ctx context.Context) error
}

// StaticProvider is a Provider backed by an in-process list of Tool
// implementations. It is the base for the local built-in provider and is
// handy in tests.
type StaticProvider struct {
	name string

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewStaticProvider creates an empty provider with the given name.
func NewStaticProvider(name string, tools ...Tool) *StaticProvider {
	p := &StaticProvider{
		name:  name,
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		p.Register(t)
	}
	return p
}

// Register adds or replaces a tool. Registration order is preserved for
// listing so max-tools truncation has a deterministic tiebreak.
func (p *StaticProvider) Register(t Tool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[t.Name()]; !exists {
		p.order = append(p.order, t.Name())
	}
	p.tools[t.Name()] = t
}

// Name returns the provider identifier.
func (p *StaticProvider) Name() string { return p.name }

// List enumerates registered tools in registration order.
func (p *StaticProvider) List(_ context.Context) ([]Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	defs := make([]Definition, 0, len(p.order))
	for _, name := range p.order {
		t := p.tools[name]
		def := Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
			Provider:    p.name,
		}
		if tagged, ok := t.(interface{ Tags() []string }); ok {
			def.Tags = tagged.Tags()
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Invoke executes the named tool.
func (p *StaticProvider) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	p.mu.RLock()
	t, ok := p.tools[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: %w: %s", p.name, core.ErrToolNotFound, name)
	}
	return t.Call(ctx, args)
}

// Refresh is a no-op; the tool set only changes through Register.
func (p *StaticProvider) Refresh(_ context.Context) error { return nil }
