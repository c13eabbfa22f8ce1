// Package script loads sandboxed tengo plugins from a directory and exposes
// each as a tool. Scripts run in a restricted VM with only safe stdlib
// modules, no file I/O, no network and no OS access.
//
// A plugin is a .tengo file that defines:
//
//	name        := "extract_endpoints"
//	description := "Extract URL endpoints from an HTTP response body"
//	tags        := ["analysis", "web"]        // optional
//	run         := func(args) { ... }         // receives the argument map
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/tool"
)

// ProviderName identifies the plugin provider in the registry.
const ProviderName = "script"

// safeModules are the only tengo stdlib modules available to plugins.
var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times", "json")

const maxAllocs = 10_000_000

// Provider loads .tengo plugins from a directory. Refresh rescans the
// directory so plugins can be added or edited at runtime.
type Provider struct {
	dir    string
	logger logging.Logger

	mu      sync.RWMutex
	plugins map[string]*plugin
	order   []string
}

type plugin struct {
	name        string
	description string
	tags        []string
	compiled    *tengo.Compiled
}

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets the logger for plugin load diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider scans dir for .tengo plugins. Individual plugins that fail to
// compile are skipped with a warning; a missing directory yields an empty
// provider rather than an error.
func NewProvider(dir string, opts ...Option) (*Provider, error) {
	p := &Provider{
		dir:     dir,
		logger:  logging.NoOpLogger{},
		plugins: make(map[string]*plugin),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return ProviderName }

// Refresh rescans the plugin directory and replaces the loaded set.
func (p *Provider) Refresh(_ context.Context) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.plugins = make(map[string]*plugin)
			p.order = nil
			p.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read plugin directory %s: %w", p.dir, err)
	}

	loaded := make(map[string]*plugin)
	var order []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tengo") {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		pl, err := loadPlugin(path)
		if err != nil {
			p.logger.Warn("script.plugin.load_failed", "path", path, "error", err.Error())
			continue
		}
		if _, dup := loaded[pl.name]; dup {
			p.logger.Warn("script.plugin.duplicate_name", "name", pl.name, "path", path)
			continue
		}
		loaded[pl.name] = pl
		order = append(order, pl.name)
		p.logger.Debug("script.plugin.loaded", "name", pl.name, "path", path)
	}

	p.mu.Lock()
	p.plugins = loaded
	p.order = order
	p.mu.Unlock()
	return nil
}

// List enumerates the loaded plugins as tool definitions. Plugin arguments
// are free-form, so only a permissive object schema is advertised.
func (p *Provider) List(_ context.Context) ([]tool.Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	defs := make([]tool.Definition, 0, len(p.order))
	for _, name := range p.order {
		pl := p.plugins[name]
		defs = append(defs, tool.Definition{
			Name:        pl.name,
			Description: pl.description,
			Parameters:  map[string]any{"type": "object"},
			Provider:    ProviderName,
			Tags:        pl.tags,
		})
	}
	return defs, nil
}

// Invoke runs one plugin with the given arguments. The pre-compiled script
// is cloned per call, so concurrent invocations never share VM state.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (result any, err error) {
	p.mu.RLock()
	pl, ok := p.plugins[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: %w: %s", ProviderName, core.ErrToolNotFound, name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", name, r)
		}
	}()

	c := pl.compiled.Clone()
	if args == nil {
		args = map[string]any{}
	}
	if err := c.Set("__args__", args); err != nil {
		return nil, fmt.Errorf("plugin %s: set arguments: %w", name, err)
	}
	if err := c.RunContext(ctx); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", name, err)
	}

	out := c.Get("__result__")
	if out.IsUndefined() {
		return nil, fmt.Errorf("plugin %s returned no result", name)
	}
	return out.Value(), nil
}

// loadPlugin compiles one .tengo file and extracts its metadata. A first
// Run() evaluates the top-level declarations; the run function itself is only
// compiled into the call wrapper, not invoked.
func loadPlugin(path string) (*plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin: %w", err)
	}

	script := tengo.NewScript(data)
	script.SetImports(safeModules)
	script.SetMaxAllocs(maxAllocs)
	evaluated, err := script.Run()
	if err != nil {
		return nil, fmt.Errorf("compile plugin: %w", err)
	}

	nameVar := evaluated.Get("name")
	if nameVar.IsUndefined() {
		return nil, fmt.Errorf("missing 'name' variable")
	}
	descVar := evaluated.Get("description")
	if descVar.IsUndefined() {
		return nil, fmt.Errorf("missing 'description' variable")
	}
	if evaluated.Get("run").IsUndefined() {
		return nil, fmt.Errorf("missing 'run' function")
	}

	var tags []string
	if tagsVar := evaluated.Get("tags"); !tagsVar.IsUndefined() {
		if arr, ok := tagsVar.Value().([]any); ok {
			for _, v := range arr {
				if s, ok := v.(string); ok {
					tags = append(tags, s)
				}
			}
		}
	}

	wrapper := fmt.Sprintf("%s\n__result__ := run(__args__)\n", string(data))
	call := tengo.NewScript([]byte(wrapper))
	call.SetImports(safeModules)
	call.SetMaxAllocs(maxAllocs)
	_ = call.Add("__args__", map[string]any{})

	compiled, err := call.Compile()
	if err != nil {
		return nil, fmt.Errorf("precompile call wrapper: %w", err)
	}

	return &plugin{
		name:        nameVar.String(),
		description: descVar.String(),
		tags:        tags,
		compiled:    compiled,
	}, nil
}
