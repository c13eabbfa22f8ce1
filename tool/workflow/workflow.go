// Package workflow turns YAML-defined tool sequences into single callable
// tools. A workflow names its input parameters and an ordered step list; step
// arguments may reference caller parameters with $param.<name> and prior step
// results with $step<N> (1-based). A reference that is the entire argument
// value substitutes the typed result; embedded in a longer string it
// substitutes a text rendering.
//
// Example definition:
//
//	name: recon_sweep
//	description: Resolve a domain, then scan the first address
//	tags: [recon]
//	parameters:
//	  type: object
//	  properties:
//	    domain: {type: string}
//	  required: [domain]
//	steps:
//	  - tool: dns_lookup
//	    args:
//	      domain: $param.domain
//	  - tool: port_scan
//	    args:
//	      target: $step1
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/tool"
)

// ProviderName identifies the workflow provider in the registry.
const ProviderName = "workflow"

// Invoker executes the tools a workflow step names. *tool.Router satisfies it.
type Invoker interface {
	Call(ctx context.Context, name string, args map[string]any, perm *tool.PermissionSet) (any, error)
}

// Step is one tool invocation inside a workflow.
type Step struct {
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args"`
}

// Workflow is a parsed saved workflow definition.
type Workflow struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Tags        []string       `yaml:"tags"`
	Parameters  map[string]any `yaml:"parameters"`
	Steps       []Step         `yaml:"steps"`
}

// Provider loads workflow definitions from a directory of YAML files and
// exposes each as one tool. Refresh rescans the directory.
type Provider struct {
	dir     string
	invoker Invoker
	logger  logging.Logger

	mu        sync.RWMutex
	workflows map[string]*Workflow
	order     []string
}

// Option configures the Provider.
type Option func(*Provider)

// WithLogger sets the logger for load diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider scans dir for .yaml/.yml workflow definitions. Definitions that
// fail to parse are skipped with a warning.
func NewProvider(dir string, invoker Invoker, opts ...Option) (*Provider, error) {
	p := &Provider{
		dir:       dir,
		invoker:   invoker,
		logger:    logging.NoOpLogger{},
		workflows: make(map[string]*Workflow),
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

// Refresh rescans the workflow directory and replaces the loaded set.
func (p *Provider) Refresh(_ context.Context) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.workflows = make(map[string]*Workflow)
			p.order = nil
			p.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read workflow directory %s: %w", p.dir, err)
	}

	loaded := make(map[string]*Workflow)
	var order []string
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		wf, err := loadWorkflow(path)
		if err != nil {
			p.logger.Warn("workflow.load_failed", "path", path, "error", err.Error())
			continue
		}
		if _, dup := loaded[wf.Name]; dup {
			p.logger.Warn("workflow.duplicate_name", "name", wf.Name, "path", path)
			continue
		}
		loaded[wf.Name] = wf
		order = append(order, wf.Name)
	}

	p.mu.Lock()
	p.workflows = loaded
	p.order = order
	p.mu.Unlock()
	return nil
}

// List enumerates the loaded workflows as tool definitions.
func (p *Provider) List(_ context.Context) ([]tool.Definition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	defs := make([]tool.Definition, 0, len(p.order))
	for _, name := range p.order {
		wf := p.workflows[name]
		params := wf.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, tool.Definition{
			Name:        wf.Name,
			Description: wf.Description,
			Parameters:  params,
			Provider:    ProviderName,
			Tags:        wf.Tags,
		})
	}
	return defs, nil
}

// Invoke runs all steps of one workflow in order and returns the final
// step's result. A failing step aborts the workflow. Steps run under the
// permission set of the call that reached the workflow, so a tool the caller
// may not use directly stays unreachable through a workflow step.
func (p *Provider) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	p.mu.RLock()
	wf, ok := p.workflows[name]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: %w: %s", ProviderName, core.ErrToolNotFound, name)
	}

	perm := tool.CallPermissionsFrom(ctx)
	var results []any
	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resolved, err := resolveArgs(step.Args, args, results)
		if err != nil {
			return nil, fmt.Errorf("workflow %s step %d: %w", name, i+1, err)
		}
		result, err := p.invoker.Call(ctx, step.Tool, resolved, perm)
		if err != nil {
			return nil, fmt.Errorf("workflow %s step %d (%s): %w", name, i+1, step.Tool, err)
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		return nil, nil
	}
	return results[len(results)-1], nil
}

func loadWorkflow(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if wf.Name == "" {
		return nil, fmt.Errorf("workflow has no name")
	}
	if len(wf.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps", wf.Name)
	}
	stepRe := regexp.MustCompile(`\$step(\d+)`)
	for i, step := range wf.Steps {
		if step.Tool == "" {
			return nil, fmt.Errorf("workflow %s step %d names no tool", wf.Name, i+1)
		}
		for _, m := range findStepRefs(stepRe, step.Args) {
			if m < 1 || m > i {
				return nil, fmt.Errorf("workflow %s step %d references $step%d out of range", wf.Name, i+1, m)
			}
		}
	}
	return &wf, nil
}

func findStepRefs(re *regexp.Regexp, v any) []int {
	var refs []int
	switch val := v.(type) {
	case string:
		for _, m := range re.FindAllStringSubmatch(val, -1) {
			n := 0
			fmt.Sscanf(m[1], "%d", &n)
			refs = append(refs, n)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, findStepRefs(re, item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, findStepRefs(re, item)...)
		}
	}
	return refs
}

var (
	stepRefRe  = regexp.MustCompile(`\$step(\d+)`)
	paramRefRe = regexp.MustCompile(`\$param\.([A-Za-z0-9_]+)`)
)

// resolveArgs substitutes $param and $step references in a step's argument
// tree, recursing into nested maps and slices.
func resolveArgs(args, params map[string]any, results []any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	resolved, err := resolveValue(args, params, results)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(v any, params map[string]any, results []any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, params, results)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, params, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, params, results)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes references inside one string value. A string that
// is exactly one reference yields the referenced typed value; otherwise each
// reference is replaced by its text rendering.
func resolveString(s string, params map[string]any, results []any) (any, error) {
	if m := stepRefRe.FindStringSubmatch(s); m != nil && m[0] == s {
		idx := 0
		fmt.Sscanf(m[1], "%d", &idx)
		if idx < 1 || idx > len(results) {
			return nil, fmt.Errorf("reference $step%d has no result yet", idx)
		}
		return results[idx-1], nil
	}
	if m := paramRefRe.FindStringSubmatch(s); m != nil && m[0] == s {
		val, ok := params[m[1]]
		if !ok {
			return nil, fmt.Errorf("reference $param.%s not supplied", m[1])
		}
		return val, nil
	}

	var substErr error
	out := stepRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		idx := 0
		fmt.Sscanf(strings.TrimPrefix(ref, "$step"), "%d", &idx)
		if idx < 1 || idx > len(results) {
			substErr = fmt.Errorf("reference $step%d has no result yet", idx)
			return ref
		}
		return renderText(results[idx-1])
	})
	if substErr != nil {
		return nil, substErr
	}
	out = paramRefRe.ReplaceAllStringFunc(out, func(ref string) string {
		name := strings.TrimPrefix(ref, "$param.")
		val, ok := params[name]
		if !ok {
			substErr = fmt.Errorf("reference $param.%s not supplied", name)
			return ref
		}
		return renderText(val)
	})
	if substErr != nil {
		return nil, substErr
	}
	return out, nil
}

func renderText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
