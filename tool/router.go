package tool

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/time/rate"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/model"
)

// Router enforces per-execution permission in front of the registry.
//
// ListTools applies, in order: provider availability, fixed-tools union,
// selection-strategy filter, disabled-tools subtraction and max-tools
// truncation. Call re-validates permission even when the caller already
// filtered the list, since a session's permission set may change between
// listing and calling.
type Router struct {
	registry *Registry
	model    model.Model // relevance classifier for llm/hybrid selection
	logger   logging.Logger
	limiters map[string]*rate.Limiter // per provider name
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for routing decisions and call outcomes.
func WithRouterLogger(logger logging.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithSelectionModel provides the completion service used by the llm and
// hybrid selection strategies. Without it both degrade to keyword scoring.
func WithSelectionModel(m model.Model) RouterOption {
	return func(r *Router) { r.model = m }
}

// WithProviderRateLimit throttles calls to one provider. Calls beyond the
// burst wait for a slot, observing context cancellation while waiting.
func WithProviderRateLimit(provider string, limit rate.Limit, burst int) RouterOption {
	return func(r *Router) { r.limiters[provider] = rate.NewLimiter(limit, burst) }
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		logger:   logging.NoOpLogger{},
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListTools resolves the set of tools offered to one execution. query is the
// task text driving keyword, llm and hybrid selection.
func (r *Router) ListTools(ctx context.Context, perm *PermissionSet, query string) ([]Definition, error) {
	if perm == nil {
		perm = NewPermissionSet(StrategyAll)
	}
	snap := r.registry.Snapshot()
	available := snap.Definitions()

	fixed := make([]Definition, 0, len(perm.FixedTools))
	fixedNames := make(map[string]bool, len(perm.FixedTools))
	rest := make([]Definition, 0, len(available))
	for _, def := range available {
		if slices.Contains(perm.FixedTools, def.Name) {
			fixed = append(fixed, def)
			fixedNames[def.Name] = true
		} else {
			rest = append(rest, def)
		}
	}

	selected, err := r.selectByStrategy(ctx, rest, perm, query)
	if err != nil {
		return nil, err
	}

	// Fixed tools come first so truncation never silently drops an
	// explicitly requested tool in favor of a heuristic pick.
	combined := append(fixed, selected...)

	disabled, err := compileDisabled(perm.DisabledTools)
	if err != nil {
		return nil, err
	}
	filtered := make([]Definition, 0, len(combined))
	for _, def := range combined {
		if matchAny(disabled, def.Name) {
			continue
		}
		filtered = append(filtered, def)
	}

	max := perm.EffectiveMaxTools()
	if len(filtered) > max {
		r.logger.Debug("router.list.truncated", "offered", max, "candidates", len(filtered))
		filtered = filtered[:max]
	}

	r.logger.Debug("router.list", "strategy", string(perm.Strategy),
		"available", len(available), "fixed", len(fixedNames), "offered", len(filtered))
	return filtered, nil
}

// Call executes one tool after re-validating permission, throttling the
// owning provider and validating arguments against the declared schema.
// Provider failures come back as *core.ToolExecutionError so engines can
// treat them as observations rather than fatal errors.
func (r *Router) Call(ctx context.Context, name string, args map[string]any, perm *PermissionSet) (any, error) {
	snap := r.registry.Snapshot()
	def, provider, ok := snap.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrToolNotFound, name)
	}

	if err := r.checkPermission(name, perm); err != nil {
		r.logger.Warn("router.call.denied", "tool", name, "error", err.Error())
		return nil, err
	}

	if limiter, throttled := r.limiters[def.Provider]; throttled {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for provider %s: %w", def.Provider, err)
		}
	}

	if len(def.Parameters) > 0 {
		if err := util.ValidateParameters(args, def.Parameters); err != nil {
			return nil, &ToolError{
				Tool:    name,
				Message: fmt.Sprintf("parameter validation failed: %v", err),
				Code:    "VALIDATION_ERROR",
				Details: err,
			}
		}
	}

	start := time.Now()
	result, err := provider.Invoke(WithCallPermissions(ctx, perm), name, args)
	elapsed := time.Since(start)
	r.registry.RecordUsage(name, elapsed, err != nil)

	if err != nil {
		r.logger.Error("router.call.failed", "tool", name, "provider", def.Provider,
			"duration_ms", elapsed.Milliseconds(), "error", err.Error())
		return nil, &core.ToolExecutionError{Tool: name, Err: err}
	}

	r.logger.Info("router.call.ok", "tool", name, "provider", def.Provider,
		"duration_ms", elapsed.Milliseconds())
	return result, nil
}

// checkPermission applies the permission (not relevance) half of the list
// pipeline: disabled globs always deny, manual strategy denies anything
// outside the fixed list, strategy none denies everything but fixed tools.
// Keyword/llm/ability selection is advisory and does not deny a direct call.
func (r *Router) checkPermission(name string, perm *PermissionSet) error {
	if perm == nil {
		return nil
	}
	disabled, err := compileDisabled(perm.DisabledTools)
	if err != nil {
		return err
	}
	if matchAny(disabled, name) {
		return fmt.Errorf("%w: tool %s is disabled", core.ErrPermissionDenied, name)
	}
	switch perm.Strategy {
	case StrategyManual, StrategyNone:
		if !slices.Contains(perm.FixedTools, name) {
			return fmt.Errorf("%w: tool %s not in fixed list", core.ErrPermissionDenied, name)
		}
	}
	return nil
}

// compileDisabled turns disabled-tool entries into glob matchers. Entries
// without metacharacters still work since a plain string is a valid glob.
func compileDisabled(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid disabled tool pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
