package tool

import (
	"context"
	"slices"
)

// SelectionStrategy controls how the router narrows the full registry down to
// the set of tools offered to a model for one execution.
type SelectionStrategy string

const (
	// StrategyAll offers every available tool, subject only to the
	// disabled list and the max-tools cap.
	StrategyAll SelectionStrategy = "all"
	// StrategyKeyword scores tools by term overlap between the task text
	// and the tool name/description.
	StrategyKeyword SelectionStrategy = "keyword"
	// StrategyLLM asks the completion service to classify which tools are
	// relevant to the task.
	StrategyLLM SelectionStrategy = "llm"
	// StrategyHybrid applies keyword scoring first and refines with the
	// LLM classifier when too many candidates survive.
	StrategyHybrid SelectionStrategy = "hybrid"
	// StrategyManual offers exactly the fixed-tools list, nothing else.
	StrategyManual SelectionStrategy = "manual"
	// StrategyAbility offers tools whose capability tags intersect the
	// permission set's ability groups.
	StrategyAbility SelectionStrategy = "ability"
	// StrategyNone offers no tools at all.
	StrategyNone SelectionStrategy = "none"
)

// DefaultMaxTools caps how many tools a single execution is offered when the
// permission set does not say otherwise.
const DefaultMaxTools = 5

// PermissionSet gates which tools an execution may list and call.
//
// The zero value is not useful; construct with NewPermissionSet or fill the
// fields explicitly. MaxTools <= 0 means DefaultMaxTools. DisabledTools
// entries may be glob patterns ("browser_*").
type PermissionSet struct {
	Strategy      SelectionStrategy `json:"strategy" yaml:"strategy"`
	MaxTools      int               `json:"max_tools" yaml:"max_tools"`
	FixedTools    []string          `json:"fixed_tools,omitempty" yaml:"fixed_tools,omitempty"`
	DisabledTools []string          `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
	// Abilities names the capability groups StrategyAbility matches against
	// tool tags.
	Abilities []string `json:"abilities,omitempty" yaml:"abilities,omitempty"`
}

// NewPermissionSet returns a permission set with the given strategy and the
// default max-tools cap.
func NewPermissionSet(strategy SelectionStrategy) *PermissionSet {
	return &PermissionSet{Strategy: strategy, MaxTools: DefaultMaxTools}
}

// EffectiveMaxTools resolves the max-tools cap, applying the default.
func (p *PermissionSet) EffectiveMaxTools() int {
	if p.MaxTools <= 0 {
		return DefaultMaxTools
	}
	return p.MaxTools
}

// Clone returns a deep copy so derived sets never alias the parent's slices.
func (p *PermissionSet) Clone() *PermissionSet {
	if p == nil {
		return nil
	}
	cp := *p
	cp.FixedTools = slices.Clone(p.FixedTools)
	cp.DisabledTools = slices.Clone(p.DisabledTools)
	cp.Abilities = slices.Clone(p.Abilities)
	return &cp
}

// ForSubAgent derives the permission set handed to a spawned sub-agent. The
// delegation tool is removed from the fixed list and force-disabled no matter
// what the caller requested, so a child can never delegate further.
func (p *PermissionSet) ForSubAgent() *PermissionSet {
	cp := p.Clone()
	if cp == nil {
		cp = NewPermissionSet(StrategyAll)
	}
	cp.FixedTools = slices.DeleteFunc(cp.FixedTools, func(name string) bool {
		return name == DelegationToolName
	})
	if !slices.Contains(cp.DisabledTools, DelegationToolName) {
		cp.DisabledTools = append(cp.DisabledTools, DelegationToolName)
	}
	return cp
}

type callPermissionsKey struct{}

// WithCallPermissions attaches the permission set governing the current tool
// call to the context. Router.Call does this before invoking a provider, so
// providers that route nested tool calls (workflows) enforce the same set as
// the call that reached them.
func WithCallPermissions(ctx context.Context, perm *PermissionSet) context.Context {
	return context.WithValue(ctx, callPermissionsKey{}, perm)
}

// CallPermissionsFrom returns the permission set attached by Router.Call, or
// nil when the call did not come through the router.
func CallPermissionsFrom(ctx context.Context) *PermissionSet {
	perm, _ := ctx.Value(callPermissionsKey{}).(*PermissionSet)
	return perm
}
