package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
)

// Step is one unit of a plan. Tool-executing engines fill Tool/Args; the
// orchestrator fills SubAgent instead and never calls tools directly.
type Step struct {
	ID          int             `json:"id"`
	Description string          `json:"description,omitempty"`
	Tool        string          `json:"tool,omitempty"`
	Args        map[string]any  `json:"args,omitempty"`
	DependsOn   []int           `json:"depends_on,omitempty"`
	SubAgent    core.EngineKind `json:"sub_agent,omitempty"`
}

// UnmarshalJSON accepts "params" as an alias for "args"; planner prompts ask
// for args but models drift between the two.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	aux := struct {
		*alias
		Params map[string]any `json:"params,omitempty"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.Args == nil {
		s.Args = aux.Params
	}
	return nil
}

// Plan is an immutable ordered or DAG-shaped step list. Replanning always
// produces a new Plan, never an in-place edit.
type Plan struct {
	Goal  string `json:"goal,omitempty"`
	Steps []Step `json:"steps"`
}

// stepRefRe matches the reserved back-reference marker #E<k> inside step
// arguments. k is a step id.
var stepRefRe = regexp.MustCompile(`#E(\d+)`)

// ParsePlan extracts and validates a JSON plan from model output. Step ids
// default to their 1-based position; dependencies referenced via #E markers
// in arguments are merged into depends_on.
func ParsePlan(text string) (*Plan, error) {
	raw, err := util.ExtractJSON(text)
	if err != nil {
		return nil, core.NewProtocolViolation("plan output contains no JSON: %v", err)
	}

	// Models sometimes emit the bare step array without the wrapper.
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil || len(plan.Steps) == 0 {
		var steps []Step
		if arrErr := json.Unmarshal([]byte(raw), &steps); arrErr != nil || len(steps) == 0 {
			return nil, core.NewProtocolViolation("unparseable plan: %v", err)
		}
		plan = Plan{Steps: steps}
	}

	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// normalize assigns missing step ids and merges #E argument references into
// the dependency lists.
func (p *Plan) normalize() {
	for i := range p.Steps {
		if p.Steps[i].ID == 0 {
			p.Steps[i].ID = i + 1
		}
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		for _, ref := range findRefs(step.Args) {
			if !containsInt(step.DependsOn, ref) && ref != step.ID {
				step.DependsOn = append(step.DependsOn, ref)
			}
		}
	}
}

// Validate checks id uniqueness, dependency existence and acyclicity. A
// violated constraint is a protocol violation: the model produced a plan the
// engine cannot execute.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return core.NewProtocolViolation("plan has no steps")
	}
	byID := make(map[int]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if _, dup := byID[step.ID]; dup {
			return core.NewProtocolViolation("duplicate step id %d", step.ID)
		}
		byID[step.ID] = step
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return core.NewProtocolViolation("step %d depends on unknown step %d", step.ID, dep)
			}
			if dep == step.ID {
				return core.NewProtocolViolation("step %d depends on itself", step.ID)
			}
		}
	}

	// Kahn's algorithm; leftovers mean a cycle.
	indegree := make(map[int]int, len(p.Steps))
	for _, step := range p.Steps {
		indegree[step.ID] += 0
		for range step.DependsOn {
			indegree[step.ID]++
		}
	}
	queue := make([]int, 0, len(p.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, step := range p.Steps {
			if containsInt(step.DependsOn, id) {
				indegree[step.ID]--
				if indegree[step.ID] == 0 {
					queue = append(queue, step.ID)
				}
			}
		}
	}
	if visited != len(p.Steps) {
		return core.NewProtocolViolation("plan contains a dependency cycle")
	}
	return nil
}

// Step returns the step with the given id.
func (p *Plan) Step(id int) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Ready returns the steps whose dependencies are all in done and which are
// neither done nor in flight, in plan order.
func (p *Plan) Ready(done map[int]bool, inFlight map[int]bool) []Step {
	var ready []Step
	for _, step := range p.Steps {
		if done[step.ID] || inFlight[step.ID] {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step)
		}
	}
	return ready
}

// Render lays the plan out for prompts and plan-info chunks.
func (p *Plan) Render() string {
	var sb strings.Builder
	if p.Goal != "" {
		sb.WriteString("Goal: " + p.Goal + "\n")
	}
	for _, step := range p.Steps {
		sb.WriteString(fmt.Sprintf("%d. %s", step.ID, step.Description))
		if step.Tool != "" {
			sb.WriteString(" [" + step.Tool + "]")
		}
		if step.SubAgent != "" {
			sb.WriteString(" [sub-agent: " + string(step.SubAgent) + "]")
		}
		if len(step.DependsOn) > 0 {
			sb.WriteString(fmt.Sprintf(" (after %v)", step.DependsOn))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ResolveArgs substitutes #E<k> markers in a step's argument tree with the
// referenced steps' typed results, recursing into nested maps and slices.
// A value that is exactly one marker receives the typed result unchanged;
// markers embedded in longer strings receive a text rendering. Naive text
// substitution of the whole tree would corrupt non-string results.
func ResolveArgs(args map[string]any, results map[int]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	out, err := resolveRef(args, results)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func resolveRef(v any, results map[int]any) (any, error) {
	switch val := v.(type) {
	case string:
		if m := stepRefRe.FindStringSubmatch(val); m != nil && m[0] == val {
			id, _ := strconv.Atoi(m[1])
			result, ok := results[id]
			if !ok {
				return nil, core.NewProtocolViolation("argument references #E%d before it has a result", id)
			}
			return result, nil
		}
		var substErr error
		out := stepRefRe.ReplaceAllStringFunc(val, func(ref string) string {
			id, _ := strconv.Atoi(strings.TrimPrefix(ref, "#E"))
			result, ok := results[id]
			if !ok {
				substErr = core.NewProtocolViolation("argument references #E%d before it has a result", id)
				return ref
			}
			return renderResult(result)
		})
		return out, substErr
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveRef(item, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveRef(item, results)
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

func findRefs(v any) []int {
	var refs []int
	switch val := v.(type) {
	case string:
		for _, m := range stepRefRe.FindAllStringSubmatch(val, -1) {
			id, _ := strconv.Atoi(m[1])
			refs = append(refs, id)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, findRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, findRefs(item)...)
		}
	}
	return refs
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
