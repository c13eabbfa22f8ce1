package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/probemesh/probemesh/internal/util"
	"github.com/probemesh/probemesh/model"
)

// selectByStrategy applies the relevance half of the list pipeline to the
// non-fixed candidates. Returned tools are ordered most relevant first; for
// strategies without scoring, registration order is preserved.
func (r *Router) selectByStrategy(ctx context.Context, candidates []Definition, perm *PermissionSet, query string) ([]Definition, error) {
	switch perm.Strategy {
	case StrategyAll, "":
		return candidates, nil
	case StrategyNone, StrategyManual:
		// Manual offers exactly the fixed list, None offers nothing extra.
		return nil, nil
	case StrategyKeyword:
		return keywordSelect(candidates, query), nil
	case StrategyAbility:
		return abilitySelect(candidates, perm.Abilities), nil
	case StrategyLLM:
		return r.llmSelect(ctx, candidates, query)
	case StrategyHybrid:
		scored := keywordSelect(candidates, query)
		if len(scored) <= perm.EffectiveMaxTools() || r.model == nil {
			return scored, nil
		}
		return r.llmSelect(ctx, scored, query)
	default:
		return nil, fmt.Errorf("unknown selection strategy: %s", perm.Strategy)
	}
}

// keywordSelect scores tools by term overlap between the query and the tool
// name and description. Name hits weigh double. Ties keep registration order.
func keywordSelect(candidates []Definition, query string) []Definition {
	terms := tokenize(query)
	if len(terms) == 0 {
		return candidates
	}

	type scored struct {
		def   Definition
		score int
		pos   int
	}
	var hits []scored
	for i, def := range candidates {
		nameTokens := tokenize(strings.ReplaceAll(def.Name, "_", " "))
		descTokens := tokenize(def.Description)
		s := 0
		for _, term := range terms {
			if slices.Contains(nameTokens, term) {
				s += 2
			}
			if slices.Contains(descTokens, term) {
				s++
			}
		}
		if s > 0 {
			hits = append(hits, scored{def: def, score: s, pos: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})

	out := make([]Definition, len(hits))
	for i, h := range hits {
		out[i] = h.def
	}
	return out
}

// abilitySelect keeps tools whose capability tags intersect the requested
// ability groups.
func abilitySelect(candidates []Definition, abilities []string) []Definition {
	if len(abilities) == 0 {
		return nil
	}
	var out []Definition
	for _, def := range candidates {
		for _, tag := range def.Tags {
			if slices.Contains(abilities, tag) {
				out = append(out, def)
				break
			}
		}
	}
	return out
}

// llmSelect asks the completion service which tools matter for the task.
// Classifier failures degrade to keyword scoring, never to an empty set.
func (r *Router) llmSelect(ctx context.Context, candidates []Definition, query string) ([]Definition, error) {
	if r.model == nil || len(candidates) == 0 {
		return keywordSelect(candidates, query), nil
	}

	var sb strings.Builder
	for _, def := range candidates {
		fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
	}
	resp, err := r.model.Complete(ctx, model.Request{
		System: "You select tools for a security testing task. Reply with a JSON array " +
			"of tool names, most relevant first. Reply with [] if none apply.",
		Prompt: fmt.Sprintf("Task: %s\n\nAvailable tools:\n%s", query, sb.String()),
	})
	if err != nil {
		r.logger.Warn("router.select.llm_failed", "error", err.Error())
		return keywordSelect(candidates, query), nil
	}

	names, err := parseToolNames(resp)
	if err != nil {
		r.logger.Warn("router.select.llm_unparseable", "error", err.Error())
		return keywordSelect(candidates, query), nil
	}

	byName := make(map[string]Definition, len(candidates))
	for _, def := range candidates {
		byName[def.Name] = def
	}
	var out []Definition
	for _, name := range names {
		if def, ok := byName[name]; ok {
			out = append(out, def)
			delete(byName, name) // classifier may repeat a name
		}
	}
	return out, nil
}

func parseToolNames(text string) ([]string, error) {
	raw, err := util.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("parse tool name list: %w", err)
	}
	return names, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 { // skip stopword-sized fragments
			out = append(out, f)
		}
	}
	return out
}
