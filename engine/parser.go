package engine

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
)

// Action is one parsed Thought+Action pair from a ReAct turn, or a final
// answer when Final is set.
type Action struct {
	Thought string
	Tool    string
	Args    map[string]any
	Final   bool
	Answer  string
}

var (
	finalAnswerRe = regexp.MustCompile(`(?is)final\s*answer\s*:\s*(.+)`)
	actionRe      = regexp.MustCompile(`(?i)action\s*:\s*([^\n]+)`)
	actionInputRe = regexp.MustCompile(`(?is)action\s*input\s*:\s*(.+?)(?:\n\n|$)`)
	thoughtRe     = regexp.MustCompile(`(?is)thought\s*:\s*(.+?)(?:\n(?:action|final)|$)`)
)

// ParseAction parses one model turn. JSON is tried first; natural language
// Thought/Action/Action Input/Final Answer is the fallback. When the model
// emits multiple action pairs in one turn, only the first is returned and
// extra reports how many were discarded.
func ParseAction(text string) (action *Action, extra int, err error) {
	if a := parseActionJSON(text); a != nil {
		return a, 0, nil
	}

	extra = countExtraActions(text)

	thought := ""
	if m := thoughtRe.FindStringSubmatch(text); m != nil {
		thought = strings.TrimSpace(m[1])
	}

	// An Action before the Final Answer takes precedence: models that plan
	// ahead sometimes sketch the final answer prematurely in the same turn.
	actionIdx := actionRe.FindStringIndex(text)
	finalIdx := finalAnswerRe.FindStringIndex(text)

	if finalIdx != nil && (actionIdx == nil || finalIdx[0] < actionIdx[0]) {
		m := finalAnswerRe.FindStringSubmatch(text)
		return &Action{Thought: thought, Final: true, Answer: strings.TrimSpace(m[1])}, extra, nil
	}

	if actionIdx != nil {
		m := actionRe.FindStringSubmatch(text)
		toolName := strings.TrimSpace(m[1])
		args := map[string]any{}
		if im := actionInputRe.FindStringSubmatch(text); im != nil {
			input := strings.TrimSpace(im[1])
			if jsonErr := json.Unmarshal([]byte(input), &args); jsonErr != nil {
				if raw, exErr := util.ExtractJSON(input); exErr == nil {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				if len(args) == 0 && input != "" {
					args = map[string]any{"query": input}
				}
			}
		}
		return &Action{Thought: thought, Tool: toolName, Args: args}, extra, nil
	}

	// Plain prose with no directives reads as an answer.
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return &Action{Final: true, Answer: trimmed}, 0, nil
	}
	return nil, 0, core.NewProtocolViolation("no action or final answer in model output")
}

// parseActionJSON handles the structured turn format:
//
//	{"thought": "...", "action": "tool_name", "action_input": {...}}
//	{"thought": "...", "final_answer": "..."}
func parseActionJSON(text string) *Action {
	raw, err := util.ExtractJSON(text)
	if err != nil {
		return nil
	}
	var turn struct {
		Thought     string         `json:"thought"`
		Action      string         `json:"action"`
		ActionInput map[string]any `json:"action_input"`
		FinalAnswer string         `json:"final_answer"`
	}
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return nil
	}
	if turn.FinalAnswer != "" {
		return &Action{Thought: turn.Thought, Final: true, Answer: turn.FinalAnswer}
	}
	if turn.Action != "" {
		args := turn.ActionInput
		if args == nil {
			args = map[string]any{}
		}
		return &Action{Thought: turn.Thought, Tool: turn.Action, Args: args}
	}
	return nil
}

// countExtraActions reports how many Action directives beyond the first
// appear in one turn.
func countExtraActions(text string) int {
	n := len(actionRe.FindAllString(text, -1))
	if n > 1 {
		return n - 1
	}
	return 0
}
