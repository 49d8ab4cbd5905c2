package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

// enrichWithHints implements step 6 of the per-call pipeline: when the
// response is a JSON object, merge a `_hints` field in; otherwise
// append a bracketed footer to the textual representation. Hints are
// advisory only and never change call semantics.
func (r *Router) enrichWithHints(exposedName string, data json.RawMessage) json.RawMessage {
	hint, ok := r.cfg.Hints[exposedName]
	if !ok || len(data) == 0 {
		return data
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err == nil {
		obj["_hints"] = hint
		out, err := json.Marshal(obj)
		if err == nil {
			return out
		}
		return data
	}

	footer := hintFooter(hint)
	var scalar any
	if err := json.Unmarshal(data, &scalar); err == nil {
		text := fmt.Sprintf("%v %s", scalar, footer)
		out, _ := json.Marshal(text)
		return out
	}

	text := string(data) + " " + footer
	out, _ := json.Marshal(text)
	return out
}

func hintFooter(h Hint) string {
	var parts []string
	if len(h.Suggest) > 0 {
		parts = append(parts, "next: "+strings.Join(h.Suggest, ", "))
	}
	if h.Tip != "" {
		parts = append(parts, h.Tip)
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

// postValidateSkillPayload implements step 7: for skill-store/update
// calls, check `required_tools` and `execution_plan[].toolName` against
// the live route table and return a warning listing unknown tools
// (never blocking the call).
func (r *Router) postValidateSkillPayload(exposedName string, data json.RawMessage) string {
	if !r.cfg.SkillStoreTools[exposedName] {
		return ""
	}

	var payload struct {
		RequiredTools []string `json:"required_tools"`
		ExecutionPlan []struct {
			ToolName string `json:"toolName"`
		} `json:"execution_plan"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}

	var unknown []string
	seen := map[string]bool{}
	check := func(name string) {
		if name == "" || seen[name] || r.HasRoute(name) {
			return
		}
		seen[name] = true
		unknown = append(unknown, name)
	}
	for _, t := range payload.RequiredTools {
		check(t)
	}
	for _, step := range payload.ExecutionPlan {
		check(step.ToolName)
	}

	if len(unknown) == 0 {
		return ""
	}
	return "unknown tools referenced: " + strings.Join(unknown, ", ")
}
