package orchestrator

import (
	"encoding/json"
	"regexp"
)

// ActionRequest is one normalised tool request extracted from model
// output.
type ActionRequest struct {
	Name string
	Args map[string]any
}

// Older chat histories carry tool requests as [ACTION: name, {...}].
var legacyActionPattern = regexp.MustCompile(`\[ACTION:\s*([a-zA-Z0-9_]+)\s*,\s*({.*?})\]`)

// ParseActions extracts tool requests from model output: the JSON
// {"actions": [...]} shape first, the legacy square-bracket form as a
// fallback. Parameters given as a list of {name, value} records are
// folded into a mapping; unknown argument keys pass through untouched.
func ParseActions(content string) []ActionRequest {
	if obj := ExtractJSON(content); obj != nil {
		if reqs := normaliseActions(obj); len(reqs) > 0 {
			return reqs
		}
	}

	var reqs []ActionRequest
	for _, m := range legacyActionPattern.FindAllStringSubmatch(content, -1) {
		args := make(map[string]any)
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			continue
		}
		reqs = append(reqs, ActionRequest{Name: m[1], Args: args})
	}
	return reqs
}

func normaliseActions(obj map[string]any) []ActionRequest {
	raw, ok := obj["actions"].([]any)
	if !ok {
		return nil
	}

	var reqs []ActionRequest
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name, ok := m["name"].(string)
		if !ok || name == "" {
			continue
		}
		reqs = append(reqs, ActionRequest{Name: name, Args: normaliseParams(m["parameters"])})
	}
	return reqs
}

func normaliseParams(params any) map[string]any {
	args := make(map[string]any)
	switch p := params.(type) {
	case map[string]any:
		args = p
	case []any:
		for _, item := range p {
			rec, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, ok := rec["name"].(string)
			if !ok {
				continue
			}
			val, ok := rec["value"]
			if !ok {
				val = ""
			}
			args[name] = val
		}
	}
	return args
}
