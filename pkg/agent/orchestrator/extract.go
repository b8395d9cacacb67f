// Package orchestrator drives the reason-act loop: stream the model,
// detect tool requests, gate them on permissions, execute them, splice
// observations back, and persist the whole exchange.
package orchestrator

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedJSONPattern = regexp.MustCompile("```json\\s*([\\s\\S]*?)\\s*```")
	bracePattern      = regexp.MustCompile(`(\{[\s\S]*\})`)
)

// ExtractJSON pulls the first JSON object out of arbitrary model
// output. Strategies in order: fenced ```json block, the widest {...}
// span, the full text, a double-brace repair pass, and finally a
// brace-balancing walk returning the first span that parses. Returns
// nil when nothing parses.
func ExtractJSON(text string) map[string]any {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		if obj := tryParse(m[1]); obj != nil {
			return obj
		}
	}

	if m := bracePattern.FindStringSubmatch(text); m != nil {
		if obj := tryParse(m[1]); obj != nil {
			return obj
		}
	}

	if obj := tryParse(text); obj != nil {
		return obj
	}

	// Models occasionally emit doubled braces around the object.
	if strings.Contains(text, "{ {") && strings.Contains(text, "} }") {
		repaired := strings.ReplaceAll(text, "{ {", "{")
		repaired = strings.ReplaceAll(repaired, "} }", "}")
		if obj := tryParse(repaired); obj != nil {
			return obj
		}
	}

	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				if obj := tryParse(text[start : i+1]); obj != nil {
					return obj
				}
			}
		}
	}
	return nil
}

func tryParse(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}
