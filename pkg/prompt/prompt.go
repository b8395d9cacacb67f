// Package prompt holds the system-prompt template library and the
// builder that renders it with bot identity, gathered action data, and
// the action catalogue.
package prompt

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/genesis-bot/genesis/pkg/plugins"
)

// Well-known template ids.
const (
	DefaultPromptID    = "general_chat"
	FallbackPromptID   = "user_chat"
	ActionFormaterID   = "action_formater"
	JSONResponseID     = "json_response"
	NoActionsAvailable = "No actions currently available."
)

//go:embed prompts.json
var defaultPromptsJSON []byte

// leftover bracketed tags surviving substitution are stripped.
var tagPattern = regexp.MustCompile(`\[[a-z_0-9]+\]`)

// Library is a loaded prompt template set.
type Library struct {
	templates map[string]string
}

// LoadLibrary returns the built-in templates overlaid with the
// optional override file (same JSON shape, id to template). A missing
// override file is not an error.
func LoadLibrary(overridePath string) (*Library, error) {
	templates := make(map[string]string)
	if err := json.Unmarshal(defaultPromptsJSON, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse built-in prompts: %w", err)
	}

	if overridePath != "" {
		raw, err := os.ReadFile(overridePath)
		if err == nil {
			overrides := make(map[string]string)
			if err := json.Unmarshal(raw, &overrides); err != nil {
				return nil, fmt.Errorf("failed to parse prompt overrides %s: %w", overridePath, err)
			}
			for id, t := range overrides {
				templates[id] = t
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read prompt overrides: %w", err)
		}
	}
	return &Library{templates: templates}, nil
}

// Template returns the template for id, falling back to the default
// chat template for unknown ids.
func (l *Library) Template(id string) string {
	if t, ok := l.templates[id]; ok {
		return t
	}
	return l.templates[FallbackPromptID]
}

// Identity is the bot persona substituted into templates.
type Identity struct {
	Name        string `json:"name"`
	Personality string `json:"personality"`
}

// BuildInput carries everything one system-prompt render needs.
type BuildInput struct {
	PromptID    string
	Identity    Identity
	UserMessage string
	ActionData  string
	Actions     []plugins.ActionRef
}

// BuildSystemPrompt renders a template: substitutes identity, user
// message, action data, and the visible action catalogue, then strips
// leftover placeholder tags and collapses the gaps they leave.
// Pre-request actions run automatically and are excluded from the
// catalogue shown to the model.
func (l *Library) BuildSystemPrompt(in BuildInput) string {
	id := in.PromptID
	if id == "" {
		id = DefaultPromptID
	}
	out := l.Template(id)

	name := in.Identity.Name
	if name == "" {
		name = "Genesis AI"
	}
	out = strings.ReplaceAll(out, "[bot_name]", name)
	out = strings.ReplaceAll(out, "[bot_personality]", in.Identity.Personality)
	if in.UserMessage != "" {
		out = strings.ReplaceAll(out, "[user_message]", in.UserMessage)
	}
	out = strings.ReplaceAll(out, "[action_data]", in.ActionData)
	out = strings.ReplaceAll(out, "[actions]", formatActions(in.Actions))

	out = tagPattern.ReplaceAllString(out, "")
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// formatActions renders the catalogue of manually-invocable actions.
func formatActions(refs []plugins.ActionRef) string {
	var b strings.Builder
	for _, ref := range refs {
		if ref.Action.Trigger == plugins.TriggerPreRequest {
			continue
		}
		desc := ref.Action.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", ref.Action.Name, desc)
		if len(ref.Action.Parameters) == 0 {
			b.WriteString("  Parameters: None\n")
			continue
		}
		keys := make([]string, 0, len(ref.Action.Parameters))
		for k := range ref.Action.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%q: <%s>", k, ref.Action.Parameters[k]))
		}
		fmt.Fprintf(&b, "  Parameters: {%s}\n", strings.Join(parts, ", "))
	}
	if b.Len() == 0 {
		return NoActionsAvailable
	}
	return b.String()
}
