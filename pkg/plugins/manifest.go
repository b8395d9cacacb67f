// Package plugins implements plugin discovery, the manifest schema, and
// the signed .gplug archive format.
package plugins

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Action types.
const (
	TypePython  = "python"
	TypeProcess = "process"
	TypeBuiltin = "builtin"
)

// Action triggers.
const (
	TriggerManual      = "manual"
	TriggerPreRequest  = "pre_request"
	TriggerPostRequest = "post_request"
)

// Plugin ownership roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ManifestFile is the required archive/plugin-dir entry.
const ManifestFile = "manifest.json"

// Manifest is the on-disk plugin descriptor.
type Manifest struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Actions     []ActionSpec `json:"actions"`
	Integrity   *Integrity   `json:"integrity,omitempty"`
}

// ActionSpec declares one invocable action.
type ActionSpec struct {
	Name        string            `json:"name"`
	Script      string            `json:"script,omitempty"` // relative, defaults to main.py
	Type        string            `json:"type,omitempty"`   // defaults to python
	Description string            `json:"description,omitempty"`
	Trigger     string            `json:"trigger,omitempty"`   // defaults to manual
	CacheTTL    int               `json:"cache_ttl,omitempty"` // seconds; <=0 disables
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Integrity is the self-signing block added by pack.
type Integrity struct {
	SHA256   string `json:"sha256"`
	SignedAt string `json:"signed_at"`
}

// Plugin is a loaded manifest with its runtime attachment.
type Plugin struct {
	Manifest
	Path string `json:"-"` // absolute on-disk location
	Role string `json:"-"` // system or user
}

//go:embed manifest_schema.json
var manifestSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(manifestSchemaJSON, &doc); err != nil {
			schemaErr = fmt.Errorf("unmarshal embedded manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest_schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("manifest_schema.json")
	})
	return schema, schemaErr
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	sch, err := manifestSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	applyDefaults(&m)
	return &m, nil
}

func applyDefaults(m *Manifest) {
	for i := range m.Actions {
		if m.Actions[i].Script == "" {
			m.Actions[i].Script = "main.py"
		}
		if m.Actions[i].Type == "" {
			m.Actions[i].Type = TypePython
		}
		if m.Actions[i].Trigger == "" {
			m.Actions[i].Trigger = TriggerManual
		}
	}
}
