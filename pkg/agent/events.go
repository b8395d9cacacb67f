package agent

// Turn event statuses, in the order a consumer typically sees them.
const (
	EventThinking           = "thinking"
	EventThinkingFinished   = "thinking_finished"
	EventStream             = "stream"  // model-authored content fragment
	EventContent            = "content" // system-authored UI line
	EventJSONContent        = "json_content"
	EventActionDetected     = "action_detected"
	EventActionLoop         = "action_loop"
	EventActionUpdate       = "action_update"
	EventActionOutput       = "action_output"
	EventPermissionRequired = "permission_required"
	EventRequestKey         = "request_key"
	EventInfo               = "info"
	EventError              = "error"
)

// TurnEvent is the wire-format event streamed to UI transports while a
// turn runs. Status selects which fields are populated.
type TurnEvent struct {
	Status string `json:"status"`
	ChatID string `json:"chat_id,omitempty"`

	// thinking / stream / content
	Chunk    string `json:"chunk,omitempty"`
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// action_loop
	Loop     int `json:"loop,omitempty"`
	MaxLoops int `json:"max_loops,omitempty"`

	// action_detected / action_* / permission_required
	Actions      []string       `json:"actions,omitempty"`
	ActionName   string         `json:"action_name,omitempty"`
	ActionArgs   map[string]any `json:"action_args,omitempty"`
	ActionStatus string         `json:"action_status,omitempty"`
	Output       string         `json:"output,omitempty"`
	Type         string         `json:"type,omitempty"`
	Data         map[string]any `json:"data,omitempty"`

	// json_content
	JSON   map[string]any `json:"json,omitempty"`
	Reason string         `json:"reason,omitempty"`

	// request_key / info
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message,omitempty"`

	Error string `json:"error,omitempty"`
}
