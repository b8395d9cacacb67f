package models

// CreateChatRequest creates a new chat for a user.
type CreateChatRequest struct {
	UserID int64  `json:"user_id"`
	Title  string `json:"title"`
}

// SendMessageRequest starts a turn on an existing chat.
type SendMessageRequest struct {
	Prompt       string `json:"prompt"`
	UseThinking  *bool  `json:"use_thinking,omitempty"`
	ReturnJSON   bool   `json:"return_json,omitempty"`
	PromptID     string `json:"prompt_id,omitempty"`
	ResumeAction bool   `json:"resume_action,omitempty"`
}

// GrantPermissionRequest records a permission grant for an action.
type GrantPermissionRequest struct {
	UserID     int64  `json:"user_id"`
	ActionName string `json:"action_name"`
	Scope      string `json:"scope"`
	ChatID     string `json:"chat_id,omitempty"`
}

// CreateTaskRequest registers a scheduled task.
type CreateTaskRequest struct {
	Name     string         `json:"name"`
	Action   string         `json:"action"`
	Schedule string         `json:"schedule,omitempty"`
	UserID   int64          `json:"user_id,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}
