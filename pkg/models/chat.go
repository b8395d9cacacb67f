// Package models contains the persistent row types and API request/response
// shapes shared across services and handlers.
package models

import "time"

// Chat roles for chat items.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Chat is a conversation owned by a single user.
type Chat struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatItem is one entry in a chat's strictly linear message log.
// Content and Thinking are mutated in place while a turn streams;
// once the turn completes the row is frozen.
type ChatItem struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RawLog is the diagnostic sibling of ChatItem: one row per exchange
// position (system, user, assistant), carrying the full JSON blob of
// what was sent to and received from the model. Never read by the
// orchestrator — admin tooling only.
type RawLog struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	RawData   string    `json:"raw_data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RawLogEntry is the JSON blob stored in RawLog.RawData.
type RawLogEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	ChatID         string         `json:"chat_id"`
	UserID         int64          `json:"user_id,omitempty"`
	ModelConfig    map[string]any `json:"model_config"`
	SystemPrompt   string         `json:"system_prompt"`
	HistoryContext []Message      `json:"history_context"`
	Response       RawLogResponse `json:"response"`
}

// RawLogResponse is the response portion of a raw log entry.
type RawLogResponse struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

// Message is the provider-facing conversation message (role + content).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
