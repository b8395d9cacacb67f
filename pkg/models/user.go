package models

import "time"

// User roles.
const (
	UserRoleAdmin = "admin"
	UserRoleUser  = "user"
)

// User is an account row. PasswordHash is a bcrypt hash and is never
// serialised into API responses.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	PasswordHash   string `json:"-"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
	PreferredModel string `json:"preferred_model,omitempty"`
}

// Permission scopes, ordered from narrowest to widest.
const (
	ScopeOnce    = "once"
	ScopeSession = "session"
	ScopeToday   = "today"
	ScopeAlways  = "always"
)

// PermissionGrant records that a user allowed an action at some scope.
// Scope "once" is never stored; "session" carries the chat id; "today"
// carries an expiry date; "always" is open-ended.
type PermissionGrant struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	ActionName string     `json:"action_name"`
	Scope      string     `json:"scope"`
	ChatID     string     `json:"chat_id,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}
