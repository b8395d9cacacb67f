package services

import (
	"context"
	"fmt"
	"time"

	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/models"
)

// PermissionService records and checks per-(user, action) grants.
//
// Scope semantics:
//
//	once    — never persisted; the caller executes immediately
//	session — valid for one chat, while that chat exists
//	today   — valid while the current date is on or before the stored date
//	always  — open-ended
type PermissionService struct {
	client *database.Client
}

// NewPermissionService creates a new PermissionService.
func NewPermissionService(client *database.Client) *PermissionService {
	return &PermissionService{client: client}
}

// Grant inserts a grant row. "once" is a no-op. Duplicate grants are
// harmless; Check deduplicates by existence.
func (s *PermissionService) Grant(httpCtx context.Context, userID int64, actionName, scope, chatID string) error {
	if actionName == "" {
		return NewValidationError("action_name", "required")
	}

	switch scope {
	case models.ScopeOnce:
		return nil
	case models.ScopeSession:
		if chatID == "" {
			return NewValidationError("chat_id", "required for session scope")
		}
	case models.ScopeToday, models.ScopeAlways:
	default:
		return NewValidationError("scope", fmt.Sprintf("unknown scope %q", scope))
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var (
		chatArg    any
		expiresArg any
	)
	if scope == models.ScopeSession {
		chatArg = chatID
	}
	if scope == models.ScopeToday {
		expiresArg = time.Now().Format("2006-01-02")
	}

	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`INSERT INTO permissions (user_id, action_name, scope, chat_id, granted_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`),
		userID, actionName, scope, chatArg, time.Now().UTC(), expiresArg)
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// Check reports whether any grant currently permits the action:
// always, today (not expired), or session matching the chat id.
func (s *PermissionService) Check(httpCtx context.Context, userID int64, actionName, chatID string) (bool, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var count int
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT COUNT(*) FROM permissions WHERE user_id = ? AND action_name = ? AND scope = ?`),
		userID, actionName, models.ScopeAlways).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check always grant: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	today := time.Now().Format("2006-01-02")
	err = s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT COUNT(*) FROM permissions WHERE user_id = ? AND action_name = ? AND scope = ? AND expires_at >= ?`),
		userID, actionName, models.ScopeToday, today).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check today grant: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	if chatID != "" {
		err = s.client.DB().QueryRowContext(ctx,
			s.client.Rebind(`SELECT COUNT(*) FROM permissions WHERE user_id = ? AND action_name = ? AND scope = ? AND chat_id = ?`),
			userID, actionName, models.ScopeSession, chatID).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("failed to check session grant: %w", err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Revoke removes all grants for (user, action).
func (s *PermissionService) Revoke(httpCtx context.Context, userID int64, actionName string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`DELETE FROM permissions WHERE user_id = ? AND action_name = ?`),
		userID, actionName)
	if err != nil {
		return fmt.Errorf("failed to revoke permission: %w", err)
	}
	return nil
}
