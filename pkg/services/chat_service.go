package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/models"
)

// titleMaxLen bounds auto-assigned chat titles taken from the first
// user message.
const titleMaxLen = 60

// ChatService manages chats and their strictly linear item logs.
type ChatService struct {
	client *database.Client
}

// NewChatService creates a new ChatService.
func NewChatService(client *database.Client) *ChatService {
	return &ChatService{client: client}
}

// Create initialises a chat for a user. An empty id gets a fresh UUID.
func (s *ChatService) Create(httpCtx context.Context, req models.CreateChatRequest) (*models.Chat, error) {
	if req.UserID == 0 {
		return nil, NewValidationError("user_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	chat := &models.Chat{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return chat, nil
}

// Get returns a chat by id.
func (s *ChatService) Get(httpCtx context.Context, chatID string) (*models.Chat, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	c := &models.Chat{}
	var title sql.NullString
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = ?`),
		chatID).Scan(&c.ID, &c.UserID, &title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	c.Title = title.String
	return c, nil
}

// Owner returns the owning user id for a chat, or 0 when the chat does
// not exist (ephemeral chat ids resolve to no owner).
func (s *ChatService) Owner(httpCtx context.Context, chatID string) (int64, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var userID int64
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT user_id FROM chats WHERE id = ?`), chatID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get chat owner: %w", err)
	}
	return userID, nil
}

// ListForUser returns the user's chats, most recently updated first.
func (s *ChatService) ListForUser(httpCtx context.Context, userID int64) ([]*models.Chat, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		s.client.Rebind(`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		c := &models.Chat{}
		var title sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		c.Title = title.String
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// AppendItem appends one item to the chat log and bumps the chat's
// updated_at. Returns the new item id for in-place mutation while the
// turn streams. The first user message also becomes the chat title when
// the chat has none.
func (s *ChatService) AppendItem(httpCtx context.Context, chatID, role, content, thinking string) (int64, error) {
	if chatID == "" {
		return 0, NewValidationError("chat_id", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	var id int64
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`INSERT INTO chat_items (chat_id, role, content, thinking, timestamp) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		chatID, role, content, thinking, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append chat item: %w", err)
	}

	_, err = s.client.DB().ExecContext(ctx,
		s.client.Rebind(`UPDATE chats SET updated_at = ? WHERE id = ?`), now, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to touch chat: %w", err)
	}

	if role == models.RoleUser && content != "" {
		s.maybeAssignTitle(ctx, chatID, content)
	}
	return id, nil
}

// UpdateItem mutates content and/or thinking of an in-flight item.
// Nil pointers leave the column untouched.
func (s *ChatService) UpdateItem(httpCtx context.Context, itemID int64, content, thinking *string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	var err error
	switch {
	case content != nil && thinking != nil:
		_, err = s.client.DB().ExecContext(ctx,
			s.client.Rebind(`UPDATE chat_items SET content = ?, thinking = ? WHERE id = ?`), *content, *thinking, itemID)
	case content != nil:
		_, err = s.client.DB().ExecContext(ctx,
			s.client.Rebind(`UPDATE chat_items SET content = ? WHERE id = ?`), *content, itemID)
	case thinking != nil:
		_, err = s.client.DB().ExecContext(ctx,
			s.client.Rebind(`UPDATE chat_items SET thinking = ? WHERE id = ?`), *thinking, itemID)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update chat item: %w", err)
	}
	return nil
}

// Items returns the chat's log in insertion order.
func (s *ChatService) Items(httpCtx context.Context, chatID string) ([]*models.ChatItem, error) {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		s.client.Rebind(`SELECT id, chat_id, role, content, COALESCE(thinking, ''), timestamp FROM chat_items WHERE chat_id = ? ORDER BY id ASC`),
		chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat items: %w", err)
	}
	defer rows.Close()

	var items []*models.ChatItem
	for rows.Next() {
		it := &models.ChatItem{}
		if err := rows.Scan(&it.ID, &it.ChatID, &it.Role, &it.Content, &it.Thinking, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan chat item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetTitle replaces a chat's display title.
func (s *ChatService) SetTitle(httpCtx context.Context, chatID, title string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`UPDATE chats SET title = ? WHERE id = ?`), title, chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}
	return nil
}

// ClearItems removes all items from a chat, keeping the chat itself.
func (s *ChatService) ClearItems(httpCtx context.Context, chatID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 5*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind(`DELETE FROM chat_items WHERE chat_id = ?`), chatID)
	if err != nil {
		return fmt.Errorf("failed to clear chat items: %w", err)
	}
	return nil
}

// Delete removes a chat with its items, raw logs, and session-scoped
// permission grants. Session grants are valid only while their chat
// exists, so deleting the chat cascades them here.
func (s *ChatService) Delete(httpCtx context.Context, chatID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, 10*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM chat_items WHERE chat_id = ?`,
		`DELETE FROM history WHERE chat_id = ?`,
		`DELETE FROM permissions WHERE chat_id = ? AND scope = 'session'`,
	} {
		if _, err := tx.ExecContext(ctx, s.client.Rebind(q), chatID); err != nil {
			return fmt.Errorf("failed to cascade chat delete: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.client.Rebind(`DELETE FROM chats WHERE id = ?`), chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// maybeAssignTitle sets the chat title from the first user message when
// the chat has no title yet. Best-effort: failures are swallowed, the
// title is cosmetic.
func (s *ChatService) maybeAssignTitle(ctx context.Context, chatID, content string) {
	var title sql.NullString
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind(`SELECT title FROM chats WHERE id = ?`), chatID).Scan(&title)
	if err != nil || (title.Valid && title.String != "") {
		return
	}
	t := content
	if len(t) > titleMaxLen {
		t = t[:titleMaxLen]
	}
	_, _ = s.client.DB().ExecContext(ctx,
		s.client.Rebind(`UPDATE chats SET title = ? WHERE id = ?`), t, chatID)
}
