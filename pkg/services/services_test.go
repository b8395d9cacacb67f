package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/models"
)

func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(t.TempDir(), "genesis.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUserServiceCreateAndVerify(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestClient(t))

	user, err := users.Create(ctx, "alice", "alicepassword", "alice@example.com", models.UserRoleUser)
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	stored, err := users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, "alicepassword", stored.PasswordHash, "password is stored hashed")

	_, err = users.Create(ctx, "alice", "otherpassword", "", models.UserRoleUser)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = users.Create(ctx, "", "somepassword", "", models.UserRoleUser)
	assert.True(t, IsValidationError(err))
	_, err = users.Create(ctx, "bob", "", "", models.UserRoleUser)
	assert.True(t, IsValidationError(err), "a password is required")

	got, err := users.Verify(ctx, "alice", "alicepassword")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = users.Verify(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = users.Verify(ctx, "nobody", "alicepassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserServicePreferredModelAndPassword(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestClient(t))

	user, err := users.Create(ctx, "carol", "carolpassword", "", models.UserRoleUser)
	require.NoError(t, err)

	require.NoError(t, users.SetPreferredModel(ctx, user.ID, "claude"))
	got, err := users.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "claude", got.PreferredModel)

	require.NoError(t, users.SetPassword(ctx, user.ID, "newpassword123"))
	_, err = users.Verify(ctx, "carol", "carolpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = users.Verify(ctx, "carol", "newpassword123")
	assert.NoError(t, err)
}

func TestEnsureDefaultAdmin(t *testing.T) {
	ctx := context.Background()
	users := NewUserService(newTestClient(t))

	require.NoError(t, users.EnsureDefaultAdmin(ctx, "admin", "adminpassword", ""))
	admin, err := users.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.UserRoleAdmin, admin.Role)

	// Idempotent on restart.
	require.NoError(t, users.EnsureDefaultAdmin(ctx, "admin", "adminpassword", ""))
	all, err := users.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestChatServiceItemsLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	users := NewUserService(client)
	chats := NewChatService(client)

	user, err := users.Create(ctx, "dave", "davepassword", "", models.UserRoleUser)
	require.NoError(t, err)

	chat, err := chats.Create(ctx, models.CreateChatRequest{UserID: user.ID})
	require.NoError(t, err)
	require.NotEmpty(t, chat.ID)

	itemID, err := chats.AppendItem(ctx, chat.ID, models.RoleUser, "what is the weather like in Berlin today", "")
	require.NoError(t, err)
	_, err = chats.AppendItem(ctx, chat.ID, models.RoleAssistant, "", "")
	require.NoError(t, err)

	// The first user message titles an untitled chat.
	chat, err = chats.Get(ctx, chat.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, chat.Title)

	content := "what is the weather like"
	thinking := "checking"
	require.NoError(t, chats.UpdateItem(ctx, itemID, &content, &thinking))

	items, err := chats.Items(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, content, items[0].Content)
	assert.Equal(t, thinking, items[0].Thinking)

	owner, err := chats.Owner(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner)

	require.NoError(t, chats.ClearItems(ctx, chat.ID))
	items, err = chats.Items(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, chats.Delete(ctx, chat.ID))
	_, err = chats.Get(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Owner reports 0 for a missing chat rather than erroring; callers
	// resolving ephemeral chats rely on that.
	owner, err = chats.Owner(ctx, chat.ID)
	require.NoError(t, err)
	assert.Zero(t, owner)
}

func TestPermissionScopes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	users := NewUserService(client)
	chats := NewChatService(client)
	perms := NewPermissionService(client)

	user, err := users.Create(ctx, "erin", "erinpassword", "", models.UserRoleUser)
	require.NoError(t, err)
	chat, err := chats.Create(ctx, models.CreateChatRequest{UserID: user.ID, Title: "scopes"})
	require.NoError(t, err)

	assert.True(t, IsValidationError(perms.Grant(ctx, user.ID, "x", "forever", "")))
	assert.True(t, IsValidationError(perms.Grant(ctx, user.ID, "x", models.ScopeSession, "")),
		"session scope needs a chat id")

	require.NoError(t, perms.Grant(ctx, user.ID, "always_action", models.ScopeAlways, ""))
	require.NoError(t, perms.Grant(ctx, user.ID, "today_action", models.ScopeToday, ""))
	require.NoError(t, perms.Grant(ctx, user.ID, "session_action", models.ScopeSession, chat.ID))

	for _, action := range []string{"always_action", "today_action"} {
		ok, err := perms.Check(ctx, user.ID, action, "")
		require.NoError(t, err)
		assert.True(t, ok, action)
	}

	ok, err := perms.Check(ctx, user.ID, "session_action", chat.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = perms.Check(ctx, user.ID, "session_action", "other-chat")
	require.NoError(t, err)
	assert.False(t, ok, "session grants are chat-bound")

	// Grants are per-user.
	ok, err = perms.Check(ctx, user.ID+1, "always_action", "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting the chat cascades its session grants.
	require.NoError(t, chats.Delete(ctx, chat.ID))
	ok, err = perms.Check(ctx, user.ID, "session_action", chat.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, perms.Revoke(ctx, user.ID, "always_action"))
	ok, err = perms.Check(ctx, user.ID, "always_action", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRawLogWriteAndRecent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	dir := t.TempDir()
	rawlog := NewRawLogService(client, dir)

	rawlog.Write(ctx, models.RawLogEntry{
		Timestamp:    time.Now().UTC(),
		ChatID:       "chat-1",
		SystemPrompt: "You are a helpful assistant.",
		Response: models.RawLogResponse{
			Role:    models.RoleAssistant,
			Content: "the capital of France is Paris",
		},
	})

	logs, err := rawlog.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	logs, err = rawlog.Recent(ctx, "Paris", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
	logs, err = rawlog.Recent(ctx, "Madrid", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)

	// The file mirror wrote a per-day JSON snapshot.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
