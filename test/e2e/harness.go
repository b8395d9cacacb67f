// Package e2e boots the full application — database, services, plugin
// engine, orchestrator, HTTP API — against a scripted model provider
// and drives it over real HTTP.
package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/agent/orchestrator"
	"github.com/genesis-bot/genesis/pkg/api"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/llm"
	"github.com/genesis-bot/genesis/pkg/models"
	"github.com/genesis-bot/genesis/pkg/plugins"
	"github.com/genesis-bot/genesis/pkg/prompt"
	"github.com/genesis-bot/genesis/pkg/scheduler"
	"github.com/genesis-bot/genesis/pkg/services"
)

const (
	testUser     = "tester"
	testPassword = "testerpass123"
)

// ScriptedProvider replays canned responses in order, one per
// Generate call.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

// Script queues responses for the next Generate calls.
func (p *ScriptedProvider) Script(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// Calls reports how many times the model was invoked.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProvider) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	p.mu.Lock()
	p.calls++
	var resp string
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	out := make(chan agent.Chunk, 4)
	go func() {
		defer close(out)
		out <- agent.ContentChunk{Text: resp}
	}()
	return out, nil
}

func (p *ScriptedProvider) Invalidate(string) {}

// Provider implements orchestrator.ProviderResolver so the scripted
// provider can stand in for the llm factory.
func (p *ScriptedProvider) Provider(string) (agent.Provider, error) { return p, nil }

// TestApp is a booted instance.
type TestApp struct {
	Root     string
	Server   *httptest.Server
	Provider *ScriptedProvider
	Registry *plugins.Registry
	Sched    *scheduler.Scheduler
	Perms    *services.PermissionService
	UserID   int64

	t *testing.T
}

// NewTestApp boots the stack on a temp directory and an embedded
// SQLite store, with one regular user account.
func NewTestApp(t *testing.T) *TestApp {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	client, err := database.NewClient(ctx, database.Config{
		Dialect: database.DialectSQLite,
		Path:    filepath.Join(root, "genesis.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	users := services.NewUserService(client)
	chats := services.NewChatService(client)
	perms := services.NewPermissionService(client)
	rawlog := services.NewRawLogService(client, "")

	user, err := users.Create(ctx, testUser, testPassword, "", models.UserRoleUser)
	require.NoError(t, err)

	settings := &config.Settings{
		Models:      []config.ModelConfig{{ID: "scripted", Name: "Scripted", Provider: config.ProviderAnthropic, Model: "scripted"}},
		ActiveModel: "scripted",
		DataDir:     filepath.Join(root, "data"),
		BotDataDir:  filepath.Join(root, "bot_data"),
		MaxLoops:    5,
		PoolSize:    4,
	}
	prompts, err := prompt.LoadLibrary("")
	require.NoError(t, err)

	registry := plugins.NewRegistry(filepath.Join(root, "data", "plugins"), filepath.Join(root, "bot_data", "users"))
	engine := executor.NewEngine(settings.DataDir, settings.BotDataDir)
	keys := llm.NewKeyStore(filepath.Join(root, "data", "keys.json"))

	sched, err := scheduler.NewScheduler(filepath.Join(root, "data"), registry, engine)
	require.NoError(t, err)

	provider := &ScriptedProvider{}
	orch := orchestrator.NewOrchestrator(chats, users, perms, rawlog, registry, engine,
		executor.NewPool(settings.PoolSize), executor.NewCache(), prompts,
		provider, keys, settings)

	server := api.NewServer(client, users, chats, perms, registry, sched, keys, settings, orch)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &TestApp{
		Root:     root,
		Server:   ts,
		Provider: provider,
		Registry: registry,
		Sched:    sched,
		Perms:    perms,
		UserID:   user.ID,
		t:        t,
	}
}

// InstallShellPlugin drops a shell-backed system plugin and rescans.
func (a *TestApp) InstallShellPlugin(id, actionName, script string) {
	a.t.Helper()
	if runtime.GOOS == "windows" {
		a.t.Skip("shell script fixtures require a POSIX shell")
	}
	dir := filepath.Join(a.Root, "data", "plugins", id)
	require.NoError(a.t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf(`{
		"id": %q, "name": %q, "version": "1.0.0",
		"actions": [{"name": %q, "script": "run.sh", "type": "process"}]
	}`, id, id, actionName)
	require.NoError(a.t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	require.NoError(a.t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script), 0o755))
	require.NoError(a.t, a.Registry.Scan())
}

// Request performs an authenticated JSON request and decodes the body.
func (a *TestApp) Request(method, path string, body any) (int, map[string]any) {
	a.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.Server.URL+path, reader)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(testUser, testPassword)

	resp, err := a.Server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	var out map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

// CreateChat makes a chat for the test user and returns its id.
func (a *TestApp) CreateChat(title string) string {
	a.t.Helper()
	status, body := a.Request(http.MethodPost, "/api/chats", map[string]any{"title": title})
	require.Equal(a.t, http.StatusCreated, status)
	return body["id"].(string)
}

// SendMessage posts a turn and collects every streamed event.
func (a *TestApp) SendMessage(chatID string, body map[string]any) []agent.TurnEvent {
	a.t.Helper()
	events, err := a.StreamMessage(context.Background(), chatID, body)
	require.NoError(a.t, err)
	return events
}

// StreamMessage posts a turn and parses the SSE stream until it ends.
func (a *TestApp) StreamMessage(ctx context.Context, chatID string, body map[string]any) ([]agent.TurnEvent, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Server.URL+"/api/chats/"+chatID+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(testUser, testPassword)

	resp, err := a.Server.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload)
	}

	var events []agent.TurnEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev agent.TurnEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Statuses projects events to their status strings.
func Statuses(events []agent.TurnEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Status
	}
	return out
}

// Find returns the first event with the given status.
func Find(events []agent.TurnEvent, status string) (agent.TurnEvent, bool) {
	for _, ev := range events {
		if ev.Status == status {
			return ev, true
		}
	}
	return agent.TurnEvent{}, false
}
