package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/database"
	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/llm"
	"github.com/genesis-bot/genesis/pkg/models"
	"github.com/genesis-bot/genesis/pkg/plugins"
	"github.com/genesis-bot/genesis/pkg/prompt"
	"github.com/genesis-bot/genesis/pkg/services"
)

// scriptedProvider replays canned responses, one per Generate call,
// honouring the thinking-before-content contract.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     []agent.GenerateInput
}

type scriptedResponse struct {
	thinking string
	content  string
	err      error
}

func (p *scriptedProvider) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, *in)
	var resp scriptedResponse
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	}
	p.mu.Unlock()

	out := make(chan agent.Chunk, 16)
	go func() {
		defer close(out)
		if resp.err != nil {
			out <- agent.ErrorChunk{Err: resp.err}
			return
		}
		if resp.thinking != "" && in.UseThinking {
			out <- agent.ThinkingChunk{Text: resp.thinking}
			out <- agent.ThinkingFinishedChunk{Trace: resp.thinking}
		}
		out <- agent.ContentChunk{Text: resp.content}
	}()
	return out, nil
}

type staticResolver struct {
	provider agent.Provider
	err      error
}

func (r *staticResolver) Provider(string) (agent.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}
func (r *staticResolver) Invalidate(string) {}

type harness struct {
	orch   *Orchestrator
	chats  *services.ChatService
	perms  *services.PermissionService
	root   string
	userID int64
	chatID string
}

func newHarness(t *testing.T, provider agent.Provider) *harness {
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

	user, err := users.Create(ctx, "tester", "secret123", "", models.UserRoleUser)
	require.NoError(t, err)
	chat, err := chats.Create(ctx, models.CreateChatRequest{UserID: user.ID, Title: "test"})
	require.NoError(t, err)

	settings := &config.Settings{
		Models:      []config.ModelConfig{{ID: "scripted", Provider: config.ProviderAnthropic, Model: "scripted"}},
		ActiveModel: "scripted",
		DataDir:     filepath.Join(root, "data"),
		BotDataDir:  filepath.Join(root, "bot_data"),
		MaxLoops:    5,
	}
	prompts, err := prompt.LoadLibrary("")
	require.NoError(t, err)

	registry := plugins.NewRegistry(filepath.Join(root, "data", "plugins"), filepath.Join(root, "bot_data", "users"))
	engine := executor.NewEngine(settings.DataDir, settings.BotDataDir)

	orch := NewOrchestrator(chats, users, perms, rawlog, registry, engine,
		executor.NewPool(4), executor.NewCache(), prompts,
		&staticResolver{provider: provider},
		llm.NewKeyStore(filepath.Join(root, "data", "keys.json")), settings)

	return &harness{orch: orch, chats: chats, perms: perms, root: root, userID: user.ID, chatID: chat.ID}
}

// installPlugin drops a shell-backed plugin into the system dir.
func (h *harness) installPlugin(t *testing.T, id, manifest, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	dir := filepath.Join(h.root, "data", "plugins", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"+script), 0o755))
}

func collect(ch <-chan agent.TurnEvent) []agent.TurnEvent {
	var evs []agent.TurnEvent
	for ev := range ch {
		evs = append(evs, ev)
	}
	return evs
}

func statuses(evs []agent.TurnEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Status
	}
	return out
}

func find(evs []agent.TurnEvent, status string) *agent.TurnEvent {
	for i := range evs {
		if evs[i].Status == status {
			return &evs[i]
		}
	}
	return nil
}

func TestAskStreamPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{thinking: "pondering", content: "The answer is 42."},
	}}
	h := newHarness(t, provider)

	evs := collect(h.orch.AskStream(context.Background(), AskInput{
		ChatID: h.chatID, Prompt: "what is the answer?", UseThinking: true,
	}))

	assert.Equal(t, []string{"thinking", "thinking_finished", "stream"}, statuses(evs))
	assert.Equal(t, "pondering", evs[0].Chunk)
	assert.Equal(t, "The answer is 42.", evs[2].Content)

	// Persistence: user item, assistant item with streamed content.
	items, err := h.chats.Items(context.Background(), h.chatID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.RoleUser, items[0].Role)
	assert.Equal(t, "what is the answer?", items[0].Content)
	assert.Equal(t, models.RoleAssistant, items[1].Role)
	assert.Equal(t, "The answer is 42.", items[1].Content)
	assert.Equal(t, "pondering", items[1].Thinking)
}

func TestAskStreamActionLoop(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"actions": [{"name": "say_hello", "parameters": {"who": "world"}}]}`},
		{content: "Hello was said to world."},
	}}
	h := newHarness(t, provider)
	h.installPlugin(t, "hello", `{
		"id": "hello", "name": "Hello", "version": "1.0.0",
		"actions": [{"name": "say_hello", "script": "run.sh", "type": "process"}]
	}`, `echo '{"status":"success","output":"hello world"}'`)
	require.NoError(t, h.perms.Grant(context.Background(), h.userID, "say_hello", models.ScopeAlways, ""))

	evs := collect(h.orch.AskStream(context.Background(), AskInput{
		ChatID: h.chatID, Prompt: "greet the world",
	}))

	detected := find(evs, agent.EventActionDetected)
	require.NotNil(t, detected)
	assert.Equal(t, []string{"say_hello"}, detected.Actions)

	output := find(evs, agent.EventActionOutput)
	require.NotNil(t, output)
	assert.Equal(t, "say_hello", output.ActionName)
	assert.Equal(t, executor.StatusSuccess, output.ActionStatus)
	assert.Contains(t, output.Output, "hello world")

	loopEv := find(evs, agent.EventActionLoop)
	require.NotNil(t, loopEv)
	assert.Equal(t, 2, loopEv.Loop)

	// Second generation got the continuation prompt and the
	// action_formater system prompt with the observation.
	require.Len(t, provider.calls, 2)
	second := provider.calls[1]
	assert.Equal(t, continuationPrompt, second.Messages[len(second.Messages)-1].Content)
	assert.Contains(t, second.SystemPrompt, "say_hello")
	assert.Contains(t, second.SystemPrompt, "hello world")

	// Final answer streamed after the loop.
	assert.Equal(t, "Hello was said to world.", evs[len(evs)-1].Content)

	// Action output persisted as a system item.
	items, err := h.chats.Items(context.Background(), h.chatID)
	require.NoError(t, err)
	var foundObs bool
	for _, it := range items {
		if it.Role == models.RoleSystem {
			assert.Contains(t, it.Content, "[Action Output: say_hello]")
			foundObs = true
		}
	}
	assert.True(t, foundObs)
}

func TestAskStreamPermissionPause(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"actions": [{"name": "dangerous_op", "parameters": {"target": "x"}}]}`},
	}}
	h := newHarness(t, provider)
	h.installPlugin(t, "danger", `{
		"id": "danger", "name": "Danger", "version": "1.0.0",
		"actions": [{"name": "dangerous_op", "script": "run.sh", "type": "process"}]
	}`, `echo '{"status":"success","output":"done"}'`)

	evs := collect(h.orch.AskStream(context.Background(), AskInput{
		ChatID: h.chatID, Prompt: "do the thing",
	}))

	last := evs[len(evs)-1]
	assert.Equal(t, agent.EventPermissionRequired, last.Status)
	assert.Equal(t, "dangerous_op", last.ActionName)
	assert.Equal(t, "x", last.ActionArgs["target"])
	assert.Nil(t, find(evs, agent.EventActionOutput), "no action runs without a grant")
}

func TestAskStreamResumeAfterGrant(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"actions": [{"name": "dangerous_op"}]}`},
		{content: "It is done."},
	}}
	h := newHarness(t, provider)
	h.installPlugin(t, "danger", `{
		"id": "danger", "name": "Danger", "version": "1.0.0",
		"actions": [{"name": "dangerous_op", "script": "run.sh", "type": "process"}]
	}`, `echo '{"status":"success","output":"done"}'`)

	ctx := context.Background()
	evs := collect(h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "do the thing"}))
	require.Equal(t, agent.EventPermissionRequired, evs[len(evs)-1].Status)

	require.NoError(t, h.perms.Grant(ctx, h.userID, "dangerous_op", models.ScopeSession, h.chatID))

	resumed := collect(h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "do the thing", ResumeAction: true}))
	output := find(resumed, agent.EventActionOutput)
	require.NotNil(t, output)
	assert.Equal(t, executor.StatusSuccess, output.ActionStatus)
	assert.Equal(t, "It is done.", resumed[len(resumed)-1].Content)

	// Resume ran the pending actions without regenerating the call.
	require.Len(t, provider.calls, 2)
}

func TestAskStreamParallelProgress(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"actions": [{"name": "slow_scan"}, {"name": "quick_fact"}]}`},
		{content: "Both done."},
	}}
	h := newHarness(t, provider)
	h.installPlugin(t, "scanner", `{
		"id": "scanner", "name": "Scanner", "version": "1.0.0",
		"actions": [{"name": "slow_scan", "script": "run.sh", "type": "process"}]
	}`, `
for i in 1 2 3 4; do
  echo "{\"status\":\"progress\",\"scanned\":$i}"
done
echo '{"status":"success","output":"scan complete"}'
`)
	h.installPlugin(t, "facts", `{
		"id": "facts", "name": "Facts", "version": "1.0.0",
		"actions": [{"name": "quick_fact", "script": "run.sh", "type": "process"}]
	}`, `echo '{"status":"success","output":"a fact"}'`)

	ctx := context.Background()
	require.NoError(t, h.perms.Grant(ctx, h.userID, "slow_scan", models.ScopeAlways, ""))
	require.NoError(t, h.perms.Grant(ctx, h.userID, "quick_fact", models.ScopeAlways, ""))

	evs := collect(h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "run both"}))

	var progress, outputs int
	for _, ev := range evs {
		if ev.Status == agent.EventStream && ev.Content != "" && ev.Content[0] == '[' {
			assert.Contains(t, ev.Content, "[slow_scan Progress]")
			progress++
		}
		if ev.Status == agent.EventActionOutput {
			outputs++
		}
	}
	assert.Equal(t, 4, progress, "every progress line is forwarded, labelled")
	assert.Equal(t, 2, outputs, "both actions report completion")
}

func TestAskStreamLoopBudget(t *testing.T) {
	// The model asks for the same action on every pass; the loop must
	// stop at the budget instead of spinning forever.
	loopJSON := `{"actions": [{"name": "noop"}]}`
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: loopJSON}, {content: loopJSON}, {content: loopJSON},
	}}
	h := newHarness(t, provider)
	h.orch.MaxLoops = 3
	h.installPlugin(t, "noop", `{
		"id": "noop", "name": "Noop", "version": "1.0.0",
		"actions": [{"name": "noop", "script": "run.sh", "type": "process"}]
	}`, `echo '{"status":"success","output":"ok"}'`)
	require.NoError(t, h.perms.Grant(context.Background(), h.userID, "noop", models.ScopeAlways, ""))

	evs := collect(h.orch.AskStream(context.Background(), AskInput{ChatID: h.chatID, Prompt: "loop"}))

	var loops int
	for _, ev := range evs {
		if ev.Status == agent.EventActionLoop {
			loops++
		}
	}
	assert.Equal(t, 2, loops, "loop events for iterations 2..max only")
	require.Len(t, provider.calls, 3)
}

func TestAskStreamReturnJSON(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "```json\n{\"message\": \"structured hi\", \"confidence\": 0.9}\n```"},
	}}
	h := newHarness(t, provider)

	evs := collect(h.orch.AskStream(context.Background(), AskInput{
		ChatID: h.chatID, Prompt: "give me JSON", ReturnJSON: true,
	}))

	jc := find(evs, agent.EventJSONContent)
	require.NotNil(t, jc)
	assert.Equal(t, "structured hi", jc.Message)
	assert.Equal(t, 0.9, jc.JSON["confidence"])
}

func TestAskStreamReturnJSONFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "sorry, no JSON here"},
	}}
	h := newHarness(t, provider)

	evs := collect(h.orch.AskStream(context.Background(), AskInput{
		ChatID: h.chatID, Prompt: "give me JSON", ReturnJSON: true,
	}))

	jc := find(evs, agent.EventJSONContent)
	require.NotNil(t, jc)
	assert.Equal(t, "sorry, no JSON here", jc.Message)
	assert.Empty(t, jc.JSON)
}

func TestAskStreamProviderError(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{err: fmt.Errorf("model overloaded")},
	}}
	h := newHarness(t, provider)

	evs := collect(h.orch.AskStream(context.Background(), AskInput{ChatID: h.chatID, Prompt: "hi"}))
	last := evs[len(evs)-1]
	assert.Equal(t, agent.EventError, last.Status)
	assert.Contains(t, last.Error, "model overloaded")
}

func TestAskStreamEphemeralChat(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "ephemeral answer"},
	}}
	h := newHarness(t, provider)

	// No chat id: the orchestrator mints one and never persists.
	evs := collect(h.orch.AskStream(context.Background(), AskInput{Prompt: "hi"}))
	require.NotEmpty(t, evs)
	assert.NotEmpty(t, evs[0].ChatID)
	assert.NotEqual(t, h.chatID, evs[0].ChatID)
}

func TestAskStreamPreRequestCache(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: "first"}, {content: "second"},
	}}
	h := newHarness(t, provider)

	// The pre-request action counts its invocations through a file.
	counter := filepath.Join(h.root, "count")
	h.installPlugin(t, "ctx", `{
		"id": "ctx", "name": "Context", "version": "1.0.0",
		"actions": [{"name": "gather_context", "script": "run.sh", "type": "process", "trigger": "pre_request", "cache_ttl": 300}]
	}`, fmt.Sprintf(`
echo x >> %s
echo '{"status":"success","output":"ambient context"}'
`, counter))

	ctx := context.Background()
	collect(h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "one"}))
	collect(h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "two"}))

	raw, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(raw), "fresh cache entry suppresses re-execution")

	// Both system prompts carried the gathered context.
	require.Len(t, provider.calls, 2)
	assert.Contains(t, provider.calls[0].SystemPrompt, "ambient context")
	assert.Contains(t, provider.calls[1].SystemPrompt, "ambient context")
	// Pre-request actions stay out of the visible catalogue.
	assert.NotContains(t, provider.calls[0].SystemPrompt, "- **gather_context**")
}

func TestAskStreamCancellationKillsAction(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedResponse{
		{content: `{"actions": [{"name": "long_run"}]}`},
	}}
	h := newHarness(t, provider)
	h.installPlugin(t, "long", `{
		"id": "long", "name": "Long", "version": "1.0.0",
		"actions": [{"name": "long_run", "script": "run.sh", "type": "process"}]
	}`, `
echo '{"status":"progress","message":"working"}'
sleep 30
`)
	require.NoError(t, h.perms.Grant(context.Background(), h.userID, "long_run", models.ScopeAlways, ""))

	ctx, cancel := context.WithCancel(context.Background())
	events := h.orch.AskStream(ctx, AskInput{ChatID: h.chatID, Prompt: "run long"})

	done := make(chan []agent.TurnEvent, 1)
	go func() { done <- collect(events) }()

	// Wait for the action to start, then pull the plug.
	time.Sleep(500 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not terminate after cancellation")
	}
}

func TestRunActionsReleasesPoolWhenConsumerQuits(t *testing.T) {
	provider := &scriptedProvider{}
	h := newHarness(t, provider)
	h.installPlugin(t, "chatty", `{
		"id": "chatty", "name": "Chatty", "version": "1.0.0",
		"actions": [{"name": "chatty_scan", "script": "run.sh", "type": "process"}]
	}`, `
i=0
while [ $i -lt 200 ]; do
  echo '{"status":"progress","message":"line"}'
  i=$((i+1))
done
sleep 30
`)
	require.NoError(t, h.orch.Registry.Scan())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A consumer that goes away on the first event, as a closed SSE
	// connection does. The supervisor exits with progress lines still
	// queuing up far past the channel buffer.
	send := func(agent.TurnEvent) bool { return false }

	done := make(chan struct{})
	go func() {
		h.orch.runActions(ctx, []ActionRequest{{Name: "chatty_scan"}}, h.userID, h.chatID, false, send)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runActions did not return after the consumer quit")
	}
	cancel()

	// The worker must not stay wedged on its undrained progress
	// backlog once the execution context dies.
	freed := make(chan struct{})
	go func() {
		h.orch.Pool.Shutdown()
		close(freed)
	}()
	select {
	case <-freed:
	case <-time.After(10 * time.Second):
		t.Fatal("pool slot wedged on progress backlog")
	}
}
