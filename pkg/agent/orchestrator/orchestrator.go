package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/executor"
	"github.com/genesis-bot/genesis/pkg/llm"
	"github.com/genesis-bot/genesis/pkg/models"
	"github.com/genesis-bot/genesis/pkg/plugins"
	"github.com/genesis-bot/genesis/pkg/prompt"
	"github.com/genesis-bot/genesis/pkg/services"
)

const (
	// DefaultMaxLoops bounds reason-act iterations per turn.
	DefaultMaxLoops = 5

	// continuationPrompt triggers the summary pass after actions ran.
	continuationPrompt = "Actions executed. Please formulate the response."

	// outputTruncateLen bounds action output carried in turn events.
	outputTruncateLen = 500

	// keyWaitAttempts at 1 Hz bounds the request_key pause.
	keyWaitAttempts = 60
)

// ProviderResolver yields a provider for a model id. *llm.Factory is
// the production implementation; tests script their own.
type ProviderResolver interface {
	Provider(modelID string) (agent.Provider, error)
	Invalidate(modelID string)
}

// Orchestrator drives turns end to end. All dependencies are explicit;
// one orchestrator is shared by the HTTP API, the CLI, and the
// scheduler.
type Orchestrator struct {
	Chats    *services.ChatService
	Users    *services.UserService
	Perms    *services.PermissionService
	RawLog   *services.RawLogService
	Registry *plugins.Registry
	Engine   *executor.Engine
	Pool     *executor.Pool
	Cache    *executor.Cache
	Prompts  *prompt.Library
	Provider ProviderResolver
	Keys     *llm.KeyStore
	Settings *config.Settings

	MaxLoops int

	mu         sync.Mutex
	activeExec map[string]string // chatID -> executionID, for UI cancel
}

// AskInput is one turn request.
type AskInput struct {
	ChatID       string
	Prompt       string
	UseThinking  bool
	Priority     string
	ReturnJSON   bool
	PromptID     string
	ResumeAction bool

	// Overrides used by the scheduler and tests.
	SystemPromptOverride string
	HistoryOverride      []models.Message
}

type progressMsg struct {
	action string
	data   map[string]any
}

// AskStream runs one turn and streams its events. The channel closes
// on final answer, fatal error, or permission pause. Cancellation via
// ctx stops generation at the next chunk and kills running actions.
func (o *Orchestrator) AskStream(ctx context.Context, in AskInput) <-chan agent.TurnEvent {
	events := make(chan agent.TurnEvent, 64)
	go func() {
		defer close(events)
		o.run(ctx, in, events)
	}()
	return events
}

// CancelActive kills the action currently executing for a chat.
func (o *Orchestrator) CancelActive(chatID string) bool {
	o.mu.Lock()
	execID := o.activeExec[chatID]
	o.mu.Unlock()
	if execID == "" {
		return false
	}
	return o.Engine.Cancel(execID)
}

func (o *Orchestrator) maxLoops() int {
	if o.MaxLoops > 0 {
		return o.MaxLoops
	}
	return DefaultMaxLoops
}

func (o *Orchestrator) run(ctx context.Context, in AskInput, events chan<- agent.TurnEvent) {
	chatID := in.ChatID
	if chatID == "" {
		chatID = uuid.New().String()
	}
	send := func(ev agent.TurnEvent) bool {
		ev.ChatID = chatID
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	userID, err := o.Chats.Owner(ctx, chatID)
	if err != nil {
		slog.Warn("Chat owner lookup failed", "chat_id", chatID, "error", err)
	}
	persist := false
	if _, err := o.Chats.Get(ctx, chatID); err == nil {
		persist = true
	}

	provider, ok := o.resolveProvider(ctx, userID, send)
	if !ok {
		return
	}

	applyPriority(in.Priority)

	// Newly installed plugins become visible at turn boundaries.
	if err := o.Registry.Scan(); err != nil {
		slog.Warn("Plugin rescan failed", "error", err)
	}
	if userID != 0 {
		if err := o.Registry.ScanUser(userID); err != nil {
			slog.Warn("User plugin rescan failed", "user_id", userID, "error", err)
		}
	}

	var placeholderID int64
	if persist {
		if !in.ResumeAction {
			if _, err := o.Chats.AppendItem(ctx, chatID, models.RoleUser, in.Prompt, ""); err != nil {
				slog.Warn("Failed to persist user message", "chat_id", chatID, "error", err)
			}
		}
		placeholderID, err = o.Chats.AppendItem(ctx, chatID, models.RoleAssistant, "", "")
		if err != nil {
			slog.Warn("Failed to create assistant placeholder", "chat_id", chatID, "error", err)
			placeholderID = 0
		}
	}

	actionData := o.gatherPreRequestData(ctx, userID, chatID)

	identity, err := config.BotIdentity(o.Settings.BotDataDir, userID)
	if err != nil {
		slog.Warn("Failed to load bot identity", "user_id", userID, "error", err)
		identity = prompt.Identity{Name: "Genesis AI"}
	}

	visibleActions := o.Registry.ActionsForUser(userID)
	systemPrompt := in.SystemPromptOverride
	if systemPrompt == "" {
		systemPrompt = o.Prompts.BuildSystemPrompt(prompt.BuildInput{
			PromptID:    in.PromptID,
			Identity:    identity,
			UserMessage: in.Prompt,
			ActionData:  actionData,
			Actions:     visibleActions,
		})
	}

	history := in.HistoryOverride
	if history == nil {
		history = o.loadHistory(ctx, chatID)
	}

	currentPrompt := in.Prompt
	var resumeReqs []ActionRequest
	if in.ResumeAction {
		resumeReqs = o.extractResumeActions(ctx, chatID)
		if len(resumeReqs) == 0 {
			slog.Warn("Resume requested but no pending actions found", "chat_id", chatID)
		}
	}

	var (
		contentBuf  string
		thinkingBuf string
	)
	for loop := 0; loop < o.maxLoops(); loop++ {
		if loop > 0 {
			if !send(agent.TurnEvent{Status: agent.EventActionLoop, Loop: loop + 1, MaxLoops: o.maxLoops()}) {
				return
			}
		}

		var reqs []ActionRequest
		if len(resumeReqs) > 0 {
			reqs = resumeReqs
			resumeReqs = nil
			if !send(agent.TurnEvent{Status: agent.EventContent, Chunk: "\n\n[System] Resuming Actions...\n"}) {
				return
			}
		} else {
			o.writeRawLog(ctx, chatID, userID, systemPrompt, history, models.RawLogResponse{
				Role:    models.RoleUser,
				Content: currentPrompt,
			})

			msgs := append(append([]models.Message{}, history...), models.Message{Role: models.RoleUser, Content: currentPrompt})
			contentBuf, thinkingBuf, ok = o.generate(ctx, provider, systemPrompt, msgs, in.UseThinking, placeholderID, send)
			if !ok {
				return
			}

			o.writeRawLog(ctx, chatID, userID, systemPrompt, msgs, models.RawLogResponse{
				Role:     models.RoleAssistant,
				Content:  contentBuf,
				Thinking: thinkingBuf,
			})

			if strings.TrimSpace(contentBuf) != "" {
				history = append(history, models.Message{Role: models.RoleAssistant, Content: contentBuf})
			}
			reqs = ParseActions(contentBuf)
		}

		if len(reqs) == 0 {
			o.finishJSON(in.ReturnJSON, contentBuf, send)
			return
		}

		names := make([]string, len(reqs))
		for i, r := range reqs {
			names[i] = r.Name
		}
		if !send(agent.TurnEvent{Status: agent.EventActionDetected, Actions: names}) {
			return
		}
		if !send(agent.TurnEvent{Status: agent.EventContent, Chunk: fmt.Sprintf("\n\n[System] Executing %d actions...\n", len(reqs))}) {
			return
		}

		// Any ungranted action pauses the whole turn; the stored
		// assistant content lets a later resumeAction pick it up.
		for _, req := range reqs {
			granted, err := o.Perms.Check(ctx, userID, req.Name, chatID)
			if err != nil {
				slog.Warn("Permission check failed", "action", req.Name, "error", err)
			}
			if !granted {
				send(agent.TurnEvent{
					Status:     agent.EventPermissionRequired,
					ActionName: req.Name,
					ActionArgs: req.Args,
				})
				return
			}
		}

		observations, ok := o.runActions(ctx, reqs, userID, chatID, persist, send)
		if !ok {
			return
		}

		systemPrompt = o.Prompts.BuildSystemPrompt(prompt.BuildInput{
			PromptID:    prompt.ActionFormaterID,
			Identity:    identity,
			UserMessage: in.Prompt,
			ActionData:  strings.Join(observations, "\n"),
			Actions:     visibleActions,
		})
		currentPrompt = continuationPrompt
	}

	// Loop budget exhausted; whatever streamed last stands as the
	// answer.
	o.finishJSON(in.ReturnJSON, contentBuf, send)
}

// resolveProvider picks the user's preferred model and handles the
// missing-key pause: request_key, poll the store at 1 Hz for up to a
// minute, then resume or fail.
func (o *Orchestrator) resolveProvider(ctx context.Context, userID int64, send func(agent.TurnEvent) bool) (agent.Provider, bool) {
	var preferred string
	if userID != 0 {
		if u, err := o.Users.Get(ctx, userID); err == nil {
			preferred = u.PreferredModel
		}
	}

	provider, err := o.Provider.Provider(preferred)
	if err == nil {
		return provider, true
	}

	var missing agent.MissingCredentialError
	if !errors.As(err, &missing) {
		send(agent.TurnEvent{Status: agent.EventError, Error: err.Error()})
		return nil, false
	}

	keyName := missing.MissingCredential()
	if !send(agent.TurnEvent{
		Status:   agent.EventRequestKey,
		Provider: keyName,
		Message:  fmt.Sprintf("API key %s is missing. Please enter it to continue.", keyName),
	}) {
		return nil, false
	}

	for i := 0; i < keyWaitAttempts; i++ {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, false
		}
		if o.Keys.Resolve(keyName) == "" {
			continue
		}
		o.Provider.Invalidate(preferred)
		provider, err = o.Provider.Provider(preferred)
		if err != nil {
			send(agent.TurnEvent{Status: agent.EventError, Error: err.Error()})
			return nil, false
		}
		send(agent.TurnEvent{Status: agent.EventInfo, Message: "Key received. Resuming..."})
		return provider, true
	}

	send(agent.TurnEvent{Status: agent.EventError, Error: "Timed out waiting for API Key."})
	return nil, false
}

// gatherPreRequestData runs pre-request actions under the
// stale-while-revalidate cache and aggregates their outputs.
func (o *Orchestrator) gatherPreRequestData(ctx context.Context, userID int64, chatID string) string {
	var lines []string
	for _, ref := range o.Registry.TriggeredActions(userID, plugins.TriggerPreRequest) {
		ref := ref
		name := ref.Name()
		ttl := time.Duration(ref.Action.CacheTTL) * time.Second

		var data any
		if cached, ok := o.Cache.Get(name, userID, ttl); ok {
			data = cached
		} else if o.Cache.IsStale(name, userID, ttl) {
			data, _ = o.Cache.GetStale(name, userID)
			o.Pool.Submit(func() executor.Result {
				res := o.Engine.Execute(context.WithoutCancel(ctx), ref, nil, executor.ExecContext{UserID: userID, ChatID: chatID}, nil)
				if res.Status == executor.StatusSuccess {
					o.Cache.Set(name, userID, res.Output, ttl)
				}
				return res
			})
		} else {
			res := o.Engine.Execute(ctx, ref, nil, executor.ExecContext{UserID: userID, ChatID: chatID}, nil)
			if res.Status != executor.StatusSuccess {
				slog.Warn("Pre-request action failed", "action", name, "error", res.Error)
				continue
			}
			data = res.Output
			o.Cache.Set(name, userID, data, ttl)
		}

		lines = append(lines, fmt.Sprintf("[Action Output: %s] %s", name, stringifyOutput(data)))
	}
	return strings.Join(lines, "\n")
}

// generate streams one model invocation, mirroring chunks into turn
// events and the placeholder chat item.
func (o *Orchestrator) generate(ctx context.Context, provider agent.Provider, systemPrompt string, msgs []models.Message, useThinking bool, placeholderID int64, send func(agent.TurnEvent) bool) (content, thinking string, ok bool) {
	chunks, err := provider.Generate(ctx, &agent.GenerateInput{
		SystemPrompt: systemPrompt,
		Messages:     msgs,
		UseThinking:  useThinking,
	})
	if err != nil {
		send(agent.TurnEvent{Status: agent.EventError, Error: err.Error()})
		return "", "", false
	}

	for c := range chunks {
		switch c := c.(type) {
		case agent.ThinkingChunk:
			thinking += c.Text
			if !send(agent.TurnEvent{Status: agent.EventThinking, Chunk: c.Text}) {
				return "", "", false
			}
			o.updateItem(ctx, placeholderID, nil, &thinking)
		case agent.ThinkingFinishedChunk:
			if c.Trace != "" {
				thinking = c.Trace
			}
			if !send(agent.TurnEvent{Status: agent.EventThinkingFinished, Thinking: thinking}) {
				return "", "", false
			}
			o.updateItem(ctx, placeholderID, nil, &thinking)
		case agent.ContentChunk:
			content += c.Text
			if !send(agent.TurnEvent{Status: agent.EventStream, Content: c.Text}) {
				return "", "", false
			}
			o.updateItem(ctx, placeholderID, &content, nil)
		case agent.ErrorChunk:
			send(agent.TurnEvent{Status: agent.EventError, Error: c.Err.Error()})
			return "", "", false
		}
	}
	return content, thinking, true
}

// runActions dispatches the permitted requests on the shared pool and
// supervises them: progress updates stream out while completions are
// polled, each yielding an action_output event and a system chat item.
func (o *Orchestrator) runActions(ctx context.Context, reqs []ActionRequest, userID int64, chatID string, persist bool, send func(agent.TurnEvent) bool) ([]string, bool) {
	progressCh := make(chan progressMsg, 64)
	futures := make(map[string]*executor.Future, len(reqs))
	var observations []string

	for _, req := range reqs {
		req := req
		ref, ok := o.Registry.Resolve(userID, req.Name)
		if !ok {
			observations = append(observations, fmt.Sprintf("Action '%s' Failed: unknown action", req.Name))
			if !send(agent.TurnEvent{Status: agent.EventActionOutput, ActionName: req.Name, ActionStatus: executor.StatusError, Output: "unknown action"}) {
				return nil, false
			}
			continue
		}

		execID := uuid.New().String()
		o.mu.Lock()
		o.activeExec[chatID] = execID
		o.mu.Unlock()

		name := req.Name
		futures[name] = o.Pool.Submit(func() executor.Result {
			return o.Engine.Execute(ctx, ref, req.Args, executor.ExecContext{
				UserID:      userID,
				ChatID:      chatID,
				ExecutionID: execID,
			}, func(update map[string]any) {
				// The supervisor may have exited on ctx.Done with the
				// buffer full; never let a chatty plugin wedge its
				// pool slot.
				select {
				case progressCh <- progressMsg{action: name, data: update}:
				case <-ctx.Done():
				}
			})
		})
	}

	defer func() {
		o.mu.Lock()
		delete(o.activeExec, chatID)
		o.mu.Unlock()
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for len(futures) > 0 {
		select {
		case msg := <-progressCh:
			if !o.forwardProgress(msg, send) {
				return nil, false
			}
		case <-ticker.C:
			for name, fut := range futures {
				if !fut.Ready() {
					continue
				}
				// Drain progress emitted before the future sealed so
				// no update trails its action_output.
				for drained := true; drained; {
					select {
					case msg := <-progressCh:
						if !o.forwardProgress(msg, send) {
							return nil, false
						}
					default:
						drained = false
					}
				}
				delete(futures, name)
				obs, ok := o.reportResult(ctx, name, fut.Result(), chatID, persist, send)
				if !ok {
					return nil, false
				}
				observations = append(observations, obs)
			}
		case <-ctx.Done():
			return nil, false
		}
	}
	return observations, true
}

func (o *Orchestrator) forwardProgress(msg progressMsg, send func(agent.TurnEvent) bool) bool {
	if msg.data["status"] == "match" {
		return send(agent.TurnEvent{Status: agent.EventActionUpdate, Type: "match", Data: msg.data})
	}

	var text string
	if scanned, ok := msg.data["scanned"]; ok {
		text = fmt.Sprintf("Scanned %v items...", scanned)
	} else if m, ok := msg.data["message"].(string); ok {
		text = m
	}
	if text == "" {
		return true
	}
	return send(agent.TurnEvent{Status: agent.EventStream, Content: fmt.Sprintf("[%s Progress]: %s\n", msg.action, text)})
}

func (o *Orchestrator) reportResult(ctx context.Context, name string, res executor.Result, chatID string, persist bool, send func(agent.TurnEvent) bool) (string, bool) {
	var obsText string
	if res.Status == executor.StatusSuccess {
		obsText = stringifyOutput(res.Output)
	} else {
		obsText = "Error: " + res.Error
		if res.PartialOutput != "" {
			obsText += " [Partial Output]: " + res.PartialOutput
		}
	}

	observation := fmt.Sprintf("Action '%s' Result: %s", name, obsText)
	if persist {
		if _, err := o.Chats.AppendItem(ctx, chatID, models.RoleSystem, fmt.Sprintf("[Action Output: %s] %s", name, obsText), ""); err != nil {
			slog.Warn("Failed to persist action output", "action", name, "error", err)
		}
	}

	truncated := obsText
	if len(truncated) > outputTruncateLen {
		truncated = truncated[:outputTruncateLen]
	}
	ok := send(agent.TurnEvent{
		Status:       agent.EventActionOutput,
		ActionName:   name,
		ActionStatus: res.Status,
		Output:       truncated,
	})
	return observation, ok
}

// finishJSON emits the structured terminal event when the caller asked
// for JSON; plain turns let the streamed content stand.
func (o *Orchestrator) finishJSON(returnJSON bool, content string, send func(agent.TurnEvent) bool) {
	if !returnJSON {
		return
	}
	parsed := ExtractJSON(content)
	if parsed == nil {
		send(agent.TurnEvent{Status: agent.EventJSONContent, Message: content, JSON: map[string]any{}})
		return
	}
	msg, _ := parsed["message"].(string)
	if msg == "" {
		msg = content
	}
	reason, _ := parsed["reason"].(string)
	send(agent.TurnEvent{Status: agent.EventJSONContent, Message: msg, JSON: parsed, Reason: reason})
}

func (o *Orchestrator) loadHistory(ctx context.Context, chatID string) []models.Message {
	items, err := o.Chats.Items(ctx, chatID)
	if err != nil {
		slog.Warn("Failed to load chat history", "chat_id", chatID, "error", err)
		return nil
	}
	var history []models.Message
	for _, it := range items {
		// System items (action outputs) and in-flight placeholders are
		// carried via the system prompt, not the conversation.
		if it.Role == models.RoleSystem || strings.TrimSpace(it.Content) == "" {
			continue
		}
		history = append(history, models.Message{Role: it.Role, Content: it.Content})
	}
	return history
}

// extractResumeActions re-parses the latest non-empty assistant item
// for the tool requests a permission pause left pending.
func (o *Orchestrator) extractResumeActions(ctx context.Context, chatID string) []ActionRequest {
	items, err := o.Chats.Items(ctx, chatID)
	if err != nil {
		return nil
	}
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Role == models.RoleAssistant && strings.TrimSpace(it.Content) != "" {
			return ParseActions(it.Content)
		}
	}
	return nil
}

func (o *Orchestrator) updateItem(ctx context.Context, itemID int64, content, thinking *string) {
	if itemID == 0 {
		return
	}
	if err := o.Chats.UpdateItem(ctx, itemID, content, thinking); err != nil {
		slog.Warn("Failed to update streaming chat item", "item_id", itemID, "error", err)
	}
}

func (o *Orchestrator) writeRawLog(ctx context.Context, chatID string, userID int64, systemPrompt string, history []models.Message, resp models.RawLogResponse) {
	if o.RawLog == nil {
		return
	}
	modelCfg := map[string]any{}
	if o.Settings != nil {
		m := o.Settings.Model("")
		modelCfg = map[string]any{"id": m.ID, "provider": m.Provider, "model": m.Model}
	}
	o.RawLog.Write(ctx, models.RawLogEntry{
		Timestamp:      time.Now().UTC(),
		ChatID:         chatID,
		UserID:         userID,
		ModelConfig:    modelCfg,
		SystemPrompt:   systemPrompt,
		HistoryContext: history,
		Response:       resp,
	})
}

func stringifyOutput(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(raw)
}

// NewOrchestrator wires an orchestrator from its parts. dataDir roots
// the raw history mirror; see config.Settings for the defaults.
func NewOrchestrator(chats *services.ChatService, users *services.UserService, perms *services.PermissionService, rawlog *services.RawLogService, registry *plugins.Registry, engine *executor.Engine, pool *executor.Pool, cache *executor.Cache, prompts *prompt.Library, provider ProviderResolver, keys *llm.KeyStore, settings *config.Settings) *Orchestrator {
	return &Orchestrator{
		Chats:      chats,
		Users:      users,
		Perms:      perms,
		RawLog:     rawlog,
		Registry:   registry,
		Engine:     engine,
		Pool:       pool,
		Cache:      cache,
		Prompts:    prompts,
		Provider:   provider,
		Keys:       keys,
		Settings:   settings,
		MaxLoops:   settings.MaxLoops,
		activeExec: make(map[string]string),
	}
}

// PromptOverridePath returns the conventional location of the prompt
// override file under the data directory.
func PromptOverridePath(dataDir string) string {
	return filepath.Join(dataDir, "prompts.json")
}
