package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/models"
)

// OpenAICompatProvider speaks the OpenAI chat-completions SSE dialect,
// which most local inference servers expose. Reasoning-capable models
// stream their trace in the delta's reasoning_content field; it is
// mapped to thinking chunks ahead of the content phase.
type OpenAICompatProvider struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompatProvider creates a provider for the given model
// config. An empty API key is allowed for unauthenticated local
// servers.
func NewOpenAICompatProvider(cfg config.ModelConfig, apiKey string) *OpenAICompatProvider {
	return &OpenAICompatProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

type chatDelta struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate implements agent.Provider.
func (p *OpenAICompatProvider) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	msgs := make([]models.Message, 0, len(in.Messages)+1)
	if in.SystemPrompt != "" {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: in.SystemPrompt})
	}
	for _, m := range in.Messages {
		role := m.Role
		if role == models.RoleSystem {
			// Mid-conversation system items (action outputs) are not
			// accepted by every server; send them as user turns.
			role = models.RoleUser
		}
		msgs = append(msgs, models.Message{Role: role, Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{Model: p.model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("chat request failed: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	out := make(chan agent.Chunk, 32)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var (
			thinking         string
			thinkingFinished bool
		)
		// Emitted exactly once per stream, before the first content
		// chunk. An empty trace marks the boundary when the model never
		// thought.
		finishThinking := func() bool {
			if thinkingFinished {
				return true
			}
			thinkingFinished = true
			return emit(ctx, out, agent.ThinkingFinishedChunk{Trace: thinking})
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var delta chatDelta
			if err := json.Unmarshal([]byte(payload), &delta); err != nil || len(delta.Choices) == 0 {
				continue
			}
			d := delta.Choices[0].Delta
			if d.ReasoningContent != "" && in.UseThinking {
				thinking += d.ReasoningContent
				if !emit(ctx, out, agent.ThinkingChunk{Text: d.ReasoningContent}) {
					return
				}
			}
			if d.Content != "" {
				if !finishThinking() {
					return
				}
				if !emit(ctx, out, agent.ContentChunk{Text: d.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(ctx, out, agent.ErrorChunk{Err: fmt.Errorf("chat stream read failed: %w", err)})
			return
		}
		finishThinking()
	}()
	return out, nil
}
