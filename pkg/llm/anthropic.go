package llm

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/genesis-bot/genesis/pkg/agent"
	"github.com/genesis-bot/genesis/pkg/config"
	"github.com/genesis-bot/genesis/pkg/models"
)

const (
	anthropicMaxTokens      = 8192
	anthropicThinkingBudget = 4096
)

// AnthropicProvider streams responses through the official SDK,
// mapping thinking deltas and text deltas onto the two-phase chunk
// contract.
type AnthropicProvider struct {
	client sdk.Client
	model  string
}

// NewAnthropicProvider creates a provider for the given model config.
func NewAnthropicProvider(cfg config.ModelConfig, apiKey string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: sdk.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Generate implements agent.Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, in *agent.GenerateInput) (<-chan agent.Chunk, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  encodeMessages(in.Messages),
	}
	if in.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: in.SystemPrompt}}
	}
	if in.UseThinking {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(anthropicThinkingBudget)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan agent.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()

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

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(sdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			switch d := delta.Delta.AsAny().(type) {
			case sdk.ThinkingDelta:
				thinking += d.Thinking
				if !emit(ctx, out, agent.ThinkingChunk{Text: d.Thinking}) {
					return
				}
			case sdk.TextDelta:
				if !finishThinking() {
					return
				}
				if !emit(ctx, out, agent.ContentChunk{Text: d.Text}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(ctx, out, agent.ErrorChunk{Err: fmt.Errorf("anthropic stream failed: %w", err)})
			return
		}
		finishThinking()
	}()
	return out, nil
}

// emit sends a chunk unless the turn was cancelled.
func emit(ctx context.Context, out chan<- agent.Chunk, c agent.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func encodeMessages(msgs []models.Message) []sdk.MessageParam {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser, models.RoleSystem:
			// System items in chat history (action outputs) travel as
			// user turns; the real system prompt goes out-of-band.
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return conversation
}
