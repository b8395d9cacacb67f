// Package agent defines the streaming provider contract and the turn
// event vocabulary shared by the orchestrator and its transports.
package agent

import (
	"context"

	"github.com/genesis-bot/genesis/pkg/models"
)

// GenerateInput is one model invocation: a system prompt plus the
// conversation so far.
type GenerateInput struct {
	SystemPrompt string
	Messages     []models.Message
	UseThinking  bool
}

// Provider streams a model response. Implementations must emit all
// thinking chunks before the first content chunk, send at most one
// ErrorChunk as their final chunk, close the channel when done, and
// honour ctx cancellation at chunk boundaries.
type Provider interface {
	Generate(ctx context.Context, in *GenerateInput) (<-chan Chunk, error)
}

// MissingCredentialError is implemented by provider errors that mean
// "no API key yet"; the orchestrator turns these into a request_key
// pause instead of a failure.
type MissingCredentialError interface {
	error
	MissingCredential() string // env var or key-store name that would fix it
}

// Chunk is one streamed fragment of a model response. The concrete
// types below are the only implementations.
type Chunk interface {
	isChunk()
}

// ThinkingChunk carries a fragment of the model's reasoning trace.
type ThinkingChunk struct {
	Text string
}

// ThinkingFinishedChunk marks the reasoning/content boundary and
// carries the full accumulated trace.
type ThinkingFinishedChunk struct {
	Trace string
}

// ContentChunk carries a fragment of the user-visible answer.
type ContentChunk struct {
	Text string
}

// ErrorChunk terminates a stream with a provider-side failure.
type ErrorChunk struct {
	Err error
}

func (ThinkingChunk) isChunk()         {}
func (ThinkingFinishedChunk) isChunk() {}
func (ContentChunk) isChunk()          {}
func (ErrorChunk) isChunk()            {}
