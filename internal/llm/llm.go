// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged turn sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// System returns a system turn.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user turn.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model when non-empty.
	Model string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	// Zero leaves the provider default in place.
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response. Zero means no limit.
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends the conversation to the LLM and returns the complete response.
	// It blocks until the full response is received or an error occurs.
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

	// GenerateStream sends the conversation to the LLM and returns a channel that streams
	// response chunks as they are generated. The channel is closed when generation
	// completes or an error occurs. Callers should check StreamChunk.Error and
	// StreamChunk.Done to detect completion and errors.
	GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error)

	// ModelName returns the default model identifier.
	ModelName() string
}
