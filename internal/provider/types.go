package provider

import (
	"context"
	"time"
)

// Gateway is the text-generation capability the engine depends on: given a
// system prompt and a list of role-tagged messages, produce a reply, either
// whole or as an incremental stream.
type Gateway interface {
	// Generate blocks until the full reply is available.
	Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// GenerateStream returns a finite, non-restartable sequence of reply
	// increments. The channel is closed after the final chunk.
	GenerateStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// TestConnection probes the provider and reports a health descriptor.
	TestConnection(ctx context.Context) *ConnectionInfo
	// Info describes the configured provider without touching the network.
	Info() ProviderInfo
}

// ChatRequest carries an assembled context window to the provider.
type ChatRequest struct {
	SystemPrompt string
	Messages     []Message
}

// Message is one role-tagged entry of the context window. Role is "assistant"
// for the current speaker's own prior messages and "user" for everything else.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a completed, non-streamed reply.
type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// StreamChunk is one increment of a streamed reply. Done marks the end of the
// stream; Err reports a mid-stream failure (the channel closes after either).
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderInfo identifies the configured backend.
type ProviderInfo struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// ConnectionInfo is the result of a connectivity probe.
type ConnectionInfo struct {
	Success  bool           `json:"success"`
	Provider string         `json:"provider"`
	Details  map[string]any `json:"details"`
	Error    string         `json:"error,omitempty"`
}

// Options configures an OpenAI-compatible provider instance.
type Options struct {
	Provider         string // "vllm", "openai", "ollama"
	Endpoint         string
	APIKey           string
	Model            string
	MaxTokens        int
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	// FlattenMessages folds the system prompt and all history into a single
	// user message, for backends that mishandle multi-role transcripts.
	FlattenMessages bool
	Timeout         time.Duration
}
