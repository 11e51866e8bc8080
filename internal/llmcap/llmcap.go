// Package llmcap defines the provider-agnostic LLM capability: chat with
// JSON-mode output, and batch embeddings. Every concrete adapter routes
// its outbound calls through the shared *ratelimit.Limiter passed to its
// constructor.
package llmcap

import "context"

// Usage reports token accounting for a single chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ChatRequest is the input contract for a single chat call.
type ChatRequest struct {
	Model        string
	Messages     []ChatMessage
	Temperature  float64
	JSONMode     bool // response_format = json_object
	MaxTokens    int
	SystemPrompt string
}

// ChatMessage is one turn in a chat call. Role is "system"|"user"|"assistant".
type ChatMessage struct {
	Role    string
	Content string
}

// ChatResult is the output contract for a single chat call.
type ChatResult struct {
	Content string
	Usage   Usage
}

// Capability is the LLM capability interface any provider (Anthropic,
// OpenAI, Gemini) must implement: chat with optional JSON-mode, and batch
// embeddings. Implementations must return a *ratelimit.RateLimitError for
// provider rate-limit signals so the shared wrapper can apply the right
// backoff.
type Capability interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
	Name() string
}
