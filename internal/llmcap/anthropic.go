package llmcap

import (
	"context"
	"fmt"

	"regdocqa/internal/llm"
	"regdocqa/internal/llm/anthropic"
	"regdocqa/internal/ratelimit"
)

// AnthropicAdapter implements Capability on top of the Anthropic client in
// internal/llm/anthropic. Anthropic has no native JSON response-format
// flag, so JSON mode is requested via an explicit system-prompt
// instruction; callers already run local JSON repair on every response.
type AnthropicAdapter struct {
	chat    *anthropic.Client
	embedFn EmbedFunc
	limiter *ratelimit.Limiter
}

func NewAnthropicAdapter(chat *anthropic.Client, limiter *ratelimit.Limiter, embed EmbedFunc) *AnthropicAdapter {
	return &AnthropicAdapter{chat: chat, embedFn: embed, limiter: limiter}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	sys := req.SystemPrompt
	if req.JSONMode {
		sys += "\n\nRespond with a single valid JSON object and nothing else. No markdown fences."
	}
	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	if sys != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	out, err := ratelimit.Execute(ctx, a.limiter, "anthropic.chat", func(ctx context.Context) (llm.Message, error) {
		return a.chat.Chat(ctx, msgs, nil, req.Model)
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("anthropic chat: %w", err)
	}
	return ChatResult{Content: out.Content}, nil
}

func (a *AnthropicAdapter) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if a.embedFn == nil {
		return nil, fmt.Errorf("anthropic adapter: no embedding backend configured")
	}
	return ratelimit.Execute(ctx, a.limiter, "anthropic.embed", func(ctx context.Context) ([][]float32, error) {
		return a.embedFn(ctx, model, inputs)
	})
}
