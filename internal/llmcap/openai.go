package llmcap

import (
	"context"
	"fmt"

	"regdocqa/internal/llm"
	"regdocqa/internal/llm/openai"
	"regdocqa/internal/ratelimit"
)

// EmbedFunc performs the actual embedding HTTP call, keeping this adapter
// decoupled from the exact config.EmbeddingConfig shape (bound in
// cmd/ragserver to embedding.EmbedText).
type EmbedFunc func(ctx context.Context, model string, inputs []string) ([][]float32, error)

// OpenAIAdapter implements Capability on top of the OpenAI chat client in
// internal/llm/openai and an injected embedding function, both routed
// through a shared rate limiter.
type OpenAIAdapter struct {
	chat     *openai.Client
	embedFn  EmbedFunc
	limiter  *ratelimit.Limiter
	embModel string
}

// NewOpenAIAdapter builds an adapter. embed performs the actual embedding
// HTTP call (see cmd/ragserver wiring, which binds it to
// embedding.EmbedText).
func NewOpenAIAdapter(chat *openai.Client, limiter *ratelimit.Limiter, embed EmbedFunc, embedModel string) *OpenAIAdapter {
	return &OpenAIAdapter{chat: chat, limiter: limiter, embedFn: embed, embModel: embedModel}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	msgs := toLLMMessages(req)
	extra := map[string]any{}
	if req.Temperature > 0 {
		extra["temperature"] = req.Temperature
	}
	if req.JSONMode {
		extra["response_format"] = map[string]string{"type": "json_object"}
	}
	if req.MaxTokens > 0 {
		extra["max_tokens"] = req.MaxTokens
	}
	out, err := ratelimit.Execute(ctx, a.limiter, "openai.chat", func(ctx context.Context) (llm.Message, error) {
		return a.chat.ChatWithOptions(ctx, msgs, nil, req.Model, extra)
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("openai chat: %w", err)
	}
	return ChatResult{Content: out.Content}, nil
}

func (a *OpenAIAdapter) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = a.embModel
	}
	return ratelimit.Execute(ctx, a.limiter, "openai.embed", func(ctx context.Context) ([][]float32, error) {
		return a.embedFn(ctx, model, inputs)
	})
}

func toLLMMessages(req ChatRequest) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
