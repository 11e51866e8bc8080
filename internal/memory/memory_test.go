package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/llmcap"
)

type fakeLLM struct{ response string }

func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) Chat(ctx context.Context, req llmcap.ChatRequest) (llmcap.ChatResult, error) {
	return llmcap.ChatResult{Content: f.response}, nil
}
func (f *fakeLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return nil, nil
}

func TestSaveTurnThenLoadMessagesPreservesOrder(t *testing.T) {
	m := New(NewInMemory(), &fakeLLM{}, "test-model")
	ctx := context.Background()
	_, err := m.CreateOrGetSession(ctx, "s1", "")
	require.NoError(t, err)

	require.NoError(t, m.SaveTurn(ctx, "s1", []Message{{Role: "user", Content: "first"}, {Role: "assistant", Content: "reply one"}}))
	require.NoError(t, m.SaveTurn(ctx, "s1", []Message{{Role: "user", Content: "second"}, {Role: "assistant", Content: "reply two"}}))

	msgs, err := m.LoadMessages(ctx, "s1", 100000)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "reply two", msgs[3].Content)
}

func TestLoadMessagesFiltersToolResultParts(t *testing.T) {
	m := New(NewInMemory(), &fakeLLM{}, "test-model")
	ctx := context.Background()
	_, _ = m.CreateOrGetSession(ctx, "s1", "")
	require.NoError(t, m.SaveTurn(ctx, "s1", []Message{
		{Role: "user", Content: "question"},
		{Role: "tool", Content: "raw tool output", Parts: []string{"tool-result"}},
	}))
	msgs, err := m.LoadMessages(ctx, "s1", 100000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "question", msgs[0].Content)
}

func TestSummarizeReusesBelowThreshold(t *testing.T) {
	m := New(NewInMemory(), &fakeLLM{response: "a summary"}, "test-model")
	ctx := context.Background()
	_, _ = m.CreateOrGetSession(ctx, "s1", "")
	require.NoError(t, m.SaveTurn(ctx, "s1", []Message{{Role: "user", Content: "hi"}}))

	first, err := m.Summarize(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "a summary", first)

	second, err := m.Summarize(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMergeContextMetadataDedupes(t *testing.T) {
	m := New(NewInMemory(), &fakeLLM{}, "test-model")
	ctx := context.Background()
	_, _ = m.CreateOrGetSession(ctx, "s1", "")
	require.NoError(t, m.MergeContextMetadata(ctx, "s1", ContextMetadata{Topics: []string{"gdpr", "gdpr"}}))
	require.NoError(t, m.MergeContextMetadata(ctx, "s1", ContextMetadata{Topics: []string{"gdpr", "privacidad"}}))

	session, err := m.store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"gdpr", "privacidad"}, session.ContextMetadata.Topics)
}
