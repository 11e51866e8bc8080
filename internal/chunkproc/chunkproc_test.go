package chunkproc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/llmcap"
	"regdocqa/internal/splitter"
)

type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (s *scriptedLLM) Name() string { return "scripted" }
func (s *scriptedLLM) Chat(ctx context.Context, req llmcap.ChatRequest) (llmcap.ChatResult, error) {
	s.mu.Lock()
	r := s.responses[s.calls%len(s.responses)]
	s.calls++
	s.mu.Unlock()
	return llmcap.ChatResult{Content: r}, nil
}
func (s *scriptedLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func TestProcessOneHappyPath(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"title":"Objeto","summary":"Situates the article within chapter I."}`,
		`{"category":"Riesgos Financieros","subcategory":"Riesgo de Crédito"}`,
		`{"keywords":["crédito","riesgo"]}`,
	}}
	p := New(llm, "chat-model", "embed-model", 1)
	chunk := splitter.Chunk{Text: "Artículo 1.- Objeto de la ley.", ArticleNumber: "1", ArticleTitle: "Objeto", ClusterID: 0, ClusterSize: 1}
	docCtx := DocumentContext{DocumentTitle: "Ley General", DocumentType: "Ley", Jurisdiction: "CO", OriginalURL: "https://example.org/leyes/2024-01-15/ley.pdf"}

	out, err := p.ProcessAll(context.Background(), "doc1", []splitter.Chunk{chunk}, docCtx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	pc := out[0]
	require.Equal(t, "Objeto", pc.Title)
	require.Equal(t, "Riesgos Financieros", pc.Category)
	require.Equal(t, "Riesgo de Crédito", pc.Subcategory)
	require.ElementsMatch(t, []string{"crédito", "riesgo"}, pc.Keywords)
	require.Equal(t, "2024-01-15", pc.Date)
	require.Equal(t, "example.org", pc.Source)
	require.NotEmpty(t, pc.Embedding)
}

// concurrencyLLM tracks how many Chat calls are in flight at once; a small
// sleep gives overlapping workers time to actually overlap.
type concurrencyLLM struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (c *concurrencyLLM) Name() string { return "concurrency" }
func (c *concurrencyLLM) Chat(ctx context.Context, req llmcap.ChatRequest) (llmcap.ChatResult, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return llmcap.ChatResult{Content: `{"title":"t","summary":"s"}`}, nil
}
func (c *concurrencyLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1}
	}
	return out, nil
}

func TestProcessAllFansBatchOutAcrossWorkers(t *testing.T) {
	llm := &concurrencyLLM{}
	p := New(llm, "chat-model", "embed-model", 4)
	chunks := make([]splitter.Chunk, 4)
	for i := range chunks {
		chunks[i] = splitter.Chunk{Text: "texto", ClusterID: i, ClusterSize: len(chunks)}
	}

	out, err := p.ProcessAll(context.Background(), "doc1", chunks, DocumentContext{})
	require.NoError(t, err)
	require.Len(t, out, len(chunks))
	for i, pc := range out {
		require.Equal(t, i, pc.ClusterID, "output order must match input order")
	}
	require.Greater(t, llm.peak, 1, "batch chunks should be processed concurrently")
}

func TestClassifyFallsBackToOtrosOnUnknownCategory(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{"category":"Not A Real Category"}`}}
	p := New(llm, "chat-model", "embed-model", 1)
	cat, sub := p.classify(context.Background(), splitter.Chunk{Text: "x"})
	require.Equal(t, fallbackCategory, cat)
	require.Empty(t, sub)
}

func TestKeywordsFallsBackOnParseFailure(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"not json"}}
	p := New(llm, "chat-model", "embed-model", 1)
	kws := p.keywords(context.Background(), splitter.Chunk{Text: "x"})
	require.Equal(t, []string{fallbackKeyword}, kws)
}

func TestBuildEnrichedInputOmitsUnsetFields(t *testing.T) {
	c := splitter.Chunk{Text: "body", ArticleNumber: "5"}
	input := buildEnrichedInput(c, "", DocumentContext{})
	require.Contains(t, input, "Artículo: 5")
	require.NotContains(t, input, "Título del artículo")
	require.True(t, strings.HasSuffix(input, "Contenido del fragmento:\nbody"))
}
