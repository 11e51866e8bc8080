package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/llmcap"
	"regdocqa/internal/memory"
	"regdocqa/internal/rerank"
	"regdocqa/internal/retrieve"
	"regdocqa/internal/store"
)

type fakeStore struct {
	rows []store.Row
}

func (f *fakeStore) VectorMatch(ctx context.Context, corpus string, q []float32, n int) ([]store.Row, error) {
	return f.rows, nil
}
func (f *fakeStore) ClusterMatch(ctx context.Context, corpus string, clusterID, n int) ([]store.Row, error) {
	return nil, nil
}
func (f *fakeStore) Scan(ctx context.Context, corpus string, columns []string) ([]store.Row, error) {
	return f.rows, nil
}
func (f *fakeStore) Filter(ctx context.Context, corpus string, preds []store.Predicate) ([]store.Row, error) {
	return nil, nil
}
func (f *fakeStore) InsertChunk(ctx context.Context, corpus string, c store.Chunk) error { return nil }
func (f *fakeStore) UpdateChunk(ctx context.Context, corpus string, c store.Chunk) error { return nil }
func (f *fakeStore) DeleteChunk(ctx context.Context, corpus, id string) error            { return nil }
func (f *fakeStore) InsertDocument(ctx context.Context, d store.Document) (int64, error) {
	return 1, nil
}
func (f *fakeStore) GetDocument(ctx context.Context, id int64) (store.Document, error) {
	return store.Document{}, nil
}
func (f *fakeStore) DocumentStatus(ctx context.Context, id int64) (string, bool, error) {
	return "", false, nil
}

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Name() string { return "scripted" }
func (s *scriptedLLM) Chat(ctx context.Context, req llmcap.ChatRequest) (llmcap.ChatResult, error) {
	r := s.responses[s.calls%len(s.responses)]
	s.calls++
	return llmcap.ChatResult{Content: r}, nil
}
func (s *scriptedLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type passthroughReranker struct{}

func (passthroughReranker) Rerank(ctx context.Context, query string, candidates []rerank.Candidate, maxToRerank, maxToReturn int, diversify bool) ([]rerank.Candidate, error) {
	if maxToReturn < len(candidates) {
		candidates = candidates[:maxToReturn]
	}
	return candidates, nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) CountTokens(text, model string) (int, error) { return len(text) / 4, nil }
func (fakeTokenizer) TruncateToTokens(text string, n int, model string) (string, error) {
	if n*4 < len(text) {
		return text[:n*4], nil
	}
	return text, nil
}

func newTestOrchestrator(planResponse, composeResponse string) (*Orchestrator, *retrieve.RequestCache) {
	fs := &fakeStore{rows: []store.Row{{ID: "1", Title: "Artículo 1", Content: "contenido", Metadata: map[string]any{}}}}
	llm := &scriptedLLM{responses: []string{planResponse, composeResponse}}
	retriever := retrieve.New(fs, llm, passthroughReranker{}, fakeTokenizer{}, "embed-model")
	mem := memory.New(memory.NewInMemory(), llm, "chat-model")
	orch := New(llm, "chat-model", nil, retriever, mem, nil)
	return orch, retrieve.NewRequestCache()
}

func TestPlanFallsBackToComplianceOnParseFailure(t *testing.T) {
	orch, _ := newTestOrchestrator("not json", "")
	p := orch.plan(context.Background(), "query")
	require.Equal(t, AgentCompliance, p.PrimaryAgent)
	require.True(t, p.RequiresQueryUnderstanding)
}

func TestPlanParsesJSON(t *testing.T) {
	orch, _ := newTestOrchestrator(`{"primary_agent":"report","requires_complex_handling":true}`, "")
	p := orch.plan(context.Background(), "query")
	require.Equal(t, AgentReport, p.PrimaryAgent)
	require.True(t, p.RequiresComplexHandling)
}

func TestAnswerCompliancePathPersistsTurn(t *testing.T) {
	fs := &fakeStore{rows: []store.Row{{ID: "1", Title: "t", Content: "c", Metadata: map[string]any{}}}}
	llm := &scriptedLLM{responses: []string{
		`{"primary_agent":"compliance","requires_query_understanding":false}`,
		"respuesta final",
	}}
	retriever := retrieve.New(fs, llm, passthroughReranker{}, fakeTokenizer{}, "embed-model")
	mem := memory.New(memory.NewInMemory(), llm, "chat-model")
	orch := New(llm, "chat-model", nil, retriever, mem, nil)
	cache := retrieve.NewRequestCache()

	_, err := mem.CreateOrGetSession(context.Background(), "s1", "")
	require.NoError(t, err)

	res, err := orch.Answer(context.Background(), "s1", "pregunta", retrieve.Options{}, cache)
	require.NoError(t, err)
	require.Equal(t, "respuesta final", res.Answer)

	msgs, err := mem.LoadMessages(context.Background(), "s1", 10000)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestReportFillerSubstitutesPlaceholders(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"Resumen ejecutivo generado."}}
	rf := NewReportFiller("Informe\n\n{{resumen}}\n\nFin")
	out, err := rf.Fill(context.Background(), llm, "model", "query", "analysis")
	require.NoError(t, err)
	require.Contains(t, out, "Resumen ejecutivo generado.")
	require.NotContains(t, out, "{{resumen}}")
}

func TestComplianceGapAnalysisParsesFindings(t *testing.T) {
	fs := &fakeStore{rows: []store.Row{{ID: "1", Title: "t", Content: "c", Metadata: map[string]any{}}}}
	llm := &scriptedLLM{responses: []string{`[{"requirement":"r1","gap":"missing control","severity":"high"}]`}}
	retriever := retrieve.New(fs, llm, passthroughReranker{}, fakeTokenizer{}, "embed-model")
	orch := New(llm, "chat-model", nil, retriever, nil, nil)
	cache := retrieve.NewRequestCache()

	findings, err := orch.ComplianceGapAnalysis(context.Background(), "policy text", "query", retrieve.Options{}, cache)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "high", findings[0].Severity)
}
