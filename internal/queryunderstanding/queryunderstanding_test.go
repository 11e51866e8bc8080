package queryunderstanding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdocqa/internal/llmcap"
)

type stubLLM struct {
	responses []string
	calls     int
	err       error
}

func (s *stubLLM) Name() string { return "stub" }

func (s *stubLLM) Chat(_ context.Context, _ llmcap.ChatRequest) (llmcap.ChatResult, error) {
	if s.err != nil {
		return llmcap.ChatResult{}, s.err
	}
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return llmcap.ChatResult{Content: s.responses[i]}, nil
}

func (s *stubLLM) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	return out, nil
}

func TestUnderstand_EmptyQueryShortCircuits(t *testing.T) {
	u := New(&stubLLM{}, "test-model")
	info, err := u.Understand(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, ComplexitySimple, info.Complexity)
	assert.Equal(t, "consulta vacía", info.SearchQuery)
}

func TestUnderstand_SimplePathParsesJSON(t *testing.T) {
	stub := &stubLLM{responses: []string{
		`{"language":"es","entities":[{"type":"regulation","value":"Ley 123"}],"keywords":[{"word":"ley","importance":0.9}],"intents":[{"name":"lookup","confidence":0.8}],"complexity":"simple","search_query":"ley 123 articulo 5"}`,
	}}
	u := New(stub, "test-model")
	info, err := u.Understand(context.Background(), "que dice la ley 123 articulo 5")
	require.NoError(t, err)
	assert.Equal(t, ComplexitySimple, info.Complexity)
	assert.Equal(t, "ley 123 articulo 5", info.SearchQuery)
	assert.Len(t, info.Entities, 1)
}

func TestUnderstand_ComplexPathTriggeredByWordCount(t *testing.T) {
	longQuery := "explica en detalle cuales son todas las obligaciones regulatorias aplicables a los procesos de importacion y exportacion de productos quimicos peligrosos bajo la normativa vigente en la region"
	stub := &stubLLM{responses: []string{
		`{"language":"es","expanded_query":"obligaciones regulatorias importacion exportacion quimicos","search_query":"obligaciones importacion exportacion quimicos","decomposed_queries":["importacion quimicos","exportacion quimicos"],"entities":[{"type":"process","value":"importacion"}],"keywords":[{"word":"quimicos","importance":0.8},{"word":"importacion","importance":0.7},{"word":"exportacion","importance":0.7}],"intents":[{"name":"compliance_lookup","confidence":0.9}],"complexity":"complex","estimated_search_quality":0.9}`,
	}}
	u := New(stub, "test-model")
	info, err := u.Understand(context.Background(), longQuery)
	require.NoError(t, err)
	assert.Equal(t, ComplexityComplex, info.Complexity)
	assert.NotEmpty(t, info.ExpandedQuery)
	assert.Len(t, info.DecomposedQueries, 2)
}

func TestUnderstand_EmbeddedJSONExtractedFromProse(t *testing.T) {
	stub := &stubLLM{responses: []string{
		"Here is the analysis you requested:\n```json\n{\"language\":\"es\",\"complexity\":\"simple\",\"search_query\":\"norma tecnica\"}\n```\nLet me know if you need more.",
	}}
	u := New(stub, "test-model")
	info, err := u.Understand(context.Background(), "que es la norma tecnica")
	require.NoError(t, err)
	assert.Equal(t, "norma tecnica", info.SearchQuery)
}

func TestUnderstand_AllParsingFailsSynthesizesFallback(t *testing.T) {
	stub := &stubLLM{responses: []string{"not json at all", "still not json"}}
	u := New(stub, "test-model")
	info, err := u.Understand(context.Background(), "consulta con forma extraña de responder al llm")
	require.NoError(t, err)
	assert.Equal(t, ComplexitySimple, info.Complexity)
	require.Len(t, info.Intents, 1)
	assert.Equal(t, "consulta_general", info.Intents[0].Name)
	require.Len(t, info.Keywords, 1)
	assert.Equal(t, "consulta", info.Keywords[0].Word)
}

func TestPostFill_ComputesEstimatedSearchQuality(t *testing.T) {
	info := QueryInfo{
		OriginalQuery: "q",
		Entities:      []Entity{{Type: "regulation", Value: "x"}},
		Keywords:      []Keyword{{Word: "a"}, {Word: "b"}, {Word: "c"}},
		Complexity:    ComplexityMedium,
	}
	postFill(&info, "q")
	assert.InDelta(t, 1.0, info.EstimatedSearchQuality, 1e-9)
	assert.Equal(t, "q", info.SearchQuery)
	assert.Equal(t, "q", info.ExpandedQuery)
}
