package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/llmcap"
	"regdocqa/internal/queryunderstanding"
	"regdocqa/internal/rerank"
	"regdocqa/internal/store"
	"regdocqa/internal/tokenizer"
)

type fakeStore struct {
	vectorRows  []store.Row
	clusterRows map[int][]store.Row
	scanRows    []store.Row
	filterRows  []store.Row
}

func (f *fakeStore) VectorMatch(ctx context.Context, corpus string, q []float32, n int) ([]store.Row, error) {
	return f.vectorRows, nil
}
func (f *fakeStore) ClusterMatch(ctx context.Context, corpus string, clusterID, n int) ([]store.Row, error) {
	return f.clusterRows[clusterID], nil
}
func (f *fakeStore) Scan(ctx context.Context, corpus string, cols []string) ([]store.Row, error) {
	return f.scanRows, nil
}
func (f *fakeStore) Filter(ctx context.Context, corpus string, preds []store.Predicate) ([]store.Row, error) {
	return f.filterRows, nil
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
	return "vigente", true, nil
}

type fakeLLM struct{ zeroEmbed bool }

func (f *fakeLLM) Name() string { return "fake" }
func (f *fakeLLM) Chat(ctx context.Context, req llmcap.ChatRequest) (llmcap.ChatResult, error) {
	return llmcap.ChatResult{Content: "{}"}, nil
}
func (f *fakeLLM) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		if f.zeroEmbed {
			out[i] = []float32{0, 0, 0}
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

type passthroughReranker struct{}

func (passthroughReranker) Rerank(ctx context.Context, query string, c []rerank.Candidate, maxToRerank, maxToReturn int, diversify bool) ([]rerank.Candidate, error) {
	if maxToReturn > 0 && maxToReturn < len(c) {
		return c[:maxToReturn], nil
	}
	return c, nil
}

func TestRetrieveZeroEmbeddingReturnsNoResultsMarker(t *testing.T) {
	r := New(&fakeStore{}, &fakeLLM{zeroEmbed: true}, passthroughReranker{}, tokenizer.New(), "embed-model")
	out, err := r.Retrieve(context.Background(), "query", nil, nil, Options{Corpus: "pd_mex"})
	require.NoError(t, err)
	require.Equal(t, NoRelevantDocumentationMarker, out)
}

func TestRetrieveMergesVectorFirst(t *testing.T) {
	s := &fakeStore{
		vectorRows: []store.Row{
			{ID: "v1", Title: "A", Content: "vector hit one", Metadata: map[string]any{"cluster_id": 1}},
		},
		clusterRows: map[int][]store.Row{
			1: {{ID: "c1", Title: "B", Content: "cluster hit", Metadata: map[string]any{}}},
		},
		scanRows: []store.Row{
			{ID: "b1", Title: "C", Content: "bm25 hit about obligations", Metadata: map[string]any{"status": "vigente"}},
		},
	}
	r := New(s, &fakeLLM{}, passthroughReranker{}, tokenizer.New(), "embed-model")
	out, err := r.Retrieve(context.Background(), "obligations", nil, nil, Options{Corpus: "pd_mex", MaxTotalTokens: 100000})
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestRetrieveRequestCacheHitsSameFingerprint(t *testing.T) {
	s := &fakeStore{vectorRows: []store.Row{{ID: "v1", Content: "hello world", Metadata: map[string]any{}}}}
	r := New(s, &fakeLLM{}, passthroughReranker{}, tokenizer.New(), "embed-model")
	cache := NewRequestCache()
	first, err := r.Retrieve(context.Background(), "cached query", nil, cache, Options{Corpus: "pd_mex"})
	require.NoError(t, err)
	second, err := r.Retrieve(context.Background(), "cached query", nil, cache, Options{Corpus: "pd_mex"})
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRerankTargetSelectsReportsOnKeyword(t *testing.T) {
	target := rerankTarget("Genera un reporte normativo", nil, 8, 12)
	require.Equal(t, 12, target)
}

func TestRerankTargetSelectsReportsOnComplexity(t *testing.T) {
	qi := &queryunderstanding.QueryInfo{Complexity: queryunderstanding.ComplexityComplex}
	target := rerankTarget("cualquier cosa", qi, 8, 12)
	require.Equal(t, 12, target)
}
