package rerank

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeConstantNonZeroVectorIsOne(t *testing.T) {
	out := normalize([]float64{3, 3, 3})
	for _, v := range out {
		require.Equal(t, 1.0, v)
	}
}

func TestNormalizeBoundedZeroOne(t *testing.T) {
	out := normalize([]float64{1, 5, 2, 9, 0})
	for _, v := range out {
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestAdaptWeightsSumToOne(t *testing.T) {
	queries := []string{
		"Qué dice el Artículo 3 de la LFPDPPP",
		"Qué implica el principio de minimización de datos",
		"impuesto fiscal financiero privacidad",
		"hola",
		"esta es una consulta muy larga con muchisimas palabras repetidas una y otra vez para forzar el umbral de veinte palabras exactamente aqui",
	}
	for _, q := range queries {
		w := adaptWeights(q)
		sum := w.BM25 + w.Cos + w.LLM
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestAdaptWeightsArticleQuery(t *testing.T) {
	w := adaptWeights("Qué dice el Artículo 3 de la LFPDPPP")
	require.Greater(t, w.BM25, w.Cos)
	require.Greater(t, w.BM25, w.LLM)
}

func TestRerankSingleCandidatePassesThrough(t *testing.T) {
	r := New(nil, nil, "embed-model", "chat-model", 0, 0)
	cands := []Candidate{{ID: "only"}}
	out, err := r.Rerank(nil, "q", cands, 15, 8, true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "only", out[0].ID)
}

func TestTTLCacheEviction(t *testing.T) {
	c := newTTLCache(2, 0)
	c.set("a", []Candidate{{ID: "a"}})
	c.set("b", []Candidate{{ID: "b"}})
	c.set("c", []Candidate{{ID: "c"}})
	_, ok := c.get("a")
	require.False(t, ok, "oldest entry should be evicted once capacity is exceeded")
	_, ok = c.get("c")
	require.True(t, ok)
}
