package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeLowercasesAndStripsPunctuation(t *testing.T) {
	toks := Tokenize("Artículo 3.- El Responsable, según la Ley.")
	assert.Equal(t, []string{"artículo", "3", "el", "responsable", "según", "la", "ley"}, toks)
}

func TestScoreRanksMatchingDocHigher(t *testing.T) {
	docs := [][]string{
		Tokenize("la ley de protección de datos personales regula el tratamiento"),
		Tokenize("disposiciones sobre riesgo de crédito y capital regulatorio"),
		Tokenize("protección de datos y privacidad del titular"),
	}
	idx := NewIndex(docs)
	scores := idx.Score(Tokenize("protección de datos"))
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[2], scores[1])
}

func TestScoreEmptyQueryAllZero(t *testing.T) {
	idx := NewIndex([][]string{Tokenize("some doc")})
	scores := idx.Score(nil)
	require.Len(t, scores, 1)
	assert.Zero(t, scores[0])
}

func TestTopNDescendingAndSkipsZeroScores(t *testing.T) {
	top := TopN([]float64{0.2, 0, 0.9, 0.5}, 4)
	assert.Equal(t, []int{2, 3, 0}, top)
}

func TestTopNCapsAtN(t *testing.T) {
	top := TopN([]float64{3, 2, 1}, 2)
	assert.Equal(t, []int{0, 1}, top)
}
