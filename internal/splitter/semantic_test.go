package splitter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), float32(strings.Count(t, "a"))}
	}
	return out, nil
}

func TestSplitSemanticShortTextSingleChunk(t *testing.T) {
	chunks, err := SplitSemantic(context.Background(), "short text\n\nwith two paragraphs", fakeEmbed, Options{DefaultChunkSize: 8000})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestSplitSemanticLongTextClusters(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("Un párrafo de ejemplo con contenido variado para forzar el agrupamiento semántico del texto completo.\n\n")
	}
	chunks, err := SplitSemantic(context.Background(), sb.String(), fakeEmbed, Options{DefaultChunkSize: 300, MinChunkSize: 50})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.NotEmpty(t, c.Text)
	}
}

func TestTailOverlapRespectsMaxLen(t *testing.T) {
	out := tailOverlap("Primera frase larga. Segunda frase también larga. Tercera frase final.", 30)
	require.LessOrEqual(t, len(out), 60)
	require.NotEmpty(t, out)
}
