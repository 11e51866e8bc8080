package splitter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleLaw = `LEY GENERAL DE PROTECCIÓN DE DATOS

CAPÍTULO I – Disposiciones Generales

Artículo 1.- Objeto. La presente ley tiene por objeto regular el tratamiento de datos personales.

Artículo 2.- Definiciones. Para efectos de esta ley se entenderá por dato personal cualquier información.

CAPÍTULO II – De los Derechos

Artículo 3.- Derechos. Los titulares tendrán derecho de acceso, rectificación y cancelación.
`

func TestIsRegulatoryDetectsMarkers(t *testing.T) {
	require.True(t, IsRegulatory("Ley", sampleLaw))
	require.True(t, IsRegulatory("", sampleLaw))
	require.False(t, IsRegulatory("", "just some plain prose with no legal structure at all"))
}

func TestSplitRegulatoryEmitsOneChunkPerArticle(t *testing.T) {
	chunks := SplitRegulatory(sampleLaw, Options{})
	require.Len(t, chunks, 3)
	require.Equal(t, "1", chunks[0].ArticleNumber)
	require.Equal(t, 3, chunks[0].ClusterSize)
	require.Contains(t, chunks[2].Hierarchy, "CAPÍTULO II – De los Derechos")
}

func TestSplitRegulatoryNoArticlesReturnsNil(t *testing.T) {
	chunks := SplitRegulatory("no markers here", Options{})
	require.Nil(t, chunks)
}

func TestSubdivideOpensNewPartAtSize(t *testing.T) {
	big := ""
	for i := 0; i < 50; i++ {
		big += "Un párrafo de relleno con contenido suficientemente largo para acumular tamaño total.\n\n"
	}
	subs := subdivide(big, Options{DefaultChunkSize: 500, MinChunkSize: 100}.withDefaults())
	require.Greater(t, len(subs), 1)
	require.Equal(t, "1", subs[0].part)
}

func TestDocumentTitleFallsBackToTextMatch(t *testing.T) {
	require.Equal(t, "meta title", DocumentTitle("meta title", sampleLaw))
	title := DocumentTitle("", sampleLaw)
	require.Contains(t, title, "LEY GENERAL")
}

func TestValidateFlagsUndersizedChunks(t *testing.T) {
	chunks := []Chunk{{Text: "short"}, {Text: ""}}
	warnings := Validate(chunks, Options{MinChunkSize: 100})
	require.Len(t, warnings, 2)
}
