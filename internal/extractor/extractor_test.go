package extractor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"regdocqa/internal/checkpoint"
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

func TestExtractMetadataFallsBackToDesconocido(t *testing.T) {
	e := New(&fakeLLM{response: "not json"}, "model", nil, checkpoint.NewStore(t.TempDir()))
	meta := e.ExtractMetadata(context.Background(), "foo.pdf", "some leading text")
	require.Equal(t, unknownDocumentType, meta.DocumentType)
	require.NotEmpty(t, meta.ExtractionError)
}

func TestExtractMetadataParsesJSON(t *testing.T) {
	e := New(&fakeLLM{response: `{"title":"Ley 1", "document_type":"Ley", "jurisdiction":"CO"}`}, "model", nil, checkpoint.NewStore(t.TempDir()))
	meta := e.ExtractMetadata(context.Background(), "foo.pdf", "some leading text")
	require.Equal(t, "Ley", meta.DocumentType)
	require.Equal(t, "Ley 1", meta.Title)
}

func TestExtractMetadataEmptyTextSkipsLLMCall(t *testing.T) {
	e := New(&fakeLLM{response: `{"title":"should not be used"}`}, "model", nil, checkpoint.NewStore(t.TempDir()))
	meta := e.ExtractMetadata(context.Background(), "foo.pdf", "   ")
	require.Equal(t, unknownDocumentType, meta.DocumentType)
	require.Empty(t, meta.Title)
}

func TestStructuralMarkdownPromotesHeadingsAndStripsRepeats(t *testing.T) {
	input := "--- Página 1 ---\nCAPÍTULO I DISPOSICIONES GENERALES\n\nArtículo 1. Objeto.\n" +
		"REPEATED FOOTER\nREPEATED FOOTER\nREPEATED FOOTER\n- item one\n1. first numbered"
	out := structuralMarkdown(input)
	require.Contains(t, out, "## Capítulo I Disposiciones Generales")
	require.Contains(t, out, "- item one")
	require.NotContains(t, out, "--- Página")
	require.Equal(t, 1, countOccurrences(out, "## Repeated Footer"))
}

func TestExtractTextPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))
	e := New(&fakeLLM{}, "model", nil, checkpoint.NewStore(dir))
	text, err := e.ExtractText(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}
