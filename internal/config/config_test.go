package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	for _, k := range []string{
		"MAX_TOTAL_TOKENS", "MAX_CHUNKS_RETURNED", "DEFAULT_CHUNK_SIZE",
		"LLM_PROVIDER", "WORKDIR",
	} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "openai", cfg.LLMClient.Provider)
	require.Equal(t, "test-key", cfg.LLMClient.OpenAI.APIKey)
	require.Equal(t, 100000, cfg.Retrieval.MaxTotalTokens)
	require.Equal(t, 30, cfg.Retrieval.MaxChunksReturned)
	require.Equal(t, 8000, cfg.Ingest.DefaultChunkSize)
	require.Equal(t, 450, cfg.RateLimit.RPMLimit)
	require.NotEmpty(t, cfg.Workdir)
}

func TestLoadMissingProviderKeyFails(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	require.NoError(t, os.Unsetenv("ANTHROPIC_API_KEY"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("MAX_CHUNKS_FOR_RERANKING", "20")
	t.Setenv("RETRIEVAL_CORPUS", "pd_peru")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Rerank.MaxChunksForReranking)
	require.Equal(t, "pd_peru", cfg.Retrieval.Corpus)
}

func TestLoadConfigFileOverlay(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	path := filepath.Join(t.TempDir(), "regdocqa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
retrieval:
  corpus: pd_chl
  maxChunksReturned: 40
ingest:
  maxConcurrentDocs: 4
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "pd_chl", cfg.Retrieval.Corpus)
	require.Equal(t, 40, cfg.Retrieval.MaxChunksReturned)
	require.Equal(t, 4, cfg.Ingest.MaxConcurrentDocs)
}
