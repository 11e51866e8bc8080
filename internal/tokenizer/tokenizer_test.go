package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens_NonEmpty(t *testing.T) {
	tok := New()
	n, err := tok.CountTokens("hello world, this is a regulatory chunk.", "gpt-4o")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestTruncateToTokens_ShrinksLongText(t *testing.T) {
	tok := New()
	long := ""
	for i := 0; i < 500; i++ {
		long += "artículo de prueba "
	}
	truncated, err := tok.TruncateToTokens(long, 10, "gpt-4o")
	require.NoError(t, err)
	n, err := tok.CountTokens(truncated, "gpt-4o")
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 10)
	assert.NotEqual(t, long, truncated)
}

func TestTruncateToTokens_ShortTextUnchanged(t *testing.T) {
	tok := New()
	out, err := tok.TruncateToTokens("short", 1000, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "short", out)
}

func TestTruncateToTokens_ZeroBudget(t *testing.T) {
	tok := New()
	out, err := tok.TruncateToTokens("anything", 0, "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestCountTokens_UnknownModelFallsBackToCL100K(t *testing.T) {
	tok := New()
	n, err := tok.CountTokens("claude model text", "claude-opus-unknown")
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
