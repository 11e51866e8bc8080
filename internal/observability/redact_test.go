package observability

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactJSONScrubsProviderPayload(t *testing.T) {
	// Shaped like the extra-params blob the chat clients log alongside a
	// request.
	in, _ := json.Marshal(map[string]any{
		"api_key":     "sk-live-123",
		"temperature": 0.2,
		"headers": map[string]any{
			"Authorization": "Bearer abc",
			"X-Request-ID":  "req-9",
		},
		"messages": []any{
			map[string]any{"role": "user", "content": "¿Qué dice el Artículo 3?"},
		},
	})

	var out map[string]any
	require.NoError(t, json.Unmarshal(RedactJSON(in), &out))

	assert.Equal(t, "[REDACTED]", out["api_key"])
	assert.Equal(t, 0.2, out["temperature"])
	headers := out["headers"].(map[string]any)
	assert.Equal(t, "[REDACTED]", headers["Authorization"])
	assert.Equal(t, "req-9", headers["X-Request-ID"])
	msgs := out["messages"].([]any)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "¿Qué dice el Artículo 3?", first["content"])
}

func TestRedactJSONPassesThroughUnparseable(t *testing.T) {
	assert.Nil(t, RedactJSON(nil))
	raw := json.RawMessage("not json at all")
	assert.Equal(t, raw, RedactJSON(raw))
}
