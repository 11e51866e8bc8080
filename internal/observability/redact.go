package observability

import (
	"encoding/json"
	"strings"
)

// sensitiveKeyFragments are matched (case-insensitively, as substrings)
// against map keys before a payload is logged. Prompt/response logging and
// the clients' extra-params dumps both pass provider payloads through
// here, and those payloads routinely carry API keys and auth headers.
var sensitiveKeyFragments = []string{
	"api_key", "apikey", "api-key",
	"authorization", "auth",
	"token",
	"password", "secret", "bearer", "credential",
}

// RedactJSON replaces sensitive values in a JSON payload with "[REDACTED]"
// before it reaches a log line. Payloads that fail to parse are returned
// untouched — they get logged as-is, which is still safer than dropping
// the log entirely and losing the error context.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}
	scrub(payload)
	out, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return out
}

// scrub walks the decoded payload in place. Only map values are replaced;
// keys and scalars outside sensitive keys pass through unchanged.
func scrub(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if isSensitiveKey(k) {
				val[k] = "[REDACTED]"
				continue
			}
			scrub(inner)
		}
	case []any:
		for _, inner := range val {
			scrub(inner)
		}
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
