package llm

import "encoding/json"

type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages
	ToolCalls []ToolCall
	// Compaction carries responses API compaction state when available.
	Compaction *CompactionItem
	// ThoughtSignature carries provider-specific reasoning state that must be
	// echoed back on subsequent turns (the Anthropic client stores serialized
	// thinking blocks here). Treated as opaque; stored as a string so it
	// round-trips through JSON and DB storage without corruption.
	ThoughtSignature string
}

type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}
