package llm

// CompactionItem represents the opaque state returned by the Responses compaction endpoint.
type CompactionItem struct {
	ID               string `json:"id,omitempty"`
	EncryptedContent string `json:"encrypted_content"`
}
