// Package memory manages conversation sessions: session create/get,
// turn-batch persistence, token-capped recent-message loading,
// conversation-summary regeneration with a staleness threshold, and a
// de-duplicated context-metadata bag. Saves are serialized per session so
// interleaved turns cannot corrupt the batch sequence.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"regdocqa/internal/llmcap"
)

var (
	ErrSessionNotFound = errors.New("memory: session not found")
)

// A conversation summary is regenerated once this many new turns have
// accumulated since it was last computed.
const SummaryRegenThreshold = 10

// Message is one turn's role+content. Parts tagged "tool-result" are
// filtered on load: stored tool-result parts break chat-API compatibility
// when replayed into a later completion call.
type Message struct {
	ID        string
	Role      string
	Content   string
	Parts     []string // part "kinds"; a part kind of "tool-result" is filtered on load
	CreatedAt time.Time
}

// Session is a ConversationSession.
type Session struct {
	ID                  string
	UserID              string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ConversationSummary string
	SummarizedCount     int
	ContextMetadata     ContextMetadata
	TotalTokens         int
}

// ContextMetadata is the rolling topics/entities/regulations bag.
type ContextMetadata struct {
	Topics      []string
	Entities    []string
	Regulations []string
	KeyPoints   []string // capped to the last 20
}

// MessageBatch is one saved turn exchange.
type MessageBatch struct {
	SessionID string
	Messages  []Message
	CreatedAt time.Time
}

// Store is the persistence backend MemoryManager depends on: either
// Postgres-backed (NewPostgres) or in-memory (NewInMemory, for tests).
type Store interface {
	EnsureSession(ctx context.Context, id, userID string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	AppendBatch(ctx context.Context, batch MessageBatch) error
	// LoadBatches returns batches ordered (session_id, created_at DESC) —
	// the canonical load order, newest first.
	LoadBatches(ctx context.Context, sessionID string) ([]MessageBatch, error)
	DeleteSession(ctx context.Context, id string) error
}

// Manager implements the MemoryManager operations.
type Manager struct {
	store Store
	llm   llmcap.Capability
	model string

	// perSessionLocks serializes saves per session_id ("saves
	// must see the writes of the same session's prior turns").
	mu              sync.Mutex
	perSessionLocks map[string]*sync.Mutex
}

func New(store Store, llm llmcap.Capability, model string) *Manager {
	return &Manager{store: store, llm: llm, model: model, perSessionLocks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.perSessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.perSessionLocks[sessionID] = l
	}
	return l
}

// CreateOrGetSession implements the "create/get session" operation.
func (m *Manager) CreateOrGetSession(ctx context.Context, sessionID, userID string) (Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return m.store.EnsureSession(ctx, sessionID, userID)
}

// SaveTurn serializes a turn's messages, estimates its token count as
// total_chars // 4, and appends it under the session's
// per-session lock.
func (m *Manager) SaveTurn(ctx context.Context, sessionID string, messages []Message) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: save turn: %w", err)
	}

	batch := MessageBatch{SessionID: sessionID, Messages: messages, CreatedAt: time.Now().UTC()}
	if err := m.store.AppendBatch(ctx, batch); err != nil {
		return fmt.Errorf("memory: append batch: %w", err)
	}

	session.TotalTokens += estimateTokens(messages)
	session.UpdatedAt = time.Now().UTC()
	return m.store.UpdateSession(ctx, session)
}

func estimateTokens(messages []Message) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
	}
	return chars / 4
}

// LoadMessages returns recent messages newest-batch-first per the store's
// canonical order, then flattened oldest-first for an LLM prompt, capped so
// the cumulative estimated token count stays under maxTokens (default
// 100000), and with any "tool-result" part filtered out. The newest batch
// is always kept, even when it alone exceeds maxTokens.
func (m *Manager) LoadMessages(ctx context.Context, sessionID string, maxTokens int) ([]Message, error) {
	if maxTokens <= 0 {
		maxTokens = 100000
	}
	batches, err := m.store.LoadBatches(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("memory: load messages: %w", err)
	}
	// batches arrive newest-first; accumulate from newest backward until the
	// budget is spent, then reverse for chronological order.
	var kept []Message
	budget := maxTokens
	for _, batch := range batches {
		filtered := filterToolResults(batch.Messages)
		cost := estimateTokens(filtered)
		if cost > budget && len(kept) > 0 {
			break
		}
		kept = append(kept, reverseMessages(filtered)...)
		budget -= cost
		if budget <= 0 {
			break
		}
	}
	reverseInPlace(kept)
	return kept, nil
}

func filterToolResults(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if hasPart(msg.Parts, "tool-result") {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func hasPart(parts []string, kind string) bool {
	for _, p := range parts {
		if p == kind {
			return true
		}
	}
	return false
}

func reverseMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func reverseInPlace(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// Summarize implements the "generate-or-reuse a conversation summary"
// operation: regenerates when the session has accumulated at least
// SummaryRegenThreshold new turns since the summary was last computed,
// else returns the stored summary.
func (m *Manager) Summarize(ctx context.Context, sessionID string) (string, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("memory: summarize: %w", err)
	}
	batches, err := m.store.LoadBatches(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("memory: summarize: %w", err)
	}
	turnsSinceLast := len(batches) - session.SummarizedCount
	if session.ConversationSummary != "" && turnsSinceLast < SummaryRegenThreshold {
		return session.ConversationSummary, nil
	}

	var transcript strings.Builder
	for i := len(batches) - 1; i >= 0; i-- { // chronological order
		for _, msg := range batches[i].Messages {
			fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	res, err := m.llm.Chat(ctx, llmcap.ChatRequest{
		Model:        m.model,
		SystemPrompt: "Summarize this conversation in 2-3 sentences, preserving any regulatory citations and open questions.",
		Messages:     []llmcap.ChatMessage{{Role: "user", Content: transcript.String()}},
	})
	if err != nil {
		// No LLM available: keep serving the stale summary rather than fail
		// the turn.
		if session.ConversationSummary != "" {
			return session.ConversationSummary, nil
		}
		return "", fmt.Errorf("memory: summarize: %w", err)
	}

	session.ConversationSummary = res.Content
	session.SummarizedCount = len(batches)
	if err := m.store.UpdateSession(ctx, session); err != nil {
		return "", fmt.Errorf("memory: persist summary: %w", err)
	}
	return res.Content, nil
}

// MergeContextMetadata de-duplicates and merges topics/entities/regulations
// into the session's bag, and maintains a rolling last-20 key points list.
func (m *Manager) MergeContextMetadata(ctx context.Context, sessionID string, update ContextMetadata) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("memory: merge context metadata: %w", err)
	}
	cm := session.ContextMetadata
	cm.Topics = mergeDedup(cm.Topics, update.Topics)
	cm.Entities = mergeDedup(cm.Entities, update.Entities)
	cm.Regulations = mergeDedup(cm.Regulations, update.Regulations)
	cm.KeyPoints = append(cm.KeyPoints, update.KeyPoints...)
	if len(cm.KeyPoints) > 20 {
		cm.KeyPoints = cm.KeyPoints[len(cm.KeyPoints)-20:]
	}
	session.ContextMetadata = cm
	session.UpdatedAt = time.Now().UTC()
	return m.store.UpdateSession(ctx, session)
}

func mergeDedup(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(additions))
	for _, v := range existing {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, v := range additions {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	return m.store.DeleteSession(ctx, sessionID)
}
