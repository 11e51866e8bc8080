package memory

import (
	"context"
	"sync"
	"time"
)

// InMemory is a Store backed by process memory, used by tests; the server
// binary always uses the Postgres store.
type InMemory struct {
	mu       sync.Mutex
	sessions map[string]Session
	batches  map[string][]MessageBatch
}

func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]Session), batches: make(map[string][]MessageBatch)}
}

func (s *InMemory) EnsureSession(ctx context.Context, id, userID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	now := time.Now().UTC()
	session := Session{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = session
	return session, nil
}

func (s *InMemory) GetSession(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

func (s *InMemory) UpdateSession(ctx context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrSessionNotFound
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *InMemory) AppendBatch(ctx context.Context, batch MessageBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[batch.SessionID]; !ok {
		return ErrSessionNotFound
	}
	s.batches[batch.SessionID] = append(s.batches[batch.SessionID], batch)
	return nil
}

// LoadBatches returns batches newest-first, matching Postgres's
// (session_id, created_at DESC) canonical order.
func (s *InMemory) LoadBatches(ctx context.Context, sessionID string) ([]MessageBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.batches[sessionID]
	out := make([]MessageBatch, len(all))
	for i, b := range all {
		out[len(all)-1-i] = b
	}
	return out, nil
}

func (s *InMemory) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.batches, id)
	return nil
}
