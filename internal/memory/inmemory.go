package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	order    map[string][]string
	turns    map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		order:    make(map[string][]string),
		turns:    make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) SaveSession(_ context.Context, session SessionRecord, turns []TurnRecord) error {
	if session.ID == "" {
		return fmt.Errorf("save session: id is required")
	}
	now := time.Now().UTC()
	prepared := prepareTurns(session, turns, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("save session %s: already saved", session.ID)
	}
	s.sessions[session.ID] = session
	s.order[session.PersonaID] = append(s.order[session.PersonaID], session.ID)
	s.turns[session.PersonaID] = append(s.turns[session.PersonaID], prepared...)
	return nil
}

func (s *InMemoryStore) SaveRecap(_ context.Context, sessionID, recap string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("save recap: %w", ErrSessionNotFound)
	}
	rec.Recap = recap
	s.sessions[sessionID] = rec
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, personaID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[personaID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) RecentSessions(_ context.Context, personaID string, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[personaID]
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]SessionRecord, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.sessions[ids[i]])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
