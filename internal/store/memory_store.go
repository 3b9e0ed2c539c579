package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu                sync.Mutex
	sessions          map[string]SessionRecord
	messagesBySession map[string][]MessageRecord
	messageIndex      map[string]messageLocation
	closed            bool
}

type messageLocation struct {
	sessionID string
	idx       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:          make(map[string]SessionRecord),
		messagesBySession: make(map[string][]MessageRecord),
		messageIndex:      make(map[string]messageLocation),
	}
}

func (s *MemoryStore) UpsertSession(_ context.Context, rec SessionRecord) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if existing, ok := s.sessions[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	if err := validateSessionID(id); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, fmt.Errorf("memory store is closed")
	}

	rec, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	for _, msg := range s.messagesBySession[id] {
		delete(s.messageIndex, msg.ID)
	}
	delete(s.messagesBySession, id)
	return nil
}

func (s *MemoryStore) UpsertMessage(_ context.Context, rec MessageRecord) error {
	if err := validateMessage(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}

	if loc, ok := s.messageIndex[rec.ID]; ok {
		existing := s.messagesBySession[loc.sessionID][loc.idx]
		rec.Sequence = existing.Sequence
		rec.CreatedAt = existing.CreatedAt
		s.messagesBySession[loc.sessionID][loc.idx] = rec
		return nil
	}

	s.messagesBySession[rec.SessionID] = append(s.messagesBySession[rec.SessionID], rec)
	s.messageIndex[rec.ID] = messageLocation{
		sessionID: rec.SessionID,
		idx:       len(s.messagesBySession[rec.SessionID]) - 1,
	}
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	msgs := s.messagesBySession[sessionID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]MessageRecord, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
