package conversation

import (
	"context"
	"sync"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	maxPerUser int
	history    map[string][]Message
}

// NewMemoryStore creates a MemoryStore keeping at most maxPerUser messages per user.
func NewMemoryStore(maxPerUser int) *MemoryStore {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &MemoryStore{
		maxPerUser: maxPerUser,
		history:    make(map[string][]Message),
	}
}

func (s *MemoryStore) Append(ctx context.Context, userID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	msgs = append([]Message(nil), msgs...)
	stamp(msgs)

	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[userID], msgs...)
	if over := len(h) - s.maxPerUser; over > 0 {
		h = append([]Message(nil), h[over:]...)
	}
	s.history[userID] = h
	return nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[userID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Message(nil), h...), nil
}

func (s *MemoryStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, userID)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Backend: "memory", Users: int64(len(s.history))}
	for _, h := range s.history {
		st.Messages += int64(len(h))
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }
