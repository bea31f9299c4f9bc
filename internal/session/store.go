package session

import (
	"context"
	"sync"
)

// Store persists session snapshots and their OTP challenges. The snapshot
// and challenge live under separate keys but are always cleared together.
type Store interface {
	Save(ctx context.Context, s Session) error
	Find(ctx context.Context, id string) (Session, error)
	SaveChallenge(ctx context.Context, id string, ch Challenge) error
	FindChallenge(ctx context.Context, id string) (Challenge, error)
	ClearChallenge(ctx context.Context, id string) error
	Clear(ctx context.Context, id string) error
}

type memoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	challenges map[string]Challenge
}

// NewMemoryStore builds an in-memory session store for tests and local runs.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions:   make(map[string]Session),
		challenges: make(map[string]Challenge),
	}
}

func (s *memoryStore) Save(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memoryStore) Find(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *memoryStore) SaveChallenge(_ context.Context, id string, ch Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[id] = ch
	return nil
}

func (s *memoryStore) FindChallenge(_ context.Context, id string) (Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.challenges[id]
	if !ok {
		return Challenge{}, ErrNotFound
	}
	return ch, nil
}

func (s *memoryStore) ClearChallenge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
	return nil
}

func (s *memoryStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.challenges, id)
	return nil
}
