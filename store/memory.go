package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pravuX/ksunira/errs"
)

type memSession struct {
	session   Session
	users     map[string]User
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired sessions are dropped lazily.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore whose sessions expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// lookupLocked returns a live session; the caller holds at least a read lock.
func (s *MemoryStore) lookupLocked(id string) (*memSession, bool) {
	ms, ok := s.sessions[id]
	if !ok || !s.now().Before(ms.expiresAt) {
		return nil, false
	}
	return ms, true
}

func (s *MemoryStore) CreateSession(_ context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := Session{
		ID:         uuid.NewString(),
		HostSecret: uuid.NewString(),
		Active:     true,
		CreatedAt:  s.now().UTC(),
	}
	s.sessions[sess.ID] = &memSession{
		session:   sess,
		users:     make(map[string]User),
		expiresAt: s.now().Add(s.ttl),
	}
	return &sess, nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookupLocked(id)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	sess := ms.session
	return &sess, nil
}

func (s *MemoryStore) SessionExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookupLocked(id); ok {
		return true, nil
	}
	delete(s.sessions, id)
	return false, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookupLocked(id); !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.lookupLocked(id)
	if !ok {
		return fmt.Errorf("session %s: %w", id, errs.ErrSessionGone)
	}
	ms.expiresAt = s.now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) AddUser(_ context.Context, sessionID, nickname string, isHost bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.lookupLocked(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	u := User{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Nickname:  nickname,
		IsHost:    isHost,
		JoinedAt:  s.now().UTC(),
	}
	ms.users[u.ID] = u
	ms.expiresAt = s.now().Add(s.ttl)
	return &u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, sessionID, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookupLocked(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	u, ok := ms.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, errs.ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, sessionID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookupLocked(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	users := make([]User, 0, len(ms.users))
	for _, u := range ms.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users, nil
}

func (s *MemoryStore) IsHost(_ context.Context, sessionID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.lookupLocked(sessionID)
	if !ok {
		return false, fmt.Errorf("session %s: %w", sessionID, errs.ErrSessionGone)
	}
	u, ok := ms.users[userID]
	return ok && u.IsHost, nil
}

// Count returns the number of stored sessions, expired ones included.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var _ Store = (*MemoryStore)(nil)
