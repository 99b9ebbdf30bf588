package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/record"
)

// MemoryStore is the in-process session store. The clock is injectable so
// expiry can be tested without real time.
type MemoryStore struct {
	ttl      time.Duration
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store with the given TTL. A nil clock
// means time.Now.
func NewMemoryStore(ttl time.Duration, clock func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		ttl:      ttl,
		now:      clock,
		sessions: make(map[string]*Session),
	}
}

func (s *MemoryStore) Create(_ context.Context, records []*record.Normalized, issues []record.Issue, eligible map[string]bool) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{
		Token:     uuid.NewString(),
		Status:    StatusOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Records:   records,
		Issues:    issues,
		Eligible:  eligible,
	}

	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *MemoryStore) Get(_ context.Context, token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(sess) {
		sess.Status = StatusExpired
		return nil, ErrExpired
	}
	return sess, nil
}

func (s *MemoryStore) Confirm(_ context.Context, token string) (*Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, false, ErrNotFound
	}

	switch sess.Status {
	case StatusConfirmed:
		if sess.Result == nil {
			return nil, false, ErrConfirmInFlight
		}
		return sess, false, nil
	case StatusExpired:
		return nil, false, ErrExpired
	}

	if s.expired(sess) {
		sess.Status = StatusExpired
		return nil, false, ErrExpired
	}

	sess.Status = StatusConfirmed
	return sess, true, nil
}

func (s *MemoryStore) SaveResult(_ context.Context, token string, result *delivery.OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return ErrNotFound
	}
	sess.Result = result
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}

// expired is called with the lock held.
func (s *MemoryStore) expired(sess *Session) bool {
	return s.now().After(sess.ExpiresAt)
}
