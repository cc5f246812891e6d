package memory

import (
	"context"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
)

type storedIntent struct {
	intent    domain.RejoinIntent
	expiresAt time.Time
}

// IntentStore keeps rejoin intents in process memory. Entries expire
// after ttl so a stale intent never outlives the grace window by much.
type IntentStore struct {
	mu      sync.RWMutex
	intents map[domain.UserID]storedIntent
	ttl     time.Duration
	now     func() time.Time
}

func NewIntentStore(ttl time.Duration) *IntentStore {
	return &IntentStore{
		intents: make(map[domain.UserID]storedIntent),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *IntentStore) Save(ctx context.Context, intent *domain.RejoinIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := storedIntent{intent: *intent}
	if s.ttl > 0 {
		entry.expiresAt = s.now().Add(s.ttl)
	}
	s.intents[intent.UserID] = entry
	return nil
}

func (s *IntentStore) Load(ctx context.Context, userID domain.UserID) (*domain.RejoinIntent, error) {
	s.mu.RLock()
	entry, ok := s.intents[userID]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		s.Clear(ctx, userID)
		return nil, domain.ErrIntentNotFound
	}
	intent := entry.intent
	return &intent, nil
}

func (s *IntentStore) Clear(ctx context.Context, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, userID)
	return nil
}
